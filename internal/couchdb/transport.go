// Copyright 2025 SirSeer, LLC
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://mariadb.com/bsl11
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package couchdb

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/sirseerhq/couchdump/internal/httperror"
	"github.com/sirseerhq/couchdump/pkg/version"
)

// headerTransport adds the headers every request to the server carries.
type headerTransport struct {
	base http.RoundTripper
}

// RoundTrip implements http.RoundTripper
func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original
	req = req.Clone(req.Context())

	req.Header.Set("User-Agent", version.UserAgent())
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	return t.base.RoundTrip(req)
}

// limitTransport throttles outgoing requests to a fixed rate. Waiting
// honours the request context.
type limitTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func newLimitTransport(base http.RoundTripper, perSecond float64) http.RoundTripper {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &limitTransport{
		base:    base,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// RoundTrip implements http.RoundTripper
func (t *limitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

// retryTransport retries requests that failed at the connection level with
// exponential backoff.
// It sits below the exporter, which never retries by itself.
type retryTransport struct {
	base       http.RoundTripper
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	inspector  httperror.Inspector
	logger     *slog.Logger
}

func newRetryTransport(base http.RoundTripper, maxRetries int, logger *slog.Logger) *retryTransport {
	return &retryTransport{
		base:       base,
		maxRetries: maxRetries,
		backoff:    500 * time.Millisecond,
		maxBackoff: 10 * time.Second,
		inspector:  httperror.NewErrorChainInspector(httperror.NewInspector()),
		logger:     logger,
	}
}

// RoundTrip implements http.RoundTripper with retry logic. Only requests
// that never produced a response are retried; every status, 5xx included,
// is handed back to the caller.
func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var lastErr error
	backoff := t.backoff
	attempts := t.maxRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		// Clone request for each attempt
		clonedReq := req.Clone(req.Context())

		resp, err := t.base.RoundTrip(clonedReq)
		if err == nil {
			return resp, nil
		}
		if !t.inspector.IsRetryable(err) {
			return nil, err
		}
		lastErr = httperror.WithRetryInfo(err, attempt+1, attempts)

		// Don't retry on the last attempt
		if attempt < attempts-1 {
			t.logger.Debug("retrying request",
				"url", req.URL.Redacted(),
				"error", lastErr,
				"backoff", backoff)

			select {
			case <-time.After(backoff):
				backoff *= 2
				if backoff > t.maxBackoff {
					backoff = t.maxBackoff
				}
			case <-req.Context().Done():
				return nil, req.Context().Err()
			}
		}
	}

	return nil, lastErr
}

// newTransport builds the transport stack: headers, retries, throttling and
// a pooled base transport, outermost first.
func newTransport(opts Options, logger *slog.Logger) http.RoundTripper {
	dialer := &net.Dialer{Timeout: opts.Timeout, KeepAlive: 30 * time.Second}
	var rt http.RoundTripper = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.Timeout,
		ResponseHeaderTimeout: opts.Timeout,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	if opts.RateLimit > 0 {
		rt = newLimitTransport(rt, opts.RateLimit)
	}
	if opts.MaxRetries > 0 {
		rt = newRetryTransport(rt, opts.MaxRetries, logger)
	}
	return &headerTransport{base: rt}
}
