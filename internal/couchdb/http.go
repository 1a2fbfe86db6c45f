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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	dumperrors "github.com/sirseerhq/couchdump/internal/errors"
	"github.com/sirseerhq/couchdump/internal/httperror"
)

// Endpoint labels used for request observation.
const (
	EndpointDatabase = "database"
	EndpointAllDocs  = "all_docs"
	EndpointDocument = "document"
)

// RequestObserver is notified after every completed request. Code is 0
// when no response was received.
type RequestObserver interface {
	ObserveRequest(endpoint string, code int, elapsed time.Duration)
}

// MultiObserver fans a request observation out to several observers.
type MultiObserver []RequestObserver

// ObserveRequest implements RequestObserver.
func (m MultiObserver) ObserveRequest(endpoint string, code int, elapsed time.Duration) {
	for _, o := range m {
		o.ObserveRequest(endpoint, code, elapsed)
	}
}

// Options configures an HTTPClient.
type Options struct {
	// BaseURL is the database URL, e.g. http://localhost:5984/mydb.
	// A trailing slash is removed.
	BaseURL string

	// HTTPClient replaces the default client and its transport stack.
	HTTPClient *http.Client

	// Timeout bounds connecting and waiting for response headers. Bodies
	// are read without a deadline so a long listing can stream at the
	// pace the consumer fetches documents.
	Timeout    time.Duration
	MaxRetries int
	RateLimit  float64

	Logger   *slog.Logger
	Observer RequestObserver
}

// Request describes a single request against the database. Body is nil
// for the GETs the exporter issues.
type Request struct {
	Method   string
	URL      string
	Header   http.Header
	Body     io.Reader
	Endpoint string
}

// HTTPClient implements Client over the CouchDB HTTP API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	inspector  httperror.Inspector
	logger     *slog.Logger
	observer   RequestObserver
}

// NewHTTPClient creates a client for the database at opts.BaseURL.
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL %q: %w", opts.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid database URL %q: scheme must be http or https", opts.BaseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid database URL %q: missing host", opts.BaseURL)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: newTransport(opts, logger)}
	}

	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		inspector:  httperror.NewInspector(),
		logger:     logger,
		observer:   opts.Observer,
	}, nil
}

// BaseURL returns the normalized database URL.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// DatabaseName returns the last path segment of the database URL.
func (c *HTTPClient) DatabaseName() string {
	return DatabaseName(c.baseURL)
}

// DatabaseName returns the unescaped last path segment of a database URL.
func DatabaseName(rawURL string) string {
	u, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return ""
	}
	path := u.EscapedPath()
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	name, err := url.PathUnescape(path)
	if err != nil {
		return path
	}
	return name
}

func (c *HTTPClient) newRequest(endpoint string, query url.Values, segments ...string) Request {
	u := strings.Join(append([]string{c.baseURL}, segments...), "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	header := make(http.Header)
	header.Set("Accept", "application/json")
	return Request{
		Method:   http.MethodGet,
		URL:      u,
		Header:   header,
		Endpoint: endpoint,
	}
}

// do issues req and returns the response for a 2xx status. Every other
// outcome is mapped to one of the sentinel errors.
func (c *HTTPClient) do(ctx context.Context, req Request) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, req.Body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for name, values := range req.Header {
		httpReq.Header[name] = values
	}

	redacted := httpReq.URL.Redacted()
	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		c.observe(req.Endpoint, 0, elapsed)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s %s: %w", req.Method, redacted, ctxErr)
		}
		return nil, c.mapTransportError(err, req.Method, redacted)
	}
	c.observe(req.Endpoint, resp.StatusCode, elapsed)
	c.logger.Debug("request completed",
		"method", req.Method,
		"url", redacted,
		"status", resp.StatusCode,
		"elapsed", elapsed)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, c.mapStatusError(resp, req.Method, redacted)
}

func (c *HTTPClient) observe(endpoint string, code int, elapsed time.Duration) {
	if c.observer != nil {
		c.observer.ObserveRequest(endpoint, code, elapsed)
	}
}

// mapTransportError maps transport failures to our domain errors with actionable messages
func (c *HTTPClient) mapTransportError(err error, method, redacted string) error {
	if c.inspector.IsTimeoutError(err) {
		return fmt.Errorf("%s %s timed out. Check the server or raise the timeout: %w: %w",
			method, redacted, dumperrors.ErrConnectivity, err)
	}
	return fmt.Errorf("%s %s failed. Check that the database server is reachable: %w: %w",
		method, redacted, dumperrors.ErrConnectivity, err)
}

func (c *HTTPClient) mapStatusError(resp *http.Response, method, redacted string) error {
	statusErr := &httperror.StatusError{
		StatusCode: resp.StatusCode,
		Method:     method,
		URL:        redacted,
	}

	var body struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024)); err == nil {
		if json.Unmarshal(data, &body) == nil {
			statusErr.Reason = body.Reason
			if statusErr.Reason == "" {
				statusErr.Reason = body.Error
			}
		}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", dumperrors.ErrNotFound, statusErr)
	case httperror.IsRetryableStatus(resp.StatusCode):
		return fmt.Errorf("%w: %w", dumperrors.ErrConnectivity, statusErr)
	default:
		return fmt.Errorf("%w: %w", dumperrors.ErrProtocol, statusErr)
	}
}

// DatabaseInfo retrieves database metadata including the document count.
func (c *HTTPClient) DatabaseInfo(ctx context.Context) (*DatabaseInfo, error) {
	resp, err := c.do(ctx, c.newRequest(EndpointDatabase, nil))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw struct {
		Name           string `json:"db_name"`
		DocCount       *int   `json:"doc_count"`
		DocDeleteCount int    `json:"doc_del_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("decoding database info: %v: %w", err, dumperrors.ErrProtocol)
	}
	if raw.DocCount == nil {
		return nil, fmt.Errorf("database info has no doc_count: %w", dumperrors.ErrProtocol)
	}
	if *raw.DocCount < 0 {
		return nil, fmt.Errorf("database info has negative doc_count %d: %w", *raw.DocCount, dumperrors.ErrProtocol)
	}

	return &DatabaseInfo{
		Name:           raw.Name,
		DocCount:       *raw.DocCount,
		DocDeleteCount: raw.DocDeleteCount,
	}, nil
}

// ListChunk requests one page of _all_docs. The response body is decoded
// lazily by the returned iterator.
func (c *HTTPClient) ListChunk(ctx context.Context, offset, size int, includeDocs bool) (RowIterator, error) {
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative, got %d", offset)
	}
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(size))
	query.Set("skip", strconv.Itoa(offset))
	if includeDocs {
		query.Set("include_docs", "true")
		query.Set("attachments", "true")
	}

	resp, err := c.do(ctx, c.newRequest(EndpointAllDocs, query, "_all_docs"))
	if err != nil {
		return nil, err
	}
	return NewRowIterator(resp.Body, includeDocs), nil
}

// FetchDocument retrieves a single document with inline attachments.
func (c *HTTPClient) FetchDocument(ctx context.Context, id string) (*Document, error) {
	query := url.Values{}
	query.Set("attachments", "true")

	resp, err := c.do(ctx, c.newRequest(EndpointDocument, query, EscapeDocumentID(id)))
	if err != nil {
		return nil, fmt.Errorf("document %q: %w", id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, c.mapTransportError(err, http.MethodGet, resp.Request.URL.Redacted())
	}

	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("document %q: %w", id, err)
	}
	if doc.ID != id {
		c.logger.Warn("document id differs from listed id", "listed", id, "fetched", doc.ID)
	}
	return doc, nil
}

// EscapeDocumentID escapes a document id for use as a path segment. Design
// documents keep their literal "_design/" prefix.
func EscapeDocumentID(id string) string {
	const designPrefix = "_design/"
	if strings.HasPrefix(id, designPrefix) {
		return designPrefix + url.PathEscape(strings.TrimPrefix(id, designPrefix))
	}
	return url.PathEscape(id)
}

// IsInterrupted reports whether err was caused by context cancellation.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}
