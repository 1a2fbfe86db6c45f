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

package httperror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Inspector provides methods for analyzing transport errors.
type Inspector interface {
	// IsNetworkError returns true if the error represents a network connectivity error.
	IsNetworkError(err error) bool

	// IsTimeoutError returns true if the error represents a timeout.
	IsTimeoutError(err error) bool

	// IsRetryable returns true if repeating the request may succeed.
	IsRetryable(err error) bool
}

// NetworkInspector implements the Inspector interface for net/http errors.
type NetworkInspector struct{}

// NewInspector creates a new NetworkInspector.
func NewInspector() Inspector {
	return &NetworkInspector{}
}

// IsNetworkError checks if the error is a network connectivity error.
// Typed errors from the net package are checked first, the message is
// inspected as a fallback for errors that were flattened into strings.
func (i *NetworkInspector) IsNetworkError(err error) bool {
	if err == nil || isCancellation(err) {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	// Server closed the connection before a full response arrived.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if i.IsTimeoutError(err) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "dial tcp") ||
		strings.Contains(errStr, "tls handshake") ||
		strings.Contains(errStr, "network is unreachable")
}

// IsTimeoutError checks if the error is a timeout, excluding caller cancellation.
func (i *NetworkInspector) IsTimeoutError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// IsRetryable reports whether the error is transient. Cancellation by the
// caller is never retryable.
func (i *NetworkInspector) IsRetryable(err error) bool {
	if err == nil || isCancellation(err) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return IsRetryableStatus(statusErr.StatusCode)
	}
	return i.IsNetworkError(err)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsRetryableStatus checks if an HTTP status code should trigger a retry.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Method     string
	URL        string
	// Reason is the CouchDB "reason" field when the error body carried one.
	Reason string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// RetryError records how many attempts were made before giving up.
type RetryError struct {
	Err         error
	Attempts    int
	MaxAttempts int
}

// WithRetryInfo wraps err with the attempt counters.
func WithRetryInfo(err error, attempt, maxAttempts int) error {
	if err == nil {
		return nil
	}
	return &RetryError{Err: err, Attempts: attempt, MaxAttempts: maxAttempts}
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%v (attempt %d/%d)", e.Err, e.Attempts, e.MaxAttempts)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// ErrorChainInspector wraps a base inspector and adds support for checking errors
// in the error chain using errors.As.
type ErrorChainInspector struct {
	base Inspector
}

// NewErrorChainInspector creates a new ErrorChainInspector that checks both
// the error chain and falls back to the base inspector.
func NewErrorChainInspector(base Inspector) Inspector {
	return &ErrorChainInspector{base: base}
}

// IsNetworkError checks the error chain first, then falls back to base inspector.
func (e *ErrorChainInspector) IsNetworkError(err error) bool {
	var networkErr interface{ IsNetworkError() bool }
	if errors.As(err, &networkErr) && networkErr.IsNetworkError() {
		return true
	}
	return e.base.IsNetworkError(err)
}

// IsTimeoutError checks the error chain first, then falls back to base inspector.
func (e *ErrorChainInspector) IsTimeoutError(err error) bool {
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return true
	}
	return e.base.IsTimeoutError(err)
}

// IsRetryable checks the error chain first, then falls back to base inspector.
func (e *ErrorChainInspector) IsRetryable(err error) bool {
	var retryErr interface{ Temporary() bool }
	if errors.As(err, &retryErr) && retryErr.Temporary() && !isCancellation(err) {
		return true
	}
	return e.base.IsRetryable(err)
}
