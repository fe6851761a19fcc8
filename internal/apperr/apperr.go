// Package apperr classifies failures from collaborators and local storage
// into the small set of kinds the retry and sync logic acts on.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
)

// Kind is the failure class of an error
type Kind string

const (
	KindTransientNetwork  Kind = "transient_network"
	KindAuthentication    Kind = "authentication"
	KindClientRequest     Kind = "client_request"
	KindServerUnavailable Kind = "server_unavailable"
	KindResourceMissing   Kind = "resource_missing"
	KindInternal          Kind = "internal"
)

// ErrOffline is returned when work is attempted without a route to the network
var ErrOffline = &Error{Kind: KindTransientNetwork, Op: "connectivity", Err: errors.New("not connected to internet")}

// Error carries a Kind alongside the operation that failed
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with an explicit kind
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// HTTPError is a non-2xx response from a collaborator
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Classify maps any error to a Kind. Typed checks run first; unknown errors
// fall back to message matching.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return kindForStatus(httpErr.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientNetwork
	}
	if errors.Is(err, os.ErrNotExist) {
		return KindResourceMissing
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindTransientNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransientNetwork
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.ENETDOWN) ||
		errors.Is(err, syscall.EPIPE) {
		return KindTransientNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransientNetwork
	}

	return classifyMessage(err.Error())
}

// Retryable reports whether err is worth another attempt
func Retryable(err error) bool {
	switch Classify(err) {
	case KindTransientNetwork, KindServerUnavailable:
		return true
	default:
		return false
	}
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthentication
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return KindTransientNetwork
	case status == http.StatusNotFound || status == http.StatusGone:
		return KindResourceMissing
	case status >= 500:
		return KindServerUnavailable
	case status >= 400:
		return KindClientRequest
	default:
		return KindInternal
	}
}

func classifyMessage(msg string) Kind {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "host is unreachable"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "not connected to internet"),
		strings.Contains(msg, "temporary"):
		return KindTransientNetwork
	case strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "gateway timeout"),
		strings.Contains(msg, "internal server error"):
		return KindServerUnavailable
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "token expired"):
		return KindAuthentication
	default:
		return KindInternal
	}
}
