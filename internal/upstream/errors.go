// Package upstream calls the proprietary chat service.
//
// DESIGN: Two calls make up the whole protocol: create a conversation, then
// post completions into it. Everything network-facing goes through the small
// Transport interface so tests can swap in httptest servers or fakes, and
// every failure comes back as *Error with a Kind that decides retry and the
// client-facing status.
//
// FILES:
//   - errors.go:      Error and classification
//   - credentials.go: CredentialProvider and the static implementation
//   - transport.go:   Transport over net/http with the request timeout
//   - retry.go:       RetryPolicy and Retrier
//   - client.go:      Client with the two protocol calls
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

const (
	// maxResponseSize prevents OOM on unexpectedly large responses (10MB).
	maxResponseSize = 10 * 1024 * 1024

	// maxErrorBodyLen limits error bodies in error messages to avoid log bloat.
	maxErrorBodyLen = 500
)

// Kind classifies upstream failures.
type Kind string

const (
	KindNetwork  Kind = "network"
	KindAuth     Kind = "auth"
	KindClient   Kind = "client"
	KindServer   Kind = "server"
	KindProtocol Kind = "protocol"
)

// Error is an upstream failure before the answer stream began.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s error (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("upstream %s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether trying again may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindServer
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ue *Error
	return errors.As(err, &ue) && ue.Retryable()
}

// statusError classifies a non-2xx response.
func statusError(code int, body []byte) *Error {
	kind := KindClient
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = KindAuth
	case code >= 500:
		kind = KindServer
	}
	return &Error{Kind: kind, StatusCode: code, Message: truncate(string(body))}
}

func truncate(s string) string {
	if len(s) > maxErrorBodyLen {
		return s[:maxErrorBodyLen] + "... (truncated)"
	}
	return s
}
