// Package gateway types - shared constants and per-request state.
//
// DESIGN: Types used by the gateway for:
//   - HTTP surface constants (headers, routes, limits)
//   - turn: state carried through one chat-completion request
//
// Types are defined here to keep handler.go and orchestrator.go focused.
package gateway

import (
	"time"

	"github.com/compresr/chat-bridge/internal/adapters"
	"github.com/compresr/chat-bridge/internal/monitoring"
	"github.com/compresr/chat-bridge/internal/session"
)

// =============================================================================
// HTTP SURFACE
// =============================================================================

// HeaderRequestID carries the correlation id in both directions.
const HeaderRequestID = "X-Request-ID"

// MaxRateLimitBuckets bounds the per-IP limiter's memory.
const MaxRateLimitBuckets = 10000

// Routes.
const (
	RouteChatCompletions = "POST /v1/chat/completions"
	RouteModels          = "GET /v1/models"
	RouteDeleteSession   = "DELETE /v1/sessions/{id}"
)

// Error types of the client protocol's error envelope.
const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeAuthentication = "authentication_error"
	errTypeUpstream       = "upstream_error"
	errTypeSessionBusy    = "session_busy"
	errTypeNotFound       = "not_found_error"
	errTypeRateLimit      = "rate_limit_error"
	errTypeStream         = "stream_error"
	errTypeInternal       = "internal_error"
)

// Session outcomes, as logged and recorded.
const (
	outcomeCreated   = "created"
	outcomeResolved  = "resolved"
	outcomeFallback  = "fallback"
	outcomeRecovered = "recovered"
)

// =============================================================================
// TURN - Carries state through one chat-completion request
// =============================================================================

// turn is created when a chat-completion request arrives and handed to the
// persistence sink when it ends.
type turn struct {
	correlationID string
	started       time.Time

	req     *adapters.ChatRequest
	model   string
	sess    *session.Session
	outcome string

	record monitoring.TurnRecord
}

func newTurn(correlationID string, req *adapters.ChatRequest, now time.Time) *turn {
	return &turn{
		correlationID: correlationID,
		started:       now,
		req:           req,
		record: monitoring.TurnRecord{
			CorrelationID: correlationID,
			Timestamp:     now,
			Model:         req.Model,
			Stream:        req.Stream,
			Status:        monitoring.TurnFailed,
		},
	}
}

// fail marks the turn as failed with err.
func (t *turn) fail(err error) {
	t.record.Status = monitoring.TurnFailed
	if err != nil {
		t.record.Error = err.Error()
	}
}

// abort marks the turn as abandoned by the client.
func (t *turn) abort() {
	t.record.Status = monitoring.TurnAborted
	t.record.Error = "client disconnected"
}
