package gateway

import (
	"context"

	"github.com/compresr/chat-bridge/internal/monitoring"
)

// PersistenceSink receives one record per finished turn. Calls happen off the
// request path; a failing sink never fails a client request.
type PersistenceSink interface {
	RecordTurn(ctx context.Context, rec monitoring.TurnRecord) error
}

// NopSink discards records.
type NopSink struct{}

// RecordTurn does nothing.
func (NopSink) RecordTurn(context.Context, monitoring.TurnRecord) error { return nil }

// Ensure sinks implement PersistenceSink
var (
	_ PersistenceSink = NopSink{}
	_ PersistenceSink = (*monitoring.Tracker)(nil)
)
