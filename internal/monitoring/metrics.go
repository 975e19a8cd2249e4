// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - requests/successes:          chat-completion turns
//   - upstream_attempts/retries:   calls to the upstream and retried failures
//   - sessions_*:                  registry outcomes (created, resolved, recovered, evicted)
//   - stream_errors:               streams that ended with an in-band error
//
// Stats() is logged periodically by the gateway; there is no endpoint.
package monitoring

import (
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	requests          atomic.Int64
	successes         atomic.Int64
	upstreamAttempts  atomic.Int64
	retries           atomic.Int64
	sessionsCreated   atomic.Int64
	sessionsResolved  atomic.Int64
	sessionsRecovered atomic.Int64
	evictions         atomic.Int64
	streamErrors      atomic.Int64
	latencyMs         atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordRequest records a finished turn.
func (mc *MetricsCollector) RecordRequest(success bool, latency time.Duration) {
	mc.requests.Add(1)
	if success {
		mc.successes.Add(1)
	}
	mc.latencyMs.Add(latency.Milliseconds())
}

// RecordUpstreamAttempt records one upstream call.
func (mc *MetricsCollector) RecordUpstreamAttempt() { mc.upstreamAttempts.Add(1) }

// RecordRetry records a retried upstream failure.
func (mc *MetricsCollector) RecordRetry() { mc.retries.Add(1) }

// RecordSessionCreated records a new session.
func (mc *MetricsCollector) RecordSessionCreated() { mc.sessionsCreated.Add(1) }

// RecordSessionResolved records a continuation that found its session.
func (mc *MetricsCollector) RecordSessionResolved() { mc.sessionsResolved.Add(1) }

// RecordSessionRecovered records a continuation that needed a fresh session.
func (mc *MetricsCollector) RecordSessionRecovered() { mc.sessionsRecovered.Add(1) }

// RecordEvictions records sessions removed by the janitor.
func (mc *MetricsCollector) RecordEvictions(n int) { mc.evictions.Add(int64(n)) }

// RecordStreamError records a stream that ended in error.
func (mc *MetricsCollector) RecordStreamError() { mc.streamErrors.Add(1) }

// Stats returns current metrics.
func (mc *MetricsCollector) Stats() map[string]int64 {
	stats := map[string]int64{
		"requests":           mc.requests.Load(),
		"successes":          mc.successes.Load(),
		"upstream_attempts":  mc.upstreamAttempts.Load(),
		"retries":            mc.retries.Load(),
		"sessions_created":   mc.sessionsCreated.Load(),
		"sessions_resolved":  mc.sessionsResolved.Load(),
		"sessions_recovered": mc.sessionsRecovered.Load(),
		"sessions_evicted":   mc.evictions.Load(),
		"stream_errors":      mc.streamErrors.Load(),
	}
	if n := stats["requests"]; n > 0 {
		stats["avg_latency_ms"] = mc.latencyMs.Load() / n
	}
	return stats
}
