// Package monitoring - alerts.go flags anomalies and errors.
//
// DESIGN: AlertManager logs notable events at appropriate levels:
//   - FlagHighLatency:      Warn when a turn exceeds the threshold
//   - FlagProviderError:    Warn on upstream 4xx/5xx or rejected payloads
//   - FlagUpstreamTimeout:  Error on request or stream idle timeouts
//   - FlagSessionRecovered: Warn when a continuation lost its session
//   - FlagStreamError:      Warn when a stream ends with an in-band error
//   - FlagPanic:            Error on recovered panics
package monitoring

import "time"

// AlertManager flags anomalies and errors.
type AlertManager struct {
	logger               *Logger
	highLatencyThreshold time.Duration
}

// NewAlertManager creates a new alert manager.
func NewAlertManager(logger *Logger, cfg AlertConfig) *AlertManager {
	threshold := cfg.HighLatencyThreshold
	if threshold == 0 {
		threshold = 30 * time.Second
	}
	return &AlertManager{logger: logger, highLatencyThreshold: threshold}
}

// FlagHighLatency logs when turn latency exceeds threshold.
func (am *AlertManager) FlagHighLatency(requestID string, latency time.Duration, model string, stream bool) {
	if latency < am.highLatencyThreshold {
		return
	}
	am.logger.Warn().
		Str("request_id", requestID).
		Dur("latency", latency).
		Str("model", model).
		Bool("stream", stream).
		Msg("high_latency")
}

// FlagProviderError logs an upstream error.
func (am *AlertManager) FlagProviderError(requestID string, statusCode int, errorMsg string) {
	am.logger.Warn().
		Str("request_id", requestID).
		Int("status", statusCode).
		Str("error", errorMsg).
		Msg("upstream_error")
}

// FlagUpstreamTimeout logs an upstream timeout.
func (am *AlertManager) FlagUpstreamTimeout(requestID, phase string, timeout time.Duration) {
	am.logger.Error().
		Str("request_id", requestID).
		Str("phase", phase).
		Dur("timeout", timeout).
		Msg("upstream_timeout")
}

// FlagSessionRecovered logs a continuation whose session could not be found.
func (am *AlertManager) FlagSessionRecovered(requestID, sessionID, reason string) {
	am.logger.Warn().
		Str("request_id", requestID).
		Str("session_id", sessionID).
		Str("reason", reason).
		Msg("session_recovery_fallback")
}

// FlagStreamError logs a stream that failed after headers were sent.
func (am *AlertManager) FlagStreamError(requestID, sessionID string, err error) {
	am.logger.Warn().
		Str("request_id", requestID).
		Str("session_id", sessionID).
		Err(err).
		Msg("stream_error")
}

// FlagInvalidRequest logs an invalid request.
func (am *AlertManager) FlagInvalidRequest(requestID, reason string) {
	am.logger.Debug().
		Str("request_id", requestID).
		Str("reason", reason).
		Msg("invalid_request")
}

// FlagPanic logs recovered panic.
func (am *AlertManager) FlagPanic(requestID string, panicValue any, stack string) {
	am.logger.Error().
		Str("request_id", requestID).
		Interface("panic", panicValue).
		Str("stack", stack).
		Msg("panic_recovered")
}
