// Package monitoring - request_logger.go logs the request lifecycle.
//
// DESIGN: Structured logging for request tracing at DEBUG level:
//   - LogIncoming:  Request received from client
//   - LogSession:   Session resolved for the request
//   - LogOutgoing:  Request forwarded upstream
//   - LogResponse:  Response sent to client
package monitoring

import (
	"net/http"
	"time"
)

// RequestLogger logs HTTP request lifecycle events.
type RequestLogger struct {
	logger *Logger
}

// NewRequestLogger creates a new request logger.
func NewRequestLogger(logger *Logger) *RequestLogger {
	return &RequestLogger{logger: logger}
}

// RequestInfo contains incoming request information.
type RequestInfo struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
	BodySize   int
	StartTime  time.Time
}

// NewRequestInfo creates RequestInfo from an HTTP request.
func NewRequestInfo(r *http.Request, requestID string, bodySize int) *RequestInfo {
	return &RequestInfo{
		RequestID:  requestID,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		BodySize:   bodySize,
		StartTime:  time.Now(),
	}
}

// LogIncoming logs an incoming request.
func (rl *RequestLogger) LogIncoming(info *RequestInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("method", info.Method).
		Str("path", info.Path).
		Int("body_size", info.BodySize).
		Msg("incoming")
}

// SessionInfo describes how a request was bound to a session.
type SessionInfo struct {
	RequestID string
	SessionID string
	Outcome   string // created, resolved, fallback, recovered
	TurnCount int
}

// LogSession logs session resolution.
func (rl *RequestLogger) LogSession(info *SessionInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("session_id", info.SessionID).
		Str("outcome", info.Outcome).
		Int("turn", info.TurnCount).
		Msg("session")
}

// OutgoingRequestInfo contains outgoing request information.
type OutgoingRequestInfo struct {
	RequestID   string
	ChatID      string
	Model       string
	BodySize    int
	Messages    int
	Stream      bool
	HasParentID bool
}

// LogOutgoing logs an outgoing request.
func (rl *RequestLogger) LogOutgoing(info *OutgoingRequestInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("chat_id", info.ChatID).
		Str("model", info.Model).
		Int("body_size", info.BodySize).
		Int("messages", info.Messages).
		Bool("stream", info.Stream).
		Bool("continuation", info.HasParentID).
		Msg("outgoing")
}

// ResponseInfo contains response information.
type ResponseInfo struct {
	RequestID  string
	StatusCode int
	Latency    time.Duration
}

// LogResponse logs a response.
func (rl *RequestLogger) LogResponse(info *ResponseInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Int("status", info.StatusCode).
		Dur("latency", info.Latency).
		Msg("response")
}
