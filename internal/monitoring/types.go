// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by gateway/, config/ and monitoring/.
// Defined here ONCE to avoid circular imports.
//
// TYPES:
//   - TurnStatus:   Outcome of one chat-completion turn
//   - TurnRecord:   Record handed to the persistence sink per turn
//   - Config types: TelemetryConfig, LoggerConfig, AlertConfig
package monitoring

import "time"

// =============================================================================
// TURN RECORDS - one per chat-completion request
// =============================================================================

// TurnStatus is the outcome of a turn.
type TurnStatus string

const (
	TurnCompleted TurnStatus = "completed"
	TurnFailed    TurnStatus = "failed"
	TurnAborted   TurnStatus = "aborted" // client went away
)

// TurnRecord captures one turn through the gateway.
type TurnRecord struct {
	CorrelationID  string     `json:"correlation_id"`
	Timestamp      time.Time  `json:"timestamp"`
	SessionID      string     `json:"session_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Model          string     `json:"model,omitempty"`
	Stream         bool       `json:"stream"`
	ParentID       string     `json:"parent_id,omitempty"`
	ContinuationID string     `json:"continuation_id,omitempty"`
	NewSession     bool       `json:"new_session,omitempty"`
	Recovered      bool       `json:"recovered,omitempty"`
	Status         TurnStatus `json:"status"`
	FinishReason   string     `json:"finish_reason,omitempty"`
	ToolCalls      int        `json:"tool_calls,omitempty"`
	InputTokens    int        `json:"input_tokens,omitempty"`
	OutputTokens   int        `json:"output_tokens,omitempty"`
	TotalTokens    int        `json:"total_tokens,omitempty"`
	UsageEstimated bool       `json:"usage_estimated,omitempty"`
	Error          string     `json:"error,omitempty"`
	LatencyMs      int64      `json:"latency_ms"`
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// TelemetryConfig contains the turn log configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}

// LoggerConfig contains logging configuration.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// AlertConfig contains alert thresholds.
type AlertConfig struct {
	HighLatencyThreshold time.Duration `yaml:"high_latency_threshold"`
}
