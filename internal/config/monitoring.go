// Monitoring configuration - telemetry and logging settings.
//
// DESIGN: Separates logging (zerolog) from telemetry (the JSONL turn log).
// Logging is for operators, telemetry is for analytics/debugging.
package config

import (
	"time"

	"github.com/compresr/chat-bridge/internal/monitoring"
)

// MonitoringConfig contains all monitoring settings.
type MonitoringConfig struct {
	// Logging settings
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console
	LogOutput string `yaml:"log_output"` // stdout, stderr, or file path

	// Telemetry settings
	TelemetryEnabled bool   `yaml:"telemetry_enabled"` // Record one JSONL line per turn
	TelemetryPath    string `yaml:"telemetry_path"`    // Path to the turn log
	LogToStdout      bool   `yaml:"log_to_stdout"`     // Also log turns to stdout

	HighLatencyThreshold time.Duration `yaml:"high_latency_threshold"`
	StatsInterval        time.Duration `yaml:"stats_interval"` // 0 logs stats only at shutdown
}

// Logger returns the logger settings.
func (m MonitoringConfig) Logger() monitoring.LoggerConfig {
	return monitoring.LoggerConfig{Level: m.LogLevel, Format: m.LogFormat, Output: m.LogOutput}
}

// Telemetry returns the turn log settings.
func (m MonitoringConfig) Telemetry() monitoring.TelemetryConfig {
	return monitoring.TelemetryConfig{
		Enabled:     m.TelemetryEnabled,
		LogPath:     m.TelemetryPath,
		LogToStdout: m.LogToStdout,
	}
}

// Alerts returns the alert thresholds.
func (m MonitoringConfig) Alerts() monitoring.AlertConfig {
	return monitoring.AlertConfig{HighLatencyThreshold: m.HighLatencyThreshold}
}
