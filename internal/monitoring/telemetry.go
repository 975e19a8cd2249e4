// Package monitoring - telemetry.go records turns to a JSONL file.
//
// DESIGN: Tracker writes one TurnRecord per line, appended immediately after
// each turn for real-time logging. It is the gateway's persistence sink; the
// gateway calls RecordTurn off the request path.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrTrackerClosed is returned by RecordTurn after Close.
var ErrTrackerClosed = errors.New("telemetry tracker closed")

// Tracker handles turn recording to file and stdout.
type Tracker struct {
	config    TelemetryConfig
	logPath   string
	turnCount int
	closed    bool
	mu        sync.Mutex
}

// NewTracker creates a new telemetry tracker.
func NewTracker(cfg TelemetryConfig) (*Tracker, error) {
	t := &Tracker{
		config: cfg,
	}

	if !cfg.Enabled {
		return t, nil
	}

	if cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0750); err != nil {
			return nil, err
		}
		t.logPath = cfg.LogPath
		// Create empty file if it doesn't exist
		if _, err := os.Stat(cfg.LogPath); os.IsNotExist(err) {
			if f, err := os.Create(cfg.LogPath); err == nil {
				f.Close()
			}
		}
	}

	return t, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// RecordTurn records one turn.
func (t *Tracker) RecordTurn(ctx context.Context, rec TurnRecord) error {
	if !t.config.Enabled {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTrackerClosed
	}

	if t.config.LogToStdout {
		log.Info().
			Str("request_id", rec.CorrelationID).
			Str("session_id", rec.SessionID).
			Str("status", string(rec.Status)).
			Str("finish_reason", rec.FinishReason).
			Int64("latency_ms", rec.LatencyMs).
			Msg("turn")
	}

	if t.logPath == "" {
		return nil
	}
	if err := appendJSONL(t.logPath, rec); err != nil {
		log.Error().Err(err).Str("path", t.logPath).Msg("telemetry: failed to write turn record")
		return err
	}
	t.turnCount++
	return nil
}

// Turns returns how many records were written.
func (t *Tracker) Turns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.turnCount
}

// Close stops further recording.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if t.logPath != "" && t.turnCount > 0 {
		log.Info().
			Str("path", t.logPath).
			Int("turns", t.turnCount).
			Msg("telemetry: log closed")
	}
	return nil
}
