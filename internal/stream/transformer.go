// Package stream turns upstream answer events into client chunks.
//
// DESIGN: One Transformer per request, driven by the orchestrator. It moves
// through explicit phases so that every terminal path is visible:
//
//	PhaseInit -> PhaseStreaming -> PhaseFinalizing -> PhaseDone
//	                 |
//	                 +-> PhaseError
//
// The accumulated state (text, continuation id, usage, tool calls) is the same
// for streaming and buffered clients: Completion() is built from exactly what
// the streamed chunks carried.
//
// FILES:
//   - transformer.go: phases and chunk emission
//   - sse.go:         SSE line reader
//   - pump.go:        read loop with idle timeout
//   - usage.go:       token estimation when the upstream omits usage
package stream

import (
	"errors"
	"strings"

	"github.com/compresr/chat-bridge/internal/adapters"
	"github.com/compresr/chat-bridge/internal/envelope"
	"github.com/compresr/chat-bridge/internal/toolbridge"
)

// Phase is the transformer's lifecycle position.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseStreaming
	PhaseFinalizing
	PhaseDone
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseStreaming:
		return "streaming"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseDone:
		return "done"
	case PhaseError:
		return "error"
	}
	return "unknown"
}

// Status is the terminal status of the answer.
type Status string

const (
	StatusNone      Status = "none"
	StatusStop      Status = "stop"
	StatusToolCalls Status = "tool_calls"
	StatusError     Status = "error"
)

// ErrFinalized is returned by Finish on a transformer that already ended.
var ErrFinalized = errors.New("stream already finalized")

// Result is the assembled answer.
type Result struct {
	Content        string
	ToolCalls      []adapters.ToolCall
	FinishReason   string
	Status         Status
	Usage          *adapters.Usage
	ContinuationID string
	ConversationID string
}

// Transformer accumulates one upstream answer. It is not safe for concurrent
// use.
type Transformer struct {
	meta         adapters.ChunkMeta
	toolNames    []string
	includeUsage bool

	phase    Phase
	status   Status
	finished bool
	events   int
	roleSent bool
	text     strings.Builder

	continuationID string
	conversationID string
	usage          *adapters.Usage
	calls          []adapters.ToolCall
	err            error
}

// NewTransformer creates a transformer. toolNames are the tools the model may
// call; includeUsage adds a usage chunk before [DONE] when usage is known.
func NewTransformer(meta adapters.ChunkMeta, toolNames []string, includeUsage bool) *Transformer {
	return &Transformer{
		meta:         meta,
		toolNames:    toolNames,
		includeUsage: includeUsage,
		phase:        PhaseInit,
		status:       StatusNone,
	}
}

// Ingest consumes one event and returns the client chunks it produced. An
// upstream error event moves the transformer to PhaseError and is returned as
// a *Error.
func (t *Transformer) Ingest(ev envelope.Event) ([][]byte, error) {
	if t.phase >= PhaseFinalizing {
		return nil, nil
	}
	t.events++

	if ev.ConversationID != "" && t.conversationID == "" {
		t.conversationID = ev.ConversationID
	}
	if ev.ContinuationID != "" && t.continuationID == "" {
		t.continuationID = ev.ContinuationID
	}
	if ev.Usage != nil {
		t.usage = &adapters.Usage{
			PromptTokens:     ev.Usage.InputTokens,
			CompletionTokens: ev.Usage.OutputTokens,
			TotalTokens:      ev.Usage.TotalTokens,
		}
	}

	if ev.Err != nil {
		t.phase = PhaseError
		t.status = StatusError
		t.err = &Error{Kind: KindUpstream, Err: ev.Err}
		return nil, t.err
	}

	if ev.Init {
		return nil, nil
	}
	t.phase = PhaseStreaming
	if t.finished {
		return nil, nil
	}

	var out [][]byte
	if ev.Emittable() && ev.Content != "" {
		t.text.WriteString(ev.Content)
		out = append(out, adapters.ContentChunk(t.meta, ev.Content, !t.roleSent))
		t.roleSent = true
	}
	if ev.Finished() {
		t.finished = true
	}
	return out, nil
}

// Finish ends a successful stream: it decodes tool calls and returns the
// finish chunk, the optional usage chunk and the [DONE] payload.
func (t *Transformer) Finish() ([][]byte, error) {
	if t.phase >= PhaseFinalizing {
		return nil, ErrFinalized
	}
	t.phase = PhaseFinalizing

	t.calls = toolbridge.Decode(t.text.String(), t.toolNames)
	reason := adapters.FinishStop
	t.status = StatusStop
	if len(t.calls) > 0 {
		reason = adapters.FinishToolCalls
		t.status = StatusToolCalls
	}

	out := [][]byte{adapters.FinishChunk(t.meta, reason, t.calls, !t.roleSent)}
	t.roleSent = true
	if t.includeUsage && t.usage != nil {
		out = append(out, adapters.UsageChunk(t.meta, *t.usage))
	}
	out = append(out, adapters.Done)

	t.phase = PhaseDone
	return out, nil
}

// Fail ends the stream with an in-band error chunk followed by [DONE].
func (t *Transformer) Fail(err error, correlationID string) [][]byte {
	t.phase = PhaseError
	t.status = StatusError
	if t.err == nil {
		t.err = err
	}
	return [][]byte{
		adapters.ErrorBody(err.Error(), "stream_error", nil, correlationID),
		adapters.Done,
	}
}

// SetUsage overrides the usage totals.
func (t *Transformer) SetUsage(u adapters.Usage) {
	t.usage = &u
}

// Usage returns the known usage, or nil.
func (t *Transformer) Usage() *adapters.Usage {
	return t.usage
}

// Text returns the accumulated answer text.
func (t *Transformer) Text() string {
	return t.text.String()
}

// Phase returns the current phase.
func (t *Transformer) Phase() Phase {
	return t.phase
}

// Events returns the number of events ingested.
func (t *Transformer) Events() int {
	return t.events
}

// Err returns the error that ended the stream, if any.
func (t *Transformer) Err() error {
	return t.err
}

// Result returns the assembled answer.
func (t *Transformer) Result() Result {
	r := Result{
		Content:        t.text.String(),
		ToolCalls:      t.calls,
		Status:         t.status,
		Usage:          t.usage,
		ContinuationID: t.continuationID,
		ConversationID: t.conversationID,
	}
	switch t.status {
	case StatusToolCalls:
		r.FinishReason = adapters.FinishToolCalls
	case StatusStop:
		r.FinishReason = adapters.FinishStop
	}
	return r
}

// Completion builds the non-streaming response from the finished state.
func (t *Transformer) Completion() []byte {
	r := t.Result()
	reason := r.FinishReason
	if reason == "" {
		reason = adapters.FinishStop
	}
	return adapters.Completion(t.meta, r.Content, r.ToolCalls, reason, r.Usage)
}
