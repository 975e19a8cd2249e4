package adapters

import (
	"github.com/tidwall/sjson"
)

// Done is the payload of the client protocol's end-of-stream event.
var Done = []byte("[DONE]")

const (
	chunkTemplate      = `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	usageTemplate      = `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[],"usage":{}}`
	completionTemplate = `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}]}`
	errorTemplate      = `{"error":{"message":"","type":"","code":null}}`
	modelListTemplate  = `{"object":"list","data":[]}`
)

// ChunkMeta identifies one completion across all of its chunks.
type ChunkMeta struct {
	ID      string
	Model   string
	Created int64
}

// streamToolCall adds the positional index the streaming format requires.
type streamToolCall struct {
	Index int `json:"index"`
	ToolCall
}

func withMeta(tmpl string, meta ChunkMeta) []byte {
	out := []byte(tmpl)
	out, _ = sjson.SetBytes(out, "id", meta.ID)
	out, _ = sjson.SetBytes(out, "created", meta.Created)
	out, _ = sjson.SetBytes(out, "model", meta.Model)
	return out
}

// ContentChunk builds an incremental chunk carrying only content. The first
// chunk of a stream also announces the assistant role.
func ContentChunk(meta ChunkMeta, content string, withRole bool) []byte {
	out := withMeta(chunkTemplate, meta)
	if withRole {
		out, _ = sjson.SetBytes(out, "choices.0.delta.role", RoleAssistant)
	}
	out, _ = sjson.SetBytes(out, "choices.0.delta.content", content)
	return out
}

// FinishChunk builds the terminal chunk carrying the finish reason and any
// decoded tool calls.
func FinishChunk(meta ChunkMeta, reason string, calls []ToolCall, withRole bool) []byte {
	out := withMeta(chunkTemplate, meta)
	if withRole {
		out, _ = sjson.SetBytes(out, "choices.0.delta.role", RoleAssistant)
	}
	if len(calls) > 0 {
		indexed := make([]streamToolCall, len(calls))
		for i, c := range calls {
			indexed[i] = streamToolCall{Index: i, ToolCall: c}
		}
		out, _ = sjson.SetBytes(out, "choices.0.delta.tool_calls", indexed)
	}
	out, _ = sjson.SetBytes(out, "choices.0.finish_reason", reason)
	return out
}

// UsageChunk builds the usage-summary chunk sent after the finish chunk.
func UsageChunk(meta ChunkMeta, usage Usage) []byte {
	out := withMeta(usageTemplate, meta)
	out, _ = sjson.SetBytes(out, "usage", usage)
	return out
}

// Completion builds a non-streaming response body.
func Completion(meta ChunkMeta, content string, calls []ToolCall, reason string, usage *Usage) []byte {
	out := withMeta(completionTemplate, meta)
	out, _ = sjson.SetBytes(out, "choices.0.message.content", content)
	if len(calls) > 0 {
		out, _ = sjson.SetBytes(out, "choices.0.message.tool_calls", calls)
	}
	out, _ = sjson.SetBytes(out, "choices.0.finish_reason", reason)
	if usage != nil {
		out, _ = sjson.SetBytes(out, "usage", usage)
	}
	return out
}

// ErrorBody builds the structured error envelope. code may be a string, an
// int or nil.
func ErrorBody(message, errType string, code any, correlationID string) []byte {
	out := []byte(errorTemplate)
	out, _ = sjson.SetBytes(out, "error.message", message)
	out, _ = sjson.SetBytes(out, "error.type", errType)
	if code != nil {
		out, _ = sjson.SetBytes(out, "error.code", code)
	}
	if correlationID != "" {
		out, _ = sjson.SetBytes(out, "error.correlation_id", correlationID)
	}
	return out
}

// ModelList builds the response of the model listing endpoint.
func ModelList(models []string, created int64) []byte {
	out := []byte(modelListTemplate)
	for _, m := range models {
		entry := map[string]any{"id": m, "object": "model", "created": created, "owned_by": "upstream"}
		out, _ = sjson.SetBytes(out, "data.-1", entry)
	}
	return out
}
