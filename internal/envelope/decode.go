package envelope

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Stream status and phase values the upstream uses.
const (
	StatusFinished = "finished"
	PhaseAnswer    = "answer"
	PhaseThink     = "think"
)

// ErrMalformed is returned for payloads that are not JSON at all.
var ErrMalformed = errors.New("malformed upstream payload")

// Lookup paths, tried in order. The upstream has shipped several shapes.
var (
	continuationPaths = []string{
		`response\.created.response_id`,
		"response_id",
		"message_id",
		"data.message_id",
	}
	conversationPaths = []string{
		`response\.created.chat_id`,
		"chat_id",
		"data.chat_id",
	}
	contentPaths = []string{
		"choices.0.delta.content",
		"choices.0.message.content",
		"data.choices.0.message.content",
	}
)

// Usage is the upstream's token accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// EventError is an error reported by the upstream inside a 2xx payload.
type EventError struct {
	Code    string
	Message string
}

func (e *EventError) Error() string {
	if e.Code == "" {
		return "upstream error: " + e.Message
	}
	return fmt.Sprintf("upstream error %s: %s", e.Code, e.Message)
}

// Event is one decoded upstream payload. Every field may be absent.
type Event struct {
	// Init is true for the response.created event.
	Init           bool
	ContinuationID string
	ConversationID string
	Content        string
	HasContent     bool
	Phase          string
	Status         string
	Usage          *Usage
	Err            *EventError
}

// Finished reports whether the event ends the answer.
func (e *Event) Finished() bool {
	return e.Status == StatusFinished && (e.Phase == "" || e.Phase == PhaseAnswer)
}

// Emittable reports whether the event's content belongs to the answer.
func (e *Event) Emittable() bool {
	return e.HasContent && (e.Phase == "" || e.Phase == PhaseAnswer)
}

// DecodeEvent decodes one stream event payload.
func DecodeEvent(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return Event{}, fmt.Errorf("%w: %.200q", ErrMalformed, data)
	}
	root := gjson.ParseBytes(data)

	ev := Event{
		Init:           root.Get(`response\.created`).Exists(),
		ContinuationID: firstString(root, continuationPaths),
		ConversationID: firstString(root, conversationPaths),
		Phase:          root.Get("choices.0.delta.phase").String(),
		Status:         root.Get("choices.0.delta.status").String(),
		Usage:          decodeUsage(root),
		Err:            decodeError(root),
	}
	if c := root.Get("choices.0.delta.content"); c.Exists() {
		ev.Content = c.String()
		ev.HasContent = true
	}
	return ev, nil
}

// DecodeResponse decodes a buffered (non-stream) completion response.
func DecodeResponse(body []byte) (Event, error) {
	if !gjson.ValidBytes(body) {
		return Event{}, fmt.Errorf("%w: %.200q", ErrMalformed, body)
	}
	root := gjson.ParseBytes(body)

	ev := Event{
		ContinuationID: firstString(root, continuationPaths),
		ConversationID: firstString(root, conversationPaths),
		Status:         StatusFinished,
		Usage:          decodeUsage(root),
		Err:            decodeError(root),
	}
	for _, p := range contentPaths {
		if c := root.Get(p); c.Exists() {
			ev.Content = c.String()
			ev.HasContent = true
			break
		}
	}
	return ev, nil
}

// DecodeConversationID extracts the chat id from a conversation-creation
// response.
func DecodeConversationID(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("%w: %.200q", ErrMalformed, body)
	}
	root := gjson.ParseBytes(body)
	if e := decodeError(root); e != nil {
		return "", e
	}
	id := firstString(root, []string{"data.id", "id"})
	if id == "" {
		return "", fmt.Errorf("%w: conversation id missing", ErrMalformed)
	}
	return id, nil
}

func firstString(root gjson.Result, paths []string) string {
	for _, p := range paths {
		if v := root.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func decodeUsage(root gjson.Result) *Usage {
	u := root.Get("usage")
	if !u.IsObject() {
		return nil
	}
	usage := &Usage{
		InputTokens:  int(u.Get("input_tokens").Int()),
		OutputTokens: int(u.Get("output_tokens").Int()),
		TotalTokens:  int(u.Get("total_tokens").Int()),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	return usage
}

func decodeError(root gjson.Result) *EventError {
	if e := root.Get("error"); e.Exists() && e.Type != gjson.Null {
		if e.IsObject() {
			return &EventError{
				Code:    e.Get("code").String(),
				Message: orDefault(e.Get("message").String(), e.Raw),
			}
		}
		return &EventError{Message: e.String()}
	}
	if s := root.Get("success"); s.Exists() && s.Type == gjson.False {
		msg := firstString(root, []string{"data.details", "message", "msg", "data.message"})
		return &EventError{
			Code:    firstString(root, []string{"data.code", "code"}),
			Message: orDefault(msg, "request rejected"),
		}
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
