// Package transform maps a client conversation onto upstream envelopes.
//
// DESIGN: The client resends its whole history every time; the upstream
// already holds everything before the session's parent pointer. So a request
// becomes at most two envelopes:
//
//  1. First turn only: one system envelope carrying every system message, the
//     tool block, and (for recovered sessions, if enabled) a transcript of the
//     turns the new upstream conversation has never seen.
//  2. Always: the newest turn. A trailing run of tool results is merged into
//     one user envelope since the upstream has no tool role.
package transform

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/compresr/chat-bridge/internal/adapters"
	"github.com/compresr/chat-bridge/internal/envelope"
	"github.com/compresr/chat-bridge/internal/session"
	"github.com/compresr/chat-bridge/internal/toolbridge"
)

const (
	roleSystem = "system"
	roleUser   = "user"

	titleMaxRunes = 40
)

// Input is everything Build needs.
type Input struct {
	Request *adapters.ChatRequest
	Session *session.Session
	// Model overrides Request.Model when the client sent none.
	Model string
	// ReplayHistory resends prior turns for recovered sessions.
	ReplayHistory bool
	// ForceStream requests a streamed upstream answer regardless of the
	// client's stream flag.
	ForceStream bool
}

// UpstreamRequest is the translated request.
type UpstreamRequest struct {
	// ChatID is empty until the upstream conversation exists.
	ChatID      string
	ParentID    *string
	Model       string
	Models      []string
	Stream      bool
	Messages    []envelope.Envelope
	IsFirstTurn bool
	// Title names a conversation that still has to be created.
	Title string
}

// Payload serializes the completion body.
func (u *UpstreamRequest) Payload() ([]byte, error) {
	return envelope.Completion(u.ChatID, u.Model, u.ParentID, u.Messages, u.Stream)
}

// Build translates one client request.
func Build(in Input) (*UpstreamRequest, error) {
	req, sess := in.Request, in.Session
	if req == nil || sess == nil {
		return nil, errors.New("transform: request and session are required")
	}
	if len(req.Messages) == 0 {
		return nil, &adapters.ValidationError{Field: "messages", Message: "must not be empty"}
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != adapters.RoleUser && last.Role != adapters.RoleTool {
		return nil, &adapters.ValidationError{
			Field:   "messages",
			Message: "last message must be a user or tool turn, got " + last.Role,
		}
	}

	model := req.Model
	if model == "" {
		model = in.Model
	}
	models := []string{model}
	first := sess.IsFirstTurn()

	out := &UpstreamRequest{
		ChatID:      sess.ConversationID,
		ParentID:    sess.ParentID,
		Model:       model,
		Models:      models,
		Stream:      req.Stream || in.ForceStream,
		IsFirstTurn: first,
	}

	latestStart, latest := latestTurn(req.Messages)

	if first {
		replay := in.ReplayHistory && sess.Recovered
		if sys := systemContent(req, replay, latestStart); sys != "" {
			out.Messages = append(out.Messages, envelope.Build(envelope.Input{
				Role:    roleSystem,
				Content: sys,
				Models:  models,
			}))
		}
	}
	out.Messages = append(out.Messages, envelope.Build(envelope.Input{
		Role:     roleUser,
		Content:  latest,
		ParentID: sess.ParentID,
		Models:   models,
	}))

	if out.ChatID == "" {
		out.Title = title(sess.FirstUserMessage)
	}
	return out, nil
}

// latestTurn returns the index where the newest turn starts and its content.
func latestTurn(messages []adapters.Message) (int, string) {
	end := len(messages) - 1
	if messages[end].Role != adapters.RoleTool {
		return end, messages[end].Text
	}

	start := end
	for start > 0 && messages[start-1].Role == adapters.RoleTool {
		start--
	}
	names := toolCallNames(messages[:start])

	parts := make([]string, 0, end-start+1)
	for _, m := range messages[start:] {
		name := m.Name
		if name == "" {
			name = names[m.ToolCallID]
		}
		parts = append(parts, toolbridge.EncodeToolResult(name, m.ToolCallID, m.Text))
	}
	return start, strings.Join(parts, "\n")
}

// toolCallNames maps call ids to function names from the assistant turn that
// issued them.
func toolCallNames(history []adapters.Message) map[string]string {
	names := map[string]string{}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != adapters.RoleAssistant {
			continue
		}
		for _, c := range history[i].ToolCalls {
			names[c.ID] = c.Function.Name
		}
		break
	}
	return names
}

func systemContent(req *adapters.ChatRequest, replay bool, latestStart int) string {
	var sections []string

	var system []string
	for i := range req.Messages {
		if req.Messages[i].IsSystem() && req.Messages[i].Text != "" {
			system = append(system, req.Messages[i].Text)
		}
	}
	if len(system) > 0 {
		sections = append(sections, strings.Join(system, "\n\n"))
	}
	if block := toolbridge.Encode(req.Tools); block != "" {
		sections = append(sections, block)
	}
	if replay {
		if t := transcript(req.Messages[:latestStart]); t != "" {
			sections = append(sections, t)
		}
	}
	return strings.Join(sections, "\n\n")
}

// transcript renders earlier non-system turns as plain text.
func transcript(history []adapters.Message) string {
	var b strings.Builder
	for i := range history {
		m := &history[i]
		var line string
		switch m.Role {
		case adapters.RoleUser:
			line = "User: " + m.Text
		case adapters.RoleAssistant:
			text := m.Text
			if len(m.ToolCalls) > 0 {
				text = strings.TrimSpace(text + "\n" + toolbridge.EncodeToolCalls(m.ToolCalls))
			}
			line = "Assistant: " + text
		case adapters.RoleTool:
			line = "User: " + toolbridge.EncodeToolResult(m.Name, m.ToolCallID, m.Text)
		default:
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(line)
	}
	if b.Len() == 0 {
		return ""
	}
	return "<conversation_history>\n" + b.String() + "\n</conversation_history>"
}

func title(firstUser string) string {
	t := strings.Join(strings.Fields(firstUser), " ")
	if utf8.RuneCountInString(t) <= titleMaxRunes {
		if t == "" {
			return "New Chat"
		}
		return t
	}
	r := []rune(t)
	return string(r[:titleMaxRunes])
}
