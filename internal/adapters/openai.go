package adapters

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// toolNamePattern restricts tool names to valid markup tag names, since the
// upstream sees each tool as a tag.
var toolNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]{0,63}$`)

// ParseChatRequest decodes and validates a chat-completion request body.
// Message content is flattened into Message.Text.
func ParseChatRequest(body []byte) (*ChatRequest, error) {
	if len(body) == 0 {
		return nil, invalid("", "request body is empty")
	}
	if !gjson.ValidBytes(body) {
		return nil, invalid("", "request body is not valid JSON")
	}

	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, invalid("", "failed to decode request: %v", err)
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks the request shape and fills Message.Text.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return invalid("messages", "must not be empty")
	}

	for i := range r.Messages {
		m := &r.Messages[i]
		field := fmt.Sprintf("messages[%d]", i)

		switch m.Role {
		case RoleSystem, RoleDeveloper, RoleUser, RoleAssistant, RoleTool:
		case "":
			return invalid(field+".role", "is required")
		default:
			return invalid(field+".role", "unsupported role %q", m.Role)
		}

		text, present, err := FlattenContent(m.Content)
		if err != nil {
			return invalid(field+".content", "%s", err.Error())
		}
		if !present && !(m.Role == RoleAssistant && len(m.ToolCalls) > 0) {
			return invalid(field+".content", "is required")
		}
		m.Text = text
	}

	if _, ok := FirstUserMessage(r.Messages); !ok {
		return invalid("messages", "must contain at least one user message")
	}

	last := r.Messages[len(r.Messages)-1]
	if last.Role != RoleUser && last.Role != RoleTool {
		return invalid(fmt.Sprintf("messages[%d].role", len(r.Messages)-1),
			"last message must be a user or tool turn, got %q", last.Role)
	}

	for i, t := range r.Tools {
		field := fmt.Sprintf("tools[%d]", i)
		if t.Type != "" && t.Type != "function" {
			return invalid(field+".type", "unsupported tool type %q", t.Type)
		}
		if !toolNamePattern.MatchString(t.Function.Name) {
			return invalid(field+".function.name", "invalid tool name %q", t.Function.Name)
		}
		if len(t.Function.Parameters) > 0 && !gjson.ValidBytes(t.Function.Parameters) {
			return invalid(field+".function.parameters", "is not valid JSON")
		}
	}

	return nil
}

// FlattenContent converts client message content to plain text.
//
// A JSON string is returned as-is. An array of parts is reduced to its text
// parts joined with "\n"; any non-text part is rejected because the upstream
// accepts plain text only. present is false for a missing or null content.
func FlattenContent(raw json.RawMessage) (text string, present bool, err error) {
	if len(raw) == 0 {
		return "", false, nil
	}
	v := gjson.ParseBytes(raw)
	switch {
	case v.Type == gjson.Null:
		return "", false, nil
	case v.Type == gjson.String:
		return v.String(), true, nil
	case v.IsArray():
		var parts []string
		var partErr error
		v.ForEach(func(_, part gjson.Result) bool {
			if part.Type == gjson.String {
				parts = append(parts, part.String())
				return true
			}
			switch typ := part.Get("type").String(); typ {
			case "text", "input_text":
				parts = append(parts, part.Get("text").String())
				return true
			case "":
				partErr = fmt.Errorf("content part without type")
			default:
				partErr = fmt.Errorf("unsupported content part type %q (only text is accepted)", typ)
			}
			return false
		})
		if partErr != nil {
			return "", false, partErr
		}
		return strings.Join(parts, "\n"), true, nil
	default:
		return "", false, fmt.Errorf("must be a string or an array of text parts")
	}
}

// FirstUserMessage returns the text of the first user message.
func FirstUserMessage(messages []Message) (string, bool) {
	for i := range messages {
		if messages[i].Role == RoleUser {
			return messages[i].Text, true
		}
	}
	return "", false
}

// FirstAssistantMessage returns the first assistant message, if any.
func FirstAssistantMessage(messages []Message) (*Message, bool) {
	for i := range messages {
		if messages[i].Role == RoleAssistant {
			return &messages[i], true
		}
	}
	return nil, false
}

// ToolNames returns the function names of the request's tools in source order.
func (r *ChatRequest) ToolNames() []string {
	if len(r.Tools) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Tools))
	for _, t := range r.Tools {
		names = append(names, t.Function.Name)
	}
	return names
}
