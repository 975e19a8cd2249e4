package toolbridge

import (
	"html"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/compresr/chat-bridge/internal/adapters"
)

// Decode extracts tool calls for known tools from the model's answer.
//
// Only top-level tags are considered: a known tag nested inside another call
// is an argument value, not a call. A tag without its closing tag is ignored.
func Decode(text string, known []string) []adapters.ToolCall {
	if len(known) == 0 || !strings.Contains(text, "<") {
		return nil
	}
	names := make(map[string]bool, len(known))
	for _, k := range known {
		names[k] = true
	}

	var calls []adapters.ToolCall
	pos := 0
	for pos < len(text) {
		open := strings.IndexByte(text[pos:], '<')
		if open < 0 {
			break
		}
		start := pos + open
		name, bodyStart, selfClosing, ok := readOpenTag(text, start)
		if !ok || !names[name] {
			pos = start + 1
			continue
		}
		if selfClosing {
			calls = append(calls, newCall(name, nil))
			pos = bodyStart
			continue
		}
		closeTag := "</" + name + ">"
		end := strings.Index(text[bodyStart:], closeTag)
		if end < 0 {
			pos = start + 1
			continue
		}
		body := text[bodyStart : bodyStart+end]
		calls = append(calls, newCall(name, readArguments(body)))
		pos = bodyStart + end + len(closeTag)
	}
	return calls
}

type argument struct {
	key   string
	value string
}

// readArguments collects <key>value</key> children of a call body.
func readArguments(body string) []argument {
	var args []argument
	index := map[string]int{}
	pos := 0
	for pos < len(body) {
		open := strings.IndexByte(body[pos:], '<')
		if open < 0 {
			break
		}
		start := pos + open
		key, valueStart, selfClosing, ok := readOpenTag(body, start)
		if !ok {
			pos = start + 1
			continue
		}
		var value string
		if selfClosing {
			pos = valueStart
		} else {
			closeTag := "</" + key + ">"
			end := strings.Index(body[valueStart:], closeTag)
			if end < 0 {
				pos = start + 1
				continue
			}
			value = html.UnescapeString(strings.TrimSpace(body[valueStart : valueStart+end]))
			pos = valueStart + end + len(closeTag)
		}
		if i, dup := index[key]; dup {
			args[i].value = value
			continue
		}
		index[key] = len(args)
		args = append(args, argument{key: key, value: value})
	}
	return args
}

// readOpenTag parses "<name ...>" or "<name/>" at start. Attributes are
// skipped. Closing tags and comments are rejected.
func readOpenTag(s string, start int) (name string, next int, selfClosing bool, ok bool) {
	i := start + 1
	for i < len(s) && isNameByte(s[i], i == start+1) {
		i++
	}
	if i == start+1 {
		return "", 0, false, false
	}
	name = s[start+1 : i]
	gt := strings.IndexByte(s[i:], '>')
	if gt < 0 {
		return "", 0, false, false
	}
	rest := s[i : i+gt]
	if rest != "" && !strings.ContainsAny(rest[:1], " \t\r\n/") {
		return "", 0, false, false
	}
	if strings.ContainsRune(rest, '<') {
		return "", 0, false, false
	}
	return name, i + gt + 1, strings.HasSuffix(rest, "/"), true
}

func isNameByte(c byte, first bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		return true
	case first:
		return false
	case c >= '0' && c <= '9', c == '-', c == '.':
		return true
	}
	return false
}

func newCall(name string, args []argument) adapters.ToolCall {
	return adapters.ToolCall{
		ID:   "call_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type: "function",
		Function: adapters.ToolCallFunction{
			Name:      name,
			Arguments: encodeArguments(args),
		},
	}
}

// encodeArguments writes a flat string-valued JSON object in source order.
// A repeated key keeps its last value.
func encodeArguments(args []argument) string {
	out := []byte("{}")
	for _, a := range args {
		out, _ = sjson.SetBytes(out, escapePath(a.key), a.value)
	}
	return string(out)
}

// escapePath quotes the characters sjson treats as path syntax.
func escapePath(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', ':', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
