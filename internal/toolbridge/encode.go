// Package toolbridge carries tool calling over an upstream that only speaks
// plain text.
//
// DESIGN: Tool definitions are rendered into the system prompt as a markup
// block, and the model answers with tags named after the tool:
//
//	<get_weather><city>Paris</city></get_weather>
//
// Decode scans the final answer for such tags and turns them into structured
// tool calls. The scanner is deliberately forgiving: anything it cannot parse
// stays plain text and is never an error.
package toolbridge

import (
	"html"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/compresr/chat-bridge/internal/adapters"
)

const usageInstructions = `When a tool is needed, reply with a tag named after the tool containing one child tag per argument:
<tool_name><argument_name>value</argument_name></tool_name>
Several calls may appear in one reply. Use only the tools listed above and do not wrap calls in code fences. Tool results come back as <tool_result> blocks.`

// Encode renders tool definitions as one <tools> block followed by usage
// instructions. Parameters are flattened one level in schema key order.
func Encode(tools []adapters.Tool) string {
	if len(tools) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<tools>\n")
	for _, t := range tools {
		fn := t.Function
		b.WriteString(`<tool name="`)
		b.WriteString(html.EscapeString(fn.Name))
		b.WriteString("\">\n")
		if fn.Description != "" {
			b.WriteString("<description>")
			b.WriteString(html.EscapeString(fn.Description))
			b.WriteString("</description>\n")
		}
		writeParameters(&b, fn.Parameters)
		b.WriteString("</tool>\n")
	}
	b.WriteString("</tools>\n")
	b.WriteString(usageInstructions)
	return b.String()
}

func writeParameters(b *strings.Builder, schema []byte) {
	if len(schema) == 0 {
		return
	}
	root := gjson.ParseBytes(schema)
	props := root.Get("properties")
	if !props.IsObject() {
		return
	}

	required := map[string]bool{}
	root.Get("required").ForEach(func(_, v gjson.Result) bool {
		required[v.String()] = true
		return true
	})

	b.WriteString("<parameters>\n")
	props.ForEach(func(name, p gjson.Result) bool {
		b.WriteString(`<parameter name="`)
		b.WriteString(html.EscapeString(name.String()))
		b.WriteString(`" type="`)
		b.WriteString(html.EscapeString(schemaType(p)))
		b.WriteString(`" required="`)
		if required[name.String()] {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
		b.WriteString(`">`)
		b.WriteString(html.EscapeString(p.Get("description").String()))
		b.WriteString("</parameter>\n")
		return true
	})
	b.WriteString("</parameters>\n")
}

func schemaType(p gjson.Result) string {
	t := p.Get("type")
	if t.IsArray() {
		var parts []string
		t.ForEach(func(_, v gjson.Result) bool {
			parts = append(parts, v.String())
			return true
		})
		return strings.Join(parts, "|")
	}
	if t.String() == "" {
		return "string"
	}
	return t.String()
}

// EncodeToolResult renders a tool message as markup the upstream can read in
// a user turn.
func EncodeToolResult(name, callID, content string) string {
	var b strings.Builder
	b.WriteString("<tool_result")
	if name != "" {
		b.WriteString(` name="`)
		b.WriteString(html.EscapeString(name))
		b.WriteString(`"`)
	}
	if callID != "" {
		b.WriteString(` call_id="`)
		b.WriteString(html.EscapeString(callID))
		b.WriteString(`"`)
	}
	b.WriteString(">\n")
	b.WriteString(content)
	b.WriteString("\n</tool_result>")
	return b.String()
}

// EncodeToolCalls renders structured calls back into the markup the model
// originally produced. Decode(EncodeToolCalls(c)) yields the same names and
// arguments.
func EncodeToolCalls(calls []adapters.ToolCall) string {
	parts := make([]string, 0, len(calls))
	for _, c := range calls {
		var b strings.Builder
		b.WriteString("<")
		b.WriteString(c.Function.Name)
		b.WriteString(">")
		gjson.Parse(c.Function.Arguments).ForEach(func(k, v gjson.Result) bool {
			b.WriteString("<")
			b.WriteString(k.String())
			b.WriteString(">")
			if v.Type == gjson.String {
				b.WriteString(html.EscapeString(v.String()))
			} else {
				b.WriteString(html.EscapeString(v.Raw))
			}
			b.WriteString("</")
			b.WriteString(k.String())
			b.WriteString(">")
			return true
		})
		b.WriteString("</")
		b.WriteString(c.Function.Name)
		b.WriteString(">")
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n")
}
