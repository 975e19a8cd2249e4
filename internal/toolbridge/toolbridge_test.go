package toolbridge

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/compresr/chat-bridge/internal/adapters"
)

func weatherTool() adapters.Tool {
	return adapters.Tool{
		Type: "function",
		Function: adapters.ToolFunction{
			Name:        "get_weather",
			Description: "Current weather for a city",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"unit": {"type": "string", "description": "c or f"},
					"city": {"type": "string", "description": "City & country"}
				},
				"required": ["city"]
			}`),
		},
	}
}

// =============================================================================
// ENCODE
// =============================================================================

func TestEncode_Block(t *testing.T) {
	out := Encode([]adapters.Tool{weatherTool()})

	assert.True(t, strings.HasPrefix(out, "<tools>\n"))
	assert.Contains(t, out, `<tool name="get_weather">`)
	assert.Contains(t, out, "<description>Current weather for a city</description>")
	assert.Contains(t, out, `<parameter name="city" type="string" required="true">City &amp; country</parameter>`)
	assert.Contains(t, out, `<parameter name="unit" type="string" required="false">c or f</parameter>`)
	assert.Contains(t, out, "<tool_name><argument_name>value</argument_name></tool_name>")

	// schema key order is kept
	assert.Less(t, strings.Index(out, `name="unit"`), strings.Index(out, `name="city"`))
}

func TestEncode_Empty(t *testing.T) {
	assert.Empty(t, Encode(nil))
}

func TestEncode_NoParameters(t *testing.T) {
	out := Encode([]adapters.Tool{{Type: "function", Function: adapters.ToolFunction{Name: "ping"}}})

	assert.Contains(t, out, `<tool name="ping">`)
	assert.NotContains(t, out, "<parameters>")
}

func TestEncodeToolResult(t *testing.T) {
	out := EncodeToolResult("get_weather", "call_1", "sunny")
	assert.Equal(t, "<tool_result name=\"get_weather\" call_id=\"call_1\">\nsunny\n</tool_result>", out)
}

// =============================================================================
// DECODE
// =============================================================================

func TestDecode_SingleCall(t *testing.T) {
	text := "Let me check.\n<get_weather>\n  <city>Paris</city>\n  <unit>c</unit>\n</get_weather>"

	calls := Decode(text, []string{"get_weather"})

	require.Len(t, calls, 1)
	assert.True(t, strings.HasPrefix(calls[0].ID, "call_"))
	assert.Equal(t, "function", calls[0].Type)
	assert.Equal(t, "get_weather", calls[0].Function.Name)
	assert.Equal(t, `{"city":"Paris","unit":"c"}`, calls[0].Function.Arguments)
}

func TestDecode_ArgumentKeysAreLiteral(t *testing.T) {
	calls := Decode("<lookup><a.b>x</a.b><n>1</n><n>2</n></lookup>", []string{"lookup"})

	require.Len(t, calls, 1)
	assert.Equal(t, `{"a.b":"x","n":"2"}`, calls[0].Function.Arguments)
}

func TestDecode_MultipleCallsUniqueIDs(t *testing.T) {
	text := "<get_weather><city>Paris</city></get_weather> and <get_weather><city>Rome</city></get_weather>"

	calls := Decode(text, []string{"get_weather"})

	require.Len(t, calls, 2)
	assert.NotEqual(t, calls[0].ID, calls[1].ID)
	assert.Equal(t, "Rome", gjson.Get(calls[1].Function.Arguments, "city").String())
}

func TestDecode_UnknownTagsIgnored(t *testing.T) {
	calls := Decode("<b>bold</b> <search><q>x</q></search>", []string{"get_weather"})
	assert.Empty(t, calls)
}

func TestDecode_UnescapesValues(t *testing.T) {
	calls := Decode("<get_weather><city>A &amp; B</city></get_weather>", []string{"get_weather"})

	require.Len(t, calls, 1)
	assert.Equal(t, "A & B", gjson.Get(calls[0].Function.Arguments, "city").String())
}

func TestDecode_NestedKnownTagIsArgument(t *testing.T) {
	calls := Decode("<outer><inner>x</inner></outer>", []string{"outer", "inner"})

	require.Len(t, calls, 1)
	assert.Equal(t, "outer", calls[0].Function.Name)
}

func TestDecode_SelfClosing(t *testing.T) {
	calls := Decode("<ping/>", []string{"ping"})

	require.Len(t, calls, 1)
	assert.Equal(t, "{}", calls[0].Function.Arguments)
}

func TestDecode_Malformed(t *testing.T) {
	inputs := []string{
		"<get_weather><city>Paris</city>",
		"<get_weather",
		"</get_weather>",
		"<<<>>>",
		"<get_weather><city>Paris</get_weather>",
		"",
		"plain text",
		"<get_weather <city>x</city></get_weather>",
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() {
			for _, c := range Decode(in, []string{"get_weather"}) {
				assert.True(t, gjson.Valid(c.Function.Arguments), in)
			}
		}, in)
	}

	assert.Empty(t, Decode("<get_weather><city>Paris</city>", []string{"get_weather"}))
}

func TestDecode_UnclosedArgumentDropped(t *testing.T) {
	calls := Decode("<get_weather><city>Paris</get_weather>", []string{"get_weather"})

	require.Len(t, calls, 1)
	assert.Equal(t, "{}", calls[0].Function.Arguments)
}

// =============================================================================
// ROUND TRIP
// =============================================================================

func TestToolCallsRoundTrip(t *testing.T) {
	calls := []adapters.ToolCall{
		{ID: "call_a", Type: "function", Function: adapters.ToolCallFunction{Name: "get_weather", Arguments: `{"city":"Paris","unit":"c"}`}},
		{ID: "call_b", Type: "function", Function: adapters.ToolCallFunction{Name: "search", Arguments: `{"q":"a < b"}`}},
	}

	decoded := Decode(EncodeToolCalls(calls), []string{"get_weather", "search"})

	require.Len(t, decoded, 2)
	for i := range calls {
		assert.Equal(t, calls[i].Function.Name, decoded[i].Function.Name)
		assert.JSONEq(t, calls[i].Function.Arguments, decoded[i].Function.Arguments)
	}
}
