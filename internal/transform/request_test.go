package transform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/compresr/chat-bridge/internal/adapters"
	"github.com/compresr/chat-bridge/internal/session"
)

func parse(t *testing.T, body string) *adapters.ChatRequest {
	t.Helper()
	req, err := adapters.ParseChatRequest([]byte(body))
	require.NoError(t, err)
	return req
}

func strPtr(s string) *string { return &s }

// =============================================================================
// FIRST TURN
// =============================================================================

func TestBuild_FirstTurnInjectsSystemOnce(t *testing.T) {
	req := parse(t, `{"model":"qwen-max","stream":true,"messages":[
		{"role":"system","content":"You are terse."},
		{"role":"developer","content":"Answer in English."},
		{"role":"user","content":"What is 2+2?"}
	]}`)
	sess := &session.Session{ID: "s1", FirstUserMessage: "What is 2+2?"}

	out, err := Build(Input{Request: req, Session: sess})

	require.NoError(t, err)
	assert.True(t, out.IsFirstTurn)
	assert.True(t, out.Stream)
	assert.Empty(t, out.ChatID)
	assert.Equal(t, "What is 2+2?", out.Title)
	assert.Equal(t, []string{"qwen-max"}, out.Models)

	require.Len(t, out.Messages, 2)
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Equal(t, "You are terse.\n\nAnswer in English.", out.Messages[0].Content)
	assert.Nil(t, out.Messages[0].ParentID)
	assert.Equal(t, "user", out.Messages[1].Role)
	assert.Equal(t, "What is 2+2?", out.Messages[1].Content)
	assert.Nil(t, out.Messages[1].ParentID)
}

func TestBuild_FirstTurnWithoutSystem(t *testing.T) {
	req := parse(t, `{"messages":[{"role":"user","content":"hi"}]}`)

	out, err := Build(Input{Request: req, Session: &session.Session{ID: "s1"}, Model: "qwen-plus"})

	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "qwen-plus", out.Model)
	assert.Equal(t, "New Chat", out.Title)
}

func TestBuild_FirstTurnToolsBlock(t *testing.T) {
	req := parse(t, `{"messages":[
		{"role":"system","content":"sys"},
		{"role":"user","content":"weather in Paris?"}
	],"tools":[{"type":"function","function":{"name":"get_weather","parameters":{"type":"object","properties":{"city":{"type":"string"}}}}}]}`)

	out, err := Build(Input{Request: req, Session: &session.Session{ID: "s1"}})

	require.NoError(t, err)
	require.Len(t, out.Messages, 2)
	sys := out.Messages[0].Content
	assert.True(t, strings.HasPrefix(sys, "sys\n\n<tools>"))
	assert.Contains(t, sys, `<tool name="get_weather">`)
}

// =============================================================================
// CONTINUATION
// =============================================================================

func TestBuild_ContinuationSendsOnlyLatestTurn(t *testing.T) {
	req := parse(t, `{"model":"qwen-max","messages":[
		{"role":"system","content":"You are terse."},
		{"role":"user","content":"What is 2+2?"},
		{"role":"assistant","content":"4"},
		{"role":"user","content":"And times 3?"}
	]}`)
	sess := &session.Session{ID: "s1", ConversationID: "chat-1", ParentID: strPtr("r1")}

	out, err := Build(Input{Request: req, Session: sess})

	require.NoError(t, err)
	assert.False(t, out.IsFirstTurn)
	assert.Equal(t, "chat-1", out.ChatID)
	assert.Empty(t, out.Title)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "user", out.Messages[0].Role)
	assert.Equal(t, "And times 3?", out.Messages[0].Content)
	require.NotNil(t, out.Messages[0].ParentID)
	assert.Equal(t, "r1", *out.Messages[0].ParentID)

	payload, err := out.Payload()
	require.NoError(t, err)
	doc := gjson.ParseBytes(payload)
	assert.Equal(t, "chat-1", doc.Get("chat_id").String())
	assert.Equal(t, "r1", doc.Get("parent_id").String())
	assert.Equal(t, "r1", doc.Get("messages.0.parentId").String())
	assert.Equal(t, "r1", doc.Get("messages.0.parent_id").String())
	assert.False(t, doc.Get("stream").Bool())
}

func TestBuild_TrailingToolResultsMerged(t *testing.T) {
	req := parse(t, `{"messages":[
		{"role":"user","content":"weather in Paris and Rome?"},
		{"role":"assistant","content":null,"tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Paris\"}"}},
			{"id":"call_2","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Rome\"}"}}
		]},
		{"role":"tool","tool_call_id":"call_1","content":"sunny"},
		{"role":"tool","tool_call_id":"call_2","content":"rainy"}
	]}`)
	sess := &session.Session{ID: "s1", ConversationID: "chat-1", ParentID: strPtr("r1")}

	out, err := Build(Input{Request: req, Session: sess})

	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	msg := out.Messages[0]
	assert.Equal(t, "user", msg.Role)
	assert.Contains(t, msg.Content, `<tool_result name="get_weather" call_id="call_1">`+"\nsunny\n</tool_result>")
	assert.Contains(t, msg.Content, `call_id="call_2">`+"\nrainy\n")
}

func TestBuild_ForceStream(t *testing.T) {
	req := parse(t, `{"messages":[{"role":"user","content":"hi"}]}`)

	out, err := Build(Input{Request: req, Session: &session.Session{ID: "s1"}, ForceStream: true})

	require.NoError(t, err)
	assert.True(t, out.Stream)
}

// =============================================================================
// RECOVERY REPLAY
// =============================================================================

func TestBuild_RecoveredSessionReplaysHistory(t *testing.T) {
	req := parse(t, `{"messages":[
		{"role":"system","content":"sys"},
		{"role":"user","content":"What is 2+2?"},
		{"role":"assistant","content":"4"},
		{"role":"user","content":"And times 3?"}
	]}`)
	sess := &session.Session{ID: "s1", Recovered: true}

	out, err := Build(Input{Request: req, Session: sess, ReplayHistory: true})

	require.NoError(t, err)
	require.Len(t, out.Messages, 2)
	sys := out.Messages[0].Content
	assert.True(t, strings.HasPrefix(sys, "sys\n\n<conversation_history>"))
	assert.Contains(t, sys, "User: What is 2+2?\n\nAssistant: 4")
	assert.NotContains(t, sys, "And times 3?")
	assert.Equal(t, "And times 3?", out.Messages[1].Content)

	noReplay, err := Build(Input{Request: req, Session: sess})
	require.NoError(t, err)
	assert.Equal(t, "sys", noReplay.Messages[0].Content)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestBuild_LastMessageMustBeUserOrTool(t *testing.T) {
	req := &adapters.ChatRequest{Messages: []adapters.Message{
		{Role: "user", Text: "hi"},
		{Role: "assistant", Text: "hello"},
	}}

	_, err := Build(Input{Request: req, Session: &session.Session{ID: "s1"}})

	var verr *adapters.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestTitle_Truncates(t *testing.T) {
	long := strings.Repeat("é", 60)
	assert.Equal(t, 40, len([]rune(title(long))))
	assert.Equal(t, "a b", title("  a \n b "))
}
