package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// =============================================================================
// ENVELOPE
// =============================================================================

func TestBuild_WireShape(t *testing.T) {
	parent := "resp-42"
	env := buildAt(Input{Role: "user", Content: "hi", ParentID: &parent, Models: []string{"qwen-max"}},
		time.Unix(1700000000, 0))

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	doc := gjson.ParseBytes(raw)

	assert.NotEmpty(t, doc.Get("fid").String())
	assert.Equal(t, "resp-42", doc.Get("parentId").String())
	assert.Equal(t, "resp-42", doc.Get("parent_id").String())
	assert.Equal(t, "[]", doc.Get("childrenIds").Raw)
	assert.Equal(t, "user", doc.Get("role").String())
	assert.Equal(t, "hi", doc.Get("content").String())
	assert.Equal(t, "chat", doc.Get("user_action").String())
	assert.Equal(t, "[]", doc.Get("files").Raw)
	assert.Equal(t, int64(1700000000), doc.Get("timestamp").Int())
	assert.Equal(t, `["qwen-max"]`, doc.Get("models").Raw)
	assert.Equal(t, "t2t", doc.Get("chat_type").String())
	assert.Equal(t, `{"thinking_enabled":false,"output_schema":"phase"}`, doc.Get("feature_config").Raw)
	assert.Equal(t, `{"meta":{"subChatType":"t2t"}}`, doc.Get("extra").Raw)
	assert.Equal(t, "t2t", doc.Get("sub_chat_type").String())

	var keys []string
	doc.ForEach(func(k, _ gjson.Result) bool {
		keys = append(keys, k.String())
		return true
	})
	assert.Equal(t, []string{
		"fid", "parentId", "childrenIds", "role", "content", "user_action", "files",
		"timestamp", "models", "chat_type", "feature_config", "extra", "sub_chat_type", "parent_id",
	}, keys)
}

func TestBuild_NilParentIsNull(t *testing.T) {
	raw, err := json.Marshal(Build(Input{Role: "system", Content: "rules"}))
	require.NoError(t, err)
	doc := gjson.ParseBytes(raw)

	assert.Equal(t, gjson.Null, doc.Get("parentId").Type)
	assert.Equal(t, gjson.Null, doc.Get("parent_id").Type)
	assert.Equal(t, "[]", doc.Get("models").Raw)
}

func TestBuild_FreshFIDs(t *testing.T) {
	a := Build(Input{Role: "user", Content: "x"})
	b := Build(Input{Role: "user", Content: "x"})
	assert.NotEqual(t, a.FID, b.FID)
}

// =============================================================================
// PAYLOADS
// =============================================================================

func TestCompletionPayload(t *testing.T) {
	parent := "p1"
	before := time.Now().Unix()
	raw, err := Completion("chat-1", "qwen-max", &parent,
		[]Envelope{Build(Input{Role: "user", Content: "hi", ParentID: &parent})}, true)
	require.NoError(t, err)
	doc := gjson.ParseBytes(raw)

	assert.True(t, doc.Get("stream").Bool())
	assert.True(t, doc.Get("incremental_output").Bool())
	assert.Equal(t, "chat-1", doc.Get("chat_id").String())
	assert.Equal(t, "normal", doc.Get("chat_mode").String())
	assert.Equal(t, "qwen-max", doc.Get("model").String())
	assert.Equal(t, "p1", doc.Get("parent_id").String())
	assert.Equal(t, int64(1), doc.Get("messages.#").Int())
	assert.Equal(t, "p1", doc.Get("messages.0.parentId").String())
	// seconds, not milliseconds
	assert.InDelta(t, before, doc.Get("timestamp").Int(), 5)
}

func TestNewChatPayload(t *testing.T) {
	before := time.Now().UnixMilli()
	raw, err := NewChat("hello", []string{"qwen-max"})
	require.NoError(t, err)
	doc := gjson.ParseBytes(raw)

	assert.Equal(t, "hello", doc.Get("title").String())
	assert.Equal(t, "normal", doc.Get("chat_mode").String())
	assert.Equal(t, "t2t", doc.Get("chat_type").String())
	assert.GreaterOrEqual(t, doc.Get("timestamp").Int(), before)
}

// =============================================================================
// DECODING
// =============================================================================

func TestDecodeEvent_Init(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"response.created":{"chat_id":"c1","parent_id":"p0","response_id":"r1"}}`))

	require.NoError(t, err)
	assert.True(t, ev.Init)
	assert.Equal(t, "r1", ev.ContinuationID)
	assert.Equal(t, "c1", ev.ConversationID)
	assert.False(t, ev.HasContent)
}

func TestDecodeEvent_Delta(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"choices":[{"delta":{"role":"assistant","content":"Hel","phase":"answer","status":"typing"}}],"response_id":"r1"}`))

	require.NoError(t, err)
	assert.False(t, ev.Init)
	assert.True(t, ev.Emittable())
	assert.False(t, ev.Finished())
	assert.Equal(t, "Hel", ev.Content)
	assert.Equal(t, "r1", ev.ContinuationID)
}

func TestDecodeEvent_ThinkPhaseNotEmittable(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"choices":[{"delta":{"content":"hmm","phase":"think","status":"finished"}}]}`))

	require.NoError(t, err)
	assert.False(t, ev.Emittable())
	assert.False(t, ev.Finished())
}

func TestDecodeEvent_FinishedWithUsage(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"choices":[{"delta":{"content":"","phase":"answer","status":"finished"}}],"usage":{"input_tokens":5,"output_tokens":7}}`))

	require.NoError(t, err)
	assert.True(t, ev.Finished())
	require.NotNil(t, ev.Usage)
	assert.Equal(t, 12, ev.Usage.TotalTokens)
}

func TestDecodeEvent_MissingFieldsTolerated(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{}`))

	require.NoError(t, err)
	assert.Equal(t, Event{}, ev)
}

func TestDecodeEvent_Errors(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"error":{"code":"RateLimited","message":"slow down"}}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Err)
	assert.Equal(t, "RateLimited", ev.Err.Code)
	assert.Equal(t, "slow down", ev.Err.Message)

	ev, err = DecodeEvent([]byte(`{"success":false,"data":{"code":"Bad","details":"nope"}}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Err)
	assert.Equal(t, "nope", ev.Err.Message)

	_, err = DecodeEvent([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeResponse(t *testing.T) {
	ev, err := DecodeResponse([]byte(`{"success":true,"data":{"message_id":"m9","choices":[{"message":{"content":"full answer"}}]}}`))

	require.NoError(t, err)
	assert.Equal(t, "m9", ev.ContinuationID)
	assert.Equal(t, "full answer", ev.Content)
	assert.True(t, ev.Finished())
	assert.Nil(t, ev.Err)
}

func TestDecodeConversationID(t *testing.T) {
	id, err := DecodeConversationID([]byte(`{"success":true,"data":{"id":"chat-7"}}`))
	require.NoError(t, err)
	assert.Equal(t, "chat-7", id)

	id, err = DecodeConversationID([]byte(`{"id":"chat-8"}`))
	require.NoError(t, err)
	assert.Equal(t, "chat-8", id)

	_, err = DecodeConversationID([]byte(`{"success":true,"data":{}}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeConversationID([]byte(`{"success":false,"data":{"code":"Unauthorized","details":"login"}}`))
	var evErr *EventError
	assert.ErrorAs(t, err, &evErr)
}
