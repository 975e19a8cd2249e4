package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/compresr/chat-bridge/internal/adapters"
	"github.com/compresr/chat-bridge/internal/envelope"
)

var meta = adapters.ChunkMeta{ID: "chatcmpl-1", Model: "qwen-max", Created: 1700000000}

// =============================================================================
// SSE READER
// =============================================================================

func TestReader_Events(t *testing.T) {
	raw := ": keep-alive\n" +
		"event: message\n" +
		"data: {\"a\":1}\n\n" +
		"data: {\"b\":\n" +
		"data: 2}\r\n\r\n" +
		"id: 7\n" +
		"{\"error\":{\"message\":\"bare\"}}\n" +
		"data: [DONE]\n\n" +
		"data: {\"after\":true}\n\n"

	r := NewReader(strings.NewReader(raw))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(ev))

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "{\"b\":\n2}", string(ev))

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"error":{"message":"bare"}}`, string(ev))

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_UnterminatedFinalEvent(t *testing.T) {
	r := NewReader(strings.NewReader("data: {\"x\":1}"))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(ev))

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

// =============================================================================
// PUMP
// =============================================================================

func TestPump_DeliversAll(t *testing.T) {
	body := io.NopCloser(strings.NewReader("data: 1\n\ndata: 2\n\ndata: [DONE]\n\n"))
	var got []string

	err := Pump(context.Background(), body, time.Second, func(b []byte) error {
		got = append(got, string(b))
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, got)
}

func TestPump_IdleTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()

	go func() {
		_, _ = pw.Write([]byte("data: first\n\n"))
	}()

	var got []string
	err := Pump(context.Background(), pr, 50*time.Millisecond, func(b []byte) error {
		got = append(got, string(b))
		return nil
	})

	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindIdleTimeout, serr.Kind)
	assert.ErrorIs(t, err, ErrIdleTimeout)
	assert.Equal(t, []string{"first"}, got)
}

func TestPump_ContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Pump(ctx, pr, time.Minute, func([]byte) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPump_CallbackError(t *testing.T) {
	boom := errors.New("boom")
	body := io.NopCloser(strings.NewReader("data: 1\n\ndata: 2\n\n"))
	calls := 0

	err := Pump(context.Background(), body, 0, func([]byte) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

// =============================================================================
// TRANSFORMER
// =============================================================================

func decode(t *testing.T, payload string) envelope.Event {
	t.Helper()
	ev, err := envelope.DecodeEvent([]byte(payload))
	require.NoError(t, err)
	return ev
}

func feed(t *testing.T, tr *Transformer, payloads ...string) [][]byte {
	t.Helper()
	var out [][]byte
	for _, p := range payloads {
		chunks, err := tr.Ingest(decode(t, p))
		require.NoError(t, err)
		out = append(out, chunks...)
	}
	return out
}

func TestTransformer_RoundTripContent(t *testing.T) {
	tr := NewTransformer(meta, nil, true)
	assert.Equal(t, PhaseInit, tr.Phase())

	chunks := feed(t, tr,
		`{"response.created":{"chat_id":"c1","parent_id":"p0","response_id":"r1"}}`,
		`{"choices":[{"delta":{"content":"thinking...","phase":"think","status":"typing"}}]}`,
		`{"choices":[{"delta":{"content":"Hel","phase":"answer","status":"typing"}}]}`,
		`{"choices":[{"delta":{"content":"lo","phase":"answer","status":"typing"}}]}`,
		`{"choices":[{"delta":{"content":"","phase":"answer","status":"finished"}}],"usage":{"input_tokens":3,"output_tokens":2}}`,
		`{"choices":[{"delta":{"content":"late","phase":"answer"}}]}`,
	)
	assert.Equal(t, PhaseStreaming, tr.Phase())
	require.Len(t, chunks, 2)
	assert.Equal(t, "assistant", gjson.GetBytes(chunks[0], "choices.0.delta.role").String())
	assert.False(t, gjson.GetBytes(chunks[1], "choices.0.delta.role").Exists())

	var streamed strings.Builder
	for _, c := range chunks {
		streamed.WriteString(gjson.GetBytes(c, "choices.0.delta.content").String())
	}

	tail, err := tr.Finish()
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, tr.Phase())
	require.Len(t, tail, 3)
	assert.Equal(t, "stop", gjson.GetBytes(tail[0], "choices.0.finish_reason").String())
	assert.Equal(t, int64(5), gjson.GetBytes(tail[1], "usage.total_tokens").Int())
	assert.Equal(t, "[DONE]", string(tail[2]))

	completion := gjson.ParseBytes(tr.Completion())
	assert.Equal(t, "Hello", streamed.String())
	assert.Equal(t, streamed.String(), completion.Get("choices.0.message.content").String())

	res := tr.Result()
	assert.Equal(t, "r1", res.ContinuationID)
	assert.Equal(t, "c1", res.ConversationID)
	assert.Equal(t, StatusStop, res.Status)

	_, err = tr.Finish()
	assert.ErrorIs(t, err, ErrFinalized)
}

func TestTransformer_ToolCalls(t *testing.T) {
	tr := NewTransformer(meta, []string{"get_weather"}, false)

	feed(t, tr,
		`{"choices":[{"delta":{"content":"<get_weather><city>Par","phase":"answer"}}],"response_id":"r2"}`,
		`{"choices":[{"delta":{"content":"is</city></get_weather>","phase":"answer","status":"finished"}}]}`,
	)
	tail, err := tr.Finish()
	require.NoError(t, err)

	require.Len(t, tail, 2)
	finish := gjson.ParseBytes(tail[0])
	assert.Equal(t, "tool_calls", finish.Get("choices.0.finish_reason").String())
	assert.Equal(t, "get_weather", finish.Get("choices.0.delta.tool_calls.0.function.name").String())
	assert.Equal(t, `{"city":"Paris"}`, finish.Get("choices.0.delta.tool_calls.0.function.arguments").String())

	completion := gjson.ParseBytes(tr.Completion())
	assert.Equal(t, "tool_calls", completion.Get("choices.0.finish_reason").String())
	assert.Equal(t, finish.Get("choices.0.delta.tool_calls.0.id").String(),
		completion.Get("choices.0.message.tool_calls.0.id").String())
	assert.Equal(t, StatusToolCalls, tr.Result().Status)
}

func TestTransformer_EmptyAnswerSendsRoleInFinish(t *testing.T) {
	tr := NewTransformer(meta, nil, false)

	tail, err := tr.Finish()
	require.NoError(t, err)
	assert.Equal(t, "assistant", gjson.GetBytes(tail[0], "choices.0.delta.role").String())
}

func TestTransformer_UpstreamErrorMidStream(t *testing.T) {
	tr := NewTransformer(meta, nil, false)
	feed(t, tr, `{"choices":[{"delta":{"content":"par","phase":"answer"}}]}`)

	_, err := tr.Ingest(decode(t, `{"error":{"code":"Overloaded","message":"try later"}}`))

	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindUpstream, serr.Kind)
	assert.Equal(t, PhaseError, tr.Phase())

	out := tr.Fail(err, "req-9")
	require.Len(t, out, 2)
	body := gjson.ParseBytes(out[0])
	assert.Equal(t, "stream_error", body.Get("error.type").String())
	assert.Equal(t, "req-9", body.Get("error.correlation_id").String())
	assert.Equal(t, "[DONE]", string(out[1]))

	_, err = tr.Finish()
	assert.ErrorIs(t, err, ErrFinalized)
	assert.Equal(t, StatusError, tr.Result().Status)
}

// =============================================================================
// USAGE
// =============================================================================

func TestTokenEstimator_ByteFallback(t *testing.T) {
	e := NewTokenEstimator("")

	assert.Equal(t, 0, e.Count(""))
	assert.Equal(t, 1, e.Count("abc"))
	assert.Equal(t, 2, e.Count("abcdefgh"))

	u := e.Estimate([]adapters.Message{{Role: "user", Text: "abcd"}}, "abcdefgh")
	assert.Equal(t, adapters.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}, u)
}
