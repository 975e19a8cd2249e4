package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

var testCreds = Credentials{Token: "tok", Cookies: "sid=1"}

// recordingRetrier never sleeps and records the requested delays.
func recordingRetrier(p RetryPolicy, delays *[]time.Duration) *Retrier {
	return &Retrier{
		Policy: p,
		Sleep: func(_ context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return nil
		},
	}
}

func statusServer(t *testing.T, status int, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"success":false}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// =============================================================================
// RETRY POLICY
// =============================================================================

func TestComplete_NoRetryOnClientErrors(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusTooManyRequests} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var hits int32
			var delays []time.Duration
			srv := statusServer(t, status, &hits)
			c := NewClient(Config{BaseURL: srv.URL},
				WithRetrier(recordingRetrier(RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, Multiplier: 2}, &delays)))

			_, err := c.Complete(context.Background(), testCreds, "chat-1", []byte(`{}`), true)

			var ue *Error
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, status, ue.StatusCode)
			assert.False(t, ue.Retryable())
			assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
			assert.Empty(t, delays)
		})
	}
}

func TestComplete_AuthKind(t *testing.T) {
	var hits int32
	srv := statusServer(t, http.StatusUnauthorized, &hits)
	c := NewClient(Config{BaseURL: srv.URL})

	_, err := c.Complete(context.Background(), testCreds, "chat-1", []byte(`{}`), false)

	var ue *Error
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, KindAuth, ue.Kind)
}

func TestComplete_RetriesServerErrorsWithIncreasingDelays(t *testing.T) {
	var hits int32
	var delays []time.Duration
	srv := statusServer(t, http.StatusServiceUnavailable, &hits)
	c := NewClient(Config{BaseURL: srv.URL},
		WithRetrier(recordingRetrier(RetryPolicy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}, &delays)))

	_, err := c.Complete(context.Background(), testCreds, "chat-1", []byte(`{}`), true)

	var ue *Error
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusServiceUnavailable, ue.StatusCode)
	assert.Equal(t, KindServer, ue.Kind)
	assert.Equal(t, int32(4), atomic.LoadInt32(&hits))
	require.Len(t, delays, 3)
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1])
	}
}

func TestComplete_RecoversAfterTransientFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n"))
	}))
	defer srv.Close()
	var delays []time.Duration
	c := NewClient(Config{BaseURL: srv.URL},
		WithRetrier(recordingRetrier(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}, &delays)))

	resp, err := c.Complete(context.Background(), testCreds, "chat-1", []byte(`{}`), true)

	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.True(t, resp.IsEventStream())
	assert.Len(t, delays, 1)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))
}

func TestRetrier_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	r := NewRetrier(RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour})

	err := r.Do(ctx, func(context.Context) error {
		calls++
		return &Error{Kind: KindNetwork, Message: "down"}
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&Error{Kind: KindNetwork}))
	assert.True(t, IsRetryable(&Error{Kind: KindServer, StatusCode: 500}))
	assert.False(t, IsRetryable(&Error{Kind: KindClient, StatusCode: 422}))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, statusError(http.StatusTooManyRequests, nil).Retryable())
	assert.Equal(t, KindClient, statusError(http.StatusTooManyRequests, nil).Kind)
}

// =============================================================================
// PROTOCOL CALLS
// =============================================================================

func TestCreateConversation(t *testing.T) {
	var gotPath, gotAuth, gotCookie string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotCookie = r.Header.Get("Cookie")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":"chat-42"}}`))
	}))
	defer srv.Close()
	c := NewClient(Config{BaseURL: srv.URL + "/"})

	id, err := c.CreateConversation(context.Background(), testCreds, "hello", []string{"qwen-max"})

	require.NoError(t, err)
	assert.Equal(t, "chat-42", id)
	assert.Equal(t, "/api/v2/chats/new", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "sid=1", gotCookie)
	assert.Equal(t, "hello", gjson.GetBytes(gotBody, "title").String())
	assert.Equal(t, "t2t", gjson.GetBytes(gotBody, "chat_type").String())
}

func TestCreateConversation_RejectedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"data":{"code":"Unauthorized","details":"login required"}}`))
	}))
	defer srv.Close()
	c := NewClient(Config{BaseURL: srv.URL})

	_, err := c.CreateConversation(context.Background(), testCreds, "t", nil)

	var ue *Error
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, KindAuth, ue.Kind)
}

func TestComplete_QueryAndHeaders(t *testing.T) {
	var gotQuery, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("chat_id")
		gotAccept = r.Header.Get("Accept")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer srv.Close()
	c := NewClient(Config{BaseURL: srv.URL, Headers: map[string]string{"X-Extra": "1"}})

	resp, err := c.Complete(context.Background(), testCreds, "chat 1", []byte(`{}`), false)

	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hi", gjson.GetBytes(body, "choices.0.message.content").String())
	assert.Equal(t, "chat 1", gotQuery)
	assert.Equal(t, "application/json", gotAccept)
}

func TestHTTPTransport_RequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	tr := NewHTTPTransport(nil, 30*time.Millisecond)

	_, err := tr.Do(context.Background(), &Request{Method: http.MethodPost, URL: srv.URL})

	var ue *Error
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, KindNetwork, ue.Kind)
	assert.Contains(t, ue.Message, "timed out")
}

func TestHTTPTransport_StreamOutlivesRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(80 * time.Millisecond)
		_, _ = w.Write([]byte("data: late\n\n"))
	}))
	defer srv.Close()
	tr := NewHTTPTransport(nil, 30*time.Millisecond)

	resp, err := tr.Do(context.Background(), &Request{Method: http.MethodPost, URL: srv.URL, Stream: true})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "data: late\n\n", string(body))
}

func TestStaticCredentials(t *testing.T) {
	_, err := StaticCredentials{}.AuthHeaders(context.Background())
	assert.ErrorIs(t, err, ErrCredentialsUnavailable)

	c := NewClient(Config{})
	_, err = c.Credentials(context.Background())
	assert.ErrorIs(t, err, ErrCredentialsUnavailable)

	creds, err := StaticCredentials{Token: "t"}.AuthHeaders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t", creds.Token)
}
