package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Request is one upstream HTTP call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Stream keeps the body open after headers arrive.
	Stream bool
}

// Response is a successful (2xx) upstream answer. The caller must close Body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// IsEventStream reports whether the body is server-sent events.
func (r *Response) IsEventStream() bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "text/event-stream")
}

// Transport performs upstream calls. Non-2xx statuses come back as *Error.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// HTTPTransport implements Transport over net/http.
//
// The request timeout covers connection and response headers, and for
// non-streaming calls the whole body. Streaming bodies are bounded by the
// caller's idle timeout instead.
type HTTPTransport struct {
	client         *http.Client
	requestTimeout time.Duration
}

// NewHTTPTransport creates a transport. A nil client uses a default one.
func NewHTTPTransport(client *http.Client, requestTimeout time.Duration) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client, requestTimeout: requestTimeout}
}

// Do sends req.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	var timer *time.Timer
	if t.requestTimeout > 0 {
		timer = time.AfterFunc(t.requestTimeout, func() {
			timedOut.Store(true)
			cancel()
		})
	}
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		stopTimer()
		cancel()
		return nil, &Error{Kind: KindProtocol, Message: "failed to create request", Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		stopTimer()
		cancel()
		return nil, t.networkError(err, timedOut.Load())
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen*4))
		_ = resp.Body.Close()
		stopTimer()
		cancel()
		return nil, statusError(resp.StatusCode, body)
	}

	if req.Stream {
		stopTimer()
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
		}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	_ = resp.Body.Close()
	stopTimer()
	cancel()
	if err != nil {
		return nil, t.networkError(fmt.Errorf("failed to read response: %w", err), timedOut.Load())
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}, nil
}

func (t *HTTPTransport) networkError(err error, timedOut bool) *Error {
	if timedOut {
		return &Error{Kind: KindNetwork, Message: fmt.Sprintf("request timed out after %s", t.requestTimeout), Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindNetwork, Message: "request canceled", Err: err}
	}
	return &Error{Kind: KindNetwork, Err: err}
}

// cancelOnClose releases the request context once the stream is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cancel)
	return err
}

// Ensure HTTPTransport implements Transport
var _ Transport = (*HTTPTransport)(nil)
