package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/chat-bridge/internal/envelope"
)

// Config describes the upstream service.
type Config struct {
	BaseURL        string `yaml:"base_url"`
	NewChatPath    string `yaml:"new_chat_path"`
	CompletionPath string `yaml:"completion_path"`

	RequestTimeout    time.Duration `yaml:"request_timeout"`
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"`

	DefaultModel string   `yaml:"default_model"`
	Models       []string `yaml:"models"`

	Token     string            `yaml:"token"`
	Cookies   string            `yaml:"cookies"`
	UserAgent string            `yaml:"user_agent"`
	Headers   map[string]string `yaml:"headers,omitempty"`

	// ForceStream always asks the upstream for an event stream, aggregating
	// it for non-streaming clients.
	ForceStream bool `yaml:"force_stream"`
}

// DefaultConfig returns the defaults used for unset fields.
func DefaultConfig() Config {
	return Config{
		NewChatPath:       "/api/v2/chats/new",
		CompletionPath:    "/api/v2/chat/completions",
		RequestTimeout:    60 * time.Second,
		StreamIdleTimeout: 120 * time.Second,
		UserAgent:         "chat-bridge",
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.NewChatPath == "" {
		c.NewChatPath = d.NewChatPath
	}
	if c.CompletionPath == "" {
		c.CompletionPath = d.CompletionPath
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.StreamIdleTimeout <= 0 {
		c.StreamIdleTimeout = d.StreamIdleTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.DefaultModel == "" && len(c.Models) > 0 {
		c.DefaultModel = c.Models[0]
	}
	return c
}

// =============================================================================
// CLIENT
// =============================================================================

// Client speaks the upstream protocol.
type Client struct {
	cfg       Config
	transport Transport
	creds     CredentialProvider
	retrier   *Retrier
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithTransport replaces the HTTP transport.
func WithTransport(t Transport) ClientOption {
	return func(c *Client) { c.transport = t }
}

// WithCredentials replaces the credential provider.
func WithCredentials(p CredentialProvider) ClientOption {
	return func(c *Client) { c.creds = p }
}

// WithRetrier replaces the retrier.
func WithRetrier(r *Retrier) ClientOption {
	return func(c *Client) { c.retrier = r }
}

// NewClient creates a client. By default it uses HTTPTransport, static
// credentials from cfg and the default retry policy.
func NewClient(cfg Config, opts ...ClientOption) *Client {
	cfg = cfg.WithDefaults()
	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = NewHTTPTransport(nil, cfg.RequestTimeout)
	}
	if c.creds == nil {
		c.creds = StaticCredentials{Token: cfg.Token, Cookies: cfg.Cookies}
	}
	if c.retrier == nil {
		c.retrier = NewRetrier(DefaultRetryPolicy())
	}
	return c
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Credentials fetches credentials for one request.
func (c *Client) Credentials(ctx context.Context) (Credentials, error) {
	creds, err := c.creds.AuthHeaders(ctx)
	if err != nil {
		if errors.Is(err, ErrCredentialsUnavailable) {
			return Credentials{}, err
		}
		return Credentials{}, fmt.Errorf("%w: %v", ErrCredentialsUnavailable, err)
	}
	return creds, nil
}

// CreateConversation creates an upstream conversation and returns its id.
func (c *Client) CreateConversation(ctx context.Context, creds Credentials, title string, models []string) (string, error) {
	body, err := envelope.NewChat(title, models)
	if err != nil {
		return "", &Error{Kind: KindProtocol, Message: "failed to encode conversation request", Err: err}
	}

	var chatID string
	err = c.retrier.Do(ctx, func(ctx context.Context) error {
		resp, err := c.transport.Do(ctx, c.newRequest(c.cfg.NewChatPath, creds, body, false))
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return &Error{Kind: KindNetwork, Message: "failed to read conversation response", Err: err}
		}
		id, err := envelope.DecodeConversationID(raw)
		if err != nil {
			return protocolError(err)
		}
		chatID = id
		return nil
	})
	if err != nil {
		return "", err
	}

	log.Debug().Str("chat_id", chatID).Msg("upstream conversation created")
	return chatID, nil
}

// Complete posts a completion payload. The returned body is an event stream
// when stream is true (or the upstream chose to stream); the caller closes it.
// Retries happen only before the response headers arrive.
func (c *Client) Complete(ctx context.Context, creds Credentials, chatID string, payload []byte, stream bool) (*Response, error) {
	path := c.cfg.CompletionPath + "?chat_id=" + url.QueryEscape(chatID)

	var resp *Response
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		r, err := c.transport.Do(ctx, c.newRequest(path, creds, payload, stream))
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) newRequest(path string, creds Credentials, body []byte, stream bool) *Request {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	if stream {
		h.Set("Accept", "text/event-stream")
	} else {
		h.Set("Accept", "application/json")
	}
	h.Set("User-Agent", c.cfg.UserAgent)
	for k, v := range c.cfg.Headers {
		h.Set(k, v)
	}
	creds.Apply(h)

	return &Request{
		Method: http.MethodPost,
		URL:    strings.TrimRight(c.cfg.BaseURL, "/") + path,
		Header: h,
		Body:   body,
		Stream: stream,
	}
}

// protocolError wraps a payload-level failure from a 2xx response.
func protocolError(err error) *Error {
	var evErr *envelope.EventError
	if errors.As(err, &evErr) {
		kind := KindProtocol
		if strings.EqualFold(evErr.Code, "Unauthorized") {
			kind = KindAuth
		}
		return &Error{Kind: kind, Message: evErr.Error(), Err: err}
	}
	return &Error{Kind: KindProtocol, Message: err.Error(), Err: err}
}
