package upstream

import (
	"context"
	"errors"
	"net/http"
)

// ErrCredentialsUnavailable means no credentials are configured; the request
// fails as unauthenticated without contacting the upstream.
var ErrCredentialsUnavailable = errors.New("upstream credentials unavailable")

// Credentials authenticate one request.
type Credentials struct {
	Token   string
	Cookies string
	Headers map[string]string
}

// Apply writes the credentials onto h.
func (c Credentials) Apply(h http.Header) {
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	if c.Cookies != "" {
		h.Set("Cookie", c.Cookies)
	}
	for k, v := range c.Headers {
		h.Set(k, v)
	}
}

// CredentialProvider supplies credentials per request. Acquiring them (login,
// refresh) is the provider's business, not the gateway's.
type CredentialProvider interface {
	AuthHeaders(ctx context.Context) (Credentials, error)
}

// StaticCredentials serves fixed credentials from configuration.
type StaticCredentials struct {
	Token   string
	Cookies string
}

// AuthHeaders returns the configured credentials.
func (s StaticCredentials) AuthHeaders(_ context.Context) (Credentials, error) {
	if s.Token == "" && s.Cookies == "" {
		return Credentials{}, ErrCredentialsUnavailable
	}
	return Credentials{Token: s.Token, Cookies: s.Cookies}, nil
}
