// Package gateway serves the client chat-completion protocol on top of the
// upstream chat service.
//
// DESIGN: The Gateway owns every long-lived collaborator and wires them once:
//   - upstream.Client (transport, credentials, retry policy)
//   - session.Registry over the configured store, plus its Janitor
//   - the persistence sink (JSONL Tracker when telemetry is enabled)
//   - monitoring: request logger, alerts, metrics
//
// Request handling lives in handler.go; the per-turn flow in orchestrator.go.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/chat-bridge/internal/config"
	"github.com/compresr/chat-bridge/internal/monitoring"
	"github.com/compresr/chat-bridge/internal/session"
	"github.com/compresr/chat-bridge/internal/store"
	"github.com/compresr/chat-bridge/internal/stream"
	"github.com/compresr/chat-bridge/internal/upstream"
)

// sinkTimeout bounds one RecordTurn call.
const sinkTimeout = 10 * time.Second

// Gateway is the chat bridge server.
type Gateway struct {
	cfg *config.Config

	client    *upstream.Client
	registry  *session.Registry
	janitor   *session.Janitor
	estimator *stream.TokenEstimator
	sink      PersistenceSink
	ownsSink  bool

	requestLogger *monitoring.RequestLogger
	alerts        *monitoring.AlertManager
	metrics       *monitoring.MetricsCollector
	rateLimiter   *rateLimiter

	maxBody int64
	handler http.Handler
	server  *http.Server
	started time.Time
	now     func() time.Time

	sinkWG       sync.WaitGroup
	statsDone    chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customizes New.
type Option func(*options)

type options struct {
	transport upstream.Transport
	creds     upstream.CredentialProvider
	sink      PersistenceSink
	store     store.Store
	logger    *monitoring.Logger
}

// WithTransport replaces the upstream HTTP transport.
func WithTransport(t upstream.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithCredentials replaces the credentials taken from configuration.
func WithCredentials(p upstream.CredentialProvider) Option {
	return func(o *options) { o.creds = p }
}

// WithSink replaces the persistence sink.
func WithSink(s PersistenceSink) Option {
	return func(o *options) { o.sink = s }
}

// WithStore replaces the session store selected by configuration.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithLogger replaces the logger used for request tracing and alerts.
func WithLogger(l *monitoring.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a gateway from a validated configuration.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = monitoring.FromGlobal()
	}

	g := &Gateway{
		cfg:           cfg,
		estimator:     stream.NewTokenEstimator(cfg.Usage.Encoding),
		requestLogger: monitoring.NewRequestLogger(o.logger),
		alerts:        monitoring.NewAlertManager(o.logger, cfg.Monitoring.Alerts()),
		metrics:       monitoring.NewMetricsCollector(),
		started:       time.Now(),
		now:           time.Now,
		statsDone:     make(chan struct{}),
		maxBody:       cfg.Server.MaxBodyBytes,
	}
	if g.maxBody <= 0 {
		g.maxBody = config.DefaultMaxBodyBytes
	}

	st := o.store
	if st == nil {
		var err error
		if st, err = openStore(cfg.Store); err != nil {
			return nil, err
		}
	}
	g.registry = session.NewRegistry(st, cfg.Session)
	g.janitor = session.NewJanitor(g.registry, cfg.Session.EvictInterval, g.metrics.RecordEvictions)

	g.sink = o.sink
	if g.sink == nil {
		tracker, err := monitoring.NewTracker(cfg.Monitoring.Telemetry())
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to open telemetry log: %w", err)
		}
		g.sink = tracker
		g.ownsSink = true
	}

	transport := o.transport
	if transport == nil {
		transport = upstream.NewHTTPTransport(nil, cfg.Upstream.WithDefaults().RequestTimeout)
	}
	retrier := upstream.NewRetrier(cfg.Retry)
	retrier.OnRetry = func(attempt int, delay time.Duration, err error) {
		g.metrics.RecordRetry()
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("upstream call failed, retrying")
	}
	clientOpts := []upstream.ClientOption{
		upstream.WithTransport(&countingTransport{Transport: transport, metrics: g.metrics}),
		upstream.WithRetrier(retrier),
	}
	if o.creds != nil {
		clientOpts = append(clientOpts, upstream.WithCredentials(o.creds))
	}
	g.client = upstream.NewClient(cfg.Upstream, clientOpts...)

	if cfg.Server.RateLimit > 0 {
		g.rateLimiter = newRateLimiter(cfg.Server.RateLimit)
	}
	g.handler = g.buildHandler()
	g.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           g.handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	return g, nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case config.StoreSQLite:
		st, err := store.OpenSQLite(context.Background(), cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open session store: %w", err)
		}
		return st, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// buildHandler assembles routes and middleware.
func (g *Gateway) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(RouteChatCompletions, g.handleChatCompletions)
	mux.HandleFunc(RouteModels, g.handleModels)
	mux.HandleFunc(RouteDeleteSession, g.handleDeleteSession)

	var h http.Handler = g.security(mux)
	h = g.loggingMiddleware(h)
	if g.rateLimiter != nil {
		h = g.rateLimit(h)
	}
	return g.panicRecovery(h)
}

// Handler returns the HTTP handler with all middleware applied.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Registry returns the session registry.
func (g *Gateway) Registry() *session.Registry {
	return g.registry
}

// Stats returns the current counters.
func (g *Gateway) Stats() map[string]int64 {
	return g.metrics.Stats()
}

// Start runs background workers and serves until Shutdown.
func (g *Gateway) Start() error {
	g.janitor.Start()
	if iv := g.cfg.Monitoring.StatsInterval; iv > 0 {
		go g.statsLoop(iv)
	}
	log.Info().
		Str("addr", g.server.Addr).
		Str("upstream", g.cfg.Upstream.BaseURL).
		Str("store", g.cfg.Store.Type).
		Msg("gateway listening")
	return g.server.ListenAndServe()
}

// Shutdown stops the server, waits for pending sink writes and closes the
// session store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		var errs []error
		if err := g.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		g.janitor.Stop()
		close(g.statsDone)
		if g.rateLimiter != nil {
			g.rateLimiter.stop()
		}

		waited := make(chan struct{})
		go func() {
			g.sinkWG.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			log.Warn().Msg("shutdown: pending turn records abandoned")
		}

		if c, ok := g.sink.(io.Closer); ok && g.ownsSink {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		g.logStats()
		if err := g.registry.Close(); err != nil {
			errs = append(errs, err)
		}
		g.shutdownErr = errors.Join(errs...)
	})
	return g.shutdownErr
}

func (g *Gateway) statsLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.statsDone:
			return
		case <-ticker.C:
			g.logStats()
		}
	}
}

func (g *Gateway) logStats() {
	ev := log.Info()
	for k, v := range g.metrics.Stats() {
		ev = ev.Int64(k, v)
	}
	if n, err := g.registry.Len(context.Background()); err == nil {
		ev = ev.Int("sessions", n)
	}
	ev.Msg("stats")
}

// countingTransport counts every upstream attempt, retries included.
type countingTransport struct {
	upstream.Transport
	metrics *monitoring.MetricsCollector
}

func (c *countingTransport) Do(ctx context.Context, req *upstream.Request) (*upstream.Response, error) {
	c.metrics.RecordUpstreamAttempt()
	return c.Transport.Do(ctx, req)
}
