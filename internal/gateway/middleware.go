// HTTP middleware.
//
// DESIGN: Chain, outermost first:
//  1. panicRecovery:     turn panics into a 500 envelope and a panic alert
//  2. rateLimit:         per-client token bucket (only when server.rate_limit > 0)
//  3. loggingMiddleware: correlation id in header and context, request log line
//  4. security:          response hardening headers, CORS for local origins
package gateway

import (
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/compresr/chat-bridge/internal/monitoring"
)

// statusRecorder remembers the status sent to the client.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	if s.status == 0 {
		s.status = status
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Flush keeps SSE responses streaming through the wrapper.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (s *statusRecorder) code() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

// =============================================================================
// RATE LIMITING
// =============================================================================

const (
	bucketIdleTTL  = 10 * time.Minute
	bucketSweepInt = 5 * time.Minute
)

// rateLimiter holds one token bucket per client IP. Buckets refill
// continuously at rate tokens per second up to a burst of rate.
type rateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	rate       float64
	maxBuckets int
	now        func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

type bucket struct {
	tokens float64
	seen   time.Time
}

func newRateLimiter(perSecond int) *rateLimiter {
	rl := &rateLimiter{
		buckets:    make(map[string]*bucket),
		rate:       float64(perSecond),
		maxBuckets: MaxRateLimitBuckets,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// allow takes one token from ip's bucket.
func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= rl.maxBuckets {
			rl.dropStalest()
		}
		b = &bucket{tokens: rl.rate, seen: now}
		rl.buckets[ip] = b
	}

	b.tokens = min(rl.rate, b.tokens+now.Sub(b.seen).Seconds()*rl.rate)
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// dropStalest evicts the least recently seen bucket. Caller holds mu.
func (rl *rateLimiter) dropStalest() {
	var stalest string
	var seen time.Time
	for ip, b := range rl.buckets {
		if stalest == "" || b.seen.Before(seen) {
			stalest, seen = ip, b.seen
		}
	}
	delete(rl.buckets, stalest)
}

func (rl *rateLimiter) sweepLoop() {
	ticker := time.NewTicker(bucketSweepInt)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// sweep forgets clients idle for longer than bucketIdleTTL.
func (rl *rateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-bucketIdleTTL)
	for ip, b := range rl.buckets {
		if b.seen.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}

func (rl *rateLimiter) stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// loggingMiddleware assigns the correlation id and logs each request.
func (g *Gateway) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		cid := r.Header.Get(HeaderRequestID)
		if cid == "" {
			cid = uuid.New().String()
		}
		w.Header().Set(HeaderRequestID, cid)
		r = r.WithContext(monitoring.WithRequestIDContext(r.Context(), cid))

		g.requestLogger.LogIncoming(monitoring.NewRequestInfo(r, cid, int(max(r.ContentLength, 0))))

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		latency := time.Since(start)
		g.requestLogger.LogResponse(&monitoring.ResponseInfo{
			RequestID:  cid,
			StatusCode: rec.code(),
			Latency:    latency,
		})
		log.Info().
			Str("id", cid).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.code()).
			Dur("duration", latency).
			Msg("request")
	})
}

// panicRecovery converts a handler panic into a 500 response.
func (g *Gateway) panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			cid := monitoring.RequestIDFromContext(r.Context())
			g.alerts.FlagPanic(cid, v, string(debug.Stack()))
			writeErrorBody(w, http.StatusInternalServerError, "internal error", errTypeInternal, nil, cid)
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimit rejects clients over their budget with 429.
func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if g.rateLimiter.allow(ip) {
			next.ServeHTTP(w, r)
			return
		}
		log.Warn().Str("ip", ip).Str("path", r.URL.Path).Msg("rate limit exceeded")
		w.Header().Set("Retry-After", "1")
		writeErrorBody(w, http.StatusTooManyRequests, "rate limit exceeded", errTypeRateLimit, nil, r.Header.Get(HeaderRequestID))
	})
}

// security sets hardening headers and answers CORS preflights.
func (g *Gateway) security(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")

		if origin := r.Header.Get("Origin"); origin != "" && localOrigin(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+HeaderRequestID)
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func localOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "http://[::1]"} {
		if origin == prefix || strings.HasPrefix(origin, prefix+":") || strings.HasPrefix(origin, prefix+"/") {
			return true
		}
	}
	return false
}

// clientIP identifies the caller. Forwarding headers are trusted only from
// a loopback peer.
func clientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if ip := net.ParseIP(peer); ip == nil || !ip.IsLoopback() {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return peer
}
