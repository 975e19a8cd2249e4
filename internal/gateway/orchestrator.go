// Chat-completion orchestration.
//
// DESIGN: One turn runs through these steps, in order:
//  1. credentials (no upstream call without them)
//  2. session: create for a new conversation, else fingerprint lookup, then
//     first-message fallback, then a fresh recovered session
//  3. claim the session's in-flight slot and re-read the session
//  4. translate, creating the upstream conversation first when needed
//  5. call upstream (retries happen only here, before any answer)
//  6. stream or buffer the answer through a stream.Transformer
//  7. commit the new parent id, only after the answer was fully delivered
//
// Anything that fails after step 6 began streaming is reported in-band and
// never commits, so a broken or abandoned turn leaves the parent id unchanged.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/compresr/chat-bridge/internal/adapters"
	"github.com/compresr/chat-bridge/internal/envelope"
	"github.com/compresr/chat-bridge/internal/monitoring"
	"github.com/compresr/chat-bridge/internal/session"
	"github.com/compresr/chat-bridge/internal/stream"
	"github.com/compresr/chat-bridge/internal/toolbridge"
	"github.com/compresr/chat-bridge/internal/transform"
	"github.com/compresr/chat-bridge/internal/upstream"
)

// errClientWrite marks a failed write to the client connection.
var errClientWrite = errors.New("client write failed")

// errEmptyStream is wrapped when the upstream ends without a single event.
var errEmptyStream = errors.New("upstream returned no events")

// complete runs one chat-completion turn.
func (g *Gateway) complete(w http.ResponseWriter, r *http.Request, correlationID string, req *adapters.ChatRequest) {
	ctx := r.Context()
	t := newTurn(correlationID, req, g.now())
	defer g.finishTurn(t)

	creds, err := g.client.Credentials(ctx)
	if err != nil {
		g.rejectTurn(w, t, err)
		return
	}

	t.model = req.Model
	if t.model == "" {
		t.model = g.client.Config().DefaultModel
	}
	t.record.Model = t.model

	if err := g.resolveSession(ctx, t); err != nil {
		g.rejectTurn(w, t, err)
		return
	}

	release, err := g.registry.BeginTurn(ctx, t.sess.ID)
	if err != nil {
		if clientGone(ctx, err) {
			t.abort()
			return
		}
		g.rejectTurn(w, t, err)
		return
	}
	defer func() { release() }()

	// A queued turn may have waited behind another one for the same session.
	if err := g.refreshSession(ctx, t, &release); err != nil {
		g.rejectTurn(w, t, err)
		return
	}

	up, err := transform.Build(transform.Input{
		Request:       req,
		Session:       t.sess,
		Model:         t.model,
		ReplayHistory: g.registry.Config().ReplayHistoryOnRecovery,
		ForceStream:   g.client.Config().ForceStream,
	})
	if err != nil {
		g.rejectTurn(w, t, err)
		return
	}

	if up.ChatID == "" {
		chatID, err := g.client.CreateConversation(ctx, creds, up.Title, up.Models)
		if err != nil {
			g.rejectTurn(w, t, err)
			return
		}
		if err := g.registry.SetConversationID(ctx, t.sess.ID, chatID); err != nil {
			g.rejectTurn(w, t, fmt.Errorf("bind conversation: %w", err))
			return
		}
		up.ChatID = chatID
	}
	t.record.ConversationID = up.ChatID
	if up.ParentID != nil {
		t.record.ParentID = *up.ParentID
	}

	payload, err := up.Payload()
	if err != nil {
		g.rejectTurn(w, t, fmt.Errorf("encode completion: %w", err))
		return
	}
	g.requestLogger.LogOutgoing(&monitoring.OutgoingRequestInfo{
		RequestID:   correlationID,
		ChatID:      up.ChatID,
		Model:       up.Model,
		BodySize:    len(payload),
		Messages:    len(up.Messages),
		Stream:      up.Stream,
		HasParentID: up.ParentID != nil,
	})

	resp, err := g.client.Complete(ctx, creds, up.ChatID, payload, up.Stream)
	if err != nil {
		if clientGone(ctx, err) {
			t.abort()
			return
		}
		g.rejectTurn(w, t, err)
		return
	}

	meta := adapters.ChunkMeta{
		ID:      "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Model:   t.model,
		Created: t.started.Unix(),
	}
	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	tr := stream.NewTransformer(meta, req.ToolNames(), includeUsage)

	if req.Stream {
		g.streamAnswer(ctx, w, t, tr, resp)
		return
	}
	g.bufferAnswer(ctx, w, t, tr, resp)
}

// =============================================================================
// SESSION RESOLUTION
// =============================================================================

// resolveSession binds the turn to a session.
func (g *Gateway) resolveSession(ctx context.Context, t *turn) error {
	firstUser, _ := adapters.FirstUserMessage(t.req.Messages)
	assistant, ok := adapters.FirstAssistantMessage(t.req.Messages)
	if !ok {
		s, err := g.registry.Create(ctx, firstUser, session.WithModel(t.model))
		if err != nil {
			return err
		}
		g.bindSession(t, s, outcomeCreated)
		g.metrics.RecordSessionCreated()
		return nil
	}

	fp := session.ComputeFingerprint(firstUser, assistantText(assistant))
	if s, ok := g.registry.Resolve(ctx, fp); ok {
		g.bindSession(t, s, outcomeResolved)
		g.metrics.RecordSessionResolved()
		return nil
	}
	if s, ok := g.registry.FallbackResolveByFirstMessage(ctx, firstUser); ok {
		g.bindSession(t, s, outcomeFallback)
		g.metrics.RecordSessionResolved()
		return nil
	}

	s, err := g.registry.Create(ctx, firstUser, session.WithModel(t.model), session.Recovered())
	if err != nil {
		return err
	}
	g.bindSession(t, s, outcomeRecovered)
	g.metrics.RecordSessionRecovered()
	g.alerts.FlagSessionRecovered(t.correlationID, s.ID, "no session for fingerprint or first message")
	return nil
}

// refreshSession re-reads the session after its slot was claimed. A session
// evicted in the meantime is replaced by a recovered one.
func (g *Gateway) refreshSession(ctx context.Context, t *turn, release *func()) error {
	if s, ok := g.registry.Get(ctx, t.sess.ID); ok {
		t.sess = s
		return nil
	}

	firstUser, _ := adapters.FirstUserMessage(t.req.Messages)
	s, err := g.registry.Create(ctx, firstUser, session.WithModel(t.model), session.Recovered())
	if err != nil {
		return err
	}
	g.alerts.FlagSessionRecovered(t.correlationID, s.ID, "session evicted while queued")
	g.metrics.RecordSessionRecovered()

	(*release)()
	next, err := g.registry.BeginTurn(ctx, s.ID)
	if err != nil {
		return err
	}
	*release = next
	g.bindSession(t, s, outcomeRecovered)
	return nil
}

func (g *Gateway) bindSession(t *turn, s *session.Session, outcome string) {
	t.sess = s
	t.outcome = outcome
	t.record.SessionID = s.ID
	t.record.ConversationID = s.ConversationID
	t.record.NewSession = outcome == outcomeCreated || outcome == outcomeRecovered
	t.record.Recovered = outcome == outcomeRecovered
	g.requestLogger.LogSession(&monitoring.SessionInfo{
		RequestID: t.correlationID,
		SessionID: s.ID,
		Outcome:   outcome,
		TurnCount: s.TurnCount,
	})
}

// assistantText is the fingerprinted form of an assistant message. A reply
// that carried only tool calls is fingerprinted by its markup.
func assistantText(m *adapters.Message) string {
	if m.Text != "" || len(m.ToolCalls) == 0 {
		return m.Text
	}
	return toolbridge.EncodeToolCalls(m.ToolCalls)
}

// =============================================================================
// ANSWER DELIVERY
// =============================================================================

// streamAnswer relays the upstream answer as server-sent events.
func (g *Gateway) streamAnswer(ctx context.Context, w http.ResponseWriter, t *turn, tr *stream.Transformer, resp *upstream.Response) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	send := func(chunks [][]byte) error {
		for _, c := range chunks {
			if _, err := fmt.Fprintf(w, "data: %s\n\n", c); err != nil {
				return fmt.Errorf("%w: %v", errClientWrite, err)
			}
		}
		if flusher != nil && len(chunks) > 0 {
			flusher.Flush()
		}
		return nil
	}

	err := g.readEvents(ctx, resp, func(ev envelope.Event) error {
		chunks, ierr := tr.Ingest(ev)
		if werr := send(chunks); werr != nil {
			return werr
		}
		return ierr
	})
	if err == nil && tr.Events() == 0 {
		err = &stream.Error{Kind: stream.KindEmpty, Err: errEmptyStream}
	}

	if err != nil {
		if clientGone(ctx, err) {
			t.abort()
			return
		}
		g.failStream(t, err)
		_ = send(tr.Fail(err, t.correlationID))
		return
	}

	g.estimateUsage(t, tr)
	chunks, err := tr.Finish()
	if err != nil {
		g.failStream(t, err)
		return
	}
	if err := send(chunks); err != nil {
		t.abort()
		return
	}
	g.commit(ctx, t, tr.Result())
}

// bufferAnswer collects the whole answer and writes one completion object.
func (g *Gateway) bufferAnswer(ctx context.Context, w http.ResponseWriter, t *turn, tr *stream.Transformer, resp *upstream.Response) {
	err := g.readEvents(ctx, resp, func(ev envelope.Event) error {
		_, ierr := tr.Ingest(ev)
		return ierr
	})
	if err == nil && tr.Events() == 0 {
		err = &stream.Error{Kind: stream.KindEmpty, Err: errEmptyStream}
	}
	if err != nil {
		if clientGone(ctx, err) {
			t.abort()
			return
		}
		g.rejectTurn(w, t, err)
		return
	}

	g.estimateUsage(t, tr)
	if _, err := tr.Finish(); err != nil {
		g.rejectTurn(w, t, err)
		return
	}
	if ctx.Err() != nil {
		t.abort()
		return
	}
	writeJSON(w, http.StatusOK, tr.Completion())
	g.commit(ctx, t, tr.Result())
}

// readEvents feeds every upstream event to fn. A buffered JSON body counts as
// a single event.
func (g *Gateway) readEvents(ctx context.Context, resp *upstream.Response, fn func(envelope.Event) error) error {
	if !resp.IsEventStream() {
		defer func() { _ = resp.Body.Close() }()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return &stream.Error{Kind: stream.KindRead, Err: err}
		}
		ev, err := envelope.DecodeResponse(raw)
		if err != nil {
			return &stream.Error{Kind: stream.KindProtocol, Err: err}
		}
		return fn(ev)
	}

	return stream.Pump(ctx, resp.Body, g.client.Config().StreamIdleTimeout, func(data []byte) error {
		ev, err := envelope.DecodeEvent(data)
		if err != nil {
			return &stream.Error{Kind: stream.KindProtocol, Err: err}
		}
		return fn(ev)
	})
}

// estimateUsage fills usage the upstream did not report, when enabled.
func (g *Gateway) estimateUsage(t *turn, tr *stream.Transformer) {
	if tr.Usage() != nil || !g.cfg.Usage.EstimateMissing {
		return
	}
	tr.SetUsage(g.estimator.Estimate(t.req.Messages, tr.Text()))
	t.record.UsageEstimated = true
}

// =============================================================================
// COMMIT AND REPORTING
// =============================================================================

// commit advances the session after a fully delivered answer.
func (g *Gateway) commit(ctx context.Context, t *turn, res stream.Result) {
	t.record.Status = monitoring.TurnCompleted
	t.record.FinishReason = res.FinishReason
	t.record.ToolCalls = len(res.ToolCalls)
	t.record.ContinuationID = res.ContinuationID
	if res.Usage != nil {
		t.record.InputTokens = res.Usage.PromptTokens
		t.record.OutputTokens = res.Usage.CompletionTokens
		t.record.TotalTokens = res.Usage.TotalTokens
	}

	if res.ContinuationID == "" {
		log.Warn().
			Str("request_id", t.correlationID).
			Str("session_id", t.sess.ID).
			Msg("upstream answer carried no continuation id, session not advanced")
		return
	}

	// The answer is already delivered; the commit must not be lost to a
	// client that hangs up right after [DONE].
	ctx = context.WithoutCancel(ctx)
	s, err := g.registry.CommitTurn(ctx, t.sess.ID, res.ContinuationID)
	if err != nil {
		log.Error().Err(err).Str("session_id", t.sess.ID).Msg("session commit failed")
		return
	}

	if s.Fingerprint == "" {
		firstUser, _ := adapters.FirstUserMessage(t.req.Messages)
		firstAssistant := res.Content
		if m, ok := adapters.FirstAssistantMessage(t.req.Messages); ok {
			firstAssistant = assistantText(m)
		}
		if err := g.registry.SetFingerprint(ctx, s.ID, session.ComputeFingerprint(firstUser, firstAssistant)); err != nil {
			log.Error().Err(err).Str("session_id", s.ID).Msg("session fingerprint update failed")
		}
	}
}

// rejectTurn reports a failure that happened before any answer was written.
func (g *Gateway) rejectTurn(w http.ResponseWriter, t *turn, err error) {
	t.fail(err)
	ae := writeError(w, err, t.correlationID)

	var uerr *upstream.Error
	switch {
	case errors.As(err, &uerr):
		g.alerts.FlagProviderError(t.correlationID, uerr.StatusCode, uerr.Error())
		if uerr.Kind == upstream.KindNetwork && strings.Contains(uerr.Message, "timed out") {
			g.alerts.FlagUpstreamTimeout(t.correlationID, "request", g.client.Config().RequestTimeout)
		}
	case ae.status == http.StatusBadGateway:
		g.alerts.FlagProviderError(t.correlationID, 0, err.Error())
	case ae.status == http.StatusInternalServerError:
		log.Error().Err(err).Str("request_id", t.correlationID).Msg("chat completion failed")
	}
}

// failStream records a failure reported in-band.
func (g *Gateway) failStream(t *turn, err error) {
	t.fail(err)
	g.metrics.RecordStreamError()
	g.alerts.FlagStreamError(t.correlationID, t.record.SessionID, err)
	if errors.Is(err, stream.ErrIdleTimeout) {
		g.alerts.FlagUpstreamTimeout(t.correlationID, "stream", g.client.Config().StreamIdleTimeout)
	}
}

// finishTurn updates metrics and hands the record to the sink.
func (g *Gateway) finishTurn(t *turn) {
	latency := g.now().Sub(t.started)
	t.record.LatencyMs = latency.Milliseconds()
	g.metrics.RecordRequest(t.record.Status == monitoring.TurnCompleted, latency)
	g.alerts.FlagHighLatency(t.correlationID, latency, t.model, t.req.Stream)

	rec := t.record
	g.sinkWG.Add(1)
	go func() {
		defer g.sinkWG.Done()
		defer func() {
			if p := recover(); p != nil {
				log.Error().Interface("panic", p).Str("request_id", rec.CorrelationID).Msg("persistence sink panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if err := g.sink.RecordTurn(ctx, rec); err != nil {
			log.Warn().Err(err).Str("request_id", rec.CorrelationID).Msg("persistence sink failed")
		}
	}()
}
