package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/compresr/chat-bridge/internal/adapters"
	"github.com/compresr/chat-bridge/internal/monitoring"
)

// handleChatCompletions serves POST /v1/chat/completions.
func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	cid := correlationID(r)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorBody(w, http.StatusRequestEntityTooLarge, "request body too large", errTypeInvalidRequest, nil, cid)
			return
		}
		writeErrorBody(w, http.StatusBadRequest, "failed to read request body", errTypeInvalidRequest, nil, cid)
		return
	}

	req, err := adapters.ParseChatRequest(body)
	if err != nil {
		g.alerts.FlagInvalidRequest(cid, err.Error())
		writeError(w, err, cid)
		return
	}

	g.complete(w, r, cid, req)
}

// handleModels serves GET /v1/models.
func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	models := g.client.Config().Models
	if len(models) == 0 && g.client.Config().DefaultModel != "" {
		models = []string{g.client.Config().DefaultModel}
	}
	writeJSON(w, http.StatusOK, adapters.ModelList(models, g.started.Unix()))
}

// handleDeleteSession serves DELETE /v1/sessions/{id}.
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cid := correlationID(r)

	if _, ok := g.registry.Get(r.Context(), id); !ok {
		writeErrorBody(w, http.StatusNotFound, "session not found", errTypeNotFound, nil, cid)
		return
	}
	if err := g.registry.Delete(r.Context(), id); err != nil {
		log.Error().Err(err).Str("session_id", id).Msg("session delete failed")
		writeError(w, err, cid)
		return
	}
	log.Info().Str("session_id", id).Msg("session deleted")
	w.WriteHeader(http.StatusNoContent)
}

// correlationID returns the request's id, generating one when the logging
// middleware did not run.
func correlationID(r *http.Request) string {
	if id := monitoring.RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	return uuid.New().String()
}
