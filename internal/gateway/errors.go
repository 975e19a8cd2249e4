package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/compresr/chat-bridge/internal/adapters"
	"github.com/compresr/chat-bridge/internal/envelope"
	"github.com/compresr/chat-bridge/internal/session"
	"github.com/compresr/chat-bridge/internal/stream"
	"github.com/compresr/chat-bridge/internal/upstream"
)

// apiError is an error as the client sees it.
type apiError struct {
	status  int
	errType string
	code    any
	message string
}

// classifyError maps a pre-stream failure onto the client error envelope.
func classifyError(err error) apiError {
	var (
		verr  *adapters.ValidationError
		uerr  *upstream.Error
		serr  *stream.Error
		everr *envelope.EventError
	)

	switch {
	case errors.As(err, &verr):
		return apiError{http.StatusBadRequest, errTypeInvalidRequest, nil, verr.Error()}

	case errors.Is(err, upstream.ErrCredentialsUnavailable):
		return apiError{http.StatusUnauthorized, errTypeAuthentication, nil, err.Error()}

	case errors.As(err, &uerr):
		if uerr.Kind == upstream.KindAuth {
			return apiError{http.StatusUnauthorized, errTypeAuthentication, statusCode(uerr.StatusCode), uerr.Error()}
		}
		return apiError{http.StatusBadGateway, errTypeUpstream, statusCode(uerr.StatusCode), uerr.Error()}

	case errors.As(err, &everr):
		if strings.EqualFold(everr.Code, "Unauthorized") {
			return apiError{http.StatusUnauthorized, errTypeAuthentication, everr.Code, everr.Error()}
		}
		var code any
		if everr.Code != "" {
			code = everr.Code
		}
		return apiError{http.StatusBadGateway, errTypeUpstream, code, everr.Error()}

	case errors.As(err, &serr):
		return apiError{http.StatusBadGateway, errTypeUpstream, string(serr.Kind), serr.Error()}

	case errors.Is(err, session.ErrSessionBusy):
		return apiError{http.StatusConflict, errTypeSessionBusy, nil, err.Error()}

	case errors.Is(err, session.ErrNotFound):
		return apiError{http.StatusNotFound, errTypeNotFound, nil, err.Error()}

	default:
		return apiError{http.StatusInternalServerError, errTypeInternal, nil, "internal error"}
	}
}

// statusCode echoes an upstream HTTP status, or nil when there was none.
func statusCode(status int) any {
	if status == 0 {
		return nil
	}
	return status
}

// clientGone reports whether err only means the client went away.
func clientGone(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, errClientWrite)
}

// writeError writes the structured error envelope for err.
func writeError(w http.ResponseWriter, err error, correlationID string) apiError {
	ae := classifyError(err)
	writeErrorBody(w, ae.status, ae.message, ae.errType, ae.code, correlationID)
	return ae
}

// writeErrorBody writes an error envelope with an explicit status.
func writeErrorBody(w http.ResponseWriter, status int, message, errType string, code any, correlationID string) {
	writeJSON(w, status, adapters.ErrorBody(message, errType, code, correlationID))
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
