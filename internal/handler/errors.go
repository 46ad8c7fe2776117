package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/oops"

	"account_service/internal/auth"
	"account_service/internal/metrics"
	"account_service/internal/service"
)

const (
	msgMissingInput   = "missing required input"
	msgDuplicate      = "email is already registered"
	msgBadCredentials = "invalid email or password"
	msgBadResetToken  = "reset token is invalid or has expired"
	msgDeliveryFailed = "could not send password reset email, please try again"
	msgNotFound       = "account not found"
	msgBadSession     = "invalid or expired token"
	msgNoSession      = "you are not logged in, please log in to continue"
	msgForbiddenRole  = "your role (%s) is not allowed to access this resource"
	msgBadAccountID   = "invalid account id"
	msgUnavailable    = "service temporarily unavailable, please retry"
	msgInternal       = "internal error"
)

// errorStatus maps a service error to the status and message the client sees.
// Internal faults never leak their text.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrMissingInput):
		return http.StatusBadRequest, msgMissingInput
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrDuplicateIdentity):
		return http.StatusConflict, msgDuplicate
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, msgBadCredentials
	case errors.Is(err, service.ErrInvalidOrExpiredToken):
		return http.StatusBadRequest, msgBadResetToken
	case errors.Is(err, service.ErrDeliveryFailed):
		return http.StatusInternalServerError, msgDeliveryFailed
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, msgNotFound
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, msgBadSession
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, msgUnavailable
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

// handleError writes the error response for err and records the event outcome.
func (h *Handler) handleError(c *gin.Context, log *slog.Logger, event string, err error) {
	status, msg := errorStatus(err)

	if status >= http.StatusInternalServerError {
		logError(log, "request failed", err)
		h.metrics.RecordAuthEvent(event, metrics.OutcomeError)
	} else {
		log.Debug("request rejected", slog.Int("status", status), slog.String("error", err.Error()))
		h.metrics.RecordAuthEvent(event, metrics.OutcomeRejected)
	}

	newErrorResponse(c, status, msg)
}

// logError logs oops errors with their code and context.
func logError(log *slog.Logger, msg string, err error) {
	if oopsErr, ok := oops.AsOops(err); ok {
		attrs := []any{slog.String("error", oopsErr.Error())}
		if code := oopsErr.Code(); code != nil {
			attrs = append(attrs, slog.Any("code", code))
		}
		if ctx := oopsErr.Context(); len(ctx) > 0 {
			attrs = append(attrs, slog.Any("context", ctx))
		}
		log.Error(msg, attrs...)

		return
	}

	log.Error(msg, slog.String("error", err.Error()))
}
