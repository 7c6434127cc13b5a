package server

import (
	"context"
	"errors"
	"net/http"

	"p2pmarket/gateway/middleware"
	"p2pmarket/native/market"
	"p2pmarket/native/token"
)

type operationKey struct{}

func withOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, operationKey{}, op)
}

func operationFrom(ctx context.Context) string {
	op, _ := ctx.Value(operationKey{}).(string)
	return op
}

type errorResponse struct {
	Error     string `json:"error"`
	Category  string `json:"category"`
	RequestID string `json:"requestId,omitempty"`
}

// classify maps an engine error onto an HTTP status and a stable category
// label.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, market.ErrInvariant):
		return http.StatusInternalServerError, "invariant"
	case errors.Is(err, market.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, market.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, market.ErrValidation),
		errors.Is(err, token.ErrInvalidAmount):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, market.ErrDisputeWindowClosed):
		return http.StatusConflict, "timing"
	case errors.Is(err, market.ErrTiming):
		return http.StatusTooEarly, "timing"
	case errors.Is(err, market.ErrEconomic),
		errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrInsufficientAllowance):
		return http.StatusUnprocessableEntity, "economic"
	case errors.Is(err, market.ErrStateMismatch):
		return http.StatusConflict, "state"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, category := classify(err)
	op := operationFrom(r.Context())
	if s.metrics != nil {
		s.metrics.ObserveFailure(op, category, market.IsFatal(err))
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "op", op, "error", err, "request_id", middleware.RequestIDFromContext(r.Context()))
		if category == "internal" {
			message = http.StatusText(status)
		}
	}
	writeJSON(w, status, errorResponse{
		Error:     message,
		Category:  category,
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, category, message string) {
	writeJSON(w, status, errorResponse{
		Error:     message,
		Category:  category,
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
}
