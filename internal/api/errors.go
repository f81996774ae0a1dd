package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/lock"
	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/quota"
)

// statusFor maps an engine error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidMergeRequest), errors.Is(err, quota.ErrInvalidPlanChange):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrAlreadyMerged),
		errors.Is(err, model.ErrMergeInProgress),
		errors.Is(err, lock.ErrLocked),
		errors.Is(err, model.ErrRunInProgress),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrStaleProcess):
		return http.StatusConflict
	case errors.Is(err, model.ErrQuotaExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrUpstreamUpdateFailed), errors.Is(err, model.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		zap.L().Error("api: internal error", zap.Error(err))
		respondError(w, status, "internal error")
		return
	}
	if status == http.StatusPaymentRequired {
		respondJSON(w, status, map[string]any{"error": err.Error(), "upgrade_required": true})
		return
	}
	respondError(w, status, err.Error())
}
