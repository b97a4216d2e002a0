package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"tenantauth/internal/middleware"
	"tenantauth/internal/service"
	"tenantauth/internal/util"
)

// errorStatus maps service errors to an HTTP status and error code. Locked
// and suspended accounts render the same way.
func errorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input", err.Error()
	case errors.Is(err, service.ErrTokenExpired):
		return http.StatusUnauthorized, "token_expired", "token expired"
	case errors.Is(err, service.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid_token", "invalid token"
	case errors.Is(err, service.ErrRegistrationExpired):
		return http.StatusGone, "registration_expired", "registration expired"
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials", "invalid credentials"
	case errors.Is(err, service.ErrSuspended), errors.Is(err, service.ErrLocked):
		return http.StatusForbidden, "account_unavailable", "account unavailable"
	case errors.Is(err, service.ErrIPBlocked):
		return http.StatusForbidden, "ip_blocked", "ip address blocked"
	case errors.Is(err, service.ErrBackupCodeUsed):
		return http.StatusConflict, "backup_code_used", "backup code already used"
	case errors.Is(err, service.ErrAlreadyExists):
		return http.StatusConflict, "already_exists", "user already exists"
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, "conflict", "conflict"
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrIsolationViolation):
		return http.StatusNotFound, "not_found", "not found"
	default:
		return http.StatusInternalServerError, "internal_error", "internal error"
	}
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	rid := middleware.RequestID(r.Context())
	status, code, msg := errorStatus(err)
	switch {
	case status >= 500:
		h.log.Error("request failed", zap.String("request_id", rid), zap.String("path", r.URL.Path), zap.Error(err))
	case errors.Is(err, service.ErrIsolationViolation):
		h.log.Warn("cross-tenant reference refused", zap.String("request_id", rid), zap.String("path", r.URL.Path))
	}
	util.WriteError(w, status, code, msg, rid)
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	util.WriteError(w, http.StatusBadRequest, "bad_request", msg, middleware.RequestID(r.Context()))
}
