package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tenantauth/internal/middleware"
	"tenantauth/internal/notify"
	"tenantauth/internal/service"
	"tenantauth/internal/tenant"
	"tenantauth/internal/util"
)

// caller returns the tenant scope and the authenticated end user.
func (h *Handlers) caller(w http.ResponseWriter, r *http.Request) (tenant.Scope, service.Identity, bool) {
	sc, ok := h.scope(w, r)
	if !ok {
		return tenant.Scope{}, service.Identity{}, false
	}
	id, ok := middleware.Identity(r.Context())
	if !ok {
		util.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", middleware.RequestID(r.Context()))
		return tenant.Scope{}, service.Identity{}, false
	}
	return sc, id, true
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	sc, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.svc.Invalidate(r.Context(), sc, id.SessionID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	sc, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	u, err := h.svc.GetUser(r.Context(), sc, id.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"user":               viewUser(u),
		"session_id":         id.SessionID,
		"session_expires_at": id.ExpiresAt,
	})
}

func (h *Handlers) MySessions(w http.ResponseWriter, r *http.Request) {
	sc, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	sessions, err := h.svc.ListSessions(r.Context(), sc, id.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"sessions": viewSessions(sessions, id.SessionID)})
}

// RevokeMySession only reaches sessions of the calling user.
func (h *Handlers) RevokeMySession(w http.ResponseWriter, r *http.Request) {
	sc, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	target := chi.URLParam(r, "id")
	sessions, err := h.svc.ListSessions(r.Context(), sc, id.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	owned := false
	for _, s := range sessions {
		if s.ID == target {
			owned = true
			break
		}
	}
	if !owned {
		h.writeServiceError(w, r, service.ErrNotFound)
		return
	}
	if err := h.svc.Invalidate(r.Context(), sc, target); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) RevokeAllMySessions(w http.ResponseWriter, r *http.Request) {
	sc, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	n, err := h.svc.InvalidateAll(r.Context(), sc, id.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]int64{"revoked": n})
}

func (h *Handlers) MySecurityEvents(w http.ResponseWriter, r *http.Request) {
	sc, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	events, err := h.svc.SecurityEvents(r.Context(), sc, id.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"events": viewEvents(events)})
}

func (h *Handlers) RequestRecoveryEmail(w http.ResponseWriter, r *http.Request) {
	sc, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req registerRequest
	if err := util.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	issue, err := h.svc.IssueRecoveryEmailVerification(r.Context(), sc, id.UserID, req.Email.model(), req.EmailHash)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.deliver(r, notify.Message{Kind: notify.KindRecoveryEmail, Tenant: sc.Slug(), To: req.DeliverTo, Secret: issue.Secret, ExpiresAt: issue.ExpiresAt})
	util.WriteJSON(w, http.StatusAccepted, map[string]any{"status": "pending_verification", "expires_at": issue.ExpiresAt})
}

func (h *Handlers) EnrollTOTP(w http.ResponseWriter, r *http.Request) {
	sc, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Secret     ciphertextInput `json:"secret"`
		SecretHash string          `json:"secret_hash"`
	}
	if err := util.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	sec, err := h.svc.EnrollTOTP(r.Context(), sc, id.UserID, req.Secret.model(), req.SecretHash)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, map[string]any{"id": sec.ID, "created_at": sec.CreatedAt})
}

// ConfirmTOTP is called once the tenant backend has checked a code against
// the enrolled secret.
func (h *Handlers) ConfirmTOTP(w http.ResponseWriter, r *http.Request) {
	sc, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	x, err := h.svc.Store().Scoped(sc)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	sec, err := x.TOTPSecretForUser(r.Context(), id.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	codes, err := h.svc.ConfirmTOTP(r.Context(), sc, sec.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"backup_codes": codes})
}

func (h *Handlers) DisableTOTP(w http.ResponseWriter, r *http.Request) {
	sc, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.svc.DisableTOTP(r.Context(), sc, id.UserID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	sc, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	codes, err := h.svc.RegenerateBackupCodes(r.Context(), sc, id.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"backup_codes": codes})
}

func (h *Handlers) ScheduleDeletion(w http.ResponseWriter, r *http.Request) {
	sc, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	at, err := h.svc.ScheduleDeletion(r.Context(), sc, id.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusAccepted, map[string]time.Time{
		"scheduled_at": at,
		"sanitize_at":  at.Add(h.cfg.SanitizeAfter),
		"purge_at":     at.Add(h.cfg.PurgeAfter),
	})
}

func (h *Handlers) CancelDeletion(w http.ResponseWriter, r *http.Request) {
	sc, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.svc.CancelDeletion(r.Context(), sc, id.UserID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// The routes below are called by the tenant backend on behalf of its own
// operators; the application credential is the only authority.

func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.scope(w, r)
	if !ok {
		return
	}
	u, err := h.svc.GetUser(r.Context(), sc, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, viewUser(u))
}

func (h *Handlers) SetSuspended(suspended bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sc, ok := h.scope(w, r)
		if !ok {
			return
		}
		if err := h.svc.SetSuspended(r.Context(), sc, chi.URLParam(r, "id"), suspended); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handlers) UserSessions(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.scope(w, r)
	if !ok {
		return
	}
	sessions, err := h.svc.ListSessions(r.Context(), sc, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"sessions": viewSessions(sessions, "")})
}

func (h *Handlers) RevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.scope(w, r)
	if !ok {
		return
	}
	n, err := h.svc.InvalidateAll(r.Context(), sc, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]int64{"revoked": n})
}

func (h *Handlers) UserSecurityEvents(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.scope(w, r)
	if !ok {
		return
	}
	events, err := h.svc.SecurityEvents(r.Context(), sc, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"events": viewEvents(events)})
}
