package api

import (
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tenantauth/internal/models"
	"tenantauth/internal/service"
	"tenantauth/internal/util"
)

type tenantRequest struct {
	Name               string `json:"name"`
	Slug               string `json:"slug"`
	Description        string `json:"description"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
}

func (t tenantRequest) input() service.TenantInput {
	return service.TenantInput{Name: t.Name, Slug: t.Slug, Description: t.Description, RateLimitPerMinute: t.RateLimitPerMinute}
}

func (h *Handlers) AdminListTenants(w http.ResponseWriter, r *http.Request) {
	ts, err := h.svc.ListTenants(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]tenantView, 0, len(ts))
	for _, t := range ts {
		out = append(out, viewTenant(t))
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"tenants": out})
}

// AdminCreateTenant returns the application credential once; only its hash
// is kept.
func (h *Handlers) AdminCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if err := util.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	t, key, err := h.svc.RegisterTenant(r.Context(), req.input())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, map[string]any{"tenant": viewTenant(t), "api_key": key})
}

func (h *Handlers) AdminGetTenant(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.GetTenant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, viewTenant(t))
}

func (h *Handlers) AdminUpdateTenant(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if err := util.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	t, err := h.svc.UpdateTenant(r.Context(), chi.URLParam(r, "id"), req.input())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, viewTenant(t))
}

// AdminDeleteTenant needs the slug as well as the id, so a stale id alone
// cannot remove a tenant.
func (h *Handlers) AdminDeleteTenant(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(r.URL.Query().Get("slug"))
	if slug == "" {
		badRequest(w, r, "slug query parameter required")
		return
	}
	if err := h.svc.DeleteTenant(r.Context(), chi.URLParam(r, "id"), slug); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) AdminRotateKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.svc.RotateAPIKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"api_key": key})
}

func (h *Handlers) AdminSetTenantActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.svc.SetTenantActive(r.Context(), chi.URLParam(r, "id"), active); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type ipBlockView struct {
	IPAddress string    `json:"ip_address"`
	Reason    string    `json:"reason"`
	Manual    bool      `json:"manual"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handlers) AdminListIPBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := h.svc.Store().ListIPBlocks(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]ipBlockView, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, ipBlockView(b))
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"ip_blocks": out})
}

func (h *Handlers) AdminBlockIP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IPAddress       string `json:"ip_address"`
		Reason          string `json:"reason"`
		DurationMinutes int    `json:"duration_minutes"`
	}
	if err := util.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(req.IPAddress))
	if err != nil {
		badRequest(w, r, "invalid ip_address")
		return
	}
	if req.DurationMinutes <= 0 {
		badRequest(w, r, "duration_minutes must be positive")
		return
	}
	now := time.Now().UTC()
	b := models.IPBlock{
		IPAddress: addr.String(),
		Reason:    strings.TrimSpace(req.Reason),
		Manual:    true,
		BlockedAt: now,
		ExpiresAt: now.Add(time.Duration(req.DurationMinutes) * time.Minute),
	}
	if err := h.svc.Store().BlockIP(r.Context(), b); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, ipBlockView(b))
}

func (h *Handlers) AdminUnblockIP(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Store().UnblockIP(r.Context(), chi.URLParam(r, "ip")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
