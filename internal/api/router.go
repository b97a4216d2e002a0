package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"tenantauth/internal/config"
	"tenantauth/internal/middleware"
	"tenantauth/internal/notify"
	"tenantauth/internal/rate"
	"tenantauth/internal/service"
	"tenantauth/internal/tenant"
	"tenantauth/internal/util"
	"tenantauth/internal/version"
)

// TokenMinter produces a bearer secret and the hash stored for it.
type TokenMinter interface {
	NewOpaqueToken() (raw string, hash string, err error)
}

type Deps struct {
	Config   config.Config
	Service  *service.Service
	Resolver *tenant.Resolver
	Tokens   TokenMinter
	Budget   rate.Budget
	Sender   notify.Sender
	Log      *zap.Logger
}

type Handlers struct {
	cfg    config.Config
	svc    *service.Service
	tokens TokenMinter
	budget rate.Budget
	sender notify.Sender
	log    *zap.Logger
	sleep  func(ctx context.Context, d time.Duration)
}

func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Budget == nil {
		d.Budget = rate.NewMemory()
	}
	if d.Sender == nil {
		d.Sender = notify.NewLogSender(d.Config.VerifyBaseURL, d.Log)
	}
	h := &Handlers{
		cfg:    d.Config,
		svc:    d.Service,
		tokens: d.Tokens,
		budget: d.Budget,
		sender: d.Sender,
		log:    d.Log,
		sleep:  sleepCtx,
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger(h.log, h.cfg.TrustProxy))
	r.Use(middleware.SecurityHeaders)
	if len(h.cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", middleware.HeaderAPIKey, middleware.HeaderRequestID},
			ExposedHeaders: []string{middleware.HeaderRequestID},
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", h.Ready)
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, http.StatusOK, version.Current())
	})

	perIP := func(route string, limit int) func(http.Handler) http.Handler {
		return middleware.RateLimit(h.budget, route, limit, time.Minute, h.cfg.TrustProxy)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.AdminOnly(h.cfg.AdminToken))
			r.Get("/tenants", h.AdminListTenants)
			r.Post("/tenants", h.AdminCreateTenant)
			r.Get("/tenants/{id}", h.AdminGetTenant)
			r.Patch("/tenants/{id}", h.AdminUpdateTenant)
			r.Delete("/tenants/{id}", h.AdminDeleteTenant)
			r.Post("/tenants/{id}/rotate-key", h.AdminRotateKey)
			r.Post("/tenants/{id}/activate", h.AdminSetTenantActive(true))
			r.Post("/tenants/{id}/deactivate", h.AdminSetTenantActive(false))
			r.Get("/ip-blocks", h.AdminListIPBlocks)
			r.Post("/ip-blocks", h.AdminBlockIP)
			r.Delete("/ip-blocks/{ip}", h.AdminUnblockIP)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.TenantAuth(d.Resolver, h.log))
			r.Use(middleware.TenantBudget(h.budget, h.log))

			r.With(perIP("register", 10)).Post("/auth/register", h.Register)
			r.Post("/auth/register/confirm", h.ConfirmRegistration)
			r.With(perIP("login", 30)).Post("/auth/login", h.Login)
			r.Post("/auth/refresh", h.Refresh)
			r.Post("/auth/challenge/resolve", h.ResolveChallenge)
			r.Post("/auth/challenge/complete", h.CompleteChallenge)
			r.With(perIP("backup_code", 10)).Post("/auth/challenge/backup-code", h.CompleteChallengeWithBackupCode)
			r.With(perIP("reset_request", 10)).Post("/auth/password-reset", h.RequestPasswordReset)
			r.Post("/auth/password-reset/confirm", h.ConfirmPasswordReset)
			r.Post("/auth/recovery-email/confirm", h.ConfirmRecoveryEmail)

			r.Get("/users/{id}", h.GetUser)
			r.Post("/users/{id}/suspend", h.SetSuspended(true))
			r.Post("/users/{id}/unsuspend", h.SetSuspended(false))
			r.Get("/users/{id}/sessions", h.UserSessions)
			r.Post("/users/{id}/sessions/revoke-all", h.RevokeUserSessions)
			r.Get("/users/{id}/security-events", h.UserSecurityEvents)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Authn(h.svc))
				r.Post("/auth/logout", h.Logout)
				r.Get("/me", h.Me)
				r.Get("/me/sessions", h.MySessions)
				r.Delete("/me/sessions/{id}", h.RevokeMySession)
				r.Post("/me/sessions/revoke-all", h.RevokeAllMySessions)
				r.Get("/me/security-events", h.MySecurityEvents)
				r.Post("/me/recovery-email", h.RequestRecoveryEmail)
				r.Post("/me/totp", h.EnrollTOTP)
				r.Post("/me/totp/confirm", h.ConfirmTOTP)
				r.Delete("/me/totp", h.DisableTOTP)
				r.Post("/me/backup-codes", h.RegenerateBackupCodes)
				r.Post("/me/deletion", h.ScheduleDeletion)
				r.Delete("/me/deletion", h.CancelDeletion)
			})
		})
	})
	return r
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	comps := map[string]any{}
	ok := true
	if err := h.svc.Store().Ping(ctx); err != nil {
		ok = false
		comps["database"] = map[string]any{"ok": false, "error": err.Error()}
	} else {
		comps["database"] = map[string]any{"ok": true}
	}
	if p, isPinger := h.budget.(pinger); isPinger {
		if err := p.Ping(ctx); err != nil {
			ok = false
			comps["redis"] = map[string]any{"ok": false, "error": err.Error()}
		} else {
			comps["redis"] = map[string]any{"ok": true}
		}
	}
	out := map[string]any{
		"checked_at": time.Now().UTC().Format(time.RFC3339),
		"components": comps,
		"status":     "ready",
	}
	if !ok {
		out["status"] = "degraded"
		util.WriteJSON(w, http.StatusServiceUnavailable, out)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
