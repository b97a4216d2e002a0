package middleware

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tenantauth/internal/rate"
	"tenantauth/internal/service"
	"tenantauth/internal/tenant"
	"tenantauth/internal/util"
)

const (
	HeaderAPIKey    = "X-API-Key"
	HeaderRequestID = "X-Request-ID"
)

var requestIDRx = regexp.MustCompile(`^[A-Za-z0-9._-]{8,64}$`)

// RequestIDMiddleware keeps a well-formed incoming request id so calls can
// be traced across the tenant backend, and mints one otherwise.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(HeaderRequestID)
		if !requestIDRx.MatchString(rid) {
			rid = uuid.NewString()
		}
		r = r.WithContext(WithRequestID(r.Context(), rid))
		w.Header().Set(HeaderRequestID, rid)
		next.ServeHTTP(w, r)
	})
}

// TenantAuth resolves the application credential and puts the tenant scope
// into the request context.
func TenantAuth(res *tenant.Resolver, log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rid := RequestID(r.Context())
			sc, t, err := res.Resolve(r.Context(), r.Header.Get(HeaderAPIKey))
			switch {
			case err == nil:
			case errors.Is(err, tenant.ErrMissingCredential):
				util.WriteError(w, http.StatusUnauthorized, "unauthorized", "application credential required", rid)
				return
			case errors.Is(err, tenant.ErrUnknownCredential), errors.Is(err, tenant.ErrInactive):
				util.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid application credential", rid)
				return
			default:
				log.Error("tenant resolution failed", zap.String("request_id", rid), zap.Error(err))
				util.WriteError(w, http.StatusInternalServerError, "internal_error", "internal error", rid)
				return
			}
			ctx := tenant.WithScope(r.Context(), sc)
			ctx = WithTenant(ctx, t)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenantBudget enforces the tenant's per-minute request budget. When the
// budget store is unreachable the request is let through.
func TenantBudget(b rate.Budget, log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t, ok := Tenant(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			allowed, err := b.Allow(r.Context(), "tenant:"+t.ID, t.RateLimitPerMinute, time.Minute)
			if err != nil {
				log.Warn("tenant budget unavailable", zap.String("tenant", t.Slug), zap.Error(err))
				allowed = true
			}
			if !allowed {
				w.Header().Set("Retry-After", "60")
				util.WriteError(w, http.StatusTooManyRequests, "rate_limited", "tenant request budget exhausted", RequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func RateLimit(b rate.Budget, route string, limit int, window time.Duration, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := route + ":" + ClientIP(r, trustProxy)
			if ok, err := b.Allow(r.Context(), key, limit, window); err == nil && !ok {
				util.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", RequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminOnly guards operator routes with a static bearer token. An empty
// token disables the routes.
func AdminOnly(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := bearer(r)
			if token == "" || got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				util.WriteError(w, http.StatusUnauthorized, "unauthorized", "admin token required", RequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Authn authenticates the end user's access token within the request's
// tenant scope.
func Authn(svc *service.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rid := RequestID(r.Context())
			sc, err := tenant.MustFromContext(r.Context())
			if err != nil {
				util.WriteError(w, http.StatusUnauthorized, "unauthorized", "application credential required", rid)
				return
			}
			raw := bearer(r)
			if raw == "" {
				util.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", rid)
				return
			}
			id, err := svc.Authenticate(r.Context(), sc, raw)
			if err != nil {
				util.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid session", rid)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func bearer(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func RequestLogger(log *zap.Logger, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sr, r)
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sr.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", RequestID(r.Context())),
				zap.String("remote_ip", ClientIP(r, trustProxy)),
			}
			if sr.status >= 500 {
				log.Error("request", fields...)
				return
			}
			log.Info("request", fields...)
		})
	}
}
