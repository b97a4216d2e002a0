package middleware

import (
	"context"
	"net/http"

	"tenantauth/internal/models"
	"tenantauth/internal/service"
)

type ctxKey string

const (
	ctxRequestID ctxKey = "request_id"
	ctxTenant    ctxKey = "tenant"
	ctxIdentity  ctxKey = "identity"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestID, id)
}

func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(ctxRequestID).(string)
	return v
}

// WithTenant stores the resolved tenant row. The isolation scope itself is
// carried by tenant.WithScope.
func WithTenant(ctx context.Context, t models.Tenant) context.Context {
	return context.WithValue(ctx, ctxTenant, t)
}

func Tenant(ctx context.Context) (models.Tenant, bool) {
	t, ok := ctx.Value(ctxTenant).(models.Tenant)
	return t, ok
}

func WithIdentity(ctx context.Context, id service.Identity) context.Context {
	return context.WithValue(ctx, ctxIdentity, id)
}

func Identity(ctx context.Context) (service.Identity, bool) {
	id, ok := ctx.Value(ctxIdentity).(service.Identity)
	return id, ok
}

func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
