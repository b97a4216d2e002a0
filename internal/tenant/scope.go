package tenant

import (
	"context"
	"errors"

	"tenantauth/internal/models"
)

var (
	ErrNoScope           = errors.New("no tenant scope")
	ErrInactive          = errors.New("tenant inactive")
	ErrUnknownCredential = errors.New("unknown application credential")
	ErrMissingCredential = errors.New("missing application credential")
)

// Scope is the resolved tenant of a request or job run. It cannot be built
// from client-supplied data; the zero value is rejected by the store.
type Scope struct {
	id   string
	slug string
}

func (s Scope) ID() string   { return s.id }
func (s Scope) Slug() string { return s.slug }
func (s Scope) Valid() bool  { return s.id != "" }

// Grant mints a scope for a tenant row already loaded by trusted code, such
// as the maintenance jobs iterating active tenants.
func Grant(t models.Tenant) (Scope, error) {
	if t.ID == "" {
		return Scope{}, ErrNoScope
	}
	if !t.IsActive {
		return Scope{}, ErrInactive
	}
	return Scope{id: t.ID, slug: t.Slug}, nil
}

// GrantMaintenance mints a scope regardless of the tenant's active flag.
// Retention sweeps use it so that deactivating a tenant does not stop its
// expired rows and scheduled deletions from being processed.
func GrantMaintenance(t models.Tenant) (Scope, error) {
	if t.ID == "" {
		return Scope{}, ErrNoScope
	}
	return Scope{id: t.ID, slug: t.Slug}, nil
}

type ctxKey struct{}

func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

func FromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(ctxKey{}).(Scope)
	return s, ok && s.Valid()
}

// MustFromContext returns ErrNoScope instead of an invalid scope.
func MustFromContext(ctx context.Context) (Scope, error) {
	s, ok := FromContext(ctx)
	if !ok {
		return Scope{}, ErrNoScope
	}
	return s, nil
}
