package tenant

import (
	"context"
	"fmt"
	"strings"

	"tenantauth/internal/models"
)

// Lookup finds a tenant by the hash of its application credential.
type Lookup interface {
	FindTenantByAPIKeyHash(ctx context.Context, hash string) (models.Tenant, bool, error)
}

type Resolver struct {
	lookup Lookup
	hash   func(string) string
}

func NewResolver(l Lookup, hash func(string) string) *Resolver {
	return &Resolver{lookup: l, hash: hash}
}

// Resolve maps an application credential to the tenant it was issued to.
func (r *Resolver) Resolve(ctx context.Context, apiKey string) (Scope, models.Tenant, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return Scope{}, models.Tenant{}, ErrMissingCredential
	}
	t, ok, err := r.lookup.FindTenantByAPIKeyHash(ctx, r.hash(apiKey))
	if err != nil {
		return Scope{}, models.Tenant{}, fmt.Errorf("resolve tenant: %w", err)
	}
	if !ok {
		return Scope{}, models.Tenant{}, ErrUnknownCredential
	}
	s, err := Grant(t)
	if err != nil {
		return Scope{}, models.Tenant{}, err
	}
	return s, t, nil
}
