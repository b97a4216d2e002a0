package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"tenantauth/internal/models"
)

var slugRx = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)

const defaultRateLimit = 600

type TenantInput struct {
	Name               string
	Slug               string
	Description        string
	RateLimitPerMinute int
}

func (in *TenantInput) normalize() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Slug = strings.ToLower(strings.TrimSpace(in.Slug))
	in.Description = strings.TrimSpace(in.Description)
	if in.Name == "" || len(in.Name) > 200 {
		return fmt.Errorf("%w: name must be 1-200 characters", ErrInvalidInput)
	}
	if !slugRx.MatchString(in.Slug) {
		return fmt.Errorf("%w: slug must be lowercase letters, digits and dashes", ErrInvalidInput)
	}
	if in.RateLimitPerMinute == 0 {
		in.RateLimitPerMinute = defaultRateLimit
	}
	if in.RateLimitPerMinute < 0 {
		return fmt.Errorf("%w: rate limit must be positive", ErrInvalidInput)
	}
	return nil
}

// RegisterTenant creates an active tenant and returns its application
// credential. Only the credential's hash is stored.
func (s *Service) RegisterTenant(ctx context.Context, in TenantInput) (models.Tenant, string, error) {
	if err := in.normalize(); err != nil {
		return models.Tenant{}, "", err
	}
	raw, hash, err := s.issueSecret()
	if err != nil {
		return models.Tenant{}, "", err
	}
	t := models.Tenant{
		Slug:               in.Slug,
		Name:               in.Name,
		Description:        in.Description,
		APIKeyHash:         hash,
		IsActive:           true,
		RateLimitPerMinute: in.RateLimitPerMinute,
	}
	if err := s.st.CreateTenant(ctx, &t, s.clock()); err != nil {
		return models.Tenant{}, "", asConflict(err)
	}
	return t, raw, nil
}

func (s *Service) GetTenant(ctx context.Context, id string) (models.Tenant, error) {
	return s.st.GetTenant(ctx, id)
}

func (s *Service) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	return s.st.ListTenants(ctx, false)
}

// UpdateTenant changes display fields and the rate budget. The slug is fixed.
func (s *Service) UpdateTenant(ctx context.Context, id string, in TenantInput) (models.Tenant, error) {
	cur, err := s.st.GetTenant(ctx, id)
	if err != nil {
		return models.Tenant{}, err
	}
	in.Slug = cur.Slug
	if err := in.normalize(); err != nil {
		return models.Tenant{}, err
	}
	if err := s.st.UpdateTenant(ctx, id, in.Name, in.Description, in.RateLimitPerMinute, s.clock()); err != nil {
		return models.Tenant{}, err
	}
	return s.st.GetTenant(ctx, id)
}

func (s *Service) SetTenantActive(ctx context.Context, id string, active bool) error {
	return s.st.SetTenantActive(ctx, id, active, s.clock())
}

// DeactivateTenant soft-disables the tenant. Its credential stops resolving
// and the jobs skip it; its data is kept.
func (s *Service) DeactivateTenant(ctx context.Context, id string) error {
	return s.SetTenantActive(ctx, id, false)
}

// DeleteTenant removes the tenant and everything it owns. id and slug must
// name the same tenant.
func (s *Service) DeleteTenant(ctx context.Context, id, slug string) error {
	return s.st.DeleteTenant(ctx, id, strings.ToLower(strings.TrimSpace(slug)))
}

// RotateAPIKey replaces the tenant's credential. The old one stops working
// immediately.
func (s *Service) RotateAPIKey(ctx context.Context, id string) (string, error) {
	raw, hash, err := s.issueSecret()
	if err != nil {
		return "", err
	}
	if err := s.st.SetTenantAPIKeyHash(ctx, id, hash, s.clock()); err != nil {
		return "", asConflict(err)
	}
	return raw, nil
}
