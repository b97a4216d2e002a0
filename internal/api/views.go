package api

import (
	"time"

	"tenantauth/internal/models"
	"tenantauth/internal/service"
)

type ciphertextInput struct {
	Data       string `json:"data"`
	KeyVersion int    `json:"key_version"`
}

func (c ciphertextInput) model() models.Ciphertext {
	return models.Ciphertext{Data: c.Data, KeyVersion: c.KeyVersion}
}

type deviceInput struct {
	FingerprintHash string `json:"fingerprint_hash"`
	Label           string `json:"label"`
}

func (d *deviceInput) info() *service.DeviceInfo {
	if d == nil || d.FingerprintHash == "" {
		return nil
	}
	return &service.DeviceInfo{FingerprintHash: d.FingerprintHash, Label: d.Label}
}

type tenantView struct {
	ID                 string    `json:"id"`
	Slug               string    `json:"slug"`
	Name               string    `json:"name"`
	Description        string    `json:"description"`
	IsActive           bool      `json:"is_active"`
	RateLimitPerMinute int       `json:"rate_limit_per_minute"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func viewTenant(t models.Tenant) tenantView {
	return tenantView{
		ID:                 t.ID,
		Slug:               t.Slug,
		Name:               t.Name,
		Description:        t.Description,
		IsActive:           t.IsActive,
		RateLimitPerMinute: t.RateLimitPerMinute,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

// userView exposes ciphertexts as stored; decryption is the tenant's job.
type userView struct {
	ID                     string           `json:"id"`
	Email                  *ciphertextInput `json:"email,omitempty"`
	EmailHash              *string          `json:"email_hash,omitempty"`
	IsEmailVerified        bool             `json:"is_email_verified"`
	Is2FAEnabled           bool             `json:"is_2fa_enabled"`
	IsSuspended            bool             `json:"is_suspended"`
	Locked                 bool             `json:"locked"`
	LastLoginAt            *time.Time       `json:"last_login_at,omitempty"`
	ScheduledForDeletionAt *time.Time       `json:"scheduled_for_deletion_at,omitempty"`
	CreatedAt              time.Time        `json:"created_at"`
}

func viewUser(u models.User) userView {
	v := userView{
		ID:                     u.ID,
		EmailHash:              u.EmailHash,
		IsEmailVerified:        u.IsEmailVerified,
		Is2FAEnabled:           u.Is2FAEnabled,
		IsSuspended:            u.IsSuspended,
		Locked:                 u.Locked(),
		LastLoginAt:            u.LastLoginAt,
		ScheduledForDeletionAt: u.ScheduledForDeletionAt,
		CreatedAt:              u.CreatedAt,
	}
	if u.Email.Present() {
		v.Email = &ciphertextInput{Data: u.Email.Data, KeyVersion: u.Email.KeyVersion}
	}
	return v
}

type sessionView struct {
	ID             string    `json:"id"`
	DeviceID       *string   `json:"device_id,omitempty"`
	IPAddress      string    `json:"ip_address"`
	UserAgent      string    `json:"user_agent"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	IsActive       bool      `json:"is_active"`
	Current        bool      `json:"current,omitempty"`
}

func viewSessions(in []models.Session, current string) []sessionView {
	out := make([]sessionView, 0, len(in))
	for _, s := range in {
		out = append(out, sessionView{
			ID:             s.ID,
			DeviceID:       s.DeviceID,
			IPAddress:      s.IPAddress,
			UserAgent:      s.UserAgent,
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
			IsActive:       s.IsActive,
			Current:        s.ID == current,
		})
	}
	return out
}

type eventView struct {
	Type       string            `json:"type"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

func viewEvents(in []models.SecurityEvent) []eventView {
	out := make([]eventView, 0, len(in))
	for _, e := range in {
		out = append(out, eventView{Type: string(e.Type), Metadata: e.Metadata, OccurredAt: e.OccurredAt})
	}
	return out
}

type sessionTokens struct {
	SessionID        string    `json:"session_id"`
	UserID           string    `json:"user_id"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int       `json:"expires_in"`
}

func viewGrant(g service.SessionGrant, access, refresh string) sessionTokens {
	return sessionTokens{
		SessionID:        g.SessionID,
		UserID:           g.UserID,
		AccessToken:      access,
		AccessExpiresAt:  g.AccessExpiresAt,
		RefreshToken:     refresh,
		RefreshExpiresAt: g.RefreshExpiresAt,
		TokenType:        "Bearer",
		ExpiresIn:        int(g.AccessTTL.Seconds()),
	}
}
