package models

import "time"

// Ciphertext is an encrypted-at-rest value produced by the encryption
// collaborator. Data carries the packed IV, tag and ciphertext.
type Ciphertext struct {
	Data       string
	KeyVersion int
}

func (c *Ciphertext) Present() bool {
	return c != nil && c.Data != ""
}

type Tenant struct {
	ID                 string
	Slug               string
	Name               string
	Description        string
	APIKeyHash         string
	IsActive           bool
	RateLimitPerMinute int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type User struct {
	ID                     string
	TenantID               string
	Email                  *Ciphertext
	EmailHash              *string
	Phone                  *Ciphertext
	PhoneHash              *string
	PasswordHash           string
	IsEmailVerified        bool
	IsPhoneVerified        bool
	Is2FAEnabled           bool
	IsSuspended            bool
	FailedLoginCount       int
	LastLoginAt            *time.Time
	ScheduledForDeletionAt *time.Time
	AccountLockedAt        *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Sanitized reports whether the PII columns have been scrubbed.
func (u User) Sanitized() bool {
	return !u.Email.Present()
}

// Locked reports whether the suspension was applied by the lockout sweep.
func (u User) Locked() bool {
	return u.IsSuspended && u.AccountLockedAt != nil
}

type PendingUser struct {
	ID        string
	TenantID  string
	TokenID   string
	Email     Ciphertext
	EmailHash string
	IPAddress string
	UserAgent string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type Session struct {
	ID             string
	TenantID       string
	UserID         string
	TokenID        string
	DeviceID       *string
	IPAddress      string
	UserAgent      string
	CreatedAt      time.Time
	LastActivityAt time.Time
	IsActive       bool
}

type DeviceFingerprint struct {
	ID              string
	TenantID        string
	UserID          string
	FingerprintHash string
	Label           string
	UserAgent       string
	LastSeenAt      time.Time
	CreatedAt       time.Time
}

type TOTPSecret struct {
	ID          string
	TenantID    string
	UserID      string
	Secret      Ciphertext
	SecretHash  string
	CreatedAt   time.Time
	ConfirmedAt *time.Time
}

func (s TOTPSecret) Confirmed() bool { return s.ConfirmedAt != nil }

type BackupCode struct {
	ID        string
	TenantID  string
	UserID    string
	CodeHash  string
	Used      bool
	UsedAt    *time.Time
	CreatedAt time.Time
}

type LoginAttempt struct {
	ID          string
	TenantID    string
	UserID      *string
	EmailHash   string
	IPAddress   string
	UserAgent   string
	Success     bool
	AttemptedAt time.Time
}

type SecurityEventType string

const (
	EventPasswordChanged        SecurityEventType = "password_changed"
	Event2FAEnabled             SecurityEventType = "2fa_enabled"
	Event2FADisabled            SecurityEventType = "2fa_disabled"
	EventAccountLocked          SecurityEventType = "account_locked"
	EventSanitized              SecurityEventType = "sanitized"
	EventBackupCodesRegenerated SecurityEventType = "backup_codes_regenerated"
	EventDeletionScheduled      SecurityEventType = "deletion_scheduled"
	EventDeletionCancelled      SecurityEventType = "deletion_cancelled"
)

type SecurityEvent struct {
	ID         string
	TenantID   string
	UserID     *string
	Type       SecurityEventType
	Metadata   map[string]string
	OccurredAt time.Time
}

type IPBlock struct {
	IPAddress string
	Reason    string
	Manual    bool
	BlockedAt time.Time
	ExpiresAt time.Time
}

func (b IPBlock) Active(now time.Time) bool {
	return now.Before(b.ExpiresAt)
}
