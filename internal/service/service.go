package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tenantauth/internal/auth"
	"tenantauth/internal/models"
	"tenantauth/internal/store"
	"tenantauth/internal/tenant"
)

var (
	ErrInvalidToken         = errors.New("invalid token")
	ErrTokenExpired         = errors.New("token expired")
	ErrRegistrationExpired  = errors.New("registration expired")
	ErrAlreadyExists        = errors.New("user already exists")
	ErrConflict             = errors.New("conflict")
	ErrSuspended            = errors.New("account suspended")
	ErrLocked               = errors.New("account locked")
	ErrInsufficientWordlist = errors.New("word list has too few distinct words")
	ErrInvalidCount         = errors.New("backup code word count out of range")
	ErrBackupCodeUsed       = errors.New("backup code already used")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrIPBlocked            = errors.New("ip address blocked")
	ErrInvalidInput         = errors.New("invalid input")

	ErrIsolationViolation = store.ErrIsolationViolation
	ErrNotFound           = store.ErrNotFound
)

// PasswordVerifier checks a plaintext password against a stored hash.
type PasswordVerifier interface {
	Verify(encoded, password string) (bool, error)
}

// SecretHasher maps a presented bearer secret to its stored hash.
type SecretHasher interface {
	Hash(secret string) string
}

type Config struct {
	BackupCodeCount int
	BackupCodeWords int
	Wordlist        []string
}

type Service struct {
	st        *store.Store
	hasher    SecretHasher
	verifier  PasswordVerifier
	newSecret func() (string, error)
	now       func() time.Time
	log       *zap.Logger
	cfg       Config
}

func New(st *store.Store, hasher SecretHasher, verifier PasswordVerifier, cfg Config, log *zap.Logger) *Service {
	if verifier == nil {
		verifier = auth.Argon2Verifier{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if len(cfg.Wordlist) == 0 {
		cfg.Wordlist = DefaultWordlist()
	}
	if cfg.BackupCodeCount <= 0 {
		cfg.BackupCodeCount = 5
	}
	if cfg.BackupCodeWords == 0 {
		cfg.BackupCodeWords = 12
	}
	return &Service{
		st:        st,
		hasher:    hasher,
		verifier:  verifier,
		newSecret: auth.NewSecret,
		now:       time.Now,
		log:       log,
		cfg:       cfg,
	}
}

// WithClock replaces the time source. It is meant for tests and returns s.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithSecrets replaces the secret generator. It is meant for tests and returns s.
func (s *Service) WithSecrets(fn func() (string, error)) *Service {
	s.newSecret = fn
	return s
}

func (s *Service) Store() *store.Store { return s.st }

func (s *Service) clock() time.Time { return s.now().UTC() }

func (s *Service) scoped(sc tenant.Scope) (*store.Scoped, error) {
	return s.st.Scoped(sc)
}

// issueSecret returns a fresh bearer secret and its stored hash.
func (s *Service) issueSecret() (string, string, error) {
	raw, err := s.newSecret()
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}
	return raw, s.hasher.Hash(raw), nil
}

// checkStanding refuses users that may not authenticate.
func checkStanding(u models.User) error {
	switch {
	case u.Locked():
		return ErrLocked
	case u.IsSuspended:
		return ErrSuspended
	case u.Sanitized():
		return ErrInvalidCredentials
	}
	return nil
}

// asConflict maps store uniqueness failures to ErrConflict and leaves other
// errors untouched.
func asConflict(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func validHashes(hashes ...string) error {
	for _, h := range hashes {
		if !auth.ValidContentHash(h) {
			return fmt.Errorf("%w: malformed hash", ErrInvalidInput)
		}
	}
	return nil
}

func securityEvent(userID string, typ models.SecurityEventType, now time.Time, metadata map[string]string) *models.SecurityEvent {
	return &models.SecurityEvent{UserID: &userID, Type: typ, Metadata: metadata, OccurredAt: now}
}

func (s *Service) blocked(ctx context.Context, ip string, now time.Time) error {
	if ip == "" {
		return nil
	}
	_, ok, err := s.st.ActiveIPBlock(ctx, ip, now)
	if err != nil {
		return err
	}
	if ok {
		return ErrIPBlocked
	}
	return nil
}
