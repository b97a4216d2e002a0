package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tenantauth/internal/auth"
	"tenantauth/internal/db"
	"tenantauth/internal/models"
	"tenantauth/internal/store"
	"tenantauth/internal/tenant"
)

type harness struct {
	svc    *Service
	st     *store.Store
	hasher *auth.Hasher
	now    time.Time
	seq    int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sqdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "svc.db"), 4, 4, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqdb.Close() })
	require.NoError(t, db.Migrate(sqdb, db.DriverSQLite))

	hasher, err := auth.NewHasher(strings.Repeat("pepper", 6))
	require.NoError(t, err)
	h := &harness{
		st:     store.New(sqdb, db.DriverSQLite),
		hasher: hasher,
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.svc = New(h.st, hasher, auth.Argon2Verifier{}, Config{BackupCodeCount: 5, BackupCodeWords: 12}, nil).
		WithClock(func() time.Time { return h.now })
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

// secret returns a fresh bearer secret and its stored hash.
func (h *harness) secret() (string, string) {
	h.seq++
	raw := fmt.Sprintf("test-secret-%04d-%s", h.seq, strings.Repeat("x", 24))
	return raw, h.hasher.Hash(raw)
}

func (h *harness) tenant(t *testing.T, slug string) tenant.Scope {
	t.Helper()
	tn, _, err := h.svc.RegisterTenant(context.Background(), TenantInput{Name: slug, Slug: slug})
	require.NoError(t, err)
	sc, err := tenant.Grant(tn)
	require.NoError(t, err)
	return sc
}

func emailHash(email string) string {
	sum := sha256.Sum256([]byte("email:" + email))
	return hex.EncodeToString(sum[:])
}

func emailCiphertext(email string) models.Ciphertext {
	return models.Ciphertext{Data: "ct:" + email, KeyVersion: 1}
}

func passwordHash(t *testing.T, pw string) string {
	t.Helper()
	h, err := auth.HashPassword(pw)
	require.NoError(t, err)
	return h
}

// user registers and confirms email with password pw.
func (h *harness) user(t *testing.T, sc tenant.Scope, email, pw string) string {
	t.Helper()
	ctx := context.Background()
	reg, err := h.svc.RegisterPending(ctx, sc, emailCiphertext(email), emailHash(email), "198.51.100.1", "test")
	require.NoError(t, err)
	id, err := h.svc.ConfirmPending(ctx, sc, reg.Secret, passwordHash(t, pw), "198.51.100.1", "test")
	require.NoError(t, err)
	return id
}

func (h *harness) scoped(t *testing.T, sc tenant.Scope) *store.Scoped {
	t.Helper()
	x, err := h.st.Scoped(sc)
	require.NoError(t, err)
	return x
}
