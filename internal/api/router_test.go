package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tenantauth/internal/auth"
	"tenantauth/internal/config"
	"tenantauth/internal/db"
	"tenantauth/internal/notify"
	"tenantauth/internal/rate"
	"tenantauth/internal/service"
	"tenantauth/internal/store"
	"tenantauth/internal/tenant"
)

const adminToken = "admin-token-0123456789abcdef"

type recordingSender struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (s *recordingSender) Send(_ context.Context, m notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *recordingSender) last(t *testing.T) notify.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.msgs)
	return s.msgs[len(s.msgs)-1]
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type testServer struct {
	h      http.Handler
	svc    *service.Service
	st     *store.Store
	sender *recordingSender
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	sqdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "api.db"), 4, 4, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqdb.Close() })
	require.NoError(t, db.Migrate(sqdb, db.DriverSQLite))
	st := store.New(sqdb, db.DriverSQLite)

	hasher, err := auth.NewHasher(strings.Repeat("pepper", 6))
	require.NoError(t, err)
	svc := service.New(st, hasher, nil, service.Config{}, nil)

	cfg := config.Config{AdminToken: adminToken, SanitizeAfter: 48 * time.Hour, PurgeAfter: 90 * 24 * time.Hour}
	if mutate != nil {
		mutate(&cfg)
	}
	sender := &recordingSender{}
	h := NewRouter(Deps{
		Config:   cfg,
		Service:  svc,
		Resolver: tenant.NewResolver(st, hasher.Hash),
		Tokens:   hasher,
		Budget:   rate.NewMemory(),
		Sender:   sender,
	})
	return &testServer{h: h, svc: svc, st: st, sender: sender}
}

type call struct {
	method string
	path   string
	body   any
	apiKey string
	bearer string
	admin  bool
}

func (s *testServer) do(t *testing.T, c call) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	if c.admin {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	w := httptest.NewRecorder()
	s.h.ServeHTTP(w, req)
	out := map[string]any{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func (s *testServer) createTenant(t *testing.T, slug string, rateLimit int) string {
	t.Helper()
	w, out := s.do(t, call{method: "POST", path: "/api/v1/admin/tenants", admin: true,
		body: map[string]any{"name": slug, "slug": slug, "rate_limit_per_minute": rateLimit}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return out["api_key"].(string)
}

func hexHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func registerBody(email string) map[string]any {
	return map[string]any{
		"email":      map[string]any{"data": "ct:" + email, "key_version": 1},
		"email_hash": hexHash(email),
		"deliver_to": email,
	}
}

// signUp registers and confirms a user and returns its id.
func (s *testServer) signUp(t *testing.T, key, email, password string) string {
	t.Helper()
	w, _ := s.do(t, call{method: "POST", path: "/api/v1/auth/register", apiKey: key, body: registerBody(email)})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	secret := s.sender.last(t).Secret
	w, out := s.do(t, call{method: "POST", path: "/api/v1/auth/register/confirm", apiKey: key,
		body: map[string]any{"token": secret, "password": password}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return out["user_id"].(string)
}

func (s *testServer) login(t *testing.T, key, email, password string) map[string]any {
	t.Helper()
	w, out := s.do(t, call{method: "POST", path: "/api/v1/auth/login", apiKey: key,
		body: map[string]any{"email_hash": hexHash(email), "password": password}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	w, _ := s.do(t, call{method: "GET", path: "/health/live"})
	require.Equal(t, http.StatusOK, w.Code)
	w, out := s.do(t, call{method: "GET", path: "/health/ready"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ready", out["status"])
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w, out = s.do(t, call{method: "GET", path: "/version"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, out["version"])
	require.NotEmpty(t, out["go_version"])
}

func TestTenantCredentialRequired(t *testing.T) {
	s := newTestServer(t, nil)
	w, out := s.do(t, call{method: "POST", path: "/api/v1/auth/login", body: map[string]any{}})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "unauthorized", out["code"])

	w, _ = s.do(t, call{method: "POST", path: "/api/v1/auth/login", apiKey: "nope", body: map[string]any{}})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesNeedToken(t *testing.T) {
	s := newTestServer(t, nil)
	w, _ := s.do(t, call{method: "GET", path: "/api/v1/admin/tenants"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = s.do(t, call{method: "GET", path: "/api/v1/admin/tenants", bearer: "wrong-token-0123456789abcdef"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	key := s.createTenant(t, "acme", 0)
	w, out := s.do(t, call{method: "GET", path: "/api/v1/admin/tenants", admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, out["tenants"], 1)

	// Deactivated tenants lose access.
	id := out["tenants"].([]any)[0].(map[string]any)["id"].(string)
	w, _ = s.do(t, call{method: "POST", path: "/api/v1/admin/tenants/" + id + "/deactivate", admin: true})
	require.Equal(t, http.StatusNoContent, w.Code)
	w, _ = s.do(t, call{method: "POST", path: "/api/v1/auth/login", apiKey: key, body: map[string]any{}})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(t, call{method: "DELETE", path: "/api/v1/admin/tenants/" + id, admin: true})
	require.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = s.do(t, call{method: "DELETE", path: "/api/v1/admin/tenants/" + id + "?slug=acme", admin: true})
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	key := s.createTenant(t, "acme", 0)
	uid := s.signUp(t, key, "ann@example.com", "correct horse battery")

	w, out := s.do(t, call{method: "POST", path: "/api/v1/auth/login", apiKey: key,
		body: map[string]any{"email_hash": hexHash("ann@example.com"), "password": "wrong"}})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "invalid_credentials", out["code"])

	tokens := s.login(t, key, "ann@example.com", "correct horse battery")
	require.Equal(t, uid, tokens["user_id"])
	access := tokens["access_token"].(string)
	refresh := tokens["refresh_token"].(string)

	w, out = s.do(t, call{method: "GET", path: "/api/v1/me", apiKey: key, bearer: access})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, uid, out["user"].(map[string]any)["id"])

	w, fresh := s.do(t, call{method: "POST", path: "/api/v1/auth/refresh", apiKey: key, body: map[string]any{"refresh_token": refresh}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, tokens["session_id"], fresh["session_id"])

	// The rotated pair replaces the old one.
	w, _ = s.do(t, call{method: "GET", path: "/api/v1/me", apiKey: key, bearer: access})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = s.do(t, call{method: "POST", path: "/api/v1/auth/refresh", apiKey: key, body: map[string]any{"refresh_token": refresh}})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	access = fresh["access_token"].(string)
	w, _ = s.do(t, call{method: "POST", path: "/api/v1/auth/logout", apiKey: key, bearer: access})
	require.Equal(t, http.StatusNoContent, w.Code)
	w, _ = s.do(t, call{method: "GET", path: "/api/v1/me", apiKey: key, bearer: access})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTokensDoNotCrossTenants(t *testing.T) {
	s := newTestServer(t, nil)
	acme := s.createTenant(t, "acme", 0)
	globex := s.createTenant(t, "globex", 0)
	s.signUp(t, acme, "ann@example.com", "pw-for-acme")
	tokens := s.login(t, acme, "ann@example.com", "pw-for-acme")

	w, _ := s.do(t, call{method: "GET", path: "/api/v1/me", apiKey: globex, bearer: tokens["access_token"].(string)})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// The same address registers independently in another tenant.
	s.signUp(t, globex, "ann@example.com", "pw-for-globex")
	w, _ = s.do(t, call{method: "POST", path: "/api/v1/auth/login", apiKey: globex,
		body: map[string]any{"email_hash": hexHash("ann@example.com"), "password": "pw-for-acme"}})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	uid := tokens["user_id"].(string)
	w, out := s.do(t, call{method: "GET", path: "/api/v1/users/" + uid, apiKey: globex})
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "not_found", out["code"])
}

func TestRegistrationDoesNotRevealExistingAddresses(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.RegisterMinResponse = 30 * time.Millisecond })
	key := s.createTenant(t, "acme", 0)
	s.signUp(t, key, "ann@example.com", "pw")
	sent := s.sender.count()

	start := time.Now()
	w, out := s.do(t, call{method: "POST", path: "/api/v1/auth/register", apiKey: key, body: registerBody("ann@example.com")})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, "pending_verification", out["status"])
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.Equal(t, sent, s.sender.count())

	w, _ = s.do(t, call{method: "POST", path: "/api/v1/auth/password-reset", apiKey: key,
		body: map[string]any{"email_hash": hexHash("nobody@example.com"), "deliver_to": "nobody@example.com"}})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, sent, s.sender.count())
}

func TestPasswordReset(t *testing.T) {
	s := newTestServer(t, nil)
	key := s.createTenant(t, "acme", 0)
	uid := s.signUp(t, key, "ann@example.com", "old password")
	tokens := s.login(t, key, "ann@example.com", "old password")

	w, _ := s.do(t, call{method: "POST", path: "/api/v1/auth/password-reset", apiKey: key,
		body: map[string]any{"email_hash": hexHash("ann@example.com"), "deliver_to": "ann@example.com"}})
	require.Equal(t, http.StatusAccepted, w.Code)
	msg := s.sender.last(t)
	require.Equal(t, notify.KindPasswordReset, msg.Kind)
	require.Equal(t, "acme", msg.Tenant)

	w, out := s.do(t, call{method: "POST", path: "/api/v1/auth/password-reset/confirm", apiKey: key,
		body: map[string]any{"token": msg.Secret, "password": "new password"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, uid, out["user_id"])

	// Existing sessions end with the password change.
	w, _ = s.do(t, call{method: "GET", path: "/api/v1/me", apiKey: key, bearer: tokens["access_token"].(string)})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	s.login(t, key, "ann@example.com", "new password")

	w, _ = s.do(t, call{method: "POST", path: "/api/v1/auth/password-reset/confirm", apiKey: key,
		body: map[string]any{"token": msg.Secret, "password": "another"}})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTwoFactorChallengeFlow(t *testing.T) {
	s := newTestServer(t, nil)
	key := s.createTenant(t, "acme", 0)
	s.signUp(t, key, "ann@example.com", "pw")
	tokens := s.login(t, key, "ann@example.com", "pw")
	access := tokens["access_token"].(string)

	w, _ := s.do(t, call{method: "POST", path: "/api/v1/me/totp", apiKey: key, bearer: access,
		body: map[string]any{"secret": map[string]any{"data": "ct:totp", "key_version": 3}, "secret_hash": hexHash("totp")}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w, out := s.do(t, call{method: "POST", path: "/api/v1/me/totp/confirm", apiKey: key, bearer: access})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	codes := out["backup_codes"].([]any)
	require.Len(t, codes, 5)

	challenge := s.login(t, key, "ann@example.com", "pw")
	require.Equal(t, "mfa_required", challenge["status"])
	ct := challenge["challenge_token"].(string)

	w, out = s.do(t, call{method: "POST", path: "/api/v1/auth/challenge/resolve", apiKey: key, body: map[string]any{"challenge_token": ct}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "ct:totp", out["totp_secret"].(map[string]any)["data"])

	w, out = s.do(t, call{method: "POST", path: "/api/v1/auth/challenge/complete", apiKey: key, body: map[string]any{"challenge_token": ct}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotEmpty(t, out["access_token"])

	// A second challenge can be completed with a backup code, once.
	ct = s.login(t, key, "ann@example.com", "pw")["challenge_token"].(string)
	w, _ = s.do(t, call{method: "POST", path: "/api/v1/auth/challenge/backup-code", apiKey: key,
		body: map[string]any{"challenge_token": ct, "code": codes[0]}})
	require.Equal(t, http.StatusOK, w.Code)
	ct = s.login(t, key, "ann@example.com", "pw")["challenge_token"].(string)
	w, out = s.do(t, call{method: "POST", path: "/api/v1/auth/challenge/backup-code", apiKey: key,
		body: map[string]any{"challenge_token": ct, "code": codes[0]}})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "backup_code_used", out["code"])

	// The refused attempt left the challenge usable.
	w, _ = s.do(t, call{method: "POST", path: "/api/v1/auth/challenge/backup-code", apiKey: key,
		body: map[string]any{"challenge_token": ct}})
	require.Equal(t, http.StatusBadRequest, w.Code)
	w, out = s.do(t, call{method: "POST", path: "/api/v1/auth/challenge/backup-code", apiKey: key,
		body: map[string]any{"challenge_token": ct, "code": codes[1]}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotEmpty(t, out["access_token"])
}

func TestSuspendedAndLockedLookAlike(t *testing.T) {
	for _, err := range []error{service.ErrSuspended, service.ErrLocked} {
		status, code, msg := errorStatus(err)
		require.Equal(t, http.StatusForbidden, status)
		require.Equal(t, "account_unavailable", code)
		require.Equal(t, "account unavailable", msg)
	}
	status, code, _ := errorStatus(service.ErrIsolationViolation)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "not_found", code)
}

func TestTenantBudget(t *testing.T) {
	s := newTestServer(t, nil)
	key := s.createTenant(t, "tiny", 2)
	for i := 0; i < 2; i++ {
		w, _ := s.do(t, call{method: "GET", path: "/api/v1/users/missing", apiKey: key})
		require.Equal(t, http.StatusNotFound, w.Code)
	}
	w, out := s.do(t, call{method: "GET", path: "/api/v1/users/missing", apiKey: key})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "rate_limited", out["code"])
}

func TestScheduleAndCancelDeletion(t *testing.T) {
	s := newTestServer(t, nil)
	key := s.createTenant(t, "acme", 0)
	s.signUp(t, key, "ann@example.com", "pw")
	access := s.login(t, key, "ann@example.com", "pw")["access_token"].(string)

	w, out := s.do(t, call{method: "POST", path: "/api/v1/me/deletion", apiKey: key, bearer: access})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.NotEmpty(t, out["purge_at"])

	// Scheduling ends the session; signing in again cancels the deletion.
	w, _ = s.do(t, call{method: "GET", path: "/api/v1/me", apiKey: key, bearer: access})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	access = s.login(t, key, "ann@example.com", "pw")["access_token"].(string)
	w, out = s.do(t, call{method: "GET", path: "/api/v1/me", apiKey: key, bearer: access})
	require.Equal(t, http.StatusOK, w.Code)
	require.Nil(t, out["user"].(map[string]any)["scheduled_for_deletion_at"])
}
