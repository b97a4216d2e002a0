package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tenantauth/internal/models"
	"tenantauth/internal/rate"
)

func TestClientIPTrustProxy(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:12345"
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.5")

	require.Equal(t, "10.0.0.5", ClientIP(r, false))
	require.Equal(t, "1.2.3.4", ClientIP(r, true))
}

func okHandler(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }

func TestRequestIDKeepsWellFormedIDs(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set(HeaderRequestID, "trace-0123456789")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, "trace-0123456789", seen)
	require.Equal(t, seen, w.Header().Get(HeaderRequestID))

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set(HeaderRequestID, "bad id\nwith newline")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.NotEqual(t, "bad id\nwith newline", seen)
	require.Len(t, seen, 36)
}

func TestAdminOnly(t *testing.T) {
	cases := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"disabled", "", "Bearer ", http.StatusUnauthorized},
		{"missing", "secret-admin-token-0123456", "", http.StatusUnauthorized},
		{"wrong", "secret-admin-token-0123456", "Bearer nope", http.StatusUnauthorized},
		{"ok", "secret-admin-token-0123456", "Bearer secret-admin-token-0123456", http.StatusNoContent},
		{"case-insensitive scheme", "secret-admin-token-0123456", "bearer secret-admin-token-0123456", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			AdminOnly(tc.token)(http.HandlerFunc(okHandler)).ServeHTTP(w, r)
			require.Equal(t, tc.want, w.Code)
		})
	}
}

func TestTenantBudget(t *testing.T) {
	h := TenantBudget(rate.NewMemory(), nil)(http.HandlerFunc(okHandler))
	tn := models.Tenant{ID: "t-1", Slug: "acme", RateLimitPerMinute: 2}

	send := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest("GET", "/", nil)
		r = r.WithContext(WithTenant(r.Context(), tn))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}
	require.Equal(t, http.StatusNoContent, send().Code)
	require.Equal(t, http.StatusNoContent, send().Code)
	w := send()
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "60", w.Header().Get("Retry-After"))
}

type brokenBudget struct{}

func (brokenBudget) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, errors.New("down")
}

func TestBudgetsFailOpen(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r = r.WithContext(WithTenant(r.Context(), models.Tenant{ID: "t-1", RateLimitPerMinute: 1}))
	w := httptest.NewRecorder()
	TenantBudget(brokenBudget{}, nil)(http.HandlerFunc(okHandler)).ServeHTTP(w, r)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	RateLimit(brokenBudget{}, "login", 1, time.Minute, false)(http.HandlerFunc(okHandler)).ServeHTTP(w, r)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestRateLimitKeysByAddress(t *testing.T) {
	h := RateLimit(rate.NewMemory(), "login", 1, time.Minute, false)(http.HandlerFunc(okHandler))
	send := func(addr string) int {
		r := httptest.NewRequest("POST", "/", nil)
		r.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}
	require.Equal(t, http.StatusNoContent, send("198.51.100.1:1000"))
	require.Equal(t, http.StatusTooManyRequests, send("198.51.100.1:1001"))
	require.Equal(t, http.StatusNoContent, send("198.51.100.2:1000"))
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(okHandler)).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	require.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}
