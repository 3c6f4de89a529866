package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *TokenManager {
	t.Helper()
	m, err := NewTokenManager(Config{Secret: "test-secret", Issuer: "test-issuer", TTL: time.Hour})
	require.NoError(t, err)
	return m
}

func TestNewTokenManager_RequiresSecret(t *testing.T) {
	_, err := NewTokenManager(Config{})
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestIssueAndVerify(t *testing.T) {
	m := newManager(t)
	raw, exp, err := m.Issue("acme", "analyst-1", "observer")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims, err := m.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.TenantID)
	assert.Equal(t, "analyst-1", claims.Subject)
	assert.Equal(t, []string{"observer"}, claims.Roles)

	_, err = m.VerifyTenant(context.Background(), raw, "acme")
	assert.NoError(t, err)
	_, err = m.VerifyTenant(context.Background(), raw, "globex")
	assert.ErrorIs(t, err, ErrTenantMismatch)
}

func TestVerify_Rejects(t *testing.T) {
	m := newManager(t)
	other, err := NewTokenManager(Config{Secret: "other-secret", Issuer: "test-issuer"})
	require.NoError(t, err)
	foreign, _, err := other.Issue("acme", "x")
	require.NoError(t, err)

	_, err = m.Verify(context.Background(), foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = m.Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = m.Verify(context.Background(), "not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Expired(t *testing.T) {
	m := newManager(t)
	m.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	raw, _, err := m.Issue("acme", "x")
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestRevoke(t *testing.T) {
	m := newManager(t)
	raw, _, err := m.Issue("acme", "x")
	require.NoError(t, err)

	require.NoError(t, m.Revoke(context.Background(), raw))
	_, err = m.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestMemoryRevocations_IgnoresExpired(t *testing.T) {
	s := NewMemoryRevocations()
	require.NoError(t, s.Revoke(context.Background(), "old", time.Now().Add(-time.Minute)))
	revoked, err := s.IsRevoked(context.Background(), "old")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRedisRevocations(t *testing.T) {
	addr := os.Getenv("SENTINEL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SENTINEL_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	m, err := NewTokenManager(Config{Secret: "s", Revocations: NewRedisRevocations(client)})
	require.NoError(t, err)
	raw, _, err := m.Issue("acme", "x")
	require.NoError(t, err)
	require.NoError(t, m.Revoke(context.Background(), raw))
	_, err = m.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/incidents/acme?token=q", nil)
	assert.Equal(t, "q", BearerToken(r))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", BearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", BearerToken(r))
}

func TestMiddleware(t *testing.T) {
	m := newManager(t)
	var seen *Claims
	h := m.Middleware("/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, seen)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/incidents/analyze", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unauthorized"`)

	raw, _, err := m.Issue("acme", "x")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/incidents/analyze", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "acme", seen.TenantID)

	assert.NoError(t, CheckTenant(ContextWithClaims(context.Background(), seen), "acme"))
	assert.ErrorIs(t, CheckTenant(ContextWithClaims(context.Background(), seen), "globex"), ErrTenantMismatch)
	assert.NoError(t, CheckTenant(context.Background(), "anyone"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, StatusFor(ErrTenantMismatch))
	assert.Equal(t, http.StatusUnauthorized, StatusFor(ErrTokenRevoked))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(assert.AnError))
}
