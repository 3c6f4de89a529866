package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// BearerToken reads the Authorization header, falling back to the token
// query parameter that browser websocket clients have to use.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// ClaimsFromContext returns the claims stored by Middleware, if any.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsContextKey).(*Claims)
	return c
}

// ContextWithClaims is used by Middleware and tests.
func ContextWithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, c)
}

// Middleware rejects requests without a valid token. Paths in bypass are
// served unauthenticated.
func (m *TokenManager) Middleware(bypass ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(bypass))
	for _, p := range bypass {
		open[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := m.Verify(r.Context(), BearerToken(r))
			if err != nil {
				WriteError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

// CheckTenant returns ErrTenantMismatch when ctx carries claims for another
// tenant. A context without claims passes, since auth is optional.
func CheckTenant(ctx context.Context, tenantID string) error {
	c := ClaimsFromContext(ctx)
	if c == nil || c.TenantID == tenantID {
		return nil
	}
	return ErrTenantMismatch
}

// StatusFor maps auth errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrTenantMismatch):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrExpiredToken), errors.Is(err, ErrTokenRevoked):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes the JSON error body shared by the API.
func WriteError(w http.ResponseWriter, status int, errorType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     errorType,
		"message":   message,
		"timestamp": time.Now().Unix(),
	})
}
