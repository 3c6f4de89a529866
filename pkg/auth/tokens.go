// Package auth issues and verifies the tenant-scoped bearer tokens that gate
// the API and the observer stream.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token has expired")
	ErrTokenRevoked   = errors.New("token has been revoked")
	ErrTenantMismatch = errors.New("token is not valid for this tenant")
	ErrMissingSecret  = errors.New("token signing secret is not configured")
)

// Claims carries the tenant a token is scoped to.
type Claims struct {
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Config for TokenManager.
type Config struct {
	Secret      string
	Issuer      string
	TTL         time.Duration
	Revocations RevocationStore
}

// TokenManager signs and verifies HS256 tokens.
type TokenManager struct {
	secret      []byte
	issuer      string
	ttl         time.Duration
	revocations RevocationStore
	now         func() time.Time
}

func NewTokenManager(cfg Config) (*TokenManager, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 12 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "cybersentinel"
	}
	if cfg.Revocations == nil {
		cfg.Revocations = NewMemoryRevocations()
	}
	return &TokenManager{
		secret:      []byte(cfg.Secret),
		issuer:      cfg.Issuer,
		ttl:         cfg.TTL,
		revocations: cfg.Revocations,
		now:         time.Now,
	}, nil
}

// Issue signs a token for subject scoped to tenantID.
func (m *TokenManager) Issue(tenantID, subject string, roles ...string) (string, time.Time, error) {
	if tenantID == "" {
		return "", time.Time{}, errors.New("issue token: tenant id is required")
	}
	now := m.now()
	exp := now.Add(m.ttl)
	claims := Claims{
		TenantID: tenantID,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, expiry, issuer and revocation.
func (m *TokenManager) Verify(ctx context.Context, raw string) (*Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.TenantID == "" {
		return nil, fmt.Errorf("%w: missing tenant claim", ErrInvalidToken)
	}

	revoked, err := m.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check token revocation: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// VerifyTenant verifies raw and requires it to be scoped to tenantID.
func (m *TokenManager) VerifyTenant(ctx context.Context, raw, tenantID string) (*Claims, error) {
	claims, err := m.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	if claims.TenantID != tenantID {
		return nil, ErrTenantMismatch
	}
	return claims, nil
}

// Revoke blocks a verified token until it would have expired anyway.
func (m *TokenManager) Revoke(ctx context.Context, raw string) error {
	claims, err := m.Verify(ctx, raw)
	if err != nil {
		return err
	}
	return m.revocations.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
}
