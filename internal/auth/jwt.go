// Package auth issues and verifies operator tokens. A token carries the
// operator's tenant; tokens without a tenant belong to admins.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"outdial/internal/config"
)

const issuer = "outdial"

var (
	// ErrInvalidCredentials is returned by Login for an unknown user or a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken covers malformed, expired and badly signed tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims identifies the operator behind a request.
type Claims struct {
	Username string `json:"username"`
	TenantID string `json:"tenant_id,omitempty"`
	jwt.RegisteredClaims
}

// Admin reports whether the operator may act on every tenant.
func (c *Claims) Admin() bool {
	return c.TenantID == ""
}

// Authenticator checks operator passwords and signs tokens.
type Authenticator struct {
	secret    []byte
	ttl       time.Duration
	operators map[string]config.OperatorConfig
	now       func() time.Time
}

// NewAuthenticator builds an Authenticator from the auth config section.
func NewAuthenticator(cfg config.AuthConfig) (*Authenticator, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	ttl := time.Duration(cfg.TokenTTL)
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	ops := make(map[string]config.OperatorConfig, len(cfg.Operators))
	for _, op := range cfg.Operators {
		ops[op.Username] = op
	}
	return &Authenticator{secret: []byte(cfg.Secret), ttl: ttl, operators: ops, now: time.Now}, nil
}

// Login verifies the operator password and returns a signed token.
func (a *Authenticator) Login(username, password string) (string, time.Time, error) {
	op, ok := a.operators[username]
	if !ok || VerifyPassword(op.PasswordHash, password) != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return a.GenerateToken(op.Username, op.TenantID)
}

// GenerateToken creates a token for username scoped to tenantID.
func (a *Authenticator) GenerateToken(username, tenantID string) (string, time.Time, error) {
	now := a.now()
	expires := now.Add(a.ttl)
	claims := &Claims{
		Username: username,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Issuer:    issuer,
			Subject:   username,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, expires, nil
}

// Parse validates a token and returns its claims.
func (a *Authenticator) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// VerifyPassword checks hashed password
func VerifyPassword(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

// HashPassword hashes a password
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), 10)
	return string(bytes), err
}

// Middleware verifies the bearer token. The access_token query parameter is
// accepted for WebSocket upgrades, where browsers cannot set headers.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := bearerToken(r)
		if !ok {
			writeAuthError(w, "authorization required")
			return
		}
		claims, err := a.Parse(tokenStr)
		if err != nil {
			writeAuthError(w, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if t := r.URL.Query().Get("access_token"); t != "" {
		return t, true
	}
	return "", false
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, "{\"error\":%q}\n", msg)
}

type contextKey struct{}

// WithClaims stores claims in ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext retrieves claims stored by Middleware.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(*Claims)
	return c, ok
}
