// Package auth authenticates API callers with HS256 bearer tokens issued by
// the main application and loads the calling user from the tenant directory.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/grainhero/accesscore/internal/tenant"
)

// Errors
var (
	ErrNoToken      = errors.New("auth: token required")
	ErrInvalidToken = errors.New("auth: invalid or expired token")
	ErrUnknownUser  = errors.New("auth: token subject does not exist")
)

// DefaultTTL is the lifetime of tokens minted by Issue.
const DefaultTTL = 24 * time.Hour

// Claims are the token claims. The subject is the user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserLookup loads users by id.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*tenant.User, error)
}

// Manager verifies tokens and resolves their users.
type Manager struct {
	secret []byte
	issuer string
	users  UserLookup
	now    func() time.Time
}

// NewManager creates a new auth manager.
func NewManager(secret, issuer string, users UserLookup) *Manager {
	return &Manager{
		secret: []byte(secret),
		issuer: issuer,
		users:  users,
		now:    time.Now,
	}
}

// WithClock overrides the time source used to check expiry.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Issue mints a token for u. Used by operator tooling and tests; end-user
// tokens come from the main application with the same secret.
func (m *Manager) Issue(u *tenant.User, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := m.now()
	claims := Claims{
		Role: string(u.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify checks the signature, issuer and expiry of raw.
func (m *Manager) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// Authenticate resolves the user behind an Authorization header value. The
// "Bearer " prefix is optional.
func (m *Manager) Authenticate(ctx context.Context, header string) (*tenant.User, error) {
	raw := strings.TrimSpace(header)
	if scheme, rest, found := strings.Cut(raw, " "); found && strings.EqualFold(scheme, "bearer") {
		raw = strings.TrimSpace(rest)
	} else if strings.EqualFold(raw, "bearer") {
		// A bare scheme carries no token.
		raw = ""
	}
	if raw == "" {
		return nil, ErrNoToken
	}

	claims, err := m.Verify(raw)
	if err != nil {
		return nil, err
	}
	u, err := m.users.GetUser(ctx, claims.Subject)
	if errors.Is(err, tenant.ErrUserNotFound) {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}
