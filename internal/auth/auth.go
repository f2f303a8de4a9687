// Package auth validates session tokens issued to admins and drivers.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/speedyvan/dispatch/internal/apperr"
	"github.com/speedyvan/dispatch/internal/models"
)

const (
	RoleAdmin  = "admin"
	RoleDriver = "driver"
)

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for subject with role.
func (a *Authenticator) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate parses a "Bearer <token>" header value.
func (a *Authenticator) Authenticate(header string) (models.Actor, error) {
	if len(a.secret) == 0 {
		return models.Actor{}, fmt.Errorf("no signing secret configured: %w", apperr.ErrUnauthenticated)
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return models.Actor{}, apperr.ErrUnauthenticated
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil || !token.Valid {
		return models.Actor{}, fmt.Errorf("invalid token: %w", apperr.ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return models.Actor{}, fmt.Errorf("token without subject: %w", apperr.ErrUnauthenticated)
	}
	return models.Actor{ID: claims.Subject, Role: claims.Role}, nil
}

// Authorize fails with ErrForbidden unless actor holds one of roles.
func Authorize(actor models.Actor, roles ...string) error {
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return fmt.Errorf("role %q: %w", actor.Role, apperr.ErrForbidden)
}

type ctxKey struct{}

func WithActor(ctx context.Context, a models.Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

func ActorFrom(ctx context.Context) (models.Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(models.Actor)
	return a, ok
}
