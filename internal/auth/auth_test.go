package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedyvan/dispatch/internal/apperr"
	"github.com/speedyvan/dispatch/internal/models"
)

func TestIssueAndAuthenticate(t *testing.T) {
	a := NewAuthenticator("secret")
	tok, err := a.Issue("admin-1", RoleAdmin, time.Hour)
	require.NoError(t, err)

	actor, err := a.Authenticate("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, models.Actor{ID: "admin-1", Role: RoleAdmin}, actor)
}

func TestAuthenticateRejects(t *testing.T) {
	a := NewAuthenticator("secret")
	other := NewAuthenticator("other")
	foreign, err := other.Issue("admin-1", RoleAdmin, time.Hour)
	require.NoError(t, err)
	expired, err := a.Issue("admin-1", RoleAdmin, -time.Minute)
	require.NoError(t, err)
	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{Role: RoleAdmin}).SignedString([]byte("secret"))
	require.NoError(t, err)

	for name, header := range map[string]string{
		"empty":     "",
		"scheme":    "Basic abc",
		"garbage":   "Bearer not-a-token",
		"signature": "Bearer " + foreign,
		"expired":   "Bearer " + expired,
		"subject":   "Bearer " + noSub,
	} {
		_, err := a.Authenticate(header)
		assert.ErrorIs(t, err, apperr.ErrUnauthenticated, name)
	}

	_, err = NewAuthenticator("").Authenticate("Bearer " + foreign)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestAuthorize(t *testing.T) {
	assert.NoError(t, Authorize(models.Actor{Role: RoleAdmin}, RoleAdmin))
	assert.NoError(t, Authorize(models.Actor{Role: RoleDriver}, RoleAdmin, RoleDriver))
	assert.ErrorIs(t, Authorize(models.Actor{Role: RoleDriver}, RoleAdmin), apperr.ErrForbidden)
}

func TestActorContext(t *testing.T) {
	_, ok := ActorFrom(context.Background())
	assert.False(t, ok)
	ctx := WithActor(context.Background(), models.Actor{ID: "d1", Role: RoleDriver})
	got, ok := ActorFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "d1", got.ID)
}
