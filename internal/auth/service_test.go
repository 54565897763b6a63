package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yieldsim/backend/internal/memstore"
)

func newTestService(t *testing.T) (*service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	return NewService(store.Accounts(), "test-secret", time.Hour), store
}

func TestRegisterAndLogin(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	acc, err := svc.Register(ctx, " Investor@Example.com ", "correct-horse", "Ivy")
	require.NoError(t, err)
	assert.Equal(t, "investor@example.com", acc.Email)
	assert.True(t, acc.Balance.IsZero())
	assert.NotEqual(t, "correct-horse", store.Account(acc.ID).PasswordHash)

	token, err := svc.Login(ctx, "investor@example.com", "correct-horse")
	require.NoError(t, err)

	id, err := svc.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, id)
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "dup@example.com", "password1", "A")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "DUP@example.com", "password2", "B")
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestRegisterValidatesInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "not-an-email", "password1", "A")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Register(ctx, "short@example.com", "pw", "A")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLoginFailures(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, "user@example.com", "password1", "U")
	require.NoError(t, err)

	_, err = svc.Login(ctx, "user@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "nobody@example.com", "password1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateTokenRejectsExpiredAndForeign(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := uuid.New()

	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := svc.issueToken(id)
	require.NoError(t, err)
	svc.now = time.Now
	_, err = svc.ValidateToken(ctx, expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	other := NewService(nil, "other-secret", time.Hour)
	foreign, err := other.issueToken(id)
	require.NoError(t, err)
	_, err = svc.ValidateToken(ctx, foreign)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
}
