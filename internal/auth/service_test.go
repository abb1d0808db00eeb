package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"realtime-service/internal/mocks"
	"realtime-service/internal/models"
	"realtime-service/internal/repositories"
)

func TestValidateTokenRoundTrip(t *testing.T) {
	svc := NewService("secret", nil)
	token, err := svc.IssueToken("user-1", time.Hour)
	require.NoError(t, err)

	userID, err := svc.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	svc := NewService("secret", nil)
	token, err := svc.IssueToken("user-1", time.Minute)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = svc.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	token, err := NewService("other", nil).IssueToken("user-1", time.Hour)
	require.NoError(t, err)

	_, err = NewService("secret", nil).ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenRejectsMissingExpiry(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "user-1"}).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = NewService("secret", nil).ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenRejectsEmpty(t *testing.T) {
	_, err := NewService("secret", nil).ValidateToken(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGetUser(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	svc := NewService("secret", users)

	users.On("GetUser", mock.Anything, "a").Return(models.User{ID: "a", Name: "Alice", IsActive: true}, nil).Once()
	users.On("GetUser", mock.Anything, "b").Return(models.User{ID: "b", IsActive: false}, nil).Once()
	users.On("GetUser", mock.Anything, "c").Return(models.User{}, repositories.ErrUserNotFound).Once()

	user, err := svc.GetUser(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "Alice", user.Name)

	_, err = svc.GetUser(context.Background(), "b")
	assert.ErrorIs(t, err, ErrInactiveUser)

	_, err = svc.GetUser(context.Background(), "c")
	assert.ErrorIs(t, err, repositories.ErrUserNotFound)

	users.AssertExpectations(t)
}
