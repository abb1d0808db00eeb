package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"realtime-service/internal/models"
	"realtime-service/internal/repositories"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrInactiveUser = errors.New("user is inactive")
)

// Service verifies bearer credentials and resolves users. Tokens are HMAC-signed JWTs whose
// subject is the user id.
type Service struct {
	secret []byte
	users  repositories.UserRepository
	issuer string
	now    func() time.Time
}

// NewService constructs the identity service.
func NewService(secret string, users repositories.UserRepository) *Service {
	return &Service{secret: []byte(secret), users: users, issuer: "realtime-service", now: time.Now}
}

// ValidateToken verifies the JWT and returns the authenticated user id.
func (s *Service) ValidateToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// GetUser fetches the user record backing a verified credential.
func (s *Service) GetUser(ctx context.Context, userID string) (models.User, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return models.User{}, err
	}
	if !user.IsActive {
		return models.User{}, ErrInactiveUser
	}
	return user, nil
}

// IssueToken signs a token for userID valid for ttl.
func (s *Service) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
