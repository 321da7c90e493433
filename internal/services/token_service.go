package services

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/models"
)

// DefaultTokenTTL is how long a session token stays valid when no TTL is configured
const DefaultTokenTTL = 7 * 24 * time.Hour

// TokenService issues and verifies HS256 session tokens
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  Clock
}

// NewTokenService creates a token service. An empty secret is replaced by a random one,
// which only makes sense outside production and invalidates tokens on restart.
func NewTokenService(secret, issuer string, ttl time.Duration, clock Clock, logger *logging.SafeLogger) (*TokenService, error) {
	if secret == "" {
		generated, err := randomSecret()
		if err != nil {
			return nil, err
		}
		logger.Warn("JWT_SECRET not set, using a random secret; sessions will not survive a restart")
		secret = generated
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &TokenService{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		clock:  clock,
	}, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate JWT secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Issue signs a session token for user and returns it with its expiry
func (s *TokenService) Issue(user *models.User) (string, time.Time, error) {
	now := s.clock.Now()
	expiresAt := now.Add(s.ttl)

	claims := models.SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID.Hex(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UserID:       user.ID.Hex(),
		MobileNumber: user.MobileNumber,
		Role:         user.Role,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify parses a token and returns its claims. Expired tokens yield models.ErrTokenExpired,
// everything else that fails yields models.ErrInvalidToken.
func (s *TokenService) Verify(tokenString string) (*models.SessionClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &models.SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, models.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, models.ErrInvalidToken
	}
	return claims, nil
}

// TTL returns the configured token lifetime
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}
