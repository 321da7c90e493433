package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/models"
	"github.com/prefeitura-rio/app-dms/internal/observability"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when the account has no password, so unknown and
// password-less accounts cost the same as a wrong password
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("app-dms-no-password"), bcrypt.DefaultCost)

// LoginRateLimitKeyPrefix namespaces password login attempts in the rate limiter
const LoginRateLimitKeyPrefix = "login:"

// AccountService manages password accounts created by admins
type AccountService struct {
	users   UserStore
	tokens  *TokenService
	limiter RateLimiter
	cost    int
	logger  *logging.SafeLogger
}

// NewAccountService creates an account service hashing with bcrypt.DefaultCost
func NewAccountService(users UserStore, tokens *TokenService, logger *logging.SafeLogger) *AccountService {
	return &AccountService{
		users:  users,
		tokens: tokens,
		cost:   bcrypt.DefaultCost,
		logger: logger.Named("accounts"),
	}
}

// WithLoginLimiter caps password attempts per mobile number. Every attempt counts,
// successful or not.
func (s *AccountService) WithLoginLimiter(limiter RateLimiter) *AccountService {
	s.limiter = limiter
	return s
}

// WithHashCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
func (s *AccountService) WithHashCost(cost int) *AccountService {
	s.cost = cost
	return s
}

// CreateUser stores a new account on behalf of the admin createdBy
func (s *AccountService) CreateUser(ctx context.Context, req models.CreateUserRequest, createdBy string) (*models.User, error) {
	user := &models.User{
		MobileNumber: req.MobileNumber,
		Name:         req.Name,
		Email:        req.Email,
		Role:         req.Role,
		Status:       models.UserStatusActive,
	}
	if oid, err := primitive.ObjectIDFromHex(createdBy); err == nil {
		user.CreatedBy = &oid
	}

	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		user.PasswordHash = string(hash)
	}

	created, err := s.users.Create(ctx, user)
	if err != nil {
		if !errors.Is(err, models.ErrUserExists) {
			s.logger.Error("failed to create user", zap.Error(err))
		}
		return nil, err
	}

	s.logger.Info("user created",
		zap.String("user_id", created.ID.Hex()),
		zap.String("mobile_number", observability.MaskMobile(created.MobileNumber)),
		zap.String("role", created.Role),
		zap.String("created_by", createdBy))
	return created, nil
}

// PasswordLogin authenticates a password account and issues a session token
func (s *AccountService) PasswordLogin(ctx context.Context, mobile, password string) (*VerifyResult, error) {
	if s.limiter != nil {
		decision, err := s.limiter.Allow(ctx, LoginRateLimitKeyPrefix+mobile)
		if err != nil {
			s.logger.Error("login rate limit check failed", zap.Error(err))
			return nil, fmt.Errorf("%w: %w", models.ErrStorage, err)
		}
		if !decision.Allowed {
			observability.LoginRateLimited.Inc()
			s.logger.Warn("password login rate limited",
				zap.String("mobile_number", observability.MaskMobile(mobile)),
				zap.Duration("retry_after", decision.RetryAfter))
			return nil, &models.RateLimitError{RetryAfter: decision.RetryAfter}
		}
	}

	user, err := s.users.FindByMobile(ctx, mobile)
	if err != nil && !errors.Is(err, models.ErrUserNotFound) {
		return nil, err
	}

	hash := dummyHash
	if user != nil && user.PasswordHash != "" {
		hash = []byte(user.PasswordHash)
	}
	mismatch := bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil
	if user == nil || user.PasswordHash == "" || mismatch {
		return nil, models.ErrInvalidCredentials
	}
	if !user.CanLogin() {
		return nil, models.ErrUserInactive
	}

	// Stamps last_login
	user, err = s.users.UpsertOnLogin(ctx, mobile)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.tokens.Issue(user)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Token: token, ExpiresAt: expiresAt, User: user}, nil
}
