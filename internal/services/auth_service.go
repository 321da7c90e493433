package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/models"
	"github.com/prefeitura-rio/app-dms/internal/observability"
	"github.com/prefeitura-rio/app-dms/internal/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Verification outcomes, used as metric labels
const (
	OutcomeSuccess   = "success"
	OutcomeInvalid   = "invalid"
	OutcomeNotFound  = "not_found"
	OutcomeExpired   = "expired"
	OutcomeConsumed  = "consumed"
	OutcomeExhausted = "exhausted"
	OutcomeMismatch  = "mismatch"
	OutcomeInactive  = "inactive"
	OutcomeError     = "error"
)

// ChallengeResult describes an accepted OTP request
type ChallengeResult struct {
	// Delivered is true when a channel accepted the code
	Delivered bool
	Channel   string
	// Code is only set when the code could not be delivered and must be shown inline
	Code      string
	ExpiresIn int
}

// VerifyResult is a successful login
type VerifyResult struct {
	Token     string
	ExpiresAt time.Time
	User      *models.User
}

// AuthService runs the OTP issuance and validation protocol
type AuthService struct {
	ledger   OTPLedger
	users    UserStore
	tokens   *TokenService
	limiter  RateLimiter
	notifier Notifier
	logger   *logging.SafeLogger
}

// NewAuthService wires the protocol. limiter and notifier may be nil: no limiter means no
// quota, no notifier means every code is returned inline.
func NewAuthService(ledger OTPLedger, users UserStore, tokens *TokenService, limiter RateLimiter, notifier Notifier, logger *logging.SafeLogger) *AuthService {
	return &AuthService{
		ledger:   ledger,
		users:    users,
		tokens:   tokens,
		limiter:  limiter,
		notifier: notifier,
		logger:   logger.Named("auth"),
	}
}

func asStorageError(err error) error {
	if errors.Is(err, models.ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrStorage, err)
}

// RequestChallenge issues a new code for mobile and tries to deliver it
func (s *AuthService) RequestChallenge(ctx context.Context, mobile string) (*ChallengeResult, error) {
	ctx, span, cleanup := utils.TraceOperation(ctx, "auth.request_challenge", nil)
	defer cleanup()

	if !utils.IsValidMobile(mobile) {
		return nil, models.ErrInvalidMobileNumber
	}

	region := utils.PhoneRegion(mobile)
	span.SetAttributes(attribute.String("otp.region", region))
	logger := s.logger.With(
		zap.String("mobile_number", observability.MaskMobile(mobile)),
		zap.String("region", region),
	)

	if s.limiter != nil {
		decision, err := s.limiter.Allow(ctx, mobile)
		if err != nil {
			utils.RecordError(span, err)
			logger.Error("rate limit check failed", zap.Error(err))
			return nil, asStorageError(err)
		}
		if !decision.Allowed {
			observability.OTPRateLimited.Inc()
			logger.Warn("OTP request rate limited", zap.Duration("retry_after", decision.RetryAfter))
			return nil, &models.RateLimitError{RetryAfter: decision.RetryAfter}
		}
	}

	challenge, err := s.ledger.Issue(ctx, mobile)
	if err != nil {
		utils.RecordError(span, err)
		logger.Error("failed to issue OTP challenge", zap.Error(err))
		return nil, asStorageError(err)
	}

	result := &ChallengeResult{
		ExpiresIn: int(challenge.ExpiresAt.Sub(challenge.CreatedAt).Seconds()),
	}

	if s.notifier != nil {
		receipt, err := s.notifier.Send(ctx, mobile, challenge.Code)
		if err == nil {
			result.Delivered = true
			result.Channel = receipt.Channel
		} else {
			logger.Warn("OTP delivery failed, returning code inline",
				zap.String("channel", s.notifier.Channel()),
				zap.Error(err))
		}
	}

	if !result.Delivered {
		if s.notifier == nil {
			logger.Warn("no notification channel configured, returning OTP inline")
		}
		result.Channel = ChannelFallback
		result.Code = challenge.Code
	}

	observability.OTPIssued.WithLabelValues(result.Channel, region).Inc()
	logger.Info("OTP challenge issued",
		zap.String("challenge_id", challenge.ChallengeID),
		zap.String("delivery", result.Channel))
	return result, nil
}

// VerifyChallenge checks code against the active challenge for mobile and, on a match,
// logs the user in
func (s *AuthService) VerifyChallenge(ctx context.Context, mobile, code string) (*VerifyResult, error) {
	ctx, span, cleanup := utils.TraceOperation(ctx, "auth.verify_challenge", nil)
	defer cleanup()

	outcome := OutcomeError
	defer func() {
		observability.OTPVerifications.WithLabelValues(outcome).Inc()
	}()

	if !utils.IsValidMobile(mobile) {
		outcome = OutcomeInvalid
		return nil, models.ErrInvalidMobileNumber
	}
	if len(code) != models.OTPCodeLength || !isNumeric(code) {
		outcome = OutcomeInvalid
		return nil, models.ErrInvalidOTPFormat
	}

	logger := s.logger.With(zap.String("mobile_number", observability.MaskMobile(mobile)))

	challenge, err := s.ledger.FindActive(ctx, mobile)
	if err != nil {
		if errors.Is(err, models.ErrChallengeNotFound) {
			outcome = notFoundOutcome(err)
			logger.Info("OTP validation without an active challenge", zap.String("reason", outcome))
			return nil, models.ErrChallengeNotFound
		}
		utils.RecordError(span, err)
		logger.Error("failed to load OTP challenge", zap.Error(err))
		return nil, asStorageError(err)
	}

	if challenge.Attempts >= models.OTPMaxAttempts {
		if err := s.ledger.Delete(ctx, challenge); err != nil {
			logger.Error("failed to delete exhausted challenge", zap.Error(err))
			return nil, asStorageError(err)
		}
		outcome = OutcomeExhausted
		return nil, models.ErrAttemptsExhausted
	}

	if subtle.ConstantTimeCompare([]byte(challenge.Code), []byte(code)) != 1 {
		attempts, err := s.ledger.RecordFailedAttempt(ctx, challenge)
		if err != nil {
			if errors.Is(err, models.ErrChallengeNotFound) {
				// A concurrent request verified, replaced or locked out this challenge
				outcome = OutcomeNotFound
				return nil, models.ErrChallengeNotFound
			}
			utils.RecordError(span, err)
			logger.Error("failed to record OTP attempt", zap.Error(err))
			return nil, asStorageError(err)
		}
		outcome = OutcomeMismatch
		if attempts >= models.OTPMaxAttempts {
			outcome = OutcomeExhausted
		}
		remaining := models.OTPMaxAttempts - attempts
		if remaining < 0 {
			remaining = 0
		}
		logger.Info("OTP mismatch", zap.Int("attempts", attempts))
		return nil, &models.CodeMismatchError{Remaining: remaining}
	}

	if err := s.ledger.MarkVerified(ctx, challenge); err != nil {
		if errors.Is(err, models.ErrChallengeNotFound) {
			outcome = OutcomeConsumed
			return nil, models.ErrChallengeNotFound
		}
		utils.RecordError(span, err)
		logger.Error("failed to mark OTP verified", zap.Error(err))
		return nil, asStorageError(err)
	}

	user, err := s.users.UpsertOnLogin(ctx, mobile)
	if err != nil {
		utils.RecordError(span, err)
		logger.Error("failed to upsert user on login", zap.Error(err))
		return nil, asStorageError(err)
	}
	if !user.CanLogin() {
		outcome = OutcomeInactive
		logger.Warn("login refused for inactive user", zap.String("status", user.Status))
		return nil, models.ErrUserInactive
	}

	token, expiresAt, err := s.tokens.Issue(user)
	if err != nil {
		utils.RecordError(span, err)
		logger.Error("failed to issue session token", zap.Error(err))
		return nil, err
	}

	outcome = OutcomeSuccess
	logger.Info("OTP verified", zap.String("user_id", user.ID.Hex()))
	return &VerifyResult{Token: token, ExpiresAt: expiresAt, User: user}, nil
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func notFoundOutcome(err error) string {
	switch {
	case errors.Is(err, models.ErrChallengeExpired):
		return OutcomeExpired
	case errors.Is(err, models.ErrChallengeConsumed):
		return OutcomeConsumed
	default:
		return OutcomeNotFound
	}
}
