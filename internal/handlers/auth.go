package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/models"
	"github.com/prefeitura-rio/app-dms/internal/observability"
	"github.com/prefeitura-rio/app-dms/internal/services"
	"github.com/prefeitura-rio/app-dms/internal/utils"
	"go.uber.org/zap"
)

// Client-facing messages of the auth endpoints
const (
	msgOTPSent          = "OTP sent successfully"
	msgOTPDevMode       = "OTP generated (dev mode)"
	msgOTPVerified      = "OTP verified successfully"
	msgLoginSuccess     = "Login successful"
	msgInvalidOrExpired = "Invalid or expired OTP"
	msgTooManyAttempts  = "Too many failed attempts. Please request a new OTP."
	msgInvalidOTP       = "Invalid OTP"
	msgLockedOut        = "Invalid OTP. Too many failed attempts. Please request a new OTP."
	msgRateLimited      = "Too many OTP requests. Please try again later."
	msgGenerateFailed   = "Failed to generate OTP"
	msgValidateFailed   = "Failed to validate OTP"
	msgInvalidCreds     = "Invalid mobile number or password"
	msgInactive         = "Account is not active"
	msgLoginFailed      = "Failed to log in"
	msgLoginRateLimited = "Too many login attempts. Please try again later."
)

// OTPAuthenticator runs the OTP protocol
type OTPAuthenticator interface {
	RequestChallenge(ctx context.Context, mobile string) (*services.ChallengeResult, error)
	VerifyChallenge(ctx context.Context, mobile, code string) (*services.VerifyResult, error)
}

// PasswordAuthenticator logs in accounts that have a password
type PasswordAuthenticator interface {
	PasswordLogin(ctx context.Context, mobile, password string) (*services.VerifyResult, error)
}

// AuthHandlers serves the login endpoints
type AuthHandlers struct {
	logger   *logging.SafeLogger
	otp      OTPAuthenticator
	password PasswordAuthenticator
}

// NewAuthHandlers creates the auth handlers. password may be nil, in which case
// password login answers 401 for every request.
func NewAuthHandlers(logger *logging.SafeLogger, otp OTPAuthenticator, password PasswordAuthenticator) *AuthHandlers {
	return &AuthHandlers{
		logger:   logger.Named("auth_handlers"),
		otp:      otp,
		password: password,
	}
}

// GenerateOTP godoc
// @Summary Request an OTP
// @Description Issues a one-time code for the mobile number and delivers it by SMS or WhatsApp.
// @Description When no channel can deliver it the code is returned in the response.
// @Tags auth
// @Accept json
// @Produce json
// @Param data body models.GenerateOTPRequest true "Mobile number"
// @Success 200 {object} models.GenerateOTPResponse
// @Failure 400 {object} models.AuthFailureResponse "Validation failed"
// @Failure 429 {object} models.AuthFailureResponse "Rate limited, see Retry-After"
// @Failure 500 {object} models.AuthFailureResponse
// @Router /generateOTP [post]
func (h *AuthHandlers) GenerateOTP(c *gin.Context) {
	var req models.GenerateOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondAuthValidation(c, utils.FieldErrors(err))
		return
	}

	result, err := h.otp.RequestChallenge(c.Request.Context(), req.MobileNumber)
	if err != nil {
		var rateErr *models.RateLimitError
		switch {
		case errors.As(err, &rateErr):
			c.Header("Retry-After", retryAfterSeconds(rateErr.RetryAfter))
			respondAuthFailure(c, http.StatusTooManyRequests, msgRateLimited, nil)
		case errors.Is(err, models.ErrRateLimited):
			respondAuthFailure(c, http.StatusTooManyRequests, msgRateLimited, nil)
		case errors.Is(err, models.ErrInvalidMobileNumber):
			respondAuthValidation(c, []models.FieldError{{Field: "mobile_number", Message: "Please enter a valid mobile number"}})
		default:
			h.logger.Error("failed to generate OTP",
				zap.String("mobile_number", observability.MaskMobile(req.MobileNumber)),
				zap.Error(err))
			respondAuthFailure(c, http.StatusInternalServerError, msgGenerateFailed, nil)
		}
		return
	}

	resp := models.GenerateOTPResponse{
		Success:   true,
		Message:   msgOTPSent,
		ExpiresIn: result.ExpiresIn,
	}
	if !result.Delivered {
		code := result.Code
		resp.OTP = &code
		resp.Message = msgOTPDevMode
	}
	c.JSON(http.StatusOK, resp)
}

// ValidateOTP godoc
// @Summary Validate an OTP
// @Description Checks the code for the mobile number. On success the user is created on first
// @Description login and a session token is returned.
// @Tags auth
// @Accept json
// @Produce json
// @Param data body models.ValidateOTPRequest true "Mobile number and code"
// @Success 200 {object} models.ValidateOTPResponse
// @Failure 400 {object} models.AuthFailureResponse "Invalid, expired or exhausted OTP"
// @Failure 403 {object} models.AuthFailureResponse "Account is not active"
// @Failure 500 {object} models.AuthFailureResponse
// @Router /validateOTP [post]
func (h *AuthHandlers) ValidateOTP(c *gin.Context) {
	var req models.ValidateOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondAuthValidation(c, utils.FieldErrors(err))
		return
	}

	result, err := h.otp.VerifyChallenge(c.Request.Context(), req.MobileNumber, req.OTP)
	if err != nil {
		var mismatch *models.CodeMismatchError
		switch {
		case errors.Is(err, models.ErrInvalidMobileNumber):
			respondAuthValidation(c, []models.FieldError{{Field: "mobile_number", Message: "Please enter a valid mobile number"}})
		case errors.Is(err, models.ErrInvalidOTPFormat):
			respondAuthValidation(c, []models.FieldError{{Field: "otp", Message: "OTP must be 6 digits"}})
		case errors.Is(err, models.ErrAttemptsExhausted):
			respondAuthFailure(c, http.StatusBadRequest, msgTooManyAttempts, nil)
		case errors.As(err, &mismatch):
			message := msgInvalidOTP
			if mismatch.Remaining <= 0 {
				message = msgLockedOut
			}
			respondAuthFailure(c, http.StatusBadRequest, message, intPtr(mismatch.Remaining))
		case errors.Is(err, models.ErrChallengeNotFound):
			respondAuthFailure(c, http.StatusBadRequest, msgInvalidOrExpired, nil)
		case errors.Is(err, models.ErrUserInactive):
			respondAuthFailure(c, http.StatusForbidden, msgInactive, nil)
		default:
			h.logger.Error("failed to validate OTP",
				zap.String("mobile_number", observability.MaskMobile(req.MobileNumber)),
				zap.Error(err))
			respondAuthFailure(c, http.StatusInternalServerError, msgValidateFailed, nil)
		}
		return
	}

	c.JSON(http.StatusOK, models.ValidateOTPResponse{
		Success: true,
		Message: msgOTPVerified,
		Token:   result.Token,
		User:    result.User.Projection(),
	})
}

// PasswordLogin godoc
// @Summary Log in with a password
// @Description Logs in an account created by an administrator with a password.
// @Tags auth
// @Accept json
// @Produce json
// @Param data body models.PasswordLoginRequest true "Mobile number and password"
// @Success 200 {object} models.ValidateOTPResponse
// @Failure 400 {object} models.AuthFailureResponse "Validation failed"
// @Failure 401 {object} models.AuthFailureResponse "Invalid credentials"
// @Failure 403 {object} models.AuthFailureResponse "Account is not active"
// @Failure 429 {object} models.AuthFailureResponse "Too many attempts, see Retry-After"
// @Failure 500 {object} models.AuthFailureResponse
// @Router /auth/login [post]
func (h *AuthHandlers) PasswordLogin(c *gin.Context) {
	var req models.PasswordLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondAuthValidation(c, utils.FieldErrors(err))
		return
	}

	if h.password == nil {
		respondAuthFailure(c, http.StatusUnauthorized, msgInvalidCreds, nil)
		return
	}

	result, err := h.password.PasswordLogin(c.Request.Context(), req.MobileNumber, req.Password)
	if err != nil {
		var rateErr *models.RateLimitError
		switch {
		case errors.As(err, &rateErr):
			c.Header("Retry-After", retryAfterSeconds(rateErr.RetryAfter))
			respondAuthFailure(c, http.StatusTooManyRequests, msgLoginRateLimited, nil)
		case errors.Is(err, models.ErrInvalidCredentials):
			respondAuthFailure(c, http.StatusUnauthorized, msgInvalidCreds, nil)
		case errors.Is(err, models.ErrUserInactive):
			respondAuthFailure(c, http.StatusForbidden, msgInactive, nil)
		default:
			h.logger.Error("password login failed",
				zap.String("mobile_number", observability.MaskMobile(req.MobileNumber)),
				zap.Error(err))
			respondAuthFailure(c, http.StatusInternalServerError, msgLoginFailed, nil)
		}
		return
	}

	c.JSON(http.StatusOK, models.ValidateOTPResponse{
		Success: true,
		Message: msgLoginSuccess,
		Token:   result.Token,
		User:    result.User.Projection(),
	})
}

// retryAfterSeconds renders d as whole seconds, rounded up, never below 1
func retryAfterSeconds(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
