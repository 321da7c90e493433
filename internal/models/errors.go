package models

import (
	"errors"
	"fmt"
	"time"
)

// Error constants for request validation
var (
	ErrInvalidMobileNumber = errors.New("please enter a valid mobile number")
	ErrInvalidOTPFormat    = errors.New("OTP must be 6 digits")
)

// Error constants for the OTP protocol
var (
	ErrRateLimited       = errors.New("too many OTP requests, please try again later")
	ErrChallengeNotFound = errors.New("invalid or expired OTP")
	ErrAttemptsExhausted = errors.New("too many failed attempts, please request a new OTP")
	ErrCodeMismatch      = errors.New("invalid OTP")
	ErrDeliveryFailed    = errors.New("OTP delivery failed")
	ErrStorage           = errors.New("storage operation failed")
)

// Internal reasons behind ErrChallengeNotFound, kept for logs and metrics only
var (
	ErrChallengeExpired  = fmt.Errorf("%w: challenge expired", ErrChallengeNotFound)
	ErrChallengeConsumed = fmt.Errorf("%w: challenge already verified", ErrChallengeNotFound)
)

// Error constants for accounts and sessions
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrUserInactive       = errors.New("user account is not active")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token has expired")
)

// Error constants for documents
var (
	ErrDocumentNotFound    = errors.New("document not found")
	ErrInvalidDocumentID   = errors.New("invalid document ID")
	ErrUnsupportedFileType = errors.New("only PDF, JPEG and PNG files are allowed")
	ErrFileTooLarge        = errors.New("file exceeds the maximum upload size")
	ErrInvalidDate         = errors.New("invalid date, expected YYYY-MM-DD or DD-MM-YYYY")
	ErrInvalidFilter       = errors.New("invalid search filter")
	ErrForbidden           = errors.New("access denied")
)

// CodeMismatchError reports a wrong code together with the attempts left
type CodeMismatchError struct {
	Remaining int
}

func (e *CodeMismatchError) Error() string {
	return fmt.Sprintf("%s: %d attempts remaining", ErrCodeMismatch, e.Remaining)
}

// Is makes errors.Is(err, ErrCodeMismatch) hold for any CodeMismatchError
func (e *CodeMismatchError) Is(target error) bool {
	return target == ErrCodeMismatch
}

// RateLimitError carries how long the caller should wait before retrying
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", ErrRateLimited, e.RetryAfter)
}

// Is makes errors.Is(err, ErrRateLimited) hold for any RateLimitError
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
