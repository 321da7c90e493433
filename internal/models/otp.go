package models

import (
	"time"
)

// Constants for OTP challenges
const (
	OTPCodeLength       = 6
	OTPMaxAttempts      = 3
	OTPDefaultTTL       = 5 * time.Minute
	OTPExpiresInSeconds = 300
	OTPCodeMin          = 100000
	OTPCodeMax          = 999999
)

// OTPChallenge is the single outstanding OTP cycle for a mobile number
type OTPChallenge struct {
	MobileNumber string    `bson:"mobile_number" json:"mobile_number"`
	ChallengeID  string    `bson:"challenge_id" json:"challenge_id"`
	Code         string    `bson:"otp" json:"-"`
	ExpiresAt    time.Time `bson:"expires_at" json:"expires_at"`
	Attempts     int       `bson:"attempts" json:"attempts"`
	Verified     bool      `bson:"verified" json:"verified"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at" json:"updated_at"`
}

// IsExpiredAt reports whether the challenge can no longer be matched at now
func (c *OTPChallenge) IsExpiredAt(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// RemainingAttempts returns how many wrong codes may still be submitted
func (c *OTPChallenge) RemainingAttempts() int {
	if remaining := OTPMaxAttempts - c.Attempts; remaining > 0 {
		return remaining
	}
	return 0
}

// GenerateOTPRequest is the body of POST /generateOTP
type GenerateOTPRequest struct {
	MobileNumber string `json:"mobile_number" binding:"required,mobile"`
}

// GenerateOTPResponse is returned by POST /generateOTP. OTP is only set when the code
// could not be delivered through a channel.
type GenerateOTPResponse struct {
	Success   bool    `json:"success"`
	Message   string  `json:"message"`
	OTP       *string `json:"otp"`
	ExpiresIn int     `json:"expires_in"`
}

// ValidateOTPRequest is the body of POST /validateOTP
type ValidateOTPRequest struct {
	MobileNumber string `json:"mobile_number" binding:"required,mobile"`
	OTP          string `json:"otp" binding:"required,len=6"`
}

// ValidateOTPResponse is returned on successful validation or password login
type ValidateOTPResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Token   string         `json:"token"`
	User    UserProjection `json:"user"`
}

// AuthFailureResponse is returned by the auth endpoints on any failure
type AuthFailureResponse struct {
	Success           bool         `json:"success"`
	Message           string       `json:"message"`
	AttemptsRemaining *int         `json:"attempts_remaining,omitempty"`
	Errors            []FieldError `json:"errors,omitempty"`
}

// FieldError describes one rejected request field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"msg"`
}
