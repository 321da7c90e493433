package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prefeitura-rio/app-dms/internal/models"
	"github.com/prefeitura-rio/app-dms/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateOTP_DevModeReturnsCode(t *testing.T) {
	f := newFixture(t)

	w := f.postJSON(t, "/v1/generateOTP", map[string]string{"mobile_number": testMobile}, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.GenerateOTPResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "OTP generated (dev mode)", resp.Message)
	require.NotNil(t, resp.OTP)
	assert.Equal(t, testCode, *resp.OTP)
	assert.Equal(t, 300, resp.ExpiresIn)

	stored, ok := f.ledger.Peek(testMobile)
	require.True(t, ok)
	assert.Equal(t, 0, stored.Attempts)
	assert.False(t, stored.Verified)
}

func TestGenerateOTP_Delivered(t *testing.T) {
	notifier := &stubNotifier{}
	f := newFixture(t, withNotifier(notifier))

	w := f.postJSON(t, "/v1/generateOTP", map[string]string{"mobile_number": testMobile}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"message":"OTP sent successfully","otp":null,"expires_in":300}`, w.Body.String())
	assert.Equal(t, testCode, notifier.sent[testMobile])
}

func TestGenerateOTP_DeliveryFailureFallsBack(t *testing.T) {
	f := newFixture(t, withNotifier(&stubNotifier{err: errors.New("provider down")}))

	w := f.postJSON(t, "/v1/generateOTP", map[string]string{"mobile_number": testMobile}, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.GenerateOTPResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.OTP)
	assert.Equal(t, testCode, *resp.OTP)
}

func TestGenerateOTP_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing mobile", `{}`},
		{"malformed mobile", `{"mobile_number":"abc"}`},
		{"leading zero", `{"mobile_number":"+0123456"}`},
		{"too long", `{"mobile_number":"+1234567890123456"}`},
		{"not json", `mobile=+15551234567`},
	}

	f := newFixture(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/v1/generateOTP", tt.body, nil)
			require.Equal(t, http.StatusBadRequest, w.Code)

			resp := decodeAuthFailure(t, w)
			assert.False(t, resp.Success)
			assert.Equal(t, "Validation failed", resp.Message)
			assert.NotEmpty(t, resp.Errors)
		})
	}
	assert.Equal(t, 0, f.ledger.Len(), "rejected requests never reach the ledger")
}

func TestGenerateOTP_RateLimited(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		w := f.postJSON(t, "/v1/generateOTP", map[string]string{"mobile_number": testMobile}, "")
		require.Equal(t, http.StatusOK, w.Code)
		f.clock.Advance(5 * time.Second)
	}
	before, _ := f.ledger.Peek(testMobile)

	w := f.postJSON(t, "/v1/generateOTP", map[string]string{"mobile_number": testMobile}, "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "45", w.Header().Get("Retry-After"))
	resp := decodeAuthFailure(t, w)
	assert.Equal(t, "Too many OTP requests. Please try again later.", resp.Message)

	after, _ := f.ledger.Peek(testMobile)
	assert.Equal(t, before.ChallengeID, after.ChallengeID, "a rejected request leaves the ledger untouched")

	// Other numbers have their own quota
	w = f.postJSON(t, "/v1/generateOTP", map[string]string{"mobile_number": "+15557654321"}, "")
	assert.Equal(t, http.StatusOK, w.Code)

	f.clock.Advance(46 * time.Second)
	w = f.postJSON(t, "/v1/generateOTP", map[string]string{"mobile_number": testMobile}, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestValidateOTP_Success(t *testing.T) {
	f := newFixture(t)

	token, user := f.login(t, testMobile)
	require.NotEmpty(t, token)
	assert.Equal(t, testMobile, user.MobileNumber)
	assert.Equal(t, "User 4567", user.Name)
	assert.Equal(t, models.RoleUser, user.Role)
	assert.NotEmpty(t, user.ID)

	claims, err := f.tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)

	stored, ok := f.ledger.Peek(testMobile)
	require.True(t, ok)
	assert.True(t, stored.Verified)
}

func TestValidateOTP_ReplayRejected(t *testing.T) {
	f := newFixture(t)
	f.login(t, testMobile)

	w := f.postJSON(t, "/v1/validateOTP", map[string]string{"mobile_number": testMobile, "otp": testCode}, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeAuthFailure(t, w)
	assert.Equal(t, "Invalid or expired OTP", resp.Message)
	assert.Nil(t, resp.AttemptsRemaining)
}

func TestValidateOTP_ReturningUserKeepsIdentity(t *testing.T) {
	f := newFixture(t)
	_, first := f.login(t, testMobile)
	f.clock.Advance(time.Minute)
	_, second := f.login(t, testMobile)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.users.Len())
}

func TestValidateOTP_MismatchCountdownAndLockout(t *testing.T) {
	f := newFixture(t)
	w := f.postJSON(t, "/v1/generateOTP", map[string]string{"mobile_number": testMobile}, "")
	require.Equal(t, http.StatusOK, w.Code)

	wrong := map[string]string{"mobile_number": testMobile, "otp": "000000"}

	for _, want := range []int{2, 1} {
		w = f.postJSON(t, "/v1/validateOTP", wrong, "")
		require.Equal(t, http.StatusBadRequest, w.Code)
		resp := decodeAuthFailure(t, w)
		assert.Equal(t, "Invalid OTP", resp.Message)
		require.NotNil(t, resp.AttemptsRemaining)
		assert.Equal(t, want, *resp.AttemptsRemaining)
	}

	w = f.postJSON(t, "/v1/validateOTP", wrong, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeAuthFailure(t, w)
	assert.Contains(t, resp.Message, "Too many failed attempts")
	require.NotNil(t, resp.AttemptsRemaining)
	assert.Equal(t, 0, *resp.AttemptsRemaining)

	_, ok := f.ledger.Peek(testMobile)
	assert.False(t, ok, "the challenge is gone after the third wrong code")

	// Even the right code is now rejected
	w = f.postJSON(t, "/v1/validateOTP", map[string]string{"mobile_number": testMobile, "otp": testCode}, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid or expired OTP", decodeAuthFailure(t, w).Message)
}

func TestValidateOTP_ExpiredMatchesNeverIssued(t *testing.T) {
	f := newFixture(t)
	w := f.postJSON(t, "/v1/generateOTP", map[string]string{"mobile_number": testMobile}, "")
	require.Equal(t, http.StatusOK, w.Code)

	f.clock.Advance(5*time.Minute + time.Second)
	expired := f.postJSON(t, "/v1/validateOTP", map[string]string{"mobile_number": testMobile, "otp": testCode}, "")
	never := f.postJSON(t, "/v1/validateOTP", map[string]string{"mobile_number": "+15557654321", "otp": testCode}, "")

	assert.Equal(t, http.StatusBadRequest, expired.Code)
	assert.Equal(t, never.Code, expired.Code)
	assert.JSONEq(t, never.Body.String(), expired.Body.String())
}

func TestValidateOTP_Validation(t *testing.T) {
	f := newFixture(t)
	w := f.postJSON(t, "/v1/generateOTP", map[string]string{"mobile_number": testMobile}, "")
	require.Equal(t, http.StatusOK, w.Code)

	tests := []struct {
		name  string
		body  map[string]string
		field string
	}{
		{"short code", map[string]string{"mobile_number": testMobile, "otp": "12345"}, "otp"},
		{"letters in code", map[string]string{"mobile_number": testMobile, "otp": "12a456"}, "otp"},
		{"missing code", map[string]string{"mobile_number": testMobile}, "otp"},
		{"bad mobile", map[string]string{"mobile_number": "abc", "otp": testCode}, "mobile_number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.postJSON(t, "/v1/validateOTP", tt.body, "")
			require.Equal(t, http.StatusBadRequest, w.Code)
			resp := decodeAuthFailure(t, w)
			assert.Equal(t, "Validation failed", resp.Message)
			assert.True(t, utils.HasFieldError(resp.Errors, tt.field), "errors: %+v", resp.Errors)
		})
	}

	stored, _ := f.ledger.Peek(testMobile)
	assert.Equal(t, 0, stored.Attempts)
}

func TestValidateOTP_InactiveUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.users.Create(t.Context(), &models.User{
		MobileNumber: testMobile,
		Name:         "Suspended",
		Role:         models.RoleUser,
		Status:       models.UserStatusSuspended,
	})
	require.NoError(t, err)

	w := f.postJSON(t, "/v1/generateOTP", map[string]string{"mobile_number": testMobile}, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = f.postJSON(t, "/v1/validateOTP", map[string]string{"mobile_number": testMobile, "otp": testCode}, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestValidateOTP_ConcurrentCorrectSubmissions(t *testing.T) {
	f := newFixture(t)
	w := f.postJSON(t, "/v1/generateOTP", map[string]string{"mobile_number": testMobile}, "")
	require.Equal(t, http.StatusOK, w.Code)

	const n = 20
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = f.postJSON(t, "/v1/validateOTP", map[string]string{"mobile_number": testMobile, "otp": testCode}, "").Code
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, c := range codes {
		if c == http.StatusOK {
			ok++
		} else {
			assert.Equal(t, http.StatusBadRequest, c)
		}
	}
	assert.Equal(t, 1, ok, "exactly one submission consumes the challenge")
	assert.Equal(t, 1, f.users.Len())
}

func TestPasswordLogin(t *testing.T) {
	f := newFixture(t)
	admin := f.adminToken(t)

	w := f.postJSON(t, "/v1/admin/users", map[string]string{
		"mobile_number": "+15552220000",
		"name":          "Clerk",
		"password":      "correct-horse",
	}, admin)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.postJSON(t, "/v1/auth/login", map[string]string{"mobile_number": "+15552220000", "password": "correct-horse"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp models.ValidateOTPResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Clerk", resp.User.Name)
	assert.NotEmpty(t, resp.Token)

	wrong := f.postJSON(t, "/v1/auth/login", map[string]string{"mobile_number": "+15552220000", "password": "wrong-horse"}, "")
	unknown := f.postJSON(t, "/v1/auth/login", map[string]string{"mobile_number": "+15559990000", "password": "correct-horse"}, "")
	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, wrong.Body.String(), unknown.Body.String(), "unknown numbers and wrong passwords look the same")

	w = f.postJSON(t, "/v1/auth/login", map[string]string{"mobile_number": "+15552220000"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPasswordLogin_RateLimited(t *testing.T) {
	f := newFixture(t)
	admin := f.adminToken(t)

	w := f.postJSON(t, "/v1/admin/users", map[string]string{
		"mobile_number": "+15552221111",
		"name":          "Clerk",
		"password":      "correct-horse",
	}, admin)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	for i := 0; i < loginAttempts; i++ {
		w = f.postJSON(t, "/v1/auth/login", map[string]string{"mobile_number": "+15552221111", "password": "wrong-horse"}, "")
		require.Equal(t, http.StatusUnauthorized, w.Code, "attempt %d", i+1)
	}

	w = f.postJSON(t, "/v1/auth/login", map[string]string{"mobile_number": "+15552221111", "password": "correct-horse"}, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "900", w.Header().Get("Retry-After"))
	failure := decodeAuthFailure(t, w)
	assert.False(t, failure.Success)
	assert.Equal(t, msgLoginRateLimited, failure.Message)

	// Other numbers keep their own quota
	w = f.postJSON(t, "/v1/auth/login", map[string]string{"mobile_number": "+15552222222", "password": "wrong-horse"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	f.clock.Advance(15*time.Minute + time.Second)
	w = f.postJSON(t, "/v1/auth/login", map[string]string{"mobile_number": "+15552221111", "password": "correct-horse"}, "")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{45 * time.Second, "45"},
		{44*time.Second + time.Millisecond, "45"},
		{0, "1"},
		{-time.Second, "1"},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
