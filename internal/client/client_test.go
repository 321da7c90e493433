package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prefeitura-rio/app-dms/internal/handlers"
	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/models"
	"github.com/prefeitura-rio/app-dms/internal/services"
	"github.com/prefeitura-rio/app-dms/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMobile = "+15551234567"
	testCode   = "654321"
)

func init() {
	gin.SetMode(gin.TestMode)
	if err := utils.RegisterValidators(); err != nil {
		panic(err)
	}
}

// staticDocuments answers searches with a fixed document owned by whoever asks
type staticDocuments struct{}

func (staticDocuments) MaxUploadSize() int64 { return 1 << 20 }

func (staticDocuments) Upload(ctx context.Context, in services.UploadInput) (*models.Document, error) {
	return nil, errors.New("not supported")
}

func (staticDocuments) Search(ctx context.Context, req models.SearchDocumentRequest, claims *models.SessionClaims) ([]models.Document, int64, error) {
	return []models.Document{{OriginalName: "report.pdf", MajorHead: req.MajorHead}}, 1, nil
}

func (staticDocuments) Tags(ctx context.Context, term string, claims *models.SessionClaims) ([]models.Tag, error) {
	return services.FilterTags([]string{"invoice", "insurance", "tax"}, term), nil
}

func (staticDocuments) Download(ctx context.Context, id string, claims *models.SessionClaims) (*models.Document, io.ReadCloser, error) {
	return nil, nil, models.ErrDocumentNotFound
}

type testServer struct {
	url    string
	clock  *services.ManualClock
	tokens *services.TokenService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := logging.NewNop()
	clock := services.NewManualClock(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	ledger := services.NewMemoryOTPLedger(models.OTPDefaultTTL, clock, logger).
		WithCodeGenerator(func() (string, error) { return testCode, nil })
	users := services.NewMemoryUserStore(clock)
	tokens, err := services.NewTokenService("client-test-secret", "app-dms", time.Hour, clock, logger)
	require.NoError(t, err)
	limiter := services.NewMemoryRateLimiter(3, time.Minute, clock, logger)
	auth := services.NewAuthService(ledger, users, tokens, limiter, nil, logger)

	router := handlers.NewRouter(handlers.RouterConfig{
		Logger:    logger,
		Tokens:    tokens,
		Auth:      handlers.NewAuthHandlers(logger, auth, nil),
		Documents: handlers.NewDocumentHandlers(logger, staticDocuments{}),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{url: srv.URL + "/v1", clock: clock, tokens: tokens}
}

func TestClient_LoginFlow(t *testing.T) {
	srv := newTestServer(t)
	store := NewFileSessionStore(filepath.Join(t.TempDir(), "session.json"))
	ctx := context.Background()

	c := New(srv.url, nil, WithSessionStore(store), WithHTTPClient(http.DefaultClient))
	assert.Nil(t, c.Session())

	_, err := c.SearchDocuments(ctx, models.SearchDocumentRequest{})
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	otp, err := c.GenerateOTP(ctx, testMobile)
	require.NoError(t, err)
	require.NotNil(t, otp.OTP, "without a channel the code comes back inline")
	assert.Equal(t, 300, otp.ExpiresIn)

	session, err := c.ValidateOTP(ctx, testMobile, *otp.OTP)
	require.NoError(t, err)
	assert.Equal(t, testMobile, session.MobileNumber)
	assert.Equal(t, models.RoleUser, session.Role)
	assert.NotEmpty(t, session.Token)

	stored, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, session, stored)

	// A second client resumes from the stored session
	restored := New(srv.url, stored)
	docs, err := restored.SearchDocuments(ctx, models.SearchDocumentRequest{MajorHead: "Personal"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), docs.RecordsTotal)
	assert.Equal(t, "Personal", docs.Data[0].MajorHead)

	tags, err := c.DocumentTags(ctx, "IN")
	require.NoError(t, err)
	assert.Equal(t, []models.Tag{{TagName: "insurance"}, {TagName: "invoice"}}, tags)

	require.NoError(t, c.Logout())
	assert.Nil(t, c.Session())
	stored, err = store.Load()
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestClient_WrongCodeReportsAttempts(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.url, nil)
	ctx := context.Background()

	_, err := c.GenerateOTP(ctx, testMobile)
	require.NoError(t, err)

	_, err = c.ValidateOTP(ctx, testMobile, "000000")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "Invalid OTP", apiErr.Message)
	require.NotNil(t, apiErr.AttemptsRemaining)
	assert.Equal(t, 2, *apiErr.AttemptsRemaining)
	assert.Nil(t, c.Session())
}

func TestClient_RateLimited(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.url, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.GenerateOTP(ctx, testMobile)
		require.NoError(t, err)
	}
	srv.clock.Advance(20 * time.Second)

	_, err := c.GenerateOTP(ctx, testMobile)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsRateLimited())
	assert.Equal(t, 40*time.Second, apiErr.RetryAfter)
}

func TestClient_ValidationErrors(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.url, nil)

	_, err := c.GenerateOTP(context.Background(), "not-a-number")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Validation failed", apiErr.Message)
	assert.True(t, utils.HasFieldError(apiErr.Errors, "mobile_number"))
}

func TestClient_ExpiredSessionIsDropped(t *testing.T) {
	srv := newTestServer(t)
	store := &MemorySessionStore{}

	user := &models.User{MobileNumber: testMobile, Role: models.RoleUser}
	token, _, err := srv.tokens.Issue(user)
	require.NoError(t, err)
	session := &Session{Token: token, MobileNumber: testMobile}
	require.NoError(t, store.Save(session))

	c := New(srv.url, session, WithSessionStore(store))
	srv.clock.Advance(2 * time.Hour)

	_, err = c.DocumentTags(context.Background(), "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Nil(t, c.Session())

	stored, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestClient_TransportError(t *testing.T) {
	c := New("http://127.0.0.1:1/v1", nil, WithHTTPClient(&http.Client{Timeout: time.Second}))
	_, err := c.GenerateOTP(context.Background(), testMobile)
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}
