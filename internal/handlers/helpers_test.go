package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/models"
	"github.com/prefeitura-rio/app-dms/internal/services"
	"github.com/prefeitura-rio/app-dms/internal/utils"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/crypto/bcrypt"
)

const (
	testMobile = "+15551234567"
	testCode   = "123456"
)

func init() {
	gin.SetMode(gin.TestMode)
	if err := utils.RegisterValidators(); err != nil {
		panic(err)
	}
}

type stubNotifier struct {
	mu   sync.Mutex
	sent map[string]string
	err  error
}

func (n *stubNotifier) Channel() string { return services.ChannelSMS }

func (n *stubNotifier) Send(ctx context.Context, mobile, code string) (*services.DeliveryReceipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return nil, n.err
	}
	if n.sent == nil {
		n.sent = map[string]string{}
	}
	n.sent[mobile] = code
	return &services.DeliveryReceipt{Channel: services.ChannelSMS, MessageID: "SM1"}, nil
}

// fakeDocuments keeps documents in memory with the same ownership rules as DocumentService
type fakeDocuments struct {
	mu      sync.Mutex
	maxSize int64
	docs    map[string]*models.Document
	content map[string][]byte
	err     error
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{maxSize: 1 << 10, docs: map[string]*models.Document{}, content: map[string][]byte{}}
}

func (f *fakeDocuments) MaxUploadSize() int64 { return f.maxSize }

func (f *fakeDocuments) Upload(ctx context.Context, in services.UploadInput) (*models.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	owner, err := primitive.ObjectIDFromHex(in.OwnerID)
	if err != nil {
		return nil, models.ErrInvalidToken
	}
	content, err := io.ReadAll(io.LimitReader(in.Content, f.maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > f.maxSize {
		return nil, models.ErrFileTooLarge
	}
	mimeType, err := services.DetectDocumentType(content)
	if err != nil {
		return nil, err
	}
	date, err := services.ParseDocumentDate(in.Data.DocumentDate)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	doc := &models.Document{
		ID:           primitive.NewObjectID(),
		Filename:     "stored" + models.AllowedDocumentTypes[mimeType],
		OriginalName: in.OriginalName,
		FileSize:     int64(len(content)),
		MimeType:     mimeType,
		MajorHead:    in.Data.MajorHead,
		MinorHead:    in.Data.MinorHead,
		DocumentDate: date,
		Tags:         models.NormalizeTags(in.Data.Tags),
		UploadedBy:   owner,
		UploadDate:   time.Now(),
	}
	f.docs[doc.ID.Hex()] = doc
	f.content[doc.ID.Hex()] = content
	return doc, nil
}

func (f *fakeDocuments) Search(ctx context.Context, req models.SearchDocumentRequest, claims *models.SessionClaims) ([]models.Document, int64, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	if claims.IsAdmin() && req.UploadedBy != "" && !primitive.IsValidObjectID(req.UploadedBy) {
		return nil, 0, models.ErrInvalidFilter
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Document
	for _, d := range f.docs {
		if !claims.IsAdmin() && d.UploadedBy.Hex() != claims.UserID {
			continue
		}
		if req.MajorHead != "" && d.MajorHead != req.MajorHead {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() < out[j].ID.Hex() })
	return out, int64(len(out)), nil
}

func (f *fakeDocuments) Tags(ctx context.Context, term string, claims *models.SessionClaims) ([]models.Tag, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, d := range f.docs {
		if !claims.IsAdmin() && d.UploadedBy.Hex() != claims.UserID {
			continue
		}
		for _, t := range d.Tags {
			names = append(names, t.TagName)
		}
	}
	return services.FilterTags(names, term), nil
}

func (f *fakeDocuments) Download(ctx context.Context, id string, claims *models.SessionClaims) (*models.Document, io.ReadCloser, error) {
	if _, err := primitive.ObjectIDFromHex(id); err != nil {
		return nil, nil, models.ErrInvalidDocumentID
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, nil, models.ErrDocumentNotFound
	}
	if !claims.IsAdmin() && doc.UploadedBy.Hex() != claims.UserID {
		return nil, nil, models.ErrForbidden
	}
	return doc, io.NopCloser(bytes.NewReader(f.content[id])), nil
}

// loginAttempts is the password login quota per number in the fixture
const loginAttempts = 5

type fixture struct {
	router   *gin.Engine
	clock    *services.ManualClock
	ledger   *services.MemoryOTPLedger
	users    *services.MemoryUserStore
	tokens   *services.TokenService
	accounts *services.AccountService
	docs     *fakeDocuments
}

type fixtureOption func(*fixtureOptions)

type fixtureOptions struct {
	notifier services.Notifier
	health   *HealthHandlers
}

func withNotifier(n services.Notifier) fixtureOption {
	return func(o *fixtureOptions) { o.notifier = n }
}

func withHealth(h *HealthHandlers) fixtureOption {
	return func(o *fixtureOptions) { o.health = h }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	var o fixtureOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := logging.NewNop()
	clock := services.NewManualClock(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	ledger := services.NewMemoryOTPLedger(models.OTPDefaultTTL, clock, logger).
		WithCodeGenerator(func() (string, error) { return testCode, nil })
	users := services.NewMemoryUserStore(clock)
	tokens, err := services.NewTokenService("handler-test-secret", "app-dms", time.Hour, clock, logger)
	require.NoError(t, err)
	limiter := services.NewMemoryRateLimiter(3, time.Minute, clock, logger)
	accounts := services.NewAccountService(users, tokens, logger).
		WithHashCost(bcrypt.MinCost).
		WithLoginLimiter(services.NewMemoryRateLimiter(loginAttempts, 15*time.Minute, clock, logger))
	docs := newFakeDocuments()

	auth := services.NewAuthService(ledger, users, tokens, limiter, o.notifier, logger)

	router := NewRouter(RouterConfig{
		Logger:      logger,
		Tokens:      tokens,
		Auth:        NewAuthHandlers(logger, auth, accounts),
		Documents:   NewDocumentHandlers(logger, docs),
		Admin:       NewAdminHandlers(logger, accounts),
		Health:      o.health,
		CORSOrigins: []string{"*"},
	})

	return &fixture{
		router:   router,
		clock:    clock,
		ledger:   ledger,
		users:    users,
		tokens:   tokens,
		accounts: accounts,
		docs:     docs,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) postJSON(t *testing.T, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return f.do(t, http.MethodPost, path, string(raw), headers)
}

// login runs the OTP flow for mobile and returns the session token
func (f *fixture) login(t *testing.T, mobile string) (string, models.UserProjection) {
	t.Helper()
	w := f.postJSON(t, "/v1/generateOTP", map[string]string{"mobile_number": mobile}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.postJSON(t, "/v1/validateOTP", map[string]string{"mobile_number": mobile, "otp": testCode}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.ValidateOTPResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Token, resp.User
}

// adminToken creates an admin account directly in the store and issues a token for it
func (f *fixture) adminToken(t *testing.T) string {
	t.Helper()
	admin, err := f.users.Create(context.Background(), &models.User{
		MobileNumber: "+15550000001",
		Name:         "Admin",
		Role:         models.RoleAdmin,
		Status:       models.UserStatusActive,
	})
	require.NoError(t, err)
	token, _, err := f.tokens.Issue(admin)
	require.NoError(t, err)
	return token
}

func decodeAuthFailure(t *testing.T, w *httptest.ResponseRecorder) models.AuthFailureResponse {
	t.Helper()
	var resp models.AuthFailureResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}
