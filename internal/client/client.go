package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/models"
	"github.com/prefeitura-rio/app-dms/internal/observability"
	"github.com/prefeitura-rio/app-dms/internal/utils/httpclient"
	"go.uber.org/zap"
)

// ErrNotLoggedIn is returned by calls that need a session when there is none
var ErrNotLoggedIn = errors.New("not logged in")

// APIError is a non-2xx answer from the service
type APIError struct {
	StatusCode        int
	Message           string
	AttemptsRemaining *int
	RetryAfter        time.Duration
	Errors            []models.FieldError
}

func (e *APIError) Error() string {
	return fmt.Sprintf("app-dms: %d %s", e.StatusCode, e.Message)
}

// IsRateLimited reports whether the request was rejected by the OTP quota
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Client talks to the service on behalf of one user. Requests are never retried.
type Client struct {
	baseURL string
	http    *http.Client
	store   SessionStore
	logger  *logging.SafeLogger

	mu      sync.RWMutex
	session *Session
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSessionStore persists the session on login and removes it on logout
func WithSessionStore(store SessionStore) Option {
	return func(c *Client) { c.store = store }
}

// WithLogger sets the client logger
func WithLogger(logger *logging.SafeLogger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for baseURL (e.g. "http://localhost:8080/v1") starting from
// session, which may be nil
func New(baseURL string, session *Session, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpclient.Shared(),
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if session != nil {
		s := *session
		c.session = &s
	}
	return c
}

// Session returns a copy of the current session, or nil
func (c *Client) Session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

func (c *Client) setSession(session *Session) error {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	if session == nil {
		return c.store.Clear()
	}
	return c.store.Save(session)
}

func (c *Client) token() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil || c.session.Token == "" {
		return "", ErrNotLoggedIn
	}
	return c.session.Token, nil
}

// GenerateOTP asks for a code for mobile. OTP in the response is only set when the service
// could not deliver the code.
func (c *Client) GenerateOTP(ctx context.Context, mobile string) (*models.GenerateOTPResponse, error) {
	var resp models.GenerateOTPResponse
	if err := c.do(ctx, http.MethodPost, "/generateOTP", "", models.GenerateOTPRequest{MobileNumber: mobile}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ValidateOTP submits code and, on success, stores and returns the new session
func (c *Client) ValidateOTP(ctx context.Context, mobile, code string) (*Session, error) {
	var resp models.ValidateOTPResponse
	if err := c.do(ctx, http.MethodPost, "/validateOTP", "", models.ValidateOTPRequest{MobileNumber: mobile, OTP: code}, &resp); err != nil {
		return nil, err
	}

	session := &Session{
		Token:        resp.Token,
		UserID:       resp.User.ID,
		MobileNumber: resp.User.MobileNumber,
		Name:         resp.User.Name,
		Role:         resp.User.Role,
	}
	if err := c.setSession(session); err != nil {
		return nil, err
	}
	c.logger.Info("logged in", zap.String("mobile_number", observability.MaskMobile(session.MobileNumber)))
	return c.Session(), nil
}

// SearchDocuments runs a document search with the current session
func (c *Client) SearchDocuments(ctx context.Context, req models.SearchDocumentRequest) (*models.SearchDocumentResponse, error) {
	token, err := c.token()
	if err != nil {
		return nil, err
	}
	var resp models.SearchDocumentResponse
	if err := c.do(ctx, http.MethodPost, "/searchDocumentEntry", token, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DocumentTags returns tag suggestions starting with term
func (c *Client) DocumentTags(ctx context.Context, term string) ([]models.Tag, error) {
	token, err := c.token()
	if err != nil {
		return nil, err
	}
	var resp models.DocumentTagsResponse
	if err := c.do(ctx, http.MethodPost, "/documentTags", token, models.DocumentTagsRequest{Term: term}, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Logout forgets the session. Tokens are stateless, so the service is not called.
func (c *Client) Logout() error {
	return c.setSession(nil)
}

// do sends body as JSON and decodes a 2xx answer into out. A 401 on an authenticated
// call drops the session.
func (c *Client) do(ctx context.Context, method, path, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("token", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeAPIError(resp, raw)
		if token != "" && resp.StatusCode == http.StatusUnauthorized {
			c.logger.Warn("session rejected, logging out", zap.String("path", path))
			if err := c.setSession(nil); err != nil {
				c.logger.Warn("failed to clear rejected session", zap.Error(err))
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response, raw []byte) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	var payload models.AuthFailureResponse
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Message != "" {
			apiErr.Message = payload.Message
		}
		apiErr.AttemptsRemaining = payload.AttemptsRemaining
		apiErr.Errors = payload.Errors
	}

	if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
		apiErr.RetryAfter = time.Duration(seconds) * time.Second
	}
	return apiErr
}
