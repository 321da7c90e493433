package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prefeitura-rio/app-dms/internal/config"
	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/models"
	"github.com/prefeitura-rio/app-dms/internal/observability"
	"github.com/prefeitura-rio/app-dms/internal/utils"
	"github.com/prefeitura-rio/app-dms/internal/utils/httpclient"
	"github.com/redis/go-redis/v9"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// Delivery channel names, also used as metric labels
const (
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
	ChannelFallback = "fallback"
)

// DeliveryReceipt identifies a message accepted by a channel
type DeliveryReceipt struct {
	Channel   string
	MessageID string
}

// Notifier delivers an OTP code to a mobile number
type Notifier interface {
	Send(ctx context.Context, mobile, code string) (*DeliveryReceipt, error)
	Channel() string
}

// OTPMessage renders the SMS body for code
func OTPMessage(code string) string {
	return fmt.Sprintf("Your Document Management System OTP is: %s. Valid for 5 minutes.", code)
}

// MessageCreator is the part of the Twilio REST API the notifier uses
type MessageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioNotifier sends OTPs as SMS through Twilio
type TwilioNotifier struct {
	api    MessageCreator
	from   string
	logger *logging.SafeLogger
}

// NewTwilioNotifier creates a notifier over the Twilio REST client
func NewTwilioNotifier(accountSID, authToken, from string, logger *logging.SafeLogger) *TwilioNotifier {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return NewTwilioNotifierWithAPI(client.Api, from, logger)
}

// NewTwilioNotifierWithAPI creates a notifier over an existing message API
func NewTwilioNotifierWithAPI(api MessageCreator, from string, logger *logging.SafeLogger) *TwilioNotifier {
	return &TwilioNotifier{api: api, from: from, logger: logger.Named("twilio")}
}

func (n *TwilioNotifier) Channel() string { return ChannelSMS }

func (n *TwilioNotifier) Send(ctx context.Context, mobile, code string) (*DeliveryReceipt, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(utils.FormatE164(mobile))
	params.SetFrom(n.from)
	params.SetBody(OTPMessage(code))

	resp, err := n.api.CreateMessage(params)
	if err != nil {
		n.logger.Error("twilio send failed",
			zap.String("mobile_number", observability.MaskMobile(mobile)),
			zap.Error(err))
		return nil, fmt.Errorf("%w: twilio: %w", models.ErrDeliveryFailed, err)
	}

	receipt := &DeliveryReceipt{Channel: ChannelSMS}
	if resp != nil && resp.Sid != nil {
		receipt.MessageID = *resp.Sid
	}
	n.logger.Info("OTP sent via SMS",
		zap.String("mobile_number", observability.MaskMobile(mobile)),
		zap.String("message_sid", receipt.MessageID))
	return receipt, nil
}

// TokenCache is the part of the Redis client the WhatsApp notifier uses
type TokenCache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

const whatsAppTokenKey = "whatsapp:token"

type whatsAppAuthResponse struct {
	Data struct {
		Item struct {
			Token      string `json:"token"`
			Expiration int64  `json:"expiration"`
		} `json:"item"`
	} `json:"data"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

type whatsAppDestination struct {
	To   string                 `json:"to"`
	Vars map[string]interface{} `json:"vars"`
}

type whatsAppMessageRequest struct {
	CostCenterID int                   `json:"costCenterId"`
	CampaignName string                `json:"campaignName"`
	Destinations []whatsAppDestination `json:"destinations"`
}

type whatsAppErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

// WhatsAppConfig holds the HSM campaign API settings
type WhatsAppConfig struct {
	BaseURL      string
	Username     string
	Password     string
	HSMID        string
	CostCenterID int
	CampaignName string
}

// WhatsAppNotifier sends OTPs as an HSM template message. The code is passed in the
// template's COD variable.
type WhatsAppNotifier struct {
	cfg    WhatsAppConfig
	http   *http.Client
	cache  TokenCache
	clock  Clock
	logger *logging.SafeLogger
}

// NewWhatsAppNotifier creates a notifier. A nil httpClient means the shared pool; cache may be nil, in which case every send logs in.
func NewWhatsAppNotifier(cfg WhatsAppConfig, httpClient *http.Client, cache TokenCache, logger *logging.SafeLogger) *WhatsAppNotifier {
	if httpClient == nil {
		httpClient = httpclient.Shared()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &WhatsAppNotifier{
		cfg:    cfg,
		http:   httpClient,
		cache:  cache,
		clock:  SystemClock(),
		logger: logger.Named("whatsapp"),
	}
}

func (n *WhatsAppNotifier) Channel() string { return ChannelWhatsApp }

// authToken returns a cached API token or logs in for a new one
func (n *WhatsAppNotifier) authToken(ctx context.Context) (string, error) {
	if n.cache != nil {
		if token, err := n.cache.Get(ctx, whatsAppTokenKey).Result(); err == nil && token != "" {
			return token, nil
		}
	}

	body, err := json.Marshal(map[string]string{
		"username": n.cfg.Username,
		"password": n.cfg.Password,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.BaseURL+"/users/login", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth request failed with status: %d", resp.StatusCode)
	}

	var authResp whatsAppAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return "", fmt.Errorf("failed to decode auth response: %w", err)
	}
	token := authResp.Data.Item.Token
	if token == "" {
		return "", errors.New("auth response carried no token")
	}

	if n.cache != nil {
		// Cache for one minute less than the token lives
		expiresAt := time.UnixMilli(authResp.Data.Item.Expiration)
		if ttl := expiresAt.Sub(n.clock.Now()) - time.Minute; ttl > 0 {
			if err := n.cache.Set(ctx, whatsAppTokenKey, token, ttl).Err(); err != nil {
				n.logger.Warn("failed to cache WhatsApp token", zap.Error(err))
			}
		}
	}
	return token, nil
}

func (n *WhatsAppNotifier) Send(ctx context.Context, mobile, code string) (*DeliveryReceipt, error) {
	logger := n.logger.With(zap.String("mobile_number", observability.MaskMobile(mobile)))

	token, err := n.authToken(ctx)
	if err != nil {
		logger.Error("failed to get WhatsApp auth token", zap.Error(err))
		return nil, fmt.Errorf("%w: whatsapp: %w", models.ErrDeliveryFailed, err)
	}

	body, err := json.Marshal(whatsAppMessageRequest{
		CostCenterID: n.cfg.CostCenterID,
		CampaignName: n.cfg.CampaignName,
		Destinations: []whatsAppDestination{{
			To:   utils.DigitsOnly(mobile),
			Vars: map[string]interface{}{"COD": code},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: whatsapp: %w", models.ErrDeliveryFailed, err)
	}

	url := fmt.Sprintf("%s/callcenter/hsm/send/%s", n.cfg.BaseURL, n.cfg.HSMID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: whatsapp: %w", models.ErrDeliveryFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		logger.Error("failed to send WhatsApp message", zap.Error(err))
		return nil, fmt.Errorf("%w: whatsapp: %w", models.ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var errResp whatsAppErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Message != "" {
			logger.Error("WhatsApp message rejected",
				zap.Int("status_code", resp.StatusCode),
				zap.String("error_message", errResp.Message))
			return nil, fmt.Errorf("%w: whatsapp: %s", models.ErrDeliveryFailed, errResp.Message)
		}
		logger.Error("WhatsApp message rejected", zap.Int("status_code", resp.StatusCode))
		return nil, fmt.Errorf("%w: whatsapp: status %d", models.ErrDeliveryFailed, resp.StatusCode)
	}

	logger.Info("OTP sent via WhatsApp")
	return &DeliveryReceipt{Channel: ChannelWhatsApp}, nil
}

// NewNotifier selects the delivery channel from configuration. A nil Notifier means no
// channel is configured and codes are returned inline.
func NewNotifier(cfg *config.Config, cache TokenCache, logger *logging.SafeLogger) Notifier {
	twilioReady := cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != ""
	whatsAppReady := cfg.WhatsAppBaseURL != "" && cfg.WhatsAppHSMID != ""

	whatsApp := func() Notifier {
		return NewWhatsAppNotifier(WhatsAppConfig{
			BaseURL:      cfg.WhatsAppBaseURL,
			Username:     cfg.WhatsAppUsername,
			Password:     cfg.WhatsAppPassword,
			HSMID:        cfg.WhatsAppHSMID,
			CostCenterID: cfg.WhatsAppCostCenter,
			CampaignName: cfg.WhatsAppCampaign,
		}, nil, cache, logger)
	}

	switch cfg.NotificationChannel {
	case "none":
		return nil
	case "twilio":
		if !twilioReady {
			logger.Warn("NOTIFICATION_CHANNEL=twilio but Twilio credentials are missing, OTPs will be returned inline")
			return nil
		}
		return NewTwilioNotifier(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, logger)
	case "whatsapp":
		if !whatsAppReady {
			logger.Warn("NOTIFICATION_CHANNEL=whatsapp but WhatsApp settings are missing, OTPs will be returned inline")
			return nil
		}
		return whatsApp()
	}

	if twilioReady {
		return NewTwilioNotifier(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, logger)
	}
	return nil
}
