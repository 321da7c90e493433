package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prefeitura-rio/app-dms/internal/config"
	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeMessageCreator struct {
	params *twilioApi.CreateMessageParams
	err    error
}

func (f *fakeMessageCreator) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestTwilioNotifier_Send(t *testing.T) {
	api := &fakeMessageCreator{}
	n := NewTwilioNotifierWithAPI(api, "+15550000000", logging.NewNop())

	receipt, err := n.Send(context.Background(), "15551234567", "123456")
	require.NoError(t, err)
	assert.Equal(t, ChannelSMS, receipt.Channel)
	assert.Equal(t, "SM123", receipt.MessageID)

	require.NotNil(t, api.params)
	assert.Equal(t, "+15551234567", *api.params.To)
	assert.Equal(t, "+15550000000", *api.params.From)
	assert.Equal(t, "Your Document Management System OTP is: 123456. Valid for 5 minutes.", *api.params.Body)
}

func TestTwilioNotifier_SendError(t *testing.T) {
	n := NewTwilioNotifierWithAPI(&fakeMessageCreator{err: errors.New("unreachable")}, "+1", logging.NewNop())

	_, err := n.Send(context.Background(), "+15551234567", "123456")
	assert.ErrorIs(t, err, models.ErrDeliveryFailed)
}

type memoryTokenCache struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
}

func newMemoryTokenCache() *memoryTokenCache {
	return &memoryTokenCache{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (c *memoryTokenCache) Get(ctx context.Context, key string) *redis.StringCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	if v, ok := c.values[key]; ok {
		cmd.SetVal(v)
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (c *memoryTokenCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value.(string)
	c.ttls[key] = expiration
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

type whatsAppServer struct {
	mu       sync.Mutex
	logins   int
	messages []whatsAppMessageRequest
	auth     []string
	status   int
}

func (s *whatsAppServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/login", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.logins++
		s.mu.Unlock()
		resp := whatsAppAuthResponse{}
		resp.Data.Item.Token = "api-token"
		resp.Data.Item.Expiration = time.Now().Add(time.Hour).UnixMilli()
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/callcenter/hsm/send/hsm-1", func(w http.ResponseWriter, r *http.Request) {
		var req whatsAppMessageRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.messages = append(s.messages, req)
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		status := s.status
		s.mu.Unlock()
		if status == 0 {
			status = http.StatusCreated
		}
		w.WriteHeader(status)
		if status != http.StatusCreated {
			_, _ = w.Write([]byte(`{"statusCode":400,"message":"invalid destination"}`))
		}
	})
	return mux
}

func TestWhatsAppNotifier_Send(t *testing.T) {
	backend := &whatsAppServer{}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	cache := newMemoryTokenCache()
	n := NewWhatsAppNotifier(WhatsAppConfig{
		BaseURL:      server.URL + "/",
		Username:     "user",
		Password:     "pass",
		HSMID:        "hsm-1",
		CostCenterID: 42,
		CampaignName: "dms-otp",
	}, server.Client(), cache, logging.NewNop())

	ctx := context.Background()
	receipt, err := n.Send(ctx, "+5521999999999", "654321")
	require.NoError(t, err)
	assert.Equal(t, ChannelWhatsApp, receipt.Channel)

	_, err = n.Send(ctx, "+5521999999999", "111111")
	require.NoError(t, err)

	assert.Equal(t, 1, backend.logins, "token should be cached after the first login")
	require.Len(t, backend.messages, 2)

	msg := backend.messages[0]
	assert.Equal(t, 42, msg.CostCenterID)
	assert.Equal(t, "dms-otp", msg.CampaignName)
	require.Len(t, msg.Destinations, 1)
	assert.Equal(t, "5521999999999", msg.Destinations[0].To)
	assert.Equal(t, "654321", msg.Destinations[0].Vars["COD"])
	assert.Equal(t, "Bearer api-token", backend.auth[0])

	assert.Greater(t, cache.ttls[whatsAppTokenKey], time.Duration(0))
	assert.Less(t, cache.ttls[whatsAppTokenKey], time.Hour)
}

func TestWhatsAppNotifier_Rejected(t *testing.T) {
	backend := &whatsAppServer{status: http.StatusBadRequest}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	n := NewWhatsAppNotifier(WhatsAppConfig{BaseURL: server.URL, HSMID: "hsm-1"}, server.Client(), nil, logging.NewNop())

	_, err := n.Send(context.Background(), "+5521999999999", "654321")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrDeliveryFailed)
	assert.Contains(t, err.Error(), "invalid destination")
}

func TestNewNotifier(t *testing.T) {
	twilioCfg := config.Config{TwilioAccountSID: "AC123", TwilioAuthToken: "secret", TwilioFromNumber: "+15550000000"}
	whatsAppCfg := config.Config{WhatsAppBaseURL: "https://example.invalid", WhatsAppHSMID: "hsm-1"}

	tests := []struct {
		name    string
		cfg     config.Config
		channel string
		want    string
	}{
		{"auto without credentials", config.Config{}, "", ""},
		{"auto with twilio", twilioCfg, "", ChannelSMS},
		{"auto ignores whatsapp", whatsAppCfg, "", ""},
		{"explicit twilio", twilioCfg, "twilio", ChannelSMS},
		{"explicit twilio missing credentials", config.Config{}, "twilio", ""},
		{"explicit whatsapp", whatsAppCfg, "whatsapp", ChannelWhatsApp},
		{"explicit whatsapp missing settings", config.Config{}, "whatsapp", ""},
		{"none", twilioCfg, "none", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.NotificationChannel = tt.channel
			n := NewNotifier(&cfg, nil, logging.NewNop())
			if tt.want == "" {
				assert.Nil(t, n)
				return
			}
			require.NotNil(t, n)
			assert.Equal(t, tt.want, n.Channel())
		})
	}
}
