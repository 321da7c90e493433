package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values
type Config struct {
	// Server configuration
	Port        int      `json:"port"`
	Environment string   `json:"environment"`
	CORSOrigins []string `json:"cors_origins"`

	// MongoDB configuration
	MongoURI      string `json:"mongo_uri"`
	MongoDatabase string `json:"mongo_database"`

	// Redis configuration
	RedisURI      string `json:"redis_uri"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	// Collection names
	OTPCollection      string `json:"mongo_otp_collection"`
	UserCollection     string `json:"mongo_user_collection"`
	DocumentCollection string `json:"mongo_document_collection"`
	DocumentBucket     string `json:"mongo_document_bucket"`

	// OTP configuration
	OTPTTL             time.Duration `json:"otp_ttl"`
	OTPRateLimitWindow time.Duration `json:"otp_rate_limit_window"`
	OTPRateLimitMax    int           `json:"otp_rate_limit_max"`

	// Password login throttling, per mobile number
	LoginRateLimitWindow time.Duration `json:"login_rate_limit_window"`
	LoginRateLimitMax    int           `json:"login_rate_limit_max"`

	// Session token configuration
	JWTSecret    string        `json:"-"`
	JWTExpiresIn time.Duration `json:"jwt_expires_in"`
	JWTIssuer    string        `json:"jwt_issuer"`

	// Notification channel configuration
	NotificationChannel string `json:"notification_channel"`
	TwilioAccountSID    string `json:"-"`
	TwilioAuthToken     string `json:"-"`
	TwilioFromNumber    string `json:"twilio_from_number"`
	WhatsAppBaseURL     string `json:"whatsapp_base_url"`
	WhatsAppUsername    string `json:"-"`
	WhatsAppPassword    string `json:"-"`
	WhatsAppHSMID       string `json:"whatsapp_hsm_id"`
	WhatsAppCostCenter  int    `json:"whatsapp_cost_center_id"`
	WhatsAppCampaign    string `json:"whatsapp_campaign_name"`

	// Documents
	MaxUploadSize int64 `json:"max_upload_size"`

	// Tracing
	TracingEnabled     bool    `json:"tracing_enabled"`
	TracingEndpoint    string  `json:"tracing_endpoint"`
	TracingSampleRatio float64 `json:"tracing_sample_ratio"`
}

var (
	AppConfig *Config
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("CORS_ORIGINS", "*")

	v.SetDefault("MONGODB_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGODB_DATABASE", "dms")
	v.SetDefault("MONGODB_OTP_COLLECTION", "otps")
	v.SetDefault("MONGODB_USER_COLLECTION", "users")
	v.SetDefault("MONGODB_DOCUMENT_COLLECTION", "documents")
	v.SetDefault("MONGODB_DOCUMENT_BUCKET", "documents")

	v.SetDefault("REDIS_URI", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("OTP_TTL", "5m")
	v.SetDefault("OTP_RATE_LIMIT_WINDOW", "60")
	v.SetDefault("OTP_RATE_LIMIT_MAX", 3)

	v.SetDefault("LOGIN_RATE_LIMIT_WINDOW", "15m")
	v.SetDefault("LOGIN_RATE_LIMIT_MAX", 5)

	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_EXPIRES_IN", "7d")
	v.SetDefault("JWT_ISSUER", "app-dms")

	v.SetDefault("NOTIFICATION_CHANNEL", "")
	v.SetDefault("WHATSAPP_COST_CENTER_ID", 0)
	v.SetDefault("WHATSAPP_CAMPAIGN_NAME", "dms-otp")

	v.SetDefault("MAX_UPLOAD_SIZE", 10<<20)

	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACING_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACING_SAMPLE_RATIO", 1.0)
}

// LoadConfig loads configuration from environment variables
func LoadConfig() error {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg, err := fromViper(v)
	if err != nil {
		return err
	}

	AppConfig = cfg
	return nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	otpTTL, err := ParseDuration(v.GetString("OTP_TTL"))
	if err != nil {
		return nil, fmt.Errorf("invalid OTP_TTL: %w", err)
	}

	// Window is seconds in the original deployment; a Go duration is accepted too
	window, err := parseSecondsOrDuration(v.GetString("OTP_RATE_LIMIT_WINDOW"))
	if err != nil {
		return nil, fmt.Errorf("invalid OTP_RATE_LIMIT_WINDOW: %w", err)
	}

	rateMax := v.GetInt("OTP_RATE_LIMIT_MAX")
	if rateMax <= 0 {
		return nil, fmt.Errorf("invalid OTP_RATE_LIMIT_MAX: must be positive")
	}

	loginWindow, err := parseSecondsOrDuration(v.GetString("LOGIN_RATE_LIMIT_WINDOW"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOGIN_RATE_LIMIT_WINDOW: %w", err)
	}

	loginMax := v.GetInt("LOGIN_RATE_LIMIT_MAX")
	if loginMax <= 0 {
		return nil, fmt.Errorf("invalid LOGIN_RATE_LIMIT_MAX: must be positive")
	}

	sampleRatio := v.GetFloat64("TRACING_SAMPLE_RATIO")
	if sampleRatio < 0 || sampleRatio > 1 {
		return nil, fmt.Errorf("invalid TRACING_SAMPLE_RATIO: must be between 0 and 1")
	}

	jwtExpires, err := ParseDuration(v.GetString("JWT_EXPIRES_IN"))
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_EXPIRES_IN: %w", err)
	}

	environment := v.GetString("ENVIRONMENT")
	secret := v.GetString("JWT_SECRET")
	if secret == "" && environment == "production" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required in production")
	}

	channel := strings.ToLower(v.GetString("NOTIFICATION_CHANNEL"))
	switch channel {
	case "", "twilio", "whatsapp", "none":
	default:
		return nil, fmt.Errorf("invalid NOTIFICATION_CHANNEL: %q", channel)
	}

	return &Config{
		// Server configuration
		Port:        v.GetInt("PORT"),
		Environment: environment,
		CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),

		// MongoDB configuration
		MongoURI:      v.GetString("MONGODB_URI"),
		MongoDatabase: v.GetString("MONGODB_DATABASE"),

		// Redis configuration
		RedisURI:      v.GetString("REDIS_URI"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),

		// Collection names
		OTPCollection:      v.GetString("MONGODB_OTP_COLLECTION"),
		UserCollection:     v.GetString("MONGODB_USER_COLLECTION"),
		DocumentCollection: v.GetString("MONGODB_DOCUMENT_COLLECTION"),
		DocumentBucket:     v.GetString("MONGODB_DOCUMENT_BUCKET"),

		// OTP configuration
		OTPTTL:             otpTTL,
		OTPRateLimitWindow: window,
		OTPRateLimitMax:    rateMax,

		// Password login throttling
		LoginRateLimitWindow: loginWindow,
		LoginRateLimitMax:    loginMax,

		// Session token configuration
		JWTSecret:    secret,
		JWTExpiresIn: jwtExpires,
		JWTIssuer:    v.GetString("JWT_ISSUER"),

		// Notification channel configuration
		NotificationChannel: channel,
		TwilioAccountSID:    v.GetString("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:     v.GetString("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:    v.GetString("TWILIO_FROM_NUMBER"),
		WhatsAppBaseURL:     v.GetString("WHATSAPP_API_BASE_URL"),
		WhatsAppUsername:    v.GetString("WHATSAPP_API_USERNAME"),
		WhatsAppPassword:    v.GetString("WHATSAPP_API_PASSWORD"),
		WhatsAppHSMID:       v.GetString("WHATSAPP_HSM_ID"),
		WhatsAppCostCenter:  v.GetInt("WHATSAPP_COST_CENTER_ID"),
		WhatsAppCampaign:    v.GetString("WHATSAPP_CAMPAIGN_NAME"),

		// Documents
		MaxUploadSize: v.GetInt64("MAX_UPLOAD_SIZE"),

		// Tracing
		TracingEnabled:     v.GetBool("TRACING_ENABLED"),
		TracingEndpoint:    v.GetString("TRACING_ENDPOINT"),
		TracingSampleRatio: sampleRatio,
	}, nil
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseDuration extends time.ParseDuration with a day suffix ("7d", "1d12h").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	var days time.Duration
	if i := strings.Index(s, "d"); i > 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid day count in %q", s)
		}
		days = time.Duration(n) * 24 * time.Hour
		s = s[i+1:]
		if s == "" {
			return days, nil
		}
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return days + d, nil
}

func parseSecondsOrDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("must be positive")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
