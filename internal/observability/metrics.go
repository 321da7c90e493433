package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks request duration
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "app_dms_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds",
		},
		[]string{"path", "method", "status"},
	)

	// ActiveConnections tracks active connections
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_dms_active_connections",
			Help: "Number of active connections",
		},
	)

	// DatabaseOperations tracks database operations
	DatabaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_dms_database_operations_total",
			Help: "Number of database operations",
		},
		[]string{"operation", "status"},
	)

	// OTPIssued tracks issued challenges by delivery path (sms, whatsapp, fallback)
	OTPIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_dms_otp_issued_total",
			Help: "Number of OTP challenges issued",
		},
		[]string{"delivery", "region"},
	)

	// OTPVerifications tracks verification outcomes. Not-found reasons stay separate
	// here even though clients only ever see one message for them.
	OTPVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_dms_otp_verifications_total",
			Help: "Number of OTP verification attempts by outcome",
		},
		[]string{"outcome"},
	)

	// OTPRateLimited tracks issuance requests rejected by the per-number quota
	OTPRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "app_dms_otp_rate_limited_total",
			Help: "Number of OTP requests rejected by rate limiting",
		},
	)

	// LoginRateLimited tracks password logins rejected by the per-number quota
	LoginRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "app_dms_login_rate_limited_total",
			Help: "Number of password logins rejected by rate limiting",
		},
	)

	// RateLimiterFallbacks tracks Redis failures that forced the in-process limiter
	RateLimiterFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "app_dms_rate_limiter_fallbacks_total",
			Help: "Number of rate limit decisions taken by the in-process fallback",
		},
	)

	// DocumentsUploaded tracks stored documents by MIME type
	DocumentsUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_dms_documents_uploaded_total",
			Help: "Number of documents uploaded",
		},
		[]string{"mime_type"},
	)
)
