package handlers

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds everything the HTTP surface is built from
type RouterConfig struct {
	Logger      *logging.SafeLogger
	Tokens      middleware.TokenVerifier
	Auth        *AuthHandlers
	Documents   *DocumentHandlers
	Admin       *AdminHandlers
	Health      *HealthHandlers
	CORSOrigins []string
}

// corsConfig allows every origin when origins is empty or contains "*"
func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.TokenHeader, middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Retry-After", "Content-Disposition", middleware.RequestIDHeader},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

// NewRouter creates the gin engine with middleware and every route
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.RequestLogger(),
		middleware.RequestTracker(),
		cors.New(corsConfig(cfg.CORSOrigins)),
	)

	// Metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuditLog(cfg.Logger))
	{
		if cfg.Health != nil {
			v1.GET("/health", cfg.Health.HealthCheck)
		}

		v1.POST("/generateOTP", cfg.Auth.GenerateOTP)
		v1.POST("/validateOTP", cfg.Auth.ValidateOTP)
		v1.POST("/auth/login", cfg.Auth.PasswordLogin)

		session := v1.Group("", middleware.RequireSession(cfg.Tokens))
		if cfg.Documents != nil {
			session.POST("/saveDocumentEntry", cfg.Documents.SaveDocument)
			session.POST("/searchDocumentEntry", cfg.Documents.SearchDocuments)
			session.POST("/documentTags", cfg.Documents.DocumentTags)
			session.GET("/documents/:id/download", cfg.Documents.DownloadDocument)
		}

		if cfg.Admin != nil {
			admin := session.Group("/admin", middleware.RequireAdmin())
			admin.POST("/users", cfg.Admin.CreateUser)
		}
	}

	return router
}
