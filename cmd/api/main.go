package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prefeitura-rio/app-dms/internal/config"
	"github.com/prefeitura-rio/app-dms/internal/handlers"
	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/observability"
	"github.com/prefeitura-rio/app-dms/internal/services"
	"github.com/prefeitura-rio/app-dms/internal/utils"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// @title           DMS API
// @version         1.0
// @description     Document management API. Users sign in with a one-time code sent to their mobile number and upload, search and download their documents.

// @contact.name   API Support
// @contact.url    http://www.swagger.io/support
// @contact.email  support@swagger.io

// @license.name  Apache 2.0
// @license.url   http://www.apache.org/licenses/LICENSE-2.0.html

// @host      localhost:8080
// @BasePath  /v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name token

// @tag.name auth
// @tag.description One-time code and password login

// @tag.name documents
// @tag.description Document upload, search and download

// @tag.name health
// @tag.description Health check operations

// rateLimiterCleanupInterval is how often the in-process fallbacks drop expired hits
const rateLimiterCleanupInterval = time.Minute

func main() {
	// Initialize logger first
	if err := logging.InitLogger(); err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = logging.Logger.Sync() }()

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logging.Logger.Fatal("failed to load config", zap.Error(err))
	}
	cfg := config.AppConfig

	// Initialize observability
	observability.InitTracer()
	defer observability.ShutdownTracer()

	if err := utils.RegisterValidators(); err != nil {
		logging.Logger.Fatal("failed to register validators", zap.Error(err))
	}

	// Initialize database connections
	if err := config.InitMongoDB(); err != nil {
		logging.Logger.Fatal("failed to initialize MongoDB", zap.Error(err))
	}
	config.InitRedis()

	clock := services.SystemClock()
	logger := logging.Logger

	tokens, err := services.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTExpiresIn, clock, logger)
	if err != nil {
		logger.Fatal("failed to create token service", zap.Error(err))
	}

	ledger := services.NewMongoOTPLedger(config.MongoDB.Collection(cfg.OTPCollection), cfg.OTPTTL, clock, logger)
	users := services.NewMongoUserStore(config.MongoDB.Collection(cfg.UserCollection), clock, logger)

	// Redis counts requests across instances; the in-process limiter takes over while it is down
	fallback := services.NewMemoryRateLimiter(cfg.OTPRateLimitMax, cfg.OTPRateLimitWindow, clock, logger)
	limiter := services.NewRedisRateLimiter(config.Redis, "otp:ratelimit:", cfg.OTPRateLimitMax, cfg.OTPRateLimitWindow, fallback, logger)
	loginFallback := services.NewMemoryRateLimiter(cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow, clock, logger)
	loginLimiter := services.NewRedisRateLimiter(config.Redis, "ratelimit:", cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow, loginFallback, logger)

	notifier := services.NewNotifier(cfg, config.Redis, logger)
	if notifier == nil {
		logger.Warn("no OTP delivery channel configured, codes are returned in responses")
	}

	auth := services.NewAuthService(ledger, users, tokens, limiter, notifier, logger)
	accounts := services.NewAccountService(users, tokens, logger).WithLoginLimiter(loginLimiter)

	documents, err := services.NewDocumentService(config.MongoDB, cfg.DocumentCollection, cfg.DocumentBucket, cfg.MaxUploadSize, clock, logger)
	if err != nil {
		logger.Fatal("failed to create document service", zap.Error(err))
	}

	health := handlers.NewHealthHandlers(logger).
		Register("mongodb", true, func(ctx context.Context) error {
			return config.MongoDB.Client().Ping(ctx, readpref.Primary())
		}).
		Register("redis", false, func(ctx context.Context) error {
			return config.Redis.Ping(ctx).Err()
		})

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Logger:      logger,
		Tokens:      tokens,
		Auth:        handlers.NewAuthHandlers(logger, auth, accounts),
		Documents:   handlers.NewDocumentHandlers(logger, documents),
		Admin:       handlers.NewAdminHandlers(logger, accounts),
		Health:      health,
		CORSOrigins: cfg.CORSOrigins,
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() {
		ticker := time.NewTicker(rateLimiterCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fallback.Cleanup()
				loginFallback.Cleanup()
			}
		}
	}()

	// Create server with timeouts. Uploads need more than the default write window.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("starting server",
			zap.Int("port", cfg.Port),
			zap.String("environment", cfg.Environment),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Graceful shutdown
	logger.Info("shutting down server...")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	if err := config.MongoDB.Client().Disconnect(shutdownCtx); err != nil {
		logger.Error("failed to disconnect MongoDB", zap.Error(err))
	}
	if err := config.Redis.Close(); err != nil {
		logger.Error("failed to close Redis", zap.Error(err))
	}

	logger.Info("server exited gracefully")
}
