package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Health statuses
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const healthCheckTimeout = 2 * time.Second

// Pinger checks one dependency
type Pinger func(ctx context.Context) error

type dependency struct {
	name     string
	critical bool
	ping     Pinger
}

// HealthHandlers reports the state of the service dependencies
type HealthHandlers struct {
	logger       *logging.SafeLogger
	dependencies []dependency
}

// NewHealthHandlers creates a health handler with no dependencies registered
func NewHealthHandlers(logger *logging.SafeLogger) *HealthHandlers {
	return &HealthHandlers{logger: logger.Named("health")}
}

// Register adds a dependency. A failing critical dependency makes the service unhealthy;
// a failing optional one only degrades it.
func (h *HealthHandlers) Register(name string, critical bool, ping Pinger) *HealthHandlers {
	h.dependencies = append(h.dependencies, dependency{name: name, critical: critical, ping: ping})
	return h
}

// Check pings every dependency concurrently
func (h *HealthHandlers) Check(ctx context.Context) HealthResponse {
	ctx, span, cleanup := utils.TraceOperation(ctx, "health.check", nil)
	defer cleanup()

	health := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Services:  make(map[string]string, len(h.dependencies)),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, dep := range h.dependencies {
		wg.Add(1)
		go func(dep dependency) {
			defer wg.Done()
			stepCtx, step := utils.TraceEndpointStep(ctx, "ping", map[string]interface{}{"service.name": dep.name})
			pingCtx, cancel := context.WithTimeout(stepCtx, healthCheckTimeout)
			err := dep.ping(pingCtx)
			cancel()
			utils.RecordError(step, err)
			step.End()

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				health.Services[dep.name] = StatusHealthy
				return
			}
			h.logger.Warn("dependency health check failed", zap.String("service", dep.name), zap.Error(err))
			health.Services[dep.name] = StatusUnhealthy
			switch {
			case dep.critical:
				health.Status = StatusUnhealthy
			case health.Status == StatusHealthy:
				health.Status = StatusDegraded
			}
		}(dep)
	}
	wg.Wait()

	span.SetAttributes(attribute.String("health.status", health.Status))
	return health
}

// HealthCheck godoc
// @Summary Health check
// @Description Reports the state of MongoDB and Redis. Redis being down only degrades the service.
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse "Service is healthy or degraded"
// @Failure 503 {object} HealthResponse "A critical dependency is unavailable"
// @Router /health [get]
func (h *HealthHandlers) HealthCheck(c *gin.Context) {
	health := h.Check(c.Request.Context())
	if health.Status == StatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, health)
		return
	}
	c.JSON(http.StatusOK, health)
}
