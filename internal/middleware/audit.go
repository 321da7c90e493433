package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prefeitura-rio/app-dms/internal/logging"
	"go.uber.org/zap"
)

// Audit actions
const (
	AuditActionCreate = "create"
	AuditActionUpdate = "update"
	AuditActionDelete = "delete"
)

// AuditLog writes an audit entry for every successful write request. Request bodies
// are never recorded; they carry OTP codes and passwords.
func AuditLog(logger *logging.SafeLogger) gin.HandlerFunc {
	logger = logger.Named("audit")
	return func(c *gin.Context) {
		method := c.Request.Method
		if method != http.MethodPost && method != http.MethodPut && method != http.MethodDelete && method != http.MethodPatch {
			c.Next()
			return
		}

		c.Next()

		status := c.Writer.Status()
		if status < 200 || status >= 300 {
			return
		}

		fields := []zap.Field{
			zap.String("action", mapHTTPMethodToAction(method)),
			zap.String("resource", extractResourceFromPath(c.Request.URL.Path)),
			zap.String("endpoint", c.Request.URL.Path),
			zap.Int("status", status),
			zap.String("request_id", GetRequestID(c)),
			zap.String("ip_address", c.ClientIP()),
		}
		if claims, ok := ClaimsFromContext(c); ok {
			fields = append(fields,
				zap.String("user_id", claims.UserID),
				zap.String("role", claims.Role),
			)
		}
		logger.Info("audit event", fields...)
	}
}

// mapHTTPMethodToAction maps HTTP methods to audit actions
func mapHTTPMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return AuditActionCreate
	case http.MethodDelete:
		return AuditActionDelete
	default:
		return AuditActionUpdate
	}
}

// extractResourceFromPath returns the first path segment after the version prefix
func extractResourceFromPath(path string) string {
	path = strings.TrimPrefix(path, "/v1/")
	path = strings.TrimPrefix(path, "/")
	if i := strings.Index(path, "/"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "unknown"
	}
	return path
}
