package observability

import (
	"strings"

	"github.com/prefeitura-rio/app-dms/internal/logging"
)

// Logger returns the global safe logger instance
func Logger() *logging.SafeLogger {
	return logging.Logger
}

// MaskMobile keeps the country prefix and the last two digits of a mobile number
func MaskMobile(mobile string) string {
	digits := strings.TrimPrefix(mobile, "+")
	if len(digits) < 6 {
		return "****"
	}
	prefix := ""
	if strings.HasPrefix(mobile, "+") {
		prefix = "+"
	}
	return prefix + digits[:2] + strings.Repeat("*", len(digits)-4) + digits[len(digits)-2:]
}
