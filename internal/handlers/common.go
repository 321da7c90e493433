package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prefeitura-rio/app-dms/internal/models"
	"github.com/prefeitura-rio/app-dms/internal/utils"
)

// ErrorResponse is the failure payload of the document and admin endpoints
type ErrorResponse struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Errors  []models.FieldError `json:"errors,omitempty"`
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

const validationFailedMessage = "Validation failed"

// respondError writes an ErrorResponse with the given status
func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, ErrorResponse{Success: false, Message: message})
}

// respondValidation rejects a request whose body failed binding
func respondValidation(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Success: false,
		Message: validationFailedMessage,
		Errors:  utils.FieldErrors(err),
	})
}

// respondAuthFailure writes the failure payload of the auth endpoints
func respondAuthFailure(c *gin.Context, status int, message string, attemptsRemaining *int) {
	c.JSON(status, models.AuthFailureResponse{
		Success:           false,
		Message:           message,
		AttemptsRemaining: attemptsRemaining,
	})
}

// respondAuthValidation rejects an auth request whose body failed binding
func respondAuthValidation(c *gin.Context, errs []models.FieldError) {
	c.JSON(http.StatusBadRequest, models.AuthFailureResponse{
		Success: false,
		Message: validationFailedMessage,
		Errors:  errs,
	})
}

func intPtr(v int) *int {
	return &v
}
