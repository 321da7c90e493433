package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/middleware"
	"github.com/prefeitura-rio/app-dms/internal/models"
	"go.uber.org/zap"
)

// AccountCreator creates accounts on behalf of an admin
type AccountCreator interface {
	CreateUser(ctx context.Context, req models.CreateUserRequest, createdBy string) (*models.User, error)
}

// AdminHandlers serves the admin-only endpoints
type AdminHandlers struct {
	logger   *logging.SafeLogger
	accounts AccountCreator
}

// NewAdminHandlers creates a new admin handlers instance
func NewAdminHandlers(logger *logging.SafeLogger, accounts AccountCreator) *AdminHandlers {
	return &AdminHandlers{
		logger:   logger.Named("admin_handlers"),
		accounts: accounts,
	}
}

// CreateUserResponse is returned by POST /admin/users
type CreateUserResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Data    *models.User `json:"data"`
}

// CreateUser godoc
// @Summary Create a user
// @Description Creates an account, optionally with a password for password login (admins only)
// @Tags admin
// @Accept json
// @Produce json
// @Param data body models.CreateUserRequest true "Account data"
// @Security BearerAuth
// @Success 201 {object} CreateUserResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /admin/users [post]
func (h *AdminHandlers) CreateUser(c *gin.Context) {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok || !claims.IsAdmin() {
		respondError(c, http.StatusForbidden, "Admin privileges required")
		return
	}

	var req models.CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err)
		return
	}

	user, err := h.accounts.CreateUser(c.Request.Context(), req, claims.UserID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrUserExists):
			respondError(c, http.StatusConflict, "User with this mobile number or email already exists")
		default:
			h.logger.Error("failed to create user", zap.String("admin_id", claims.UserID), zap.Error(err))
			respondError(c, http.StatusInternalServerError, "Failed to create user")
		}
		return
	}

	c.JSON(http.StatusCreated, CreateUserResponse{
		Success: true,
		Message: "User created successfully",
		Data:    user,
	})
}
