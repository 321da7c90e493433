package models

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// User roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User statuses
const (
	UserStatusActive    = "active"
	UserStatusInactive  = "inactive"
	UserStatusSuspended = "suspended"
)

// User is an account identified by its mobile number
type User struct {
	ID           primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	MobileNumber string              `bson:"mobile_number" json:"mobile_number"`
	Name         string              `bson:"name" json:"name"`
	Email        string              `bson:"email,omitempty" json:"email,omitempty"`
	PasswordHash string              `bson:"password_hash,omitempty" json:"-"`
	Role         string              `bson:"role" json:"role"`
	Status       string              `bson:"status" json:"status"`
	LastLogin    *time.Time          `bson:"last_login,omitempty" json:"last_login,omitempty"`
	CreatedBy    *primitive.ObjectID `bson:"created_by,omitempty" json:"created_by,omitempty"`
	CreatedAt    time.Time           `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time           `bson:"updated_at" json:"updated_at"`
}

// UserProjection is the minimal user view handed to clients after login
type UserProjection struct {
	ID           string `json:"id"`
	MobileNumber string `json:"mobile_number"`
	Name         string `json:"name"`
	Role         string `json:"role"`
}

// Projection returns the client-facing view of the user
func (u *User) Projection() UserProjection {
	return UserProjection{
		ID:           u.ID.Hex(),
		MobileNumber: u.MobileNumber,
		Name:         u.Name,
		Role:         u.Role,
	}
}

// IsAdmin reports whether the user holds the admin role
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// CanLogin reports whether the account status allows new sessions
func (u *User) CanLogin() bool {
	return u.Status == "" || u.Status == UserStatusActive
}

// DefaultUserName derives the display name given to users created on first login
func DefaultUserName(mobile string) string {
	suffix := mobile
	if len(mobile) > 4 {
		suffix = mobile[len(mobile)-4:]
	}
	return fmt.Sprintf("User %s", suffix)
}

// CreateUserRequest is the body of POST /admin/users
type CreateUserRequest struct {
	MobileNumber string `json:"mobile_number" binding:"required,mobile"`
	Name         string `json:"name" binding:"required,max=100"`
	Email        string `json:"email" binding:"omitempty,email"`
	Password     string `json:"password" binding:"omitempty,min=8,max=72"`
	Role         string `json:"role" binding:"omitempty,oneof=user admin"`
}

// PasswordLoginRequest is the body of POST /auth/login
type PasswordLoginRequest struct {
	MobileNumber string `json:"mobile_number" binding:"required,mobile"`
	Password     string `json:"password" binding:"required"`
}
