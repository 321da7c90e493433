package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims are the claims carried by a session token
type SessionClaims struct {
	jwt.RegisteredClaims
	UserID       string `json:"user_id"`
	MobileNumber string `json:"mobile_number"`
	Role         string `json:"role"`
}

// IsAdmin reports whether the session belongs to an admin
func (c *SessionClaims) IsAdmin() bool {
	return c.Role == RoleAdmin
}
