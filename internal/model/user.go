package model

import "time"

// UserRole separates test takers from dashboard users.
type UserRole string

const (
	UserRoleStudent UserRole = "student"
	UserRoleAdmin   UserRole = "admin"
)

// User represents a student or an administrator account.
type User struct {
	ID           int        `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	PasswordHash string     `json:"-"`
	Role         UserRole   `json:"role"`
	AdminRole    *AdminRole `json:"admin_role,omitempty"`
	TargetBand   *float64   `json:"target_band,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// LoginRequest is the payload for student and admin authentication.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email,max=255"`
	Password string `json:"password" binding:"required,min=6,max=128"`
}

// RegisterRequest is the payload for student self-registration.
type RegisterRequest struct {
	Email      string   `json:"email" binding:"required,email,max=255"`
	Name       string   `json:"name" binding:"required,min=2,max=100"`
	Password   string   `json:"password" binding:"required,min=8,max=128"`
	TargetBand *float64 `json:"target_band" binding:"omitempty,halfband"`
}

// LoginResponse is returned after a successful login.
type LoginResponse struct {
	Token       string   `json:"token"`
	User        User     `json:"user"`
	Permissions []string `json:"permissions,omitempty"`
}

// CreateAdminRequest is the payload for creating a dashboard account.
type CreateAdminRequest struct {
	Email     string    `json:"email" binding:"required,email,max=255"`
	Name      string    `json:"name" binding:"required,min=2,max=100"`
	Password  string    `json:"password" binding:"required,min=8,max=128"`
	AdminRole AdminRole `json:"admin_role" binding:"required,oneof=superadmin editor grader"`
}

// UpdateAdminRequest is the payload for updating a dashboard account.
type UpdateAdminRequest struct {
	Name      string    `json:"name" binding:"required,min=2,max=100"`
	Password  string    `json:"password" binding:"omitempty,min=8,max=128"`
	AdminRole AdminRole `json:"admin_role" binding:"required,oneof=superadmin editor grader"`
}
