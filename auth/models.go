package auth

import "time"

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleSales  Role = "sales"
	RoleViewer Role = "viewer"
)

// CanWrite reports whether the role may call mutating endpoints.
func (r Role) CanWrite() bool {
	return r == RoleAdmin || r == RoleSales
}

// Operator is the domain representation of an authenticated back-office user.
// It mirrors the operators table and carries no JSON annotations so it can be
// reused by different presentation layers.
type Operator struct {
	ID           string
	TenantID     string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains operator registration data supplied by callers.
type RegisterRequest struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains operator login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Claims is what a verified bearer token asserts.
type Claims struct {
	OperatorID string
	TenantID   string
	Role       Role
	ExpiresAt  time.Time
}
