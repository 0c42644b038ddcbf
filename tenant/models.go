package tenant

import "time"

// Tenant is an account owning quotes, orders and agreements.
type Tenant struct {
	ID        string
	Name      string
	Slug      string
	Active    bool
	CreatedAt time.Time
}
