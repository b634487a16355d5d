package model

import (
	"strings"
)

// Roles
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleStaff   = "staff"
)

// Outlet represents a cafe branch. Outlets are tenants; requests are scoped to one of them.
type Outlet struct {
	ID         int64  `json:"id"`
	OutletName string `json:"outletName"`
	IsActive   bool   `json:"isActive"`
}

// User represents a staff account able to sign in
type User struct {
	ID              string  `json:"id"`
	Email           string  `json:"email"`
	PasswordHash    string  `json:"-"` // never expose password hash
	Role            string  `json:"role"`
	DefaultOutletID *int64  `json:"defaultOutletId,omitempty"`
	AssignedOutlets []int64 `json:"assignedOutlets"`
	IsActive        bool    `json:"isActive"`
}

// Principal is the identity resolved from a validated bearer token
type Principal struct {
	UserID          string             `json:"userId"`
	Role            string             `json:"role"`
	DefaultOutletID *int64             `json:"defaultOutletId,omitempty"`
	AssignedOutlets map[int64]struct{} `json:"-"`
}

// IsAdmin checks if the principal holds the admin role
func (p *Principal) IsAdmin() bool {
	return p.HasRole(RoleAdmin)
}

// HasRole compares roles case-insensitively
func (p *Principal) HasRole(role string) bool {
	return strings.EqualFold(p.Role, role)
}

// CanAccessOutlet checks outlet assignment
func (p *Principal) CanAccessOutlet(id int64) bool {
	_, ok := p.AssignedOutlets[id]
	return ok
}

// OutletIDs returns the assigned outlets in no particular order
func (p *Principal) OutletIDs() []int64 {
	ids := make([]int64, 0, len(p.AssignedOutlets))
	for id := range p.AssignedOutlets {
		ids = append(ids, id)
	}
	return ids
}
