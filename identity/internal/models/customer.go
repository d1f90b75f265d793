package models

import (
	"time"

	"github.com/telhawk-systems/backbone/common/authz"
)

// Customer is an identity record. Version counts the events emitted for it and
// is the sequence of the next envelope minus one.
type Customer struct {
	ID            string     `json:"id"`
	Username      string     `json:"username"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	PasswordHash  string     `json:"-"`
	Roles         []string   `json:"roles"`
	Version       uint64     `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// IsActive returns true if the customer has not been deactivated.
func (c *Customer) IsActive() bool {
	return c.DeactivatedAt == nil
}

// CustomerResponse is the API view of a customer.
type CustomerResponse struct {
	Username      string     `json:"username"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	Roles         []string   `json:"roles"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// ToResponse converts a Customer to its API shape.
func (c *Customer) ToResponse() *CustomerResponse {
	return &CustomerResponse{
		Username:      c.Username,
		Email:         c.Email,
		Name:          c.Name,
		Roles:         c.Roles,
		Active:        c.IsActive(),
		CreatedAt:     c.CreatedAt,
		DeactivatedAt: c.DeactivatedAt,
	}
}

// DefaultRoles are granted at registration.
func DefaultRoles() []string {
	return []string{authz.RoleCustomer}
}
