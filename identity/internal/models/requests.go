package models

import (
	"net/mail"
	"strings"
	"time"
)

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// Validate checks the registration fields and returns the first problem found.
func (r *RegisterRequest) Validate() string {
	r.Username = strings.TrimSpace(r.Username)
	r.Email = strings.TrimSpace(r.Email)
	r.Name = strings.TrimSpace(r.Name)

	switch {
	case len(r.Username) < 3 || len(r.Username) > 64:
		return "username must be between 3 and 64 characters"
	case strings.ContainsAny(r.Username, " \t/"):
		return "username must not contain whitespace or slashes"
	case r.Email == "":
		return "email is required"
	case len(r.Password) < 8:
		return "password must be at least 8 characters"
	case len(r.Password) > 72:
		return "password must be at most 72 bytes"
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return "email is invalid"
	}
	return ""
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
}
