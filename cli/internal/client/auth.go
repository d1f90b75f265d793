package client

import (
	"context"
	"net/http"
	"time"
)

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type Customer struct {
	ID        string    `json:"-"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Roles     []string  `json:"roles"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	var resp LoginResponse
	payload := map[string]string{"username": username, "password": password}
	if _, err := c.do(ctx, http.MethodPost, "/api/auth/login", payload, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) (*Customer, error) {
	var doc jsonAPIDocument[Customer]
	if _, err := c.do(ctx, http.MethodPost, "/api/auth/register", req, nil, &doc); err != nil {
		return nil, err
	}
	return customerFrom(doc.Data), nil
}

// Logout revokes the client's token.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil, nil)
	return err
}

// Me returns the customer the client's token was issued to.
func (c *Client) Me(ctx context.Context) (*Customer, error) {
	var doc jsonAPIDocument[Customer]
	if _, err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, nil, &doc); err != nil {
		return nil, err
	}
	return customerFrom(doc.Data), nil
}

func customerFrom(r jsonAPIResource[Customer]) *Customer {
	cust := r.Attributes
	cust.ID = r.ID
	return &cust
}
