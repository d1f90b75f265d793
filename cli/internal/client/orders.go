package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

type OrderLine struct {
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type Order struct {
	ID         string      `json:"id"`
	CustomerID string      `json:"customer_id"`
	Status     string      `json:"status"`
	Lines      []OrderLine `json:"lines"`
	TotalCents int64       `json:"total_cents"`
	Reason     string      `json:"reason,omitempty"`
	Version    uint64      `json:"version"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// CreateOrder places an order. A non-empty idempotencyKey makes the call safe
// to repeat; created is false when the key matched an earlier order.
func (c *Client) CreateOrder(ctx context.Context, lines []OrderLine, idempotencyKey string) (order *Order, created bool, err error) {
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	var doc jsonAPIDocument[Order]
	status, err := c.do(ctx, http.MethodPost, "/api/orders", map[string]interface{}{"lines": lines}, headers, &doc)
	if err != nil {
		return nil, false, err
	}
	o := doc.Data.Attributes
	return &o, status == http.StatusCreated, nil
}

func (c *Client) GetOrder(ctx context.Context, id string) (*Order, error) {
	var doc jsonAPIDocument[Order]
	if _, err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(id), nil, nil, &doc); err != nil {
		return nil, err
	}
	o := doc.Data.Attributes
	return &o, nil
}

func (c *Client) ListOrders(ctx context.Context, limit, offset int) ([]*Order, error) {
	var doc jsonAPICollection[Order]
	path := fmt.Sprintf("/api/orders?limit=%d&offset=%d", limit, offset)
	if _, err := c.do(ctx, http.MethodGet, path, nil, nil, &doc); err != nil {
		return nil, err
	}
	out := make([]*Order, 0, len(doc.Data))
	for i := range doc.Data {
		out = append(out, &doc.Data[i].Attributes)
	}
	return out, nil
}

// Transition moves an order with one of "confirm", "ship" or "cancel".
func (c *Client) Transition(ctx context.Context, id, action string) (*Order, error) {
	switch action {
	case "confirm", "ship", "cancel":
	default:
		return nil, fmt.Errorf("unknown order action %q", action)
	}
	var doc jsonAPIDocument[Order]
	if _, err := c.do(ctx, http.MethodPost, "/api/orders/"+url.PathEscape(id)+"/"+action, nil, nil, &doc); err != nil {
		return nil, err
	}
	o := doc.Data.Attributes
	return &o, nil
}
