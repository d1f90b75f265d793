package client

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

type Product struct {
	ID          string    `json:"id"`
	SKU         string    `json:"sku"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	PriceCents  int64     `json:"price_cents"`
	Stock       int       `json:"stock"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type CreateProductRequest struct {
	SKU         string `json:"sku"`
	Name        string `json:"name"`
	Description string `json:"description"`
	PriceCents  int64  `json:"price_cents"`
	Stock       int    `json:"stock"`
}

func (c *Client) CreateProduct(ctx context.Context, req CreateProductRequest) (*Product, error) {
	var doc jsonAPIDocument[Product]
	if _, err := c.do(ctx, http.MethodPost, "/api/products", req, nil, &doc); err != nil {
		return nil, err
	}
	p := doc.Data.Attributes
	return &p, nil
}

func (c *Client) ListProducts(ctx context.Context, limit, offset int) ([]*Product, error) {
	var doc jsonAPICollection[Product]
	path := fmt.Sprintf("/api/products?limit=%d&offset=%d", limit, offset)
	if _, err := c.do(ctx, http.MethodGet, path, nil, nil, &doc); err != nil {
		return nil, err
	}
	out := make([]*Product, 0, len(doc.Data))
	for i := range doc.Data {
		out = append(out, &doc.Data[i].Attributes)
	}
	return out, nil
}
