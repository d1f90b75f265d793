package models

import (
	"strings"
	"time"
)

// Product is a sellable item. Stock counts units available for new reservations.
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

// Validate returns the first problem with the request, or "".
func (r *CreateProductRequest) Validate() string {
	r.SKU = strings.TrimSpace(r.SKU)
	r.Name = strings.TrimSpace(r.Name)
	switch {
	case r.SKU == "":
		return "sku is required"
	case r.Name == "":
		return "name is required"
	case r.PriceCents < 0:
		return "price_cents must not be negative"
	case r.Stock < 0:
		return "stock must not be negative"
	}
	return ""
}

type SetStockRequest struct {
	Stock *int `json:"stock"`
}
