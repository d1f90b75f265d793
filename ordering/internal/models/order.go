package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/telhawk-systems/backbone/common/events"
)

// OrderStatus is a state of the order lifecycle:
//
//	Created -> Reserved -> Confirmed -> Shipped
//	Created | Reserved | Confirmed -> Cancelled
//
// Shipped and Cancelled are terminal.
type OrderStatus string

const (
	StatusCreated   OrderStatus = "created"
	StatusReserved  OrderStatus = "reserved"
	StatusConfirmed OrderStatus = "confirmed"
	StatusShipped   OrderStatus = "shipped"
	StatusCancelled OrderStatus = "cancelled"
)

var transitions = map[OrderStatus][]OrderStatus{
	StatusCreated:   {StatusReserved, StatusCancelled},
	StatusReserved:  {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusShipped, StatusCancelled},
}

// Statuses lists every status in lifecycle order.
func Statuses() []OrderStatus {
	return []OrderStatus{StatusCreated, StatusReserved, StatusConfirmed, StatusShipped, StatusCancelled}
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s OrderStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// Order is owned by the ordering service. Version is the aggregate sequence:
// it grows with every transition, published or not.
type Order struct {
	ID             string             `json:"id"`
	CustomerID     string             `json:"customer_id"`
	Status         OrderStatus        `json:"status"`
	Lines          []events.OrderLine `json:"lines"`
	TotalCents     int64              `json:"total_cents"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	Version        uint64             `json:"version"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Transition moves the order to next or reports why it cannot.
func (o *Order) Transition(next OrderStatus, at time.Time) error {
	if !CanTransition(o.Status, next) {
		return fmt.Errorf("order %s cannot move from %s to %s", o.ID, o.Status, next)
	}
	o.Status = next
	o.Version++
	o.UpdatedAt = at
	return nil
}

type OrderLineRequest struct {
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type CreateOrderRequest struct {
	Lines []OrderLineRequest `json:"lines"`
}

// MaxLines bounds the size of a single order.
const MaxLines = 100

// Validate returns the first problem with the request, or "".
func (r *CreateOrderRequest) Validate() string {
	if len(r.Lines) == 0 {
		return "at least one line is required"
	}
	if len(r.Lines) > MaxLines {
		return fmt.Sprintf("at most %d lines are allowed", MaxLines)
	}
	for i := range r.Lines {
		l := &r.Lines[i]
		l.ProductID = strings.TrimSpace(l.ProductID)
		switch {
		case l.ProductID == "":
			return fmt.Sprintf("lines[%d].product_id is required", i)
		case l.Quantity <= 0:
			return fmt.Sprintf("lines[%d].quantity must be positive", i)
		case l.UnitPriceCents < 0:
			return fmt.Sprintf("lines[%d].unit_price_cents must not be negative", i)
		}
	}
	return ""
}

// OrderLines converts the request into event lines and their total.
func (r *CreateOrderRequest) OrderLines() ([]events.OrderLine, int64) {
	lines := make([]events.OrderLine, 0, len(r.Lines))
	var total int64
	for _, l := range r.Lines {
		lines = append(lines, events.OrderLine{ProductID: l.ProductID, Quantity: l.Quantity, UnitPriceCents: l.UnitPriceCents})
		total += int64(l.Quantity) * l.UnitPriceCents
	}
	return lines, total
}
