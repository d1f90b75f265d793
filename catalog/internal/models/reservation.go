package models

import (
	"time"

	"github.com/telhawk-systems/backbone/common/events"
)

// ReservationStatus is the state of an order's inventory hold.
//
//	Reserved -> Committed | Released
//	Rejected is terminal and holds no stock.
type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
	ReservationRejected  ReservationStatus = "rejected"
)

// Reservation is keyed by order id; there is at most one per order. Version is
// the sequence of the last event emitted for it.
type Reservation struct {
	OrderID   string             `json:"order_id"`
	Status    ReservationStatus  `json:"status"`
	Lines     []events.OrderLine `json:"lines"`
	Reason    string             `json:"reason,omitempty"`
	Version   uint64             `json:"version"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// CanTransition reports whether the reservation may move to next.
func (r *Reservation) CanTransition(next ReservationStatus) bool {
	if r.Status != ReservationReserved {
		return false
	}
	return next == ReservationCommitted || next == ReservationReleased
}
