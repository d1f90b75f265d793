package models

import "time"

// ChannelEmail is the only delivery channel.
const ChannelEmail = "email"

// Contact is the local projection of a customer's reachable address.
type Contact struct {
	CustomerID string    `json:"customer_id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Version    uint64    `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Notification is a message to a customer in reaction to an event. It is
// recorded pending and DeliveredAt is set once the sender accepts it.
type Notification struct {
	ID          string     `json:"id"`
	CustomerID  string     `json:"customer_id"`
	Channel     string     `json:"channel"`
	Recipient   string     `json:"recipient"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	Trigger     string     `json:"trigger"`
	OrderID     string     `json:"order_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
}

// Delivered reports whether the sender accepted n.
func (n *Notification) Delivered() bool {
	return n.DeliveredAt != nil
}
