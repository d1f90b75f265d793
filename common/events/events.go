// Package events defines the JSON payloads carried in envelopes on the event bus.
// They are the only types services share; each is owned by the publishing service.
package events

import "time"

// Published by identity on events.identity.

type CustomerRegistered struct {
	CustomerID string   `json:"customerId"`
	Username   string   `json:"username"`
	Email      string   `json:"email"`
	Name       string   `json:"name"`
	Roles      []string `json:"roles"`
}

type CustomerDeactivated struct {
	CustomerID    string    `json:"customerId"`
	DeactivatedAt time.Time `json:"deactivatedAt"`
	DeactivatedBy string    `json:"deactivatedBy"`
}

// Published by ordering on events.ordering.

type OrderLine struct {
	ProductID      string `json:"productId"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unitPriceCents,omitempty"`
}

type OrderCreated struct {
	OrderID    string      `json:"orderId"`
	CustomerID string      `json:"customerId"`
	Lines      []OrderLine `json:"lines"`
	TotalCents int64       `json:"totalCents"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// OrderStatusChanged is the payload of OrderConfirmed, OrderShipped and OrderCancelled.
type OrderStatusChanged struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

// Published by catalog on events.catalog. The aggregate is the order id.

type InventoryReserved struct {
	OrderID string      `json:"orderId"`
	Lines   []OrderLine `json:"lines"`
}

type InventoryRejected struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

type InventoryReleased struct {
	OrderID string      `json:"orderId"`
	Lines   []OrderLine `json:"lines"`
}

// Published by notification on events.notification.

type NotificationSent struct {
	NotificationID string    `json:"notificationId"`
	CustomerID     string    `json:"customerId"`
	Channel        string    `json:"channel"`
	Recipient      string    `json:"recipient"`
	Subject        string    `json:"subject"`
	Trigger        string    `json:"trigger"`
	OrderID        string    `json:"orderId,omitempty"`
	SentAt         time.Time `json:"sentAt"`
}
