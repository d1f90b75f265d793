package database

import (
	"context"
	"time"
)

// TxRunner runs fn inside one local transaction. Calls made with the ctx handed to
// fn join that transaction; a nested InTx joins the outer one. fn's error rolls back.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Statement budgets. A caller deadline that is already shorter wins.
const (
	DefaultQueryTimeout = 5 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	// DefaultBulkTimeout covers migrations and relay batches.
	DefaultBulkTimeout = 30 * time.Second
)

// QueryContext bounds a read.
func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultQueryTimeout)
}

// WriteContext bounds a write or a whole transaction.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultWriteTimeout)
}

func BulkContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultBulkTimeout)
}
