package database

import (
	"context"
	"sync"
)

// MemDB gives in-memory repositories the transaction semantics of a real store:
// one writer at a time and rollback through recorded undo steps.
type MemDB struct {
	mu sync.Mutex
}

type memTx struct {
	db   *MemDB
	undo []func()
}

type memTxKey struct{}

// NewMemDB creates an empty in-memory transaction domain.
func NewMemDB() *MemDB {
	return &MemDB{}
}

func (d *MemDB) txFrom(ctx context.Context) *memTx {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok && tx.db == d {
		return tx
	}
	return nil
}

// InTx implements TxRunner. On error every undo step recorded through Write runs in reverse.
func (d *MemDB) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if d.txFrom(ctx) != nil {
		return fn(ctx)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{db: d}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

// Read runs fn under the store lock unless ctx already holds it.
func (d *MemDB) Read(ctx context.Context, fn func()) {
	if d.txFrom(ctx) != nil {
		fn()
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fn()
}

// Write runs fn under the store lock. fn registers how to revert its change with
// onRollback; outside a transaction the registration is a no-op.
func (d *MemDB) Write(ctx context.Context, fn func(onRollback func(undo func())) error) error {
	if tx := d.txFrom(ctx); tx != nil {
		return fn(func(undo func()) { tx.undo = append(tx.undo, undo) })
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(func(func()) {})
}
