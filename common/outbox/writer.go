package outbox

import (
	"context"

	"github.com/im7mortal/kmutex"

	"github.com/telhawk-systems/backbone/common/database"
	"github.com/telhawk-systems/backbone/common/messaging"
)

// Writer runs the service write path: lock the aggregate, run the state change
// and its outbox appends in one local transaction, unlock, then wake the relay.
// The lock is never held across a network call; publishing happens in the relay.
type Writer struct {
	tx     database.TxRunner
	store  Appender
	locks  *kmutex.Kmutex
	notify func()
}

// NewWriter creates a Writer. notify may be nil.
func NewWriter(tx database.TxRunner, store Appender, notify func()) *Writer {
	if notify == nil {
		notify = func() {}
	}
	return &Writer{tx: tx, store: store, locks: kmutex.New(), notify: notify}
}

// Do runs fn for aggregateID. Writes made through fn's ctx, including Emit,
// commit or roll back together.
//
// ctx is only checked before the transaction starts. Once started, the
// transaction runs to commit under its own write budget even if the caller
// gives up.
func (w *Writer) Do(ctx context.Context, aggregateID string, fn func(ctx context.Context) error) error {
	w.locks.Lock(aggregateID)
	if err := ctx.Err(); err != nil {
		w.locks.Unlock(aggregateID)
		return err
	}
	txCtx, cancel := database.WriteContext(context.WithoutCancel(ctx))
	err := w.tx.InTx(txCtx, fn)
	cancel()
	w.locks.Unlock(aggregateID)
	if err != nil {
		return err
	}
	w.notify()
	return nil
}

// Emit appends env for topic to the outbox of the transaction in ctx.
func (w *Writer) Emit(ctx context.Context, topic string, env *messaging.Envelope) error {
	return w.store.Append(ctx, NewRecord(topic, env))
}
