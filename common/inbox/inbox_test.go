package inbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/backbone/common/apperrors"
	"github.com/telhawk-systems/backbone/common/database"
	"github.com/telhawk-systems/backbone/common/messaging"
)

func envelope(t *testing.T, seq uint64) *messaging.Envelope {
	t.Helper()
	env, err := messaging.NewEnvelope(context.Background(), "ordering", messaging.EventOrderCreated, "o-1", seq, struct{}{})
	require.NoError(t, err)
	return env
}

func TestApplyIsIdempotent(t *testing.T) {
	db := database.NewMemDB()
	store := NewMemoryStore(db)
	ctx := context.Background()

	applied := 0
	apply := func(env *messaging.Envelope) error {
		return db.InTx(ctx, func(ctx context.Context) error {
			return Apply(ctx, store, "catalog", env, func(context.Context) error {
				applied++
				return nil
			})
		})
	}

	first := envelope(t, 1)
	require.NoError(t, apply(first))

	err := apply(first)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeDuplicateEvent))
	assert.Equal(t, 1, applied)

	require.NoError(t, apply(envelope(t, 2)))
	assert.Equal(t, 2, applied)

	err = apply(envelope(t, 1))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeDuplicateEvent), "older sequence is a duplicate too")

	last, err := store.LastApplied(ctx, "catalog", "ordering", "o-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
}

func TestApplyFailureLeavesMarkUntouched(t *testing.T) {
	db := database.NewMemDB()
	store := NewMemoryStore(db)
	ctx := context.Background()

	err := db.InTx(ctx, func(ctx context.Context) error {
		return Apply(ctx, store, "catalog", envelope(t, 1), func(context.Context) error {
			return errors.New("projection unavailable")
		})
	})
	require.Error(t, err)

	last, err := store.LastApplied(ctx, "catalog", "ordering", "o-1")
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestMarkRolledBackWithTransaction(t *testing.T) {
	db := database.NewMemDB()
	store := NewMemoryStore(db)
	ctx := context.Background()

	err := db.InTx(ctx, func(ctx context.Context) error {
		if err := Apply(ctx, store, "catalog", envelope(t, 1), func(context.Context) error { return nil }); err != nil {
			return err
		}
		return errors.New("commit failed")
	})
	require.Error(t, err)

	last, err := store.LastApplied(ctx, "catalog", "ordering", "o-1")
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestMarksAreScopedPerConsumer(t *testing.T) {
	db := database.NewMemDB()
	store := NewMemoryStore(db)
	ctx := context.Background()

	require.NoError(t, store.MarkApplied(ctx, "catalog", "ordering", "o-1", 3))
	last, err := store.LastApplied(ctx, "notification", "ordering", "o-1")
	require.NoError(t, err)
	assert.Zero(t, last)
}

type txRunner struct{ db *database.MemDB }

func (r txRunner) Do(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return r.db.InTx(ctx, fn)
}

func TestGuard(t *testing.T) {
	db := database.NewMemDB()
	store := NewMemoryStore(db)
	applied := 0
	h := Guard(txRunner{db}, store, "catalog", func(ctx context.Context, env *messaging.Envelope) error {
		applied++
		return nil
	})

	env := envelope(t, 1)
	require.NoError(t, h(context.Background(), env))
	err := h(context.Background(), env.Clone())
	assert.True(t, apperrors.HasCode(err, apperrors.CodeDuplicateEvent))
	assert.Equal(t, 1, applied)

	failing := Guard(txRunner{db}, store, "catalog", func(ctx context.Context, env *messaging.Envelope) error {
		return errors.New("store down")
	})
	require.Error(t, failing(context.Background(), envelope(t, 2)))
	last, err := store.LastApplied(context.Background(), "catalog", "ordering", "o-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
}
