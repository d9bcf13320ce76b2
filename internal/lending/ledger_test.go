package lending

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lending/internal/models"
	"lending/internal/storage"
	"lending/internal/storage/stubs"
)

func seedBook(t *testing.T, db *stubs.MockDB, total, available int) models.Book {
	t.Helper()
	book := models.Book{ID: "book-1", Title: "Refactoring", TotalCopies: total, AvailableCopies: available}
	require.NoError(t, db.Atomic(context.Background(), func(tx storage.Tx) error {
		return tx.CreateBook(context.Background(), book)
	}))
	return book
}

func TestLedger_DecrementAndIncrement(t *testing.T) {
	db := stubs.NewMockDB()
	ledger := NewLedger(zap.NewNop())
	book := seedBook(t, db, 2, 2)
	ctx := context.Background()

	err := db.Atomic(ctx, func(tx storage.Tx) error {
		available, err := ledger.Decrement(ctx, tx, book.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, available)

		available, err = ledger.Decrement(ctx, tx, book.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, available)

		_, err = ledger.Decrement(ctx, tx, book.ID)
		assert.ErrorIs(t, err, ErrOutOfStock)

		available, err = ledger.Increment(ctx, tx, book.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, available)
		return nil
	})
	require.NoError(t, err)
}

func TestLedger_IncrementAboveTotal(t *testing.T) {
	db := stubs.NewMockDB()
	ledger := NewLedger(zap.NewNop())
	book := seedBook(t, db, 1, 1)
	ctx := context.Background()

	err := db.Atomic(ctx, func(tx storage.Tx) error {
		_, err := ledger.Increment(ctx, tx, book.ID)
		return err
	})

	require.ErrorIs(t, err, ErrOverCapacity)
	assert.False(t, IsBusinessError(err))
}

func TestLedger_UnknownBook(t *testing.T) {
	db := stubs.NewMockDB()
	ledger := NewLedger(zap.NewNop())
	ctx := context.Background()

	err := db.Atomic(ctx, func(tx storage.Tx) error {
		_, err := ledger.Decrement(ctx, tx, "missing")
		return err
	})
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func TestLedger_AddAndRemoveCopies(t *testing.T) {
	ledger := NewLedger(zap.NewNop())
	ctx := context.Background()

	// every case starts from 3 total copies with 1 on the shelf
	tests := []struct {
		name      string
		apply     func(tx storage.Tx, bookID string) (models.Book, error)
		wantErr   error
		total     int
		available int
	}{
		{
			name:      "add",
			apply:     func(tx storage.Tx, bookID string) (models.Book, error) { return ledger.Add(ctx, tx, bookID, 2) },
			total:     5,
			available: 3,
		},
		{
			name:      "remove shelf copies",
			apply:     func(tx storage.Tx, bookID string) (models.Book, error) { return ledger.Remove(ctx, tx, bookID, 1) },
			total:     2,
			available: 0,
		},
		{
			name:    "remove more than available",
			apply:   func(tx storage.Tx, bookID string) (models.Book, error) { return ledger.Remove(ctx, tx, bookID, 2) },
			wantErr: ErrCopiesOnLoan,
		},
		{
			name:    "add nothing",
			apply:   func(tx storage.Tx, bookID string) (models.Book, error) { return ledger.Add(ctx, tx, bookID, 0) },
			wantErr: ErrInvalidCopies,
		},
		{
			name:    "remove negative",
			apply:   func(tx storage.Tx, bookID string) (models.Book, error) { return ledger.Remove(ctx, tx, bookID, -1) },
			wantErr: ErrInvalidCopies,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := stubs.NewMockDB()
			book := seedBook(t, db, 3, 1)

			var got models.Book
			err := db.Atomic(ctx, func(tx storage.Tx) error {
				var err error
				got, err = tt.apply(tx, book.ID)
				return err
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.total, got.TotalCopies)
			assert.Equal(t, tt.available, got.AvailableCopies)
		})
	}
}

func TestHoldQueue_Lifecycle(t *testing.T) {
	db := stubs.NewMockDB()
	ids := []string{"hold-1", "hold-2"}
	queue := HoldQueue{newID: func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}}
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	err := db.Atomic(ctx, func(tx storage.Tx) error {
		first, err := queue.Enqueue(ctx, tx, "alice", "book-1", now)
		require.NoError(t, err)
		assert.Equal(t, models.HoldWaiting, first.Status)

		_, err = queue.Enqueue(ctx, tx, "alice", "book-1", now)
		assert.ErrorIs(t, err, ErrAlreadyQueued)

		second, err := queue.Enqueue(ctx, tx, "bob", "book-1", now)
		require.NoError(t, err)
		assert.Greater(t, second.Seq, first.Seq)

		waiting, err := queue.Waiting(ctx, tx, "book-1")
		require.NoError(t, err)
		require.Len(t, waiting, 2)
		assert.Equal(t, []string{"hold-1", "hold-2"}, []string{waiting[0].ID, waiting[1].ID})

		fulfilled, err := queue.Fulfill(ctx, tx, "hold-1", "loan-9", now)
		require.NoError(t, err)
		assert.Equal(t, "loan-9", fulfilled.LoanID)

		_, err = queue.Fulfill(ctx, tx, "hold-1", "loan-10", now)
		assert.ErrorIs(t, err, ErrHoldNotWaiting)

		_, _, err = queue.Cancel(ctx, tx, "hold-1", now)
		assert.ErrorIs(t, err, ErrHoldNotWaiting)

		cancelled, changed, err := queue.Cancel(ctx, tx, "hold-2", now)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, models.HoldCancelled, cancelled.Status)

		_, changed, err = queue.Cancel(ctx, tx, "hold-2", now)
		require.NoError(t, err)
		assert.False(t, changed)

		waiting, err = queue.Waiting(ctx, tx, "book-1")
		require.NoError(t, err)
		assert.Empty(t, waiting)

		_, _, err = queue.Cancel(ctx, tx, "hold-3", now)
		assert.ErrorIs(t, err, ErrHoldNotFound)
		return nil
	})
	require.NoError(t, err)
}
