package lending

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"lending/internal/models"
	"lending/internal/storage"
)

// Ledger maintains the total and available copy counts of each book.
// Every method runs inside a storage transaction and expects the caller to
// hold the book's lock, so reads and writes of one book never interleave.
type Ledger struct {
	logger *zap.Logger
}

// NewLedger creates a ledger that reports invariant violations to logger
func NewLedger(logger *zap.Logger) Ledger {
	return Ledger{logger: logger}
}

func (l Ledger) book(ctx context.Context, tx storage.Tx, bookID string) (models.Book, error) {
	book, err := tx.GetBook(ctx, bookID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Book{}, fmt.Errorf("book %s: %w", bookID, ErrBookNotFound)
	}
	if err != nil {
		return models.Book{}, fmt.Errorf("failed to load book %s: %w", bookID, err)
	}
	return book, nil
}

// Decrement takes one copy out of circulation and returns the new available count
func (l Ledger) Decrement(ctx context.Context, tx storage.Tx, bookID string) (int, error) {
	book, err := l.book(ctx, tx, bookID)
	if err != nil {
		return 0, err
	}
	if book.AvailableCopies <= 0 {
		return 0, fmt.Errorf("book %s: %w", bookID, ErrOutOfStock)
	}

	available := book.AvailableCopies - 1
	if err := tx.UpdateBookCopies(ctx, bookID, book.TotalCopies, available); err != nil {
		return 0, fmt.Errorf("failed to decrement copies of %s: %w", bookID, err)
	}
	return available, nil
}

// Increment puts one copy back into circulation and returns the new available count
func (l Ledger) Increment(ctx context.Context, tx storage.Tx, bookID string) (int, error) {
	book, err := l.book(ctx, tx, bookID)
	if err != nil {
		return 0, err
	}
	if book.AvailableCopies >= book.TotalCopies {
		l.logger.Error("Ledger invariant violated: increment above total",
			zap.String("book_id", bookID),
			zap.Int("total_copies", book.TotalCopies),
			zap.Int("available_copies", book.AvailableCopies),
		)
		return 0, fmt.Errorf("book %s: %w", bookID, ErrOverCapacity)
	}

	available := book.AvailableCopies + 1
	if err := tx.UpdateBookCopies(ctx, bookID, book.TotalCopies, available); err != nil {
		return 0, fmt.Errorf("failed to increment copies of %s: %w", bookID, err)
	}
	return available, nil
}

// Add registers n new copies, all of them available
func (l Ledger) Add(ctx context.Context, tx storage.Tx, bookID string, n int) (models.Book, error) {
	if n <= 0 {
		return models.Book{}, ErrInvalidCopies
	}
	book, err := l.book(ctx, tx, bookID)
	if err != nil {
		return models.Book{}, err
	}

	book.TotalCopies += n
	book.AvailableCopies += n
	if err := tx.UpdateBookCopies(ctx, bookID, book.TotalCopies, book.AvailableCopies); err != nil {
		return models.Book{}, fmt.Errorf("failed to add copies of %s: %w", bookID, err)
	}
	return book, nil
}

// Remove withdraws n copies. Only copies on the shelf can be withdrawn.
func (l Ledger) Remove(ctx context.Context, tx storage.Tx, bookID string, n int) (models.Book, error) {
	if n <= 0 {
		return models.Book{}, ErrInvalidCopies
	}
	book, err := l.book(ctx, tx, bookID)
	if err != nil {
		return models.Book{}, err
	}
	if book.AvailableCopies < n {
		return models.Book{}, fmt.Errorf("book %s has %d available: %w", bookID, book.AvailableCopies, ErrCopiesOnLoan)
	}

	book.TotalCopies -= n
	book.AvailableCopies -= n
	if err := tx.UpdateBookCopies(ctx, bookID, book.TotalCopies, book.AvailableCopies); err != nil {
		return models.Book{}, fmt.Errorf("failed to remove copies of %s: %w", bookID, err)
	}
	return book, nil
}
