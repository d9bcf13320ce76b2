package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lending/internal/models"
	"lending/internal/storage"
)

// HoldQueue is the FIFO reservation queue kept per book.
// Like the Ledger it works inside a transaction and relies on the caller
// holding the book's lock.
type HoldQueue struct {
	newID func() string
}

// Enqueue appends a waiting hold for userID on bookID
func (q HoldQueue) Enqueue(ctx context.Context, tx storage.Tx, userID, bookID string, now time.Time) (models.Hold, error) {
	_, exists, err := tx.FindWaitingHold(ctx, userID, bookID)
	if err != nil {
		return models.Hold{}, fmt.Errorf("failed to look up hold: %w", err)
	}
	if exists {
		return models.Hold{}, fmt.Errorf("user %s, book %s: %w", userID, bookID, ErrAlreadyQueued)
	}

	hold, err := tx.CreateHold(ctx, models.Hold{
		ID:       q.newID(),
		BookID:   bookID,
		UserID:   userID,
		QueuedAt: now,
		Status:   models.HoldWaiting,
	})
	if err != nil {
		return models.Hold{}, fmt.Errorf("failed to create hold: %w", err)
	}
	return hold, nil
}

// Waiting returns the waiting holds for bookID, earliest first
func (q HoldQueue) Waiting(ctx context.Context, tx storage.Tx, bookID string) ([]models.Hold, error) {
	holds, err := tx.ListWaitingHolds(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list holds for %s: %w", bookID, err)
	}
	return holds, nil
}

// Fulfill marks a waiting hold as satisfied by loanID
func (q HoldQueue) Fulfill(ctx context.Context, tx storage.Tx, holdID, loanID string, now time.Time) (models.Hold, error) {
	hold, err := q.get(ctx, tx, holdID)
	if err != nil {
		return models.Hold{}, err
	}
	if hold.Status != models.HoldWaiting {
		return models.Hold{}, fmt.Errorf("hold %s is %s: %w", holdID, hold.Status, ErrHoldNotWaiting)
	}

	hold.Status = models.HoldFulfilled
	hold.LoanID = loanID
	hold.ResolvedAt = &now
	if err := tx.UpdateHold(ctx, hold); err != nil {
		return models.Hold{}, fmt.Errorf("failed to fulfill hold %s: %w", holdID, err)
	}
	return hold, nil
}

// Cancel withdraws a waiting hold. Cancelling an already cancelled hold
// returns it unchanged with changed=false.
func (q HoldQueue) Cancel(ctx context.Context, tx storage.Tx, holdID string, now time.Time) (hold models.Hold, changed bool, err error) {
	hold, err = q.get(ctx, tx, holdID)
	if err != nil {
		return models.Hold{}, false, err
	}

	switch hold.Status {
	case models.HoldCancelled:
		return hold, false, nil
	case models.HoldFulfilled:
		return models.Hold{}, false, fmt.Errorf("hold %s: %w", holdID, ErrHoldNotWaiting)
	}

	hold.Status = models.HoldCancelled
	hold.ResolvedAt = &now
	if err := tx.UpdateHold(ctx, hold); err != nil {
		return models.Hold{}, false, fmt.Errorf("failed to cancel hold %s: %w", holdID, err)
	}
	return hold, true, nil
}

func (q HoldQueue) get(ctx context.Context, tx storage.Tx, holdID string) (models.Hold, error) {
	hold, err := tx.GetHold(ctx, holdID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Hold{}, fmt.Errorf("hold %s: %w", holdID, ErrHoldNotFound)
	}
	if err != nil {
		return models.Hold{}, fmt.Errorf("failed to load hold %s: %w", holdID, err)
	}
	return hold, nil
}
