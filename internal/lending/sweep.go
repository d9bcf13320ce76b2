package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lending/internal/models"
	"lending/internal/storage"
)

// SweepResult summarizes one overdue sweep
type SweepResult struct {
	Marked       int
	SkippedBooks int
}

// SweepOverdue marks active loans past their due date as overdue. The status
// is bookkeeping only: a return closes an overdue loan like any other. Books
// whose lock is busy are skipped and picked up by the next sweep.
func (e *Engine) SweepOverdue(ctx context.Context) (SweepResult, error) {
	const op = "sweep"
	now := e.clock()

	var active []models.Loan
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		active, err = tx.ListLoans(ctx, storage.LoanFilter{Statuses: []models.LoanStatus{models.LoanActive}})
		return err
	})
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to list active loans: %w", err)
	}

	var books []string
	dueByBook := make(map[string][]string)
	for _, loan := range active {
		if !loan.IsOverdueAt(now) {
			continue
		}
		if _, seen := dueByBook[loan.BookID]; !seen {
			books = append(books, loan.BookID)
		}
		dueByBook[loan.BookID] = append(dueByBook[loan.BookID], loan.ID)
	}

	var result SweepResult
	for _, bookID := range books {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		marked, err := e.markOverdue(ctx, op, bookID, dueByBook[bookID], now)
		if errors.Is(err, ErrBusy) {
			result.SkippedBooks++
			continue
		}
		if err != nil {
			return result, err
		}
		result.Marked += len(marked)

		events := make([]models.Event, 0, len(marked))
		for _, loan := range marked {
			events = append(events, loanEvent(models.EventLoanOverdue, loan, now))
		}
		e.publish(ctx, events)
	}

	e.metrics.OverdueMarked(result.Marked)
	if result.Marked > 0 || result.SkippedBooks > 0 {
		e.logger.Info("Overdue sweep finished",
			zap.Int("marked", result.Marked),
			zap.Int("skipped_books", result.SkippedBooks),
		)
	}
	return result, nil
}

func (e *Engine) markOverdue(ctx context.Context, op, bookID string, loanIDs []string, now time.Time) ([]models.Loan, error) {
	unlockBook, err := e.lock(ctx, op, bookKey(bookID))
	if err != nil {
		return nil, err
	}
	defer unlockBook()

	var marked []models.Loan
	err = e.store.Atomic(ctx, func(tx storage.Tx) error {
		marked = nil
		for _, id := range loanIDs {
			loan, err := tx.GetLoan(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to reload loan %s: %w", id, err)
			}
			// Returned in the meantime
			if loan.Status != models.LoanActive || !loan.IsOverdueAt(now) {
				continue
			}
			loan.Status = models.LoanOverdue
			if err := tx.UpdateLoan(ctx, loan); err != nil {
				return fmt.Errorf("failed to mark loan %s overdue: %w", id, err)
			}
			marked = append(marked, loan)
		}
		return nil
	})
	if err != nil {
		e.logFailure(op, err, zap.String("book_id", bookID))
		return nil, err
	}
	return marked, nil
}
