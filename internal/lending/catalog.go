package lending

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"lending/internal/models"
	"lending/internal/storage"
)

// NewBook describes a catalog entry to create
type NewBook struct {
	Title  string
	Author string
	ISBN   string
	Copies int
}

// AddBook creates a book with all of its copies available
func (e *Engine) AddBook(ctx context.Context, nb NewBook) (models.Book, error) {
	if nb.Copies < 0 {
		return models.Book{}, ErrInvalidCopies
	}
	book := models.Book{
		ID:              e.newID(),
		Title:           nb.Title,
		Author:          nb.Author,
		ISBN:            nb.ISBN,
		TotalCopies:     nb.Copies,
		AvailableCopies: nb.Copies,
		CreatedAt:       e.clock(),
	}
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		return tx.CreateBook(ctx, book)
	})
	if err != nil {
		return models.Book{}, fmt.Errorf("failed to add book: %w", err)
	}

	e.logger.Info("Book added",
		zap.String("book_id", book.ID),
		zap.String("title", book.Title),
		zap.Int("copies", book.TotalCopies),
	)
	return book, nil
}

// RegisterUser creates a user. A limit of zero means the policy default.
func (e *Engine) RegisterUser(ctx context.Context, name string, limit int, telegramChatID int64) (models.User, error) {
	if limit <= 0 {
		limit = e.policy.DefaultLoanLimit
	}
	user := models.User{
		ID:              e.newID(),
		Name:            name,
		ActiveLoanLimit: limit,
		TelegramChatID:  telegramChatID,
		CreatedAt:       e.clock(),
	}
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		return tx.CreateUser(ctx, user)
	})
	if err != nil {
		return models.User{}, fmt.Errorf("failed to register user: %w", err)
	}
	return user, nil
}

// AddCopies adds n copies of bookID. Waiting holders are served from the new
// copies first, one promotion per copy, in queue order. The copies and the
// loans they turn into commit together.
func (e *Engine) AddCopies(ctx context.Context, bookID string, n int) (models.Book, []models.Loan, error) {
	const op = "add_copies"
	if n <= 0 {
		return models.Book{}, nil, ErrInvalidCopies
	}

	unlockBook, err := e.lock(ctx, op, bookKey(bookID))
	if err != nil {
		return models.Book{}, nil, err
	}
	defer unlockBook()

	candidates, unlockCandidates, err := e.eligibleHolds(ctx, op, bookID, n)
	if err != nil {
		e.logFailure(op, err, zap.String("book_id", bookID))
		return models.Book{}, nil, err
	}
	defer unlockCandidates()

	now := e.clock()
	var (
		book     models.Book
		promoted []models.Loan
		events   []models.Event
	)
	err = e.store.Atomic(ctx, func(tx storage.Tx) error {
		promoted, events = nil, nil

		var err error
		if _, err = e.ledger.Add(ctx, tx, bookID, n); err != nil {
			return err
		}
		for _, candidate := range candidates {
			loan, hold, err := e.promote(ctx, tx, candidate, now)
			if err != nil {
				return err
			}
			promoted = append(promoted, loan)
			events = append(events,
				loanEvent(models.EventLoanIssued, loan, now),
				fulfilledEvent(hold, loan, now),
			)
		}
		book, err = e.ledger.book(ctx, tx, bookID)
		return err
	})
	if err != nil {
		e.logFailure(op, err, zap.String("book_id", bookID))
		return models.Book{}, nil, err
	}

	for range promoted {
		e.metrics.Hold(string(models.HoldFulfilled))
	}
	e.publish(ctx, events)
	return book, promoted, nil
}

// RemoveCopies withdraws n shelf copies of bookID
func (e *Engine) RemoveCopies(ctx context.Context, bookID string, n int) (models.Book, error) {
	const op = "remove_copies"

	unlockBook, err := e.lock(ctx, op, bookKey(bookID))
	if err != nil {
		return models.Book{}, err
	}
	defer unlockBook()

	var book models.Book
	err = e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		book, err = e.ledger.Remove(ctx, tx, bookID, n)
		return err
	})
	if err != nil {
		e.logFailure(op, err, zap.String("book_id", bookID))
		return models.Book{}, err
	}
	return book, nil
}

// GetBook returns the current state of bookID
func (e *Engine) GetBook(ctx context.Context, bookID string) (models.Book, error) {
	var book models.Book
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		book, err = e.ledger.book(ctx, tx, bookID)
		return err
	})
	return book, err
}

// GetUser returns userID
func (e *Engine) GetUser(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		user, err = e.user(ctx, tx, userID)
		return err
	})
	return user, err
}

// GetLoan returns loanID regardless of its status
func (e *Engine) GetLoan(ctx context.Context, loanID string) (models.Loan, error) {
	var loan models.Loan
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		loan, err = tx.GetLoan(ctx, loanID)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return models.Loan{}, fmt.Errorf("loan %s: %w", loanID, ErrLoanNotFound)
	}
	return loan, err
}

// ListLoans returns loans matching filter
func (e *Engine) ListLoans(ctx context.Context, filter storage.LoanFilter) ([]models.Loan, error) {
	var loans []models.Loan
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		loans, err = tx.ListLoans(ctx, filter)
		return err
	})
	return loans, err
}

// GetHold returns holdID
func (e *Engine) GetHold(ctx context.Context, holdID string) (models.Hold, error) {
	var hold models.Hold
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		hold, err = e.holds.get(ctx, tx, holdID)
		return err
	})
	return hold, err
}

// ListHolds returns the waiting queue of bookID, earliest first
func (e *Engine) ListHolds(ctx context.Context, bookID string) ([]models.Hold, error) {
	var holds []models.Hold
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		holds, err = e.holds.Waiting(ctx, tx, bookID)
		return err
	})
	return holds, err
}

// QueuePosition returns the 1-based position of a waiting hold, or 0 if the
// hold is no longer waiting.
func (e *Engine) QueuePosition(ctx context.Context, holdID string) (int, error) {
	position := 0
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		hold, err := e.holds.get(ctx, tx, holdID)
		if err != nil {
			return err
		}
		if hold.Status != models.HoldWaiting {
			return nil
		}
		waiting, err := e.holds.Waiting(ctx, tx, hold.BookID)
		if err != nil {
			return err
		}
		for i, h := range waiting {
			if h.ID == holdID {
				position = i + 1
				break
			}
		}
		return nil
	})
	return position, err
}
