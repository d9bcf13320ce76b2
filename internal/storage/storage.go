package storage

import (
	"context"
	"errors"

	"lending/internal/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when creating a record whose ID is taken
	ErrAlreadyExists = errors.New("record already exists")
)

// Storage defines the transactional persistence boundary used by the lending core
type Storage interface {
	// Atomic runs fn inside a single transaction. If fn returns an error nothing
	// written through tx is kept.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	// Lifecycle
	Initialize(ctx context.Context) error
	Close() error
}

// LoanFilter narrows ListLoans. Empty fields match everything.
type LoanFilter struct {
	UserID   string
	BookID   string
	Statuses []models.LoanStatus
	Limit    int
}

// Tx is the set of operations available inside a transaction
type Tx interface {
	// Book operations
	CreateBook(ctx context.Context, book models.Book) error
	GetBook(ctx context.Context, id string) (models.Book, error)
	UpdateBookCopies(ctx context.Context, id string, total, available int) error

	// User operations
	CreateUser(ctx context.Context, user models.User) error
	GetUser(ctx context.Context, id string) (models.User, error)

	// Loan operations
	CreateLoan(ctx context.Context, loan models.Loan) error
	UpdateLoan(ctx context.Context, loan models.Loan) error
	GetLoan(ctx context.Context, id string) (models.Loan, error)

	// FindOpenLoan returns the active or overdue loan binding userID to bookID
	FindOpenLoan(ctx context.Context, userID, bookID string) (models.Loan, bool, error)

	// CountOpenLoans returns the number of active or overdue loans held by userID
	CountOpenLoans(ctx context.Context, userID string) (int, error)

	// ListLoans returns loans matching filter ordered by issue time
	ListLoans(ctx context.Context, filter LoanFilter) ([]models.Loan, error)

	// Hold operations
	CreateHold(ctx context.Context, hold models.Hold) (models.Hold, error)
	UpdateHold(ctx context.Context, hold models.Hold) error
	GetHold(ctx context.Context, id string) (models.Hold, error)
	FindWaitingHold(ctx context.Context, userID, bookID string) (models.Hold, bool, error)

	// ListWaitingHolds returns waiting holds for bookID in queue order
	ListWaitingHolds(ctx context.Context, bookID string) ([]models.Hold, error)
}
