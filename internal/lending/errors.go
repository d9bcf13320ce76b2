package lending

import "errors"

// Business conditions. Callers are expected to branch on these with errors.Is.
var (
	ErrOutOfStock        = errors.New("book has no available copies")
	ErrLoanLimitExceeded = errors.New("user has reached the active loan limit")
	ErrDuplicateLoan     = errors.New("user already has this book on loan")
	ErrLoanNotFound      = errors.New("no open loan found")
	ErrAlreadyQueued     = errors.New("user is already queued for this book")
	ErrBookNotFound      = errors.New("book not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrHoldNotFound      = errors.New("hold not found")
	ErrHoldNotWaiting    = errors.New("hold is no longer waiting")
	ErrCopiesOnLoan      = errors.New("not enough available copies to remove")
	ErrInvalidCopies     = errors.New("copy count must be positive")
)

// ErrBusy is returned when a per-book or per-user lock could not be acquired
// within the configured wait. The operation made no changes and may be retried.
var ErrBusy = errors.New("resource busy, try again")

// ErrOverCapacity means an increment would push available copies above the
// total. It indicates a double return or corrupted counts and is never expected.
var ErrOverCapacity = errors.New("available copies would exceed total copies")

var businessErrors = []error{
	ErrOutOfStock,
	ErrLoanLimitExceeded,
	ErrDuplicateLoan,
	ErrLoanNotFound,
	ErrAlreadyQueued,
	ErrBookNotFound,
	ErrUserNotFound,
	ErrHoldNotFound,
	ErrHoldNotWaiting,
	ErrCopiesOnLoan,
	ErrInvalidCopies,
}

// IsBusinessError reports whether err is an expected domain condition rather
// than an internal failure.
func IsBusinessError(err error) bool {
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
