package lending

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lending/internal/metrics"
	"lending/internal/models"
	"lending/internal/storage"
)

// Engine runs the loan lifecycle: borrowing, returning, holds and the overdue
// sweep. It serializes work per book and per user with a Locker, always taking
// the book lock before the user lock, and acquires every lock before opening
// the storage transaction.
type Engine struct {
	store   storage.Storage
	locks   *Locker
	ledger  Ledger
	holds   HoldQueue
	policy  Policy
	penalty PenaltyPolicy
	sink    EventSink
	metrics *metrics.Collector
	logger  *zap.Logger
	clock   func() time.Time
	newID   func() string

	lockTimeout time.Duration
}

// Option configures an Engine
type Option func(*Engine)

// WithPolicy sets the loan period and default loan limit
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithPenaltyPolicy sets how overdue returns are priced
func WithPenaltyPolicy(p PenaltyPolicy) Option {
	return func(e *Engine) {
		e.penalty = p
	}
}

// WithEventSink sets the receiver of committed lifecycle events
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithMetrics sets the Prometheus collector
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) {
		e.metrics = c
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock replaces time.Now, mostly for tests
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithIDGenerator replaces the UUID generator used for new records
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		e.newID = newID
	}
}

// WithLockTimeout bounds how long an operation waits for a book or user lock
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.lockTimeout = d
	}
}

// NewEngine creates an Engine on top of store
func NewEngine(store storage.Storage, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		policy:      DefaultPolicy(),
		penalty:     DailyFine(0),
		sink:        nopSink{},
		logger:      zap.NewNop(),
		clock:       time.Now,
		newID:       uuid.NewString,
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.locks = NewLocker(e.lockTimeout)
	e.ledger = NewLedger(e.logger)
	e.holds = HoldQueue{newID: e.newID}
	return e
}

// BorrowResult is the outcome of a successful Borrow: either a Loan, or a Hold
// when no copy was available. FulfilledHold is the user's own waiting hold
// that the new loan closed, if there was one.
type BorrowResult struct {
	Loan          *models.Loan
	Hold          *models.Hold
	FulfilledHold *models.Hold
}

// Queued reports whether the request was turned into a hold
func (r BorrowResult) Queued() bool {
	return r.Hold != nil
}

// ReturnResult describes a completed return
type ReturnResult struct {
	Loan models.Loan

	// Promoted is the loan created for the next holder, if the copy went
	// straight to them.
	Promoted      *models.Loan
	FulfilledHold *models.Hold
}

// Borrow issues a copy of bookID to userID. When no copy is available the user
// is queued and the result carries the new Hold instead of a Loan.
func (e *Engine) Borrow(ctx context.Context, userID, bookID string) (BorrowResult, error) {
	const op = "borrow"

	unlockBook, err := e.lock(ctx, op, bookKey(bookID))
	if err != nil {
		return BorrowResult{}, err
	}
	defer unlockBook()

	unlockUser, err := e.lock(ctx, op, userKey(userID))
	if err != nil {
		return BorrowResult{}, err
	}
	defer unlockUser()

	now := e.clock()
	var (
		result BorrowResult
		events []models.Event
	)
	err = e.store.Atomic(ctx, func(tx storage.Tx) error {
		result, events = BorrowResult{}, nil

		user, err := e.user(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := e.checkEligible(ctx, tx, user, bookID); err != nil {
			return err
		}

		_, err = e.ledger.Decrement(ctx, tx, bookID)
		if errors.Is(err, ErrOutOfStock) {
			hold, err := e.holds.Enqueue(ctx, tx, userID, bookID, now)
			if err != nil {
				return err
			}
			result.Hold = &hold
			events = append(events, holdEvent(models.EventHoldQueued, hold, now))
			return nil
		}
		if err != nil {
			return err
		}

		loan, err := e.issueLoan(ctx, tx, userID, bookID, now)
		if err != nil {
			return err
		}
		result.Loan = &loan
		events = append(events, loanEvent(models.EventLoanIssued, loan, now))

		// A holder who was skipped earlier may take a shelf copy directly.
		waiting, found, err := tx.FindWaitingHold(ctx, userID, bookID)
		if err != nil {
			return fmt.Errorf("failed to look up hold: %w", err)
		}
		if found {
			fulfilled, err := e.holds.Fulfill(ctx, tx, waiting.ID, loan.ID, now)
			if err != nil {
				return err
			}
			result.FulfilledHold = &fulfilled
			events = append(events, fulfilledEvent(fulfilled, loan, now))
		}
		return nil
	})
	if err != nil {
		e.metrics.Borrow(outcomeLabel(err))
		e.logFailure(op, err, zap.String("user_id", userID), zap.String("book_id", bookID))
		return BorrowResult{}, err
	}

	if result.Queued() {
		e.metrics.Borrow("queued")
		e.metrics.Hold(string(models.HoldWaiting))
	} else {
		e.metrics.Borrow("loan")
		if result.FulfilledHold != nil {
			e.metrics.Hold(string(models.HoldFulfilled))
		}
	}
	e.publish(ctx, events)
	return result, nil
}

// Return closes an open loan. If someone is waiting for the book, the copy is
// lent to the earliest eligible holder in the same transaction.
func (e *Engine) Return(ctx context.Context, loanID string) (ReturnResult, error) {
	const op = "return"

	loan, err := e.openLoan(ctx, loanID)
	if err != nil {
		e.logFailure(op, err, zap.String("loan_id", loanID))
		return ReturnResult{}, err
	}

	unlockBook, err := e.lock(ctx, op, bookKey(loan.BookID))
	if err != nil {
		return ReturnResult{}, err
	}
	defer unlockBook()

	candidate, unlockCandidate, err := e.nextEligibleHold(ctx, op, loan.BookID)
	if err != nil {
		e.logFailure(op, err, zap.String("loan_id", loanID))
		return ReturnResult{}, err
	}
	defer unlockCandidate()

	now := e.clock()
	var (
		result ReturnResult
		events []models.Event
	)
	err = e.store.Atomic(ctx, func(tx storage.Tx) error {
		result, events = ReturnResult{}, nil

		current, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return fmt.Errorf("failed to reload loan %s: %w", loanID, err)
		}
		if !current.Status.IsOpen() {
			return fmt.Errorf("loan %s: %w", loanID, ErrLoanNotFound)
		}

		closed := e.closeLoan(current, now)
		if err := tx.UpdateLoan(ctx, closed); err != nil {
			return fmt.Errorf("failed to close loan %s: %w", loanID, err)
		}
		if _, err := e.ledger.Increment(ctx, tx, closed.BookID); err != nil {
			return err
		}
		result.Loan = closed
		events = append(events, returnEvent(closed, now))

		if candidate == nil {
			return nil
		}
		promoted, hold, err := e.promote(ctx, tx, *candidate, now)
		if err != nil {
			return err
		}
		result.Promoted = &promoted
		result.FulfilledHold = &hold
		events = append(events,
			loanEvent(models.EventLoanIssued, promoted, now),
			fulfilledEvent(hold, promoted, now),
		)
		return nil
	})
	if err != nil {
		e.logFailure(op, err, zap.String("loan_id", loanID))
		return ReturnResult{}, err
	}

	e.metrics.Return(result.Promoted != nil, result.Loan.OverdueBy > 0)
	if result.Promoted != nil {
		e.metrics.Hold(string(models.HoldFulfilled))
	}
	e.publish(ctx, events)
	return result, nil
}

// CancelHold withdraws a waiting hold. Cancelling a cancelled hold is a no-op.
func (e *Engine) CancelHold(ctx context.Context, holdID string) (models.Hold, error) {
	const op = "cancel_hold"

	var hold models.Hold
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		hold, err = e.holds.get(ctx, tx, holdID)
		return err
	})
	if err != nil {
		return models.Hold{}, err
	}

	unlockBook, err := e.lock(ctx, op, bookKey(hold.BookID))
	if err != nil {
		return models.Hold{}, err
	}
	defer unlockBook()

	now := e.clock()
	var changed bool
	err = e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		hold, changed, err = e.holds.Cancel(ctx, tx, holdID, now)
		return err
	})
	if err != nil {
		e.logFailure(op, err, zap.String("hold_id", holdID))
		return models.Hold{}, err
	}

	if changed {
		e.metrics.Hold(string(models.HoldCancelled))
		e.publish(ctx, []models.Event{holdEvent(models.EventHoldCancelled, hold, now)})
	}
	return hold, nil
}

// nextEligibleHold returns the first waiting hold of bookID whose user may
// take a loan right now, with that user's lock held. The caller must hold the
// book lock and always call the returned unlock function.
func (e *Engine) nextEligibleHold(ctx context.Context, op, bookID string) (*models.Hold, func(), error) {
	holds, unlock, err := e.eligibleHolds(ctx, op, bookID, 1)
	if err != nil || len(holds) == 0 {
		return nil, unlock, err
	}
	return &holds[0], unlock, nil
}

// eligibleHolds walks the waiting holds of bookID in queue order and returns
// up to max whose users may take a loan right now, with their user locks held.
// Ineligible holders keep their place in the queue. The caller must hold the
// book lock and always call the returned unlock function.
func (e *Engine) eligibleHolds(ctx context.Context, op, bookID string, max int) ([]models.Hold, func(), error) {
	noop := func() {}

	var waiting []models.Hold
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		waiting, err = e.holds.Waiting(ctx, tx, bookID)
		return err
	})
	if err != nil {
		return nil, noop, err
	}

	var (
		eligible []models.Hold
		unlocks  []func()
	)
	unlockAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}

	for i := range waiting {
		if len(eligible) == max {
			break
		}
		hold := waiting[i]

		unlockUser, err := e.lock(ctx, op, userKey(hold.UserID))
		if err != nil {
			unlockAll()
			return nil, noop, err
		}

		var eligibleErr error
		err = e.store.Atomic(ctx, func(tx storage.Tx) error {
			user, err := e.user(ctx, tx, hold.UserID)
			if err != nil {
				return err
			}
			eligibleErr = e.checkEligible(ctx, tx, user, bookID)
			return nil
		})
		if err != nil && !errors.Is(err, ErrUserNotFound) {
			unlockUser()
			unlockAll()
			return nil, noop, err
		}
		if err == nil && eligibleErr == nil {
			eligible = append(eligible, hold)
			unlocks = append(unlocks, unlockUser)
			continue
		}

		e.logger.Debug("Skipping ineligible hold",
			zap.String("hold_id", hold.ID),
			zap.String("user_id", hold.UserID),
			zap.String("book_id", bookID),
			zap.NamedError("reason", errors.Join(err, eligibleErr)),
		)
		unlockUser()
	}
	return eligible, unlockAll, nil
}

// promote lends a copy to the owner of hold and marks the hold fulfilled.
// The caller holds the book lock and the hold owner's user lock.
func (e *Engine) promote(ctx context.Context, tx storage.Tx, hold models.Hold, now time.Time) (models.Loan, models.Hold, error) {
	user, err := e.user(ctx, tx, hold.UserID)
	if err != nil {
		return models.Loan{}, models.Hold{}, err
	}
	if err := e.checkEligible(ctx, tx, user, hold.BookID); err != nil {
		return models.Loan{}, models.Hold{}, fmt.Errorf("promote hold %s: %w", hold.ID, err)
	}
	if _, err := e.ledger.Decrement(ctx, tx, hold.BookID); err != nil {
		return models.Loan{}, models.Hold{}, err
	}

	loan, err := e.issueLoan(ctx, tx, hold.UserID, hold.BookID, now)
	if err != nil {
		return models.Loan{}, models.Hold{}, err
	}
	fulfilled, err := e.holds.Fulfill(ctx, tx, hold.ID, loan.ID, now)
	if err != nil {
		return models.Loan{}, models.Hold{}, err
	}
	return loan, fulfilled, nil
}

// checkEligible enforces the loan limit and the one-loan-per-book rule
func (e *Engine) checkEligible(ctx context.Context, tx storage.Tx, user models.User, bookID string) error {
	open, err := tx.CountOpenLoans(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("failed to count loans of %s: %w", user.ID, err)
	}
	if limit := e.loanLimit(user); open >= limit {
		return fmt.Errorf("user %s has %d of %d: %w", user.ID, open, limit, ErrLoanLimitExceeded)
	}

	_, exists, err := tx.FindOpenLoan(ctx, user.ID, bookID)
	if err != nil {
		return fmt.Errorf("failed to look up loan: %w", err)
	}
	if exists {
		return fmt.Errorf("user %s, book %s: %w", user.ID, bookID, ErrDuplicateLoan)
	}
	return nil
}

func (e *Engine) loanLimit(user models.User) int {
	if user.ActiveLoanLimit > 0 {
		return user.ActiveLoanLimit
	}
	return e.policy.DefaultLoanLimit
}

func (e *Engine) issueLoan(ctx context.Context, tx storage.Tx, userID, bookID string, now time.Time) (models.Loan, error) {
	loan := models.Loan{
		ID:       e.newID(),
		BookID:   bookID,
		UserID:   userID,
		IssuedAt: now,
		DueAt:    now.Add(e.policy.LoanPeriod),
		Status:   models.LoanActive,
	}
	if err := tx.CreateLoan(ctx, loan); err != nil {
		return models.Loan{}, fmt.Errorf("failed to create loan: %w", err)
	}
	return loan, nil
}

func (e *Engine) closeLoan(loan models.Loan, now time.Time) models.Loan {
	returnedAt := now
	loan.ReturnedAt = &returnedAt
	loan.Status = models.LoanReturned
	if overdue := now.Sub(loan.DueAt); overdue > 0 {
		loan.OverdueBy = overdue
		loan.Penalty = e.penalty.Penalty(overdue)
	}
	return loan
}

// openLoan reads loanID outside any lock and fails unless it is still open
func (e *Engine) openLoan(ctx context.Context, loanID string) (models.Loan, error) {
	var loan models.Loan
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		loan, err = tx.GetLoan(ctx, loanID)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return models.Loan{}, fmt.Errorf("loan %s: %w", loanID, ErrLoanNotFound)
	}
	if err != nil {
		return models.Loan{}, fmt.Errorf("failed to load loan %s: %w", loanID, err)
	}
	if !loan.Status.IsOpen() {
		return models.Loan{}, fmt.Errorf("loan %s is %s: %w", loanID, loan.Status, ErrLoanNotFound)
	}
	return loan, nil
}

func (e *Engine) user(ctx context.Context, tx storage.Tx, userID string) (models.User, error) {
	user, err := tx.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.User{}, fmt.Errorf("user %s: %w", userID, ErrUserNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	return user, nil
}

func (e *Engine) lock(ctx context.Context, op, key string) (func(), error) {
	unlock, err := e.locks.Lock(ctx, key)
	if errors.Is(err, ErrBusy) {
		e.metrics.Busy(op)
		e.logger.Warn("Lock wait timed out",
			zap.String("operation", op),
			zap.String("key", key),
			zap.Duration("timeout", e.lockTimeout),
		)
		return nil, fmt.Errorf("%s %s: %w", op, key, ErrBusy)
	}
	if err != nil {
		return nil, err
	}
	return unlock, nil
}

func (e *Engine) publish(ctx context.Context, events []models.Event) {
	ctx = context.WithoutCancel(ctx)
	for _, event := range events {
		if err := e.sink.Publish(ctx, event); err != nil {
			e.logger.Warn("Failed to publish lending event",
				zap.String("event", string(event.Type)),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) logFailure(op string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("operation", op), zap.Error(err))
	switch {
	case IsBusinessError(err):
		e.logger.Debug("Lending request rejected", fields...)
	case errors.Is(err, ErrBusy), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.logger.Warn("Lending request aborted", fields...)
	default:
		e.metrics.Failure(op)
		e.logger.Error("Lending operation failed", fields...)
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrLoanLimitExceeded):
		return "loan_limit_exceeded"
	case errors.Is(err, ErrDuplicateLoan):
		return "duplicate_loan"
	case errors.Is(err, ErrAlreadyQueued):
		return "already_queued"
	case errors.Is(err, ErrBusy):
		return "busy"
	case IsBusinessError(err):
		return "rejected"
	default:
		return "error"
	}
}

func loanEvent(t models.EventType, loan models.Loan, now time.Time) models.Event {
	return models.Event{
		Type:       t,
		OccurredAt: now,
		BookID:     loan.BookID,
		UserID:     loan.UserID,
		LoanID:     loan.ID,
		Details: map[string]string{
			"due_at": loan.DueAt.UTC().Format(time.RFC3339),
		},
	}
}

func returnEvent(loan models.Loan, now time.Time) models.Event {
	return models.Event{
		Type:       models.EventLoanReturned,
		OccurredAt: now,
		BookID:     loan.BookID,
		UserID:     loan.UserID,
		LoanID:     loan.ID,
		Details: map[string]string{
			"overdue_seconds": strconv.FormatInt(int64(loan.OverdueBy/time.Second), 10),
			"penalty":         strconv.FormatInt(loan.Penalty, 10),
		},
	}
}

func holdEvent(t models.EventType, hold models.Hold, now time.Time) models.Event {
	return models.Event{
		Type:       t,
		OccurredAt: now,
		BookID:     hold.BookID,
		UserID:     hold.UserID,
		HoldID:     hold.ID,
	}
}

func fulfilledEvent(hold models.Hold, loan models.Loan, now time.Time) models.Event {
	event := holdEvent(models.EventHoldFulfilled, hold, now)
	event.LoanID = loan.ID
	event.Details = map[string]string{
		"due_at": loan.DueAt.UTC().Format(time.RFC3339),
	}
	return event
}
