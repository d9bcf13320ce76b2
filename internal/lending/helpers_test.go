package lending

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lending/internal/models"
	"lending/internal/storage"
	"lending/internal/storage/stubs"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *recordingSink) Publish(ctx context.Context, event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) types() []models.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]models.EventType, 0, len(s.events))
	for _, e := range s.events {
		types = append(types, e.Type)
	}
	return types
}

type testEnv struct {
	engine *Engine
	db     *stubs.MockDB
	clock  *fakeClock
	sink   *recordingSink
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, nil, opts...)
}

// newTestEnvWithStore builds an engine over wrap(db) when wrap is given
func newTestEnvWithStore(t *testing.T, wrap func(storage.Storage) storage.Storage, opts ...Option) *testEnv {
	t.Helper()

	db := stubs.NewMockDB()
	require.NoError(t, db.Initialize(context.Background()))

	var store storage.Storage = db
	if wrap != nil {
		store = wrap(db)
	}

	env := &testEnv{db: db, clock: newFakeClock(), sink: &recordingSink{}}
	base := []Option{WithClock(env.clock.Now), WithEventSink(env.sink)}
	env.engine = NewEngine(store, append(base, opts...)...)
	return env
}

func (env *testEnv) addBook(t *testing.T, copies int) models.Book {
	t.Helper()
	book, err := env.engine.AddBook(context.Background(), NewBook{Title: "Learning Domain-Driven Design", Copies: copies})
	require.NoError(t, err)
	return book
}

func (env *testEnv) addUser(t *testing.T, limit int) models.User {
	t.Helper()
	user, err := env.engine.RegisterUser(context.Background(), "reader", limit, 0)
	require.NoError(t, err)
	return user
}

func (env *testEnv) book(t *testing.T, id string) models.Book {
	t.Helper()
	book, err := env.engine.GetBook(context.Background(), id)
	require.NoError(t, err)
	return book
}

func (env *testEnv) hold(t *testing.T, id string) models.Hold {
	t.Helper()
	hold, err := env.engine.GetHold(context.Background(), id)
	require.NoError(t, err)
	return hold
}

func (env *testEnv) borrow(t *testing.T, userID, bookID string) BorrowResult {
	t.Helper()
	result, err := env.engine.Borrow(context.Background(), userID, bookID)
	require.NoError(t, err)
	return result
}

// assertLedgerConsistent checks available = total - open loans for bookID
func (env *testEnv) assertLedgerConsistent(t *testing.T, bookID string) {
	t.Helper()
	book := env.book(t, bookID)
	open, err := env.engine.ListLoans(context.Background(), storage.LoanFilter{
		BookID:   bookID,
		Statuses: []models.LoanStatus{models.LoanActive, models.LoanOverdue},
	})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, book.AvailableCopies, 0)
	assert.LessOrEqual(t, book.AvailableCopies, book.TotalCopies)
	assert.Equal(t, book.TotalCopies-len(open), book.AvailableCopies, "available copies must match open loans")
}

// failingStore injects errors into selected Tx operations
type failingStore struct {
	storage.Storage

	mu             sync.Mutex
	failCreateLoan error
}

func (s *failingStore) setFailCreateLoan(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreateLoan = err
}

func (s *failingStore) Atomic(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.Storage.Atomic(ctx, func(tx storage.Tx) error {
		return fn(&failingTx{Tx: tx, store: s})
	})
}

type failingTx struct {
	storage.Tx
	store *failingStore
}

func (t *failingTx) CreateLoan(ctx context.Context, loan models.Loan) error {
	t.store.mu.Lock()
	err := t.store.failCreateLoan
	t.store.mu.Unlock()
	if err != nil {
		return err
	}
	return t.Tx.CreateLoan(ctx, loan)
}
