package stubs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"lending/internal/models"
	"lending/internal/storage"
)

// MockDB is an in-memory implementation of the Storage interface.
// Writes made inside Atomic are staged and applied together on success.
type MockDB struct {
	mu      sync.RWMutex
	books   map[string]models.Book
	users   map[string]models.User
	loans   map[string]models.Loan
	holds   map[string]models.Hold
	holdSeq atomic.Int64
	commits atomic.Int64
}

// NewMockDB creates a new mock database
func NewMockDB() *MockDB {
	return &MockDB{
		books: make(map[string]models.Book),
		users: make(map[string]models.User),
		loans: make(map[string]models.Loan),
		holds: make(map[string]models.Hold),
	}
}

// Initialize does nothing; the mock needs no schema
func (m *MockDB) Initialize(ctx context.Context) error {
	return nil
}

// Close does nothing for mock DB
func (m *MockDB) Close() error {
	return nil
}

// Commits returns the number of transactions applied so far
func (m *MockDB) Commits() int64 {
	return m.commits.Load()
}

// Atomic runs fn against a staging transaction and applies it if fn succeeds
// and ctx is still live.
func (m *MockDB) Atomic(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &mockTx{
		db:    m,
		books: make(map[string]models.Book),
		users: make(map[string]models.User),
		loans: make(map[string]models.Loan),
		holds: make(map[string]models.Hold),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, b := range tx.books {
		m.books[id] = b
	}
	for id, u := range tx.users {
		m.users[id] = u
	}
	for id, l := range tx.loans {
		m.loans[id] = l
	}
	for id, h := range tx.holds {
		m.holds[id] = h
	}
	m.commits.Add(1)
	return nil
}

// mockTx overlays staged writes on top of the committed maps
type mockTx struct {
	db    *MockDB
	books map[string]models.Book
	users map[string]models.User
	loans map[string]models.Loan
	holds map[string]models.Hold
}

func (t *mockTx) CreateBook(ctx context.Context, book models.Book) error {
	if _, err := t.GetBook(ctx, book.ID); err == nil {
		return fmt.Errorf("book %s: %w", book.ID, storage.ErrAlreadyExists)
	}
	t.books[book.ID] = book
	return nil
}

func (t *mockTx) GetBook(ctx context.Context, id string) (models.Book, error) {
	if b, ok := t.books[id]; ok {
		return b, nil
	}
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()
	if b, ok := t.db.books[id]; ok {
		return b, nil
	}
	return models.Book{}, storage.ErrNotFound
}

func (t *mockTx) UpdateBookCopies(ctx context.Context, id string, total, available int) error {
	book, err := t.GetBook(ctx, id)
	if err != nil {
		return err
	}
	book.TotalCopies = total
	book.AvailableCopies = available
	t.books[id] = book
	return nil
}

func (t *mockTx) CreateUser(ctx context.Context, user models.User) error {
	if _, err := t.GetUser(ctx, user.ID); err == nil {
		return fmt.Errorf("user %s: %w", user.ID, storage.ErrAlreadyExists)
	}
	t.users[user.ID] = user
	return nil
}

func (t *mockTx) GetUser(ctx context.Context, id string) (models.User, error) {
	if u, ok := t.users[id]; ok {
		return u, nil
	}
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()
	if u, ok := t.db.users[id]; ok {
		return u, nil
	}
	return models.User{}, storage.ErrNotFound
}

func (t *mockTx) CreateLoan(ctx context.Context, loan models.Loan) error {
	if _, err := t.GetLoan(ctx, loan.ID); err == nil {
		return fmt.Errorf("loan %s: %w", loan.ID, storage.ErrAlreadyExists)
	}
	t.loans[loan.ID] = loan
	return nil
}

func (t *mockTx) UpdateLoan(ctx context.Context, loan models.Loan) error {
	if _, err := t.GetLoan(ctx, loan.ID); err != nil {
		return err
	}
	t.loans[loan.ID] = loan
	return nil
}

func (t *mockTx) GetLoan(ctx context.Context, id string) (models.Loan, error) {
	if l, ok := t.loans[id]; ok {
		return l, nil
	}
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()
	if l, ok := t.db.loans[id]; ok {
		return l, nil
	}
	return models.Loan{}, storage.ErrNotFound
}

// allLoans merges committed loans with staged ones
func (t *mockTx) allLoans() []models.Loan {
	t.db.mu.RLock()
	merged := make(map[string]models.Loan, len(t.db.loans)+len(t.loans))
	for id, l := range t.db.loans {
		merged[id] = l
	}
	t.db.mu.RUnlock()

	for id, l := range t.loans {
		merged[id] = l
	}

	loans := make([]models.Loan, 0, len(merged))
	for _, l := range merged {
		loans = append(loans, l)
	}
	sort.Slice(loans, func(i, j int) bool {
		if !loans[i].IssuedAt.Equal(loans[j].IssuedAt) {
			return loans[i].IssuedAt.Before(loans[j].IssuedAt)
		}
		return loans[i].ID < loans[j].ID
	})
	return loans
}

func (t *mockTx) FindOpenLoan(ctx context.Context, userID, bookID string) (models.Loan, bool, error) {
	for _, l := range t.allLoans() {
		if l.UserID == userID && l.BookID == bookID && l.Status.IsOpen() {
			return l, true, nil
		}
	}
	return models.Loan{}, false, nil
}

func (t *mockTx) CountOpenLoans(ctx context.Context, userID string) (int, error) {
	count := 0
	for _, l := range t.allLoans() {
		if l.UserID == userID && l.Status.IsOpen() {
			count++
		}
	}
	return count, nil
}

func (t *mockTx) ListLoans(ctx context.Context, filter storage.LoanFilter) ([]models.Loan, error) {
	var loans []models.Loan
	for _, l := range t.allLoans() {
		if filter.UserID != "" && l.UserID != filter.UserID {
			continue
		}
		if filter.BookID != "" && l.BookID != filter.BookID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, l.Status) {
			continue
		}
		loans = append(loans, l)
	}

	if filter.Limit > 0 && filter.Limit < len(loans) {
		loans = loans[:filter.Limit]
	}
	return loans, nil
}

func containsStatus(statuses []models.LoanStatus, s models.LoanStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func (t *mockTx) CreateHold(ctx context.Context, hold models.Hold) (models.Hold, error) {
	if _, err := t.GetHold(ctx, hold.ID); err == nil {
		return models.Hold{}, fmt.Errorf("hold %s: %w", hold.ID, storage.ErrAlreadyExists)
	}
	hold.Seq = t.db.holdSeq.Add(1)
	t.holds[hold.ID] = hold
	return hold, nil
}

func (t *mockTx) UpdateHold(ctx context.Context, hold models.Hold) error {
	existing, err := t.GetHold(ctx, hold.ID)
	if err != nil {
		return err
	}
	hold.Seq = existing.Seq
	t.holds[hold.ID] = hold
	return nil
}

func (t *mockTx) GetHold(ctx context.Context, id string) (models.Hold, error) {
	if h, ok := t.holds[id]; ok {
		return h, nil
	}
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()
	if h, ok := t.db.holds[id]; ok {
		return h, nil
	}
	return models.Hold{}, storage.ErrNotFound
}

// waitingHolds returns all waiting holds in queue order
func (t *mockTx) waitingHolds() []models.Hold {
	t.db.mu.RLock()
	merged := make(map[string]models.Hold, len(t.db.holds)+len(t.holds))
	for id, h := range t.db.holds {
		merged[id] = h
	}
	t.db.mu.RUnlock()

	for id, h := range t.holds {
		merged[id] = h
	}

	var holds []models.Hold
	for _, h := range merged {
		if h.Status == models.HoldWaiting {
			holds = append(holds, h)
		}
	}
	sort.Slice(holds, func(i, j int) bool {
		if !holds[i].QueuedAt.Equal(holds[j].QueuedAt) {
			return holds[i].QueuedAt.Before(holds[j].QueuedAt)
		}
		return holds[i].Seq < holds[j].Seq
	})
	return holds
}

func (t *mockTx) FindWaitingHold(ctx context.Context, userID, bookID string) (models.Hold, bool, error) {
	for _, h := range t.waitingHolds() {
		if h.UserID == userID && h.BookID == bookID {
			return h, true, nil
		}
	}
	return models.Hold{}, false, nil
}

func (t *mockTx) ListWaitingHolds(ctx context.Context, bookID string) ([]models.Hold, error) {
	var holds []models.Hold
	for _, h := range t.waitingHolds() {
		if h.BookID == bookID {
			holds = append(holds, h)
		}
	}
	return holds, nil
}
