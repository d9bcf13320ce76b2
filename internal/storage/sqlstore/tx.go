package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"

	"lending/internal/models"
	"lending/internal/storage"
)

const openStatuses = "('active', 'overdue')"

var loanColumns = []interface{}{
	"id", "book_id", "user_id", "issued_at", "due_at", "returned_at", "status", "overdue_by", "penalty",
}

type bookRow struct {
	ID              string    `db:"id"`
	Title           string    `db:"title"`
	Author          string    `db:"author"`
	ISBN            string    `db:"isbn"`
	TotalCopies     int       `db:"total_copies"`
	AvailableCopies int       `db:"available_copies"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r bookRow) model() models.Book {
	return models.Book{
		ID:              r.ID,
		Title:           r.Title,
		Author:          r.Author,
		ISBN:            r.ISBN,
		TotalCopies:     r.TotalCopies,
		AvailableCopies: r.AvailableCopies,
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

type userRow struct {
	ID              string    `db:"id"`
	Name            string    `db:"name"`
	ActiveLoanLimit int       `db:"active_loan_limit"`
	TelegramChatID  int64     `db:"telegram_chat_id"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r userRow) model() models.User {
	return models.User{
		ID:              r.ID,
		Name:            r.Name,
		ActiveLoanLimit: r.ActiveLoanLimit,
		TelegramChatID:  r.TelegramChatID,
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

type loanRow struct {
	ID         string       `db:"id"`
	BookID     string       `db:"book_id"`
	UserID     string       `db:"user_id"`
	IssuedAt   time.Time    `db:"issued_at"`
	DueAt      time.Time    `db:"due_at"`
	ReturnedAt sql.NullTime `db:"returned_at"`
	Status     string       `db:"status"`
	OverdueBy  int64        `db:"overdue_by"`
	Penalty    int64        `db:"penalty"`
}

func (r loanRow) model() models.Loan {
	loan := models.Loan{
		ID:        r.ID,
		BookID:    r.BookID,
		UserID:    r.UserID,
		IssuedAt:  r.IssuedAt.UTC(),
		DueAt:     r.DueAt.UTC(),
		Status:    models.LoanStatus(r.Status),
		OverdueBy: time.Duration(r.OverdueBy),
		Penalty:   r.Penalty,
	}
	if r.ReturnedAt.Valid {
		returned := r.ReturnedAt.Time.UTC()
		loan.ReturnedAt = &returned
	}
	return loan
}

type holdRow struct {
	Seq        int64        `db:"seq"`
	ID         string       `db:"id"`
	BookID     string       `db:"book_id"`
	UserID     string       `db:"user_id"`
	QueuedAt   time.Time    `db:"queued_at"`
	Status     string       `db:"status"`
	LoanID     string       `db:"loan_id"`
	ResolvedAt sql.NullTime `db:"resolved_at"`
}

func (r holdRow) model() models.Hold {
	hold := models.Hold{
		ID:       r.ID,
		BookID:   r.BookID,
		UserID:   r.UserID,
		QueuedAt: r.QueuedAt.UTC(),
		Seq:      r.Seq,
		Status:   models.HoldStatus(r.Status),
		LoanID:   r.LoanID,
	}
	if r.ResolvedAt.Valid {
		resolved := r.ResolvedAt.Time.UTC()
		hold.ResolvedAt = &resolved
	}
	return hold
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// sqlTx implements storage.Tx. Queries are written with ? placeholders and
// rebound for the driver.
type sqlTx struct {
	tx      *sqlx.Tx
	builder goqu.DialectWrapper
}

func (t *sqlTx) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *sqlTx) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := t.tx.GetContext(ctx, dest, t.tx.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func (t *sqlTx) CreateBook(ctx context.Context, book models.Book) error {
	_, err := t.exec(ctx,
		`INSERT INTO books (id, title, author, isbn, total_copies, available_copies, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		book.ID, book.Title, book.Author, book.ISBN, book.TotalCopies, book.AvailableCopies, book.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("book %s: %w", book.ID, storage.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create book: %w", err)
	}
	return nil
}

func (t *sqlTx) GetBook(ctx context.Context, id string) (models.Book, error) {
	var row bookRow
	err := t.get(ctx, &row,
		`SELECT id, title, author, isbn, total_copies, available_copies, created_at FROM books WHERE id = ?`, id)
	if err != nil {
		return models.Book{}, err
	}
	return row.model(), nil
}

func (t *sqlTx) UpdateBookCopies(ctx context.Context, id string, total, available int) error {
	n, err := t.exec(ctx, `UPDATE books SET total_copies = ?, available_copies = ? WHERE id = ?`, total, available, id)
	if err != nil {
		return fmt.Errorf("failed to update copies: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *sqlTx) CreateUser(ctx context.Context, user models.User) error {
	_, err := t.exec(ctx,
		`INSERT INTO users (id, name, active_loan_limit, telegram_chat_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Name, user.ActiveLoanLimit, user.TelegramChatID, user.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", user.ID, storage.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (t *sqlTx) GetUser(ctx context.Context, id string) (models.User, error) {
	var row userRow
	err := t.get(ctx, &row,
		`SELECT id, name, active_loan_limit, telegram_chat_id, created_at FROM users WHERE id = ?`, id)
	if err != nil {
		return models.User{}, err
	}
	return row.model(), nil
}

func (t *sqlTx) CreateLoan(ctx context.Context, loan models.Loan) error {
	_, err := t.exec(ctx,
		`INSERT INTO loans (id, book_id, user_id, issued_at, due_at, returned_at, status, overdue_by, penalty)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID, loan.BookID, loan.UserID, loan.IssuedAt.UTC(), loan.DueAt.UTC(), nullTime(loan.ReturnedAt),
		string(loan.Status), int64(loan.OverdueBy), loan.Penalty)
	if isUniqueViolation(err) {
		return fmt.Errorf("loan %s: %w", loan.ID, storage.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

func (t *sqlTx) UpdateLoan(ctx context.Context, loan models.Loan) error {
	n, err := t.exec(ctx,
		`UPDATE loans SET due_at = ?, returned_at = ?, status = ?, overdue_by = ?, penalty = ? WHERE id = ?`,
		loan.DueAt.UTC(), nullTime(loan.ReturnedAt), string(loan.Status), int64(loan.OverdueBy), loan.Penalty, loan.ID)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *sqlTx) GetLoan(ctx context.Context, id string) (models.Loan, error) {
	var row loanRow
	err := t.get(ctx, &row,
		`SELECT id, book_id, user_id, issued_at, due_at, returned_at, status, overdue_by, penalty FROM loans WHERE id = ?`, id)
	if err != nil {
		return models.Loan{}, err
	}
	return row.model(), nil
}

func (t *sqlTx) FindOpenLoan(ctx context.Context, userID, bookID string) (models.Loan, bool, error) {
	var row loanRow
	err := t.get(ctx, &row,
		`SELECT id, book_id, user_id, issued_at, due_at, returned_at, status, overdue_by, penalty FROM loans
		 WHERE user_id = ? AND book_id = ? AND status IN `+openStatuses, userID, bookID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Loan{}, false, nil
	}
	if err != nil {
		return models.Loan{}, false, err
	}
	return row.model(), true, nil
}

func (t *sqlTx) CountOpenLoans(ctx context.Context, userID string) (int, error) {
	var n int
	err := t.get(ctx, &n, `SELECT COUNT(*) FROM loans WHERE user_id = ? AND status IN `+openStatuses, userID)
	return n, err
}

func (t *sqlTx) ListLoans(ctx context.Context, filter storage.LoanFilter) ([]models.Loan, error) {
	ds := t.builder.From("loans").
		Select(loanColumns...).
		Order(goqu.I("issued_at").Asc(), goqu.I("id").Asc())

	if filter.UserID != "" {
		ds = ds.Where(goqu.Ex{"user_id": filter.UserID})
	}
	if filter.BookID != "" {
		ds = ds.Where(goqu.Ex{"book_id": filter.BookID})
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		ds = ds.Where(goqu.C("status").In(statuses))
	}
	if filter.Limit > 0 {
		ds = ds.Limit(uint(filter.Limit))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build loan query: %w", err)
	}

	var rows []loanRow
	if err := t.tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	loans := make([]models.Loan, 0, len(rows))
	for _, r := range rows {
		loans = append(loans, r.model())
	}
	return loans, nil
}

func (t *sqlTx) CreateHold(ctx context.Context, hold models.Hold) (models.Hold, error) {
	err := t.tx.QueryRowxContext(ctx, t.tx.Rebind(
		`INSERT INTO holds (id, book_id, user_id, queued_at, status, loan_id, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING seq`),
		hold.ID, hold.BookID, hold.UserID, hold.QueuedAt.UTC(), string(hold.Status), hold.LoanID, nullTime(hold.ResolvedAt),
	).Scan(&hold.Seq)
	if isUniqueViolation(err) {
		return models.Hold{}, fmt.Errorf("hold %s: %w", hold.ID, storage.ErrAlreadyExists)
	}
	if err != nil {
		return models.Hold{}, fmt.Errorf("failed to create hold: %w", err)
	}
	return hold, nil
}

func (t *sqlTx) UpdateHold(ctx context.Context, hold models.Hold) error {
	n, err := t.exec(ctx,
		`UPDATE holds SET status = ?, loan_id = ?, resolved_at = ? WHERE id = ?`,
		string(hold.Status), hold.LoanID, nullTime(hold.ResolvedAt), hold.ID)
	if err != nil {
		return fmt.Errorf("failed to update hold: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *sqlTx) GetHold(ctx context.Context, id string) (models.Hold, error) {
	var row holdRow
	err := t.get(ctx, &row,
		`SELECT seq, id, book_id, user_id, queued_at, status, loan_id, resolved_at FROM holds WHERE id = ?`, id)
	if err != nil {
		return models.Hold{}, err
	}
	return row.model(), nil
}

func (t *sqlTx) FindWaitingHold(ctx context.Context, userID, bookID string) (models.Hold, bool, error) {
	var row holdRow
	err := t.get(ctx, &row,
		`SELECT seq, id, book_id, user_id, queued_at, status, loan_id, resolved_at FROM holds
		 WHERE user_id = ? AND book_id = ? AND status = 'waiting'`, userID, bookID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Hold{}, false, nil
	}
	if err != nil {
		return models.Hold{}, false, err
	}
	return row.model(), true, nil
}

func (t *sqlTx) ListWaitingHolds(ctx context.Context, bookID string) ([]models.Hold, error) {
	var rows []holdRow
	err := t.tx.SelectContext(ctx, &rows, t.tx.Rebind(
		`SELECT seq, id, book_id, user_id, queued_at, status, loan_id, resolved_at FROM holds
		 WHERE book_id = ? AND status = 'waiting' ORDER BY queued_at, seq`), bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list holds: %w", err)
	}
	holds := make([]models.Hold, 0, len(rows))
	for _, r := range rows {
		holds = append(holds, r.model())
	}
	return holds, nil
}
