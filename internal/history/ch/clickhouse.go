// Package ch stores lending events in ClickHouse for reporting.
package ch

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	jsoniter "github.com/json-iterator/go"

	"lending/internal/models"
)

// HistoryDB is an append-only log of lending events. It implements
// lending.EventSink.
type HistoryDB struct {
	conn clickhouse.Conn
}

// NewHistoryDB connects to ClickHouse over the native protocol
func NewHistoryDB(host string, port int, database, user, password string, useTLS bool) (*HistoryDB, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	options := &clickhouse.Options{
		Addr:     []string{addr},
		Protocol: clickhouse.Native,
		Auth: clickhouse.Auth{
			Database: database,
			Username: user,
			Password: password,
		},
	}
	if useTLS {
		options.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &HistoryDB{conn: conn}, nil
}

// Publish appends event to the loan_events table
func (db *HistoryDB) Publish(ctx context.Context, event models.Event) error {
	details, err := encodeDetails(event.Details)
	if err != nil {
		return err
	}

	err = db.conn.Exec(ctx,
		`INSERT INTO loan_events (occurred_at, type, book_id, user_id, loan_id, hold_id, details) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.OccurredAt.UTC(), string(event.Type), event.BookID, event.UserID, event.LoanID, event.HoldID, details)
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", event.Type, err)
	}
	return nil
}

// RecentEvents returns the last limit events, newest first
func (db *HistoryDB) RecentEvents(ctx context.Context, limit int) ([]models.Event, error) {
	rows, err := db.conn.Query(ctx,
		`SELECT occurred_at, type, book_id, user_id, loan_id, hold_id, details FROM loan_events ORDER BY occurred_at DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			event   models.Event
			typ     string
			details string
		)
		if err := rows.Scan(&event.OccurredAt, &typ, &event.BookID, &event.UserID, &event.LoanID, &event.HoldID, &details); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = models.EventType(typ)
		if event.Details, err = decodeDetails(details); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// TopBorrowedBooks ranks books by loans issued in [start, end)
func (db *HistoryDB) TopBorrowedBooks(ctx context.Context, limit int, start, end time.Time) ([]models.BookStat, error) {
	rows, err := db.conn.Query(ctx, `
		SELECT
			book_id,
			countIf(type = 'loan_issued') AS loans,
			maxIf(occurred_at, type = 'loan_issued') AS last_loan,
			countIf(type = 'loan_overdue') / loans AS overdue_rate
		FROM loan_events
		WHERE occurred_at >= ? AND occurred_at < ?
		GROUP BY book_id
		HAVING loans > 0
		ORDER BY loans DESC, book_id
		LIMIT ?`,
		start.UTC(), end.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get top borrowed books: %w", err)
	}
	defer rows.Close()

	var stats []models.BookStat
	for rows.Next() {
		var (
			stat  models.BookStat
			loans uint64
		)
		if err := rows.Scan(&stat.BookID, &loans, &stat.LastLoanAt, &stat.OverdueRate); err != nil {
			return nil, fmt.Errorf("failed to scan book stat: %w", err)
		}
		stat.LoanCount = int(loans)
		stats = append(stats, stat)
	}
	return stats, rows.Err()
}

// Close closes the connection
func (db *HistoryDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func encodeDetails(details map[string]string) (string, error) {
	if len(details) == 0 {
		return "{}", nil
	}
	s, err := jsoniter.ConfigFastest.MarshalToString(details)
	if err != nil {
		return "", fmt.Errorf("failed to encode event details: %w", err)
	}
	return s, nil
}

func decodeDetails(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var details map[string]string
	if err := jsoniter.ConfigFastest.UnmarshalFromString(s, &details); err != nil {
		return nil, fmt.Errorf("failed to decode event details: %w", err)
	}
	return details, nil
}
