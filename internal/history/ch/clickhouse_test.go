package ch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clickhouseTC "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"lending/internal/models"
)

// createSchema mirrors migrations/clickhouse
func createSchema(ctx context.Context, db *HistoryDB) error {
	_ = db.conn.Exec(ctx, "DROP TABLE IF EXISTS loan_events")
	return db.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS loan_events (
			occurred_at DateTime64(3, 'UTC'),
			type LowCardinality(String),
			book_id String,
			user_id String,
			loan_id String,
			hold_id String,
			details String
		) ENGINE = MergeTree()
		ORDER BY (type, occurred_at)
	`)
}

// setupTestDB starts a ClickHouse container
func setupTestDB(t *testing.T) *HistoryDB {
	if testing.Short() {
		t.Skip("skipping ClickHouse container test in short mode")
	}
	ctx := context.Background()

	container, err := clickhouseTC.Run(ctx,
		"clickhouse/clickhouse-server:24.3.3.102-alpine",
		clickhouseTC.WithUsername("default"),
		clickhouseTC.WithPassword(""),
		clickhouseTC.WithDatabase("default"),
	)
	require.NoError(t, err, "Failed to start ClickHouse container")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000/tcp")
	require.NoError(t, err)

	db, err := NewHistoryDB(host, port.Int(), "default", "default", "", false)
	require.NoError(t, err, "Failed to connect to ClickHouse")
	require.NoError(t, createSchema(ctx, db), "Failed to create schema")

	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})
	return db
}

func TestHistoryDB_PublishAndRecentEvents(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, db.Publish(ctx, models.Event{
		Type: models.EventLoanIssued, OccurredAt: base, BookID: "b1", UserID: "u1", LoanID: "l1",
	}))
	require.NoError(t, db.Publish(ctx, models.Event{
		Type: models.EventLoanReturned, OccurredAt: base.Add(time.Hour), BookID: "b1", UserID: "u1", LoanID: "l1",
		Details: map[string]string{"penalty": "0"},
	}))

	events, err := db.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventLoanReturned, events[0].Type)
	assert.Equal(t, "0", events[0].Details["penalty"])
	assert.True(t, events[1].OccurredAt.Equal(base))
	assert.Nil(t, events[1].Details)
}

func TestHistoryDB_TopBorrowedBooks(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	publish := func(typ models.EventType, book string, at time.Time) {
		require.NoError(t, db.Publish(ctx, models.Event{Type: typ, OccurredAt: at, BookID: book, UserID: "u"}))
	}
	publish(models.EventLoanIssued, "popular", base)
	publish(models.EventLoanIssued, "popular", base.Add(time.Hour))
	publish(models.EventLoanOverdue, "popular", base.Add(2*time.Hour))
	publish(models.EventLoanIssued, "quiet", base.Add(3*time.Hour))
	publish(models.EventHoldQueued, "unborrowed", base)
	publish(models.EventLoanIssued, "outside", base.Add(-48*time.Hour))

	stats, err := db.TopBorrowedBooks(ctx, 10, base, base.Add(24*time.Hour))
	require.NoError(t, err)

	require.Len(t, stats, 2)
	assert.Equal(t, "popular", stats[0].BookID)
	assert.Equal(t, 2, stats[0].LoanCount)
	assert.InDelta(t, 0.5, stats[0].OverdueRate, 0.001)
	assert.True(t, stats[0].LastLoanAt.Equal(base.Add(time.Hour)))
	assert.Equal(t, "quiet", stats[1].BookID)
	assert.Zero(t, stats[1].OverdueRate)
}

func TestDetailsEncoding(t *testing.T) {
	s, err := encodeDetails(map[string]string{"due_at": "2024-06-15T09:00:00Z"})
	require.NoError(t, err)

	details, err := decodeDetails(s)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-15T09:00:00Z", details["due_at"])

	empty, err := encodeDetails(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", empty)

	_, err = decodeDetails("{not json")
	assert.Error(t, err)
}
