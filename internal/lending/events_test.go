package lending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"lending/internal/models"
)

type failingSink struct{ err error }

func (s failingSink) Publish(context.Context, models.Event) error { return s.err }

func TestSinks_FanOutAndJoinErrors(t *testing.T) {
	first := &recordingSink{}
	second := &recordingSink{}
	boom := errors.New("sink down")
	sinks := Sinks{first, failingSink{err: boom}, second}

	err := sinks.Publish(context.Background(), models.Event{Type: models.EventLoanIssued})

	assert.ErrorIs(t, err, boom)
	assert.Len(t, first.events, 1)
	assert.Len(t, second.events, 1)
}

func TestLogSink_WritesEventFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := LogSink{Logger: zap.New(core)}

	err := sink.Publish(context.Background(), models.Event{
		Type:       models.EventLoanReturned,
		OccurredAt: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
		BookID:     "book-1",
		UserID:     "user-1",
		LoanID:     "loan-1",
		Details:    map[string]string{"penalty": "100"},
	})

	require.NoError(t, err)
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "loan_returned", fields["event"])
	assert.Equal(t, "loan-1", fields["loan_id"])
	assert.Equal(t, "100", fields["penalty"])
	assert.NotContains(t, fields, "hold_id")
}

func TestEngine_SinkFailureDoesNotUndoBorrow(t *testing.T) {
	env := newTestEnv(t, WithEventSink(failingSink{err: errors.New("sink down")}))
	book := env.addBook(t, 1)
	user := env.addUser(t, 0)

	result, err := env.engine.Borrow(context.Background(), user.ID, book.ID)

	require.NoError(t, err)
	require.NotNil(t, result.Loan)
	assert.Equal(t, 0, env.book(t, book.ID).AvailableCopies)
}

func TestDailyFine(t *testing.T) {
	tests := []struct {
		name    string
		fine    DailyFine
		overdue time.Duration
		want    int64
	}{
		{name: "on time", fine: 50, overdue: 0, want: 0},
		{name: "one minute late", fine: 50, overdue: time.Minute, want: 50},
		{name: "exactly one day", fine: 50, overdue: 24 * time.Hour, want: 50},
		{name: "a day and a bit", fine: 50, overdue: 25 * time.Hour, want: 100},
		{name: "fines disabled", fine: 0, overdue: 72 * time.Hour, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fine.Penalty(tt.overdue))
		})
	}
}
