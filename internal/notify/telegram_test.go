package notify

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lending/internal/models"
	"lending/internal/storage"
	"lending/internal/storage/stubs"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (s *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if s.err != nil {
		return tgbotapi.Message{}, s.err
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		s.sent = append(s.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func setup(t *testing.T) (*stubs.MockDB, *fakeSender, *TelegramNotifier) {
	t.Helper()
	db := stubs.NewMockDB()
	ctx := context.Background()
	require.NoError(t, db.Atomic(ctx, func(tx storage.Tx) error {
		if err := tx.CreateBook(ctx, models.Book{ID: "book-1", Title: "Dune", TotalCopies: 1}); err != nil {
			return err
		}
		if err := tx.CreateUser(ctx, models.User{ID: "reader", Name: "Paul", ActiveLoanLimit: 5, TelegramChatID: 456}); err != nil {
			return err
		}
		return tx.CreateUser(ctx, models.User{ID: "offline", Name: "Leto", ActiveLoanLimit: 5})
	}))

	sender := &fakeSender{}
	return db, sender, New(sender, db, zap.NewNop())
}

func TestTelegramNotifier_HoldFulfilled(t *testing.T) {
	_, sender, notifier := setup(t)

	err := notifier.Publish(context.Background(), models.Event{
		Type:    models.EventHoldFulfilled,
		BookID:  "book-1",
		UserID:  "reader",
		Details: map[string]string{"due_at": "2024-06-15T09:00:00Z"},
	})

	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, int64(456), sender.sent[0].ChatID)
	assert.Contains(t, sender.sent[0].Text, "Dune")
	assert.Contains(t, sender.sent[0].Text, "2024-06-15")
}

func TestTelegramNotifier_Overdue(t *testing.T) {
	_, sender, notifier := setup(t)

	err := notifier.Publish(context.Background(), models.Event{Type: models.EventLoanOverdue, BookID: "book-1", UserID: "reader"})

	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0].Text, "overdue")
}

func TestTelegramNotifier_SkipsOtherEventsAndOfflineReaders(t *testing.T) {
	_, sender, notifier := setup(t)
	ctx := context.Background()

	require.NoError(t, notifier.Publish(ctx, models.Event{Type: models.EventLoanIssued, BookID: "book-1", UserID: "reader"}))
	require.NoError(t, notifier.Publish(ctx, models.Event{Type: models.EventHoldFulfilled, BookID: "book-1", UserID: "offline"}))

	assert.Empty(t, sender.sent)
}

func TestTelegramNotifier_Errors(t *testing.T) {
	_, sender, notifier := setup(t)
	ctx := context.Background()

	err := notifier.Publish(ctx, models.Event{Type: models.EventHoldFulfilled, BookID: "book-1", UserID: "ghost"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	sender.err = errors.New("telegram down")
	err = notifier.Publish(ctx, models.Event{Type: models.EventLoanOverdue, BookID: "book-1", UserID: "reader"})
	assert.ErrorIs(t, err, sender.err)
}
