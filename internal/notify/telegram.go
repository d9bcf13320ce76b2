// Package notify tells readers about their loans over Telegram.
package notify

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"lending/internal/models"
	"lending/internal/storage"
)

// Sender is the part of tgbotapi.BotAPI used for notifications
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier is a lending event sink that messages the affected reader.
// Readers without a Telegram chat ID are skipped.
type TelegramNotifier struct {
	sender Sender
	store  storage.Storage
	logger *zap.Logger
}

// NewTelegramNotifier creates a notifier backed by the bot with token
func NewTelegramNotifier(token string, store storage.Storage, logger *zap.Logger) (*TelegramNotifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		logger.Error("Failed to create bot API", zap.Error(err))
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	logger.Info("Telegram notifier ready", zap.String("bot_username", api.Self.UserName))
	return New(api, store, logger), nil
}

// New creates a notifier that sends through sender
func New(sender Sender, store storage.Storage, logger *zap.Logger) *TelegramNotifier {
	return &TelegramNotifier{sender: sender, store: store, logger: logger}
}

// Publish implements lending.EventSink
func (n *TelegramNotifier) Publish(ctx context.Context, event models.Event) error {
	switch event.Type {
	case models.EventHoldFulfilled, models.EventLoanOverdue:
	default:
		return nil
	}

	var (
		user models.User
		book models.Book
	)
	err := n.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		if user, err = tx.GetUser(ctx, event.UserID); err != nil {
			return err
		}
		book, err = tx.GetBook(ctx, event.BookID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to load notification recipient: %w", err)
	}
	if user.TelegramChatID == 0 {
		return nil
	}

	msg := tgbotapi.NewMessage(user.TelegramChatID, messageText(event, book))
	if _, err := n.sender.Send(msg); err != nil {
		n.logger.Warn("Failed to send notification",
			zap.String("event", string(event.Type)),
			zap.String("user_id", user.ID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to send notification: %w", err)
	}

	n.logger.Debug("Notification sent",
		zap.String("event", string(event.Type)),
		zap.String("user_id", user.ID),
		zap.Int64("chat_id", user.TelegramChatID),
	)
	return nil
}

func messageText(event models.Event, book models.Book) string {
	switch event.Type {
	case models.EventHoldFulfilled:
		text := fmt.Sprintf("Good news! \"%s\" is now checked out to you.", book.Title)
		if due, err := time.Parse(time.RFC3339, event.Details["due_at"]); err == nil {
			text += fmt.Sprintf("\nPlease return it by %s.", due.Format("2006-01-02"))
		}
		return text
	default:
		return fmt.Sprintf("Your loan of \"%s\" is overdue. Please return it as soon as possible.", book.Title)
	}
}
