package lending

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"lending/internal/models"
)

// EventSink receives lifecycle events after the transaction that produced
// them has committed. Delivery failures never undo the committed change.
type EventSink interface {
	Publish(ctx context.Context, event models.Event) error
}

// Sinks fans an event out to every sink and joins their errors
type Sinks []EventSink

// Publish implements EventSink
func (s Sinks) Publish(ctx context.Context, event models.Event) error {
	var errs []error
	for _, sink := range s {
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to a zap logger
type LogSink struct {
	Logger *zap.Logger
}

// Publish implements EventSink
func (s LogSink) Publish(ctx context.Context, event models.Event) error {
	fields := []zap.Field{
		zap.String("event", string(event.Type)),
		zap.Time("occurred_at", event.OccurredAt),
		zap.String("book_id", event.BookID),
		zap.String("user_id", event.UserID),
	}
	if event.LoanID != "" {
		fields = append(fields, zap.String("loan_id", event.LoanID))
	}
	if event.HoldID != "" {
		fields = append(fields, zap.String("hold_id", event.HoldID))
	}
	for k, v := range event.Details {
		fields = append(fields, zap.String(k, v))
	}
	s.Logger.Info("Lending event", fields...)
	return nil
}

type nopSink struct{}

func (nopSink) Publish(context.Context, models.Event) error { return nil }
