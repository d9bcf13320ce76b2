package stubs

import (
	"context"
	"errors"
	"testing"
	"time"

	"lending/internal/models"
	"lending/internal/storage"
)

func TestMockDB_CreateAndGetBook(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()

	if err := db.Initialize(ctx); err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	book := models.Book{ID: "b1", Title: "Dune", TotalCopies: 2, AvailableCopies: 2}
	err := db.Atomic(ctx, func(tx storage.Tx) error {
		return tx.CreateBook(ctx, book)
	})
	if err != nil {
		t.Fatalf("Failed to create book: %v", err)
	}

	var got models.Book
	err = db.Atomic(ctx, func(tx storage.Tx) error {
		var getErr error
		got, getErr = tx.GetBook(ctx, "b1")
		return getErr
	})
	if err != nil {
		t.Fatalf("Failed to get book: %v", err)
	}
	if got.Title != "Dune" || got.AvailableCopies != 2 {
		t.Errorf("Unexpected book: %+v", got)
	}

	// Creating the same ID again must fail
	err = db.Atomic(ctx, func(tx storage.Tx) error {
		return tx.CreateBook(ctx, book)
	})
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}
}

func TestMockDB_RollbackOnError(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.Atomic(ctx, func(tx storage.Tx) error {
		if err := tx.CreateBook(ctx, models.Book{ID: "b1", TotalCopies: 1, AvailableCopies: 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	err = db.Atomic(ctx, func(tx storage.Tx) error {
		_, getErr := tx.GetBook(ctx, "b1")
		return getErr
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected book to be rolled back, got %v", err)
	}
	if db.Commits() != 0 {
		t.Errorf("Expected no commits, got %d", db.Commits())
	}
}

func TestMockDB_CancelledContextDiscardsWrites(t *testing.T) {
	db := NewMockDB()
	ctx, cancel := context.WithCancel(context.Background())

	err := db.Atomic(ctx, func(tx storage.Tx) error {
		cancel()
		return tx.CreateUser(ctx, models.User{ID: "u1", ActiveLoanLimit: 1})
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	err = db.Atomic(context.Background(), func(tx storage.Tx) error {
		_, getErr := tx.GetUser(context.Background(), "u1")
		return getErr
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected user write to be discarded, got %v", err)
	}
}

func TestMockDB_OpenLoans(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()
	now := time.Now()
	returned := now

	err := db.Atomic(ctx, func(tx storage.Tx) error {
		loans := []models.Loan{
			{ID: "l1", BookID: "b1", UserID: "u1", IssuedAt: now, Status: models.LoanActive},
			{ID: "l2", BookID: "b2", UserID: "u1", IssuedAt: now.Add(time.Minute), Status: models.LoanOverdue},
			{ID: "l3", BookID: "b3", UserID: "u1", IssuedAt: now.Add(2 * time.Minute), Status: models.LoanReturned, ReturnedAt: &returned},
			{ID: "l4", BookID: "b1", UserID: "u2", IssuedAt: now.Add(3 * time.Minute), Status: models.LoanActive},
		}
		for _, l := range loans {
			if err := tx.CreateLoan(ctx, l); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to create loans: %v", err)
	}

	err = db.Atomic(ctx, func(tx storage.Tx) error {
		count, err := tx.CountOpenLoans(ctx, "u1")
		if err != nil {
			return err
		}
		if count != 2 {
			t.Errorf("Expected 2 open loans for u1, got %d", count)
		}

		loan, ok, err := tx.FindOpenLoan(ctx, "u1", "b2")
		if err != nil {
			return err
		}
		if !ok || loan.ID != "l2" {
			t.Errorf("Expected open loan l2, got %+v (found=%v)", loan, ok)
		}

		if _, ok, _ := tx.FindOpenLoan(ctx, "u1", "b3"); ok {
			t.Error("Returned loan must not count as open")
		}

		loans, err := tx.ListLoans(ctx, storage.LoanFilter{BookID: "b1"})
		if err != nil {
			return err
		}
		if len(loans) != 2 || loans[0].ID != "l1" || loans[1].ID != "l4" {
			t.Errorf("Expected loans l1,l4 in issue order, got %+v", loans)
		}

		limited, err := tx.ListLoans(ctx, storage.LoanFilter{UserID: "u1", Limit: 1})
		if err != nil {
			return err
		}
		if len(limited) != 1 {
			t.Errorf("Expected 1 loan with limit, got %d", len(limited))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Query transaction failed: %v", err)
	}
}

func TestMockDB_WaitingHoldsAreFIFO(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()
	queuedAt := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	// Same timestamp for all holds, so order must come from Seq
	err := db.Atomic(ctx, func(tx storage.Tx) error {
		for _, id := range []string{"h1", "h2", "h3"} {
			if _, err := tx.CreateHold(ctx, models.Hold{
				ID: id, BookID: "b1", UserID: "u-" + id, QueuedAt: queuedAt, Status: models.HoldWaiting,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to create holds: %v", err)
	}

	err = db.Atomic(ctx, func(tx storage.Tx) error {
		h2, err := tx.GetHold(ctx, "h2")
		if err != nil {
			return err
		}
		h2.Status = models.HoldCancelled
		return tx.UpdateHold(ctx, h2)
	})
	if err != nil {
		t.Fatalf("Failed to cancel hold: %v", err)
	}

	_ = db.Atomic(ctx, func(tx storage.Tx) error {
		holds, err := tx.ListWaitingHolds(ctx, "b1")
		if err != nil {
			t.Fatalf("Failed to list holds: %v", err)
		}
		if len(holds) != 2 {
			t.Fatalf("Expected 2 waiting holds, got %d", len(holds))
		}
		if holds[0].ID != "h1" || holds[1].ID != "h3" {
			t.Errorf("Expected h1,h3 got %s,%s", holds[0].ID, holds[1].ID)
		}
		if _, ok, _ := tx.FindWaitingHold(ctx, "u-h2", "b1"); ok {
			t.Error("Cancelled hold must not be found as waiting")
		}
		return nil
	})
}
