package models

import "time"

// LoanStatus is the lifecycle state of a loan
type LoanStatus string

const (
	LoanActive   LoanStatus = "active"
	LoanReturned LoanStatus = "returned"
	LoanOverdue  LoanStatus = "overdue"
)

// IsOpen reports whether a loan in this status still binds a copy
func (s LoanStatus) IsOpen() bool {
	return s == LoanActive || s == LoanOverdue
}

// HoldStatus is the lifecycle state of a hold
type HoldStatus string

const (
	HoldWaiting   HoldStatus = "waiting"
	HoldFulfilled HoldStatus = "fulfilled"
	HoldCancelled HoldStatus = "cancelled"
)

// Book represents a catalog title and its copy counts
type Book struct {
	ID              string
	Title           string
	Author          string
	ISBN            string
	TotalCopies     int
	AvailableCopies int
	CreatedAt       time.Time
}

// User represents a registered library member
type User struct {
	ID              string
	Name            string
	ActiveLoanLimit int
	TelegramChatID  int64 // 0 when the user has no linked Telegram chat
	CreatedAt       time.Time
}

// Loan represents a book copy issued to a user
type Loan struct {
	ID         string
	BookID     string
	UserID     string
	IssuedAt   time.Time
	DueAt      time.Time
	ReturnedAt *time.Time
	Status     LoanStatus
	OverdueBy  time.Duration
	Penalty    int64
}

// IsOverdueAt reports whether an open loan is past its due date at t
func (l Loan) IsOverdueAt(t time.Time) bool {
	return l.Status.IsOpen() && l.DueAt.Before(t)
}

// Hold represents a queued reservation for an unavailable book
type Hold struct {
	ID         string
	BookID     string
	UserID     string
	QueuedAt   time.Time
	Seq        int64
	Status     HoldStatus
	LoanID     string
	ResolvedAt *time.Time
}

// EventType identifies a lending lifecycle event
type EventType string

const (
	EventLoanIssued    EventType = "loan_issued"
	EventLoanReturned  EventType = "loan_returned"
	EventLoanOverdue   EventType = "loan_overdue"
	EventHoldQueued    EventType = "hold_queued"
	EventHoldFulfilled EventType = "hold_fulfilled"
	EventHoldCancelled EventType = "hold_cancelled"
)

// Event is emitted after a lending transaction commits
type Event struct {
	Type       EventType
	OccurredAt time.Time
	BookID     string
	UserID     string
	LoanID     string
	HoldID     string
	Details    map[string]string
}

// BookStat represents borrowing statistics for a book
type BookStat struct {
	BookID      string
	LoanCount   int
	LastLoanAt  time.Time
	OverdueRate float64
}
