package lending

import "time"

const (
	DefaultLoanPeriod  = 14 * 24 * time.Hour
	DefaultLoanLimit   = 5
	DefaultLockTimeout = 2 * time.Second
)

// Policy holds the lending rules injected at construction
type Policy struct {
	LoanPeriod       time.Duration
	DefaultLoanLimit int
}

// DefaultPolicy returns a 14 day loan period and a limit of 5 open loans
func DefaultPolicy() Policy {
	return Policy{
		LoanPeriod:       DefaultLoanPeriod,
		DefaultLoanLimit: DefaultLoanLimit,
	}
}

// PenaltyPolicy prices an overdue return. Amounts are in minor currency units.
type PenaltyPolicy interface {
	Penalty(overdueBy time.Duration) int64
}

// DailyFine charges a fixed amount for every started day past the due date
type DailyFine int64

// Penalty implements PenaltyPolicy
func (f DailyFine) Penalty(overdueBy time.Duration) int64 {
	if overdueBy <= 0 || f <= 0 {
		return 0
	}
	day := 24 * time.Hour
	days := int64((overdueBy + day - 1) / day)
	return days * int64(f)
}
