package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownPrincipal is returned for operations on an account that was never opened.
	ErrUnknownPrincipal = errors.New("unknown principal")
	// ErrAccountExists is returned when opening an account twice.
	ErrAccountExists = errors.New("account already exists")
	// ErrUnknownCategory is returned when recording usage for a category without a cost model.
	ErrUnknownCategory = errors.New("no cost model for category")
	// ErrLimitExceeded is matched by every *LimitExceeded.
	ErrLimitExceeded = errors.New("hard limit exceeded")
	// ErrInvalidAmount is returned for non-positive spend or deposit amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// LimitExceeded reports a refused hard-limit spend. The ledger is unchanged
// when it is returned.
type LimitExceeded struct {
	Projected decimal.Decimal
	Limit     decimal.Decimal
	Committed decimal.Decimal
	Commits   int
	Principal string
	Category  string
}

func (e *LimitExceeded) Error() string {
	return fmt.Sprintf("hard limit exceeded: projected %s > limit %s (committed %s across %d commits)",
		e.Projected.StringFixed(2), e.Limit.StringFixed(2), e.Committed.StringFixed(2), e.Commits)
}

// Unwrap lets callers match with errors.Is(err, ErrLimitExceeded).
func (e *LimitExceeded) Unwrap() error { return ErrLimitExceeded }
