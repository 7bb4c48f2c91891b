// Package ledger tracks per-user credit balances and meters model usage with
// a reserve/commit/release protocol.
//
// Before each model call the orchestrator reserves an estimated cost; after
// the call it commits the actual cost (or releases on failure). The debit
// happens at reserve time, so a crash between reserve and commit can only
// over-charge by the outstanding reservation, never corrupt the balance, and
// concurrent turns of the same user can never spend past zero.
//
// Commit charges at most the reserved amount. When the actual cost exceeds
// the reservation the overage is logged and counted but not charged; the
// estimate, not the collaborator, is the thing to fix.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrInsufficientBudget is returned by Reserve when the account balance does
// not cover the estimate.
var ErrInsufficientBudget = errors.New("ledger: insufficient budget")

// ErrNoSuchAccount is returned when the user has no credit account.
var ErrNoSuchAccount = errors.New("ledger: no such account")

// ErrUnknownReservation is returned by Commit and Release for a reservation
// that was never issued or was already settled.
var ErrUnknownReservation = errors.New("ledger: unknown reservation")

// Account is a user's credit state, all amounts in minor units.
type Account struct {
	UserID string
	// Balance is the spendable remainder of the current month's grant.
	Balance int64
	// MonthlySpent is the total committed this calendar month.
	MonthlySpent int64
	// MonthlyGrant is what Balance resets to on the calendar boundary.
	MonthlyGrant int64
	// Unlimited accounts always reserve successfully; usage is still
	// metered for observability but never decrements Balance.
	Unlimited bool
}

// Reservation is a pending debit issued by Reserve and settled by exactly one
// Commit or Release.
type Reservation struct {
	ID     uuid.UUID
	UserID string
	// Amount is the reserved (already debited) estimate in minor units.
	Amount int64
}

// Ledger is the credit-metering contract.
//
// Implementations must be safe for concurrent use; a user's balance must be
// conserved under any interleaving of reserve/commit/release across turns.
type Ledger interface {
	// Reserve debits estimate from the user's balance and returns a
	// reservation. Returns [ErrInsufficientBudget] when the balance does
	// not cover the estimate, [ErrNoSuchAccount] for unknown users.
	Reserve(ctx context.Context, userID string, estimate int64) (*Reservation, error)

	// Commit settles a reservation against the actual cost and returns the
	// amount charged, which is min(actual, reserved). The difference
	// between the reservation and the charge is refunded.
	Commit(ctx context.Context, res *Reservation, actual int64) (charged int64, err error)

	// Release cancels a reservation, refunding the full reserved amount.
	Release(ctx context.Context, res *Reservation) error

	// Get returns the account for userID or [ErrNoSuchAccount].
	Get(ctx context.Context, userID string) (*Account, error)
}
