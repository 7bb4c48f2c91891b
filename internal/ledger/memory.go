package ledger

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process [Ledger] for tests and single-process runs.
// All methods are safe for concurrent use.
type Memory struct {
	mu           sync.Mutex
	accounts     map[string]*Account
	reservations map[uuid.UUID]*Reservation
}

// Compile-time interface assertion.
var _ Ledger = (*Memory)(nil)

// NewMemory creates an empty in-process ledger.
func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[string]*Account),
		reservations: make(map[uuid.UUID]*Reservation),
	}
}

// CreateAccount registers an account. Existing accounts are overwritten;
// this is a test helper, not a provisioning API.
func (m *Memory) CreateAccount(a Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := a
	m.accounts[a.UserID] = &cp
}

// Reserve implements [Ledger].
func (m *Memory) Reserve(_ context.Context, userID string, estimate int64) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return nil, ErrNoSuchAccount
	}
	if !acct.Unlimited {
		if acct.Balance < estimate {
			return nil, ErrInsufficientBudget
		}
		acct.Balance -= estimate
	}

	res := &Reservation{ID: uuid.New(), UserID: userID, Amount: estimate}
	m.reservations[res.ID] = res
	return res, nil
}

// Commit implements [Ledger]. The charge is capped at the reserved amount;
// the unspent remainder is refunded.
func (m *Memory) Commit(_ context.Context, res *Reservation, actual int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reservations[res.ID]; !ok {
		return 0, ErrUnknownReservation
	}
	delete(m.reservations, res.ID)

	acct, ok := m.accounts[res.UserID]
	if !ok {
		return 0, ErrNoSuchAccount
	}

	charged := actual
	if charged > res.Amount {
		slog.Warn("ledger: actual cost exceeded reservation",
			"user_id", res.UserID,
			"reserved", res.Amount,
			"actual", actual)
		charged = res.Amount
	}
	if !acct.Unlimited {
		acct.Balance += res.Amount - charged
	}
	acct.MonthlySpent += charged
	return charged, nil
}

// Release implements [Ledger].
func (m *Memory) Release(_ context.Context, res *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reservations[res.ID]; !ok {
		return ErrUnknownReservation
	}
	delete(m.reservations, res.ID)

	acct, ok := m.accounts[res.UserID]
	if !ok {
		return ErrNoSuchAccount
	}
	if !acct.Unlimited {
		acct.Balance += res.Amount
	}
	return nil
}

// Get implements [Ledger].
func (m *Memory) Get(_ context.Context, userID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return nil, ErrNoSuchAccount
	}
	cp := *acct
	return &cp, nil
}

// ResetMonth re-grants every account's monthly budget and clears the spend
// counter. Called by [ResetScheduler] on the calendar boundary.
func (m *Memory) ResetMonth(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acct := range m.accounts {
		acct.Balance = acct.MonthlyGrant
		acct.MonthlySpent = 0
	}
	return nil
}
