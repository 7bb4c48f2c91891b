package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perennialhq/concierge/internal/tier"
)

const ddlCreditAccounts = `
CREATE TABLE IF NOT EXISTS credit_accounts (
    user_id       TEXT     PRIMARY KEY,
    balance       BIGINT   NOT NULL DEFAULT 0,
    monthly_spent BIGINT   NOT NULL DEFAULT 0,
    monthly_grant BIGINT   NOT NULL DEFAULT 0,
    unlimited     BOOLEAN  NOT NULL DEFAULT FALSE
);
`

const ddlReservations = `
CREATE TABLE IF NOT EXISTS credit_reservations (
    id         UUID         PRIMARY KEY,
    user_id    TEXT         NOT NULL REFERENCES credit_accounts (user_id),
    amount     BIGINT       NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Postgres is the production [Ledger] backed by a pgx connection pool.
//
// The debit is performed at reserve time by a single conditional UPDATE, so
// two concurrent reservations for the same user can never jointly spend past
// zero: whichever statement runs second sees the already-reduced balance.
type Postgres struct {
	pool *pgxpool.Pool
}

// Compile-time interface assertion.
var _ Ledger = (*Postgres)(nil)

// NewPostgres connects to the database at dsn, verifies the connection, and
// ensures the ledger tables exist.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	for _, ddl := range []string{ddlCreditAccounts, ddlReservations} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ledger: migrate: %w", err)
		}
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool without running migrations.
func NewPostgresFromPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Close releases all connections held by the underlying pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// EnsureAccount creates an account with the tier's monthly grant if the user
// has none yet. Existing accounts are left untouched.
func (p *Postgres) EnsureAccount(ctx context.Context, userID string, t tier.Tier) error {
	const q = `
		INSERT INTO credit_accounts (user_id, balance, monthly_grant)
		VALUES ($1, $2, $2)
		ON CONFLICT (user_id) DO NOTHING`

	grant := t.MonthlyGrantMinorUnits()
	if _, err := p.pool.Exec(ctx, q, userID, grant); err != nil {
		return fmt.Errorf("ledger: ensure account: %w", err)
	}
	return nil
}

// Reserve implements [Ledger].
func (p *Postgres) Reserve(ctx context.Context, userID string, estimate int64) (*Reservation, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: reserve: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// The conditional debit is the atomic primitive: it only fires when the
	// balance covers the estimate (or the account is unlimited).
	const debit = `
		UPDATE credit_accounts
		SET    balance = CASE WHEN unlimited THEN balance ELSE balance - $1 END
		WHERE  user_id = $2
		  AND  (unlimited OR balance >= $1)
		RETURNING user_id`

	var affected string
	err = tx.QueryRow(ctx, debit, estimate, userID).Scan(&affected)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing account from an exhausted one.
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM credit_accounts WHERE user_id = $1)`, userID,
		).Scan(&exists); err != nil {
			return nil, fmt.Errorf("ledger: reserve: %w", err)
		}
		if !exists {
			return nil, ErrNoSuchAccount
		}
		return nil, ErrInsufficientBudget
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: reserve: %w", err)
	}

	res := &Reservation{ID: uuid.New(), UserID: userID, Amount: estimate}
	const insert = `INSERT INTO credit_reservations (id, user_id, amount) VALUES ($1, $2, $3)`
	if _, err := tx.Exec(ctx, insert, res.ID, res.UserID, res.Amount); err != nil {
		return nil, fmt.Errorf("ledger: reserve: record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("ledger: reserve: commit tx: %w", err)
	}
	return res, nil
}

// Commit implements [Ledger]. The charge is capped at the reserved amount;
// the unspent remainder is refunded in the same transaction that deletes the
// reservation row, so a reservation settles exactly once.
func (p *Postgres) Commit(ctx context.Context, res *Reservation, actual int64) (int64, error) {
	charged := actual
	if charged > res.Amount {
		slog.Warn("ledger: actual cost exceeded reservation",
			"user_id", res.UserID,
			"reserved", res.Amount,
			"actual", actual)
		charged = res.Amount
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: commit: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM credit_reservations WHERE id = $1`, res.ID)
	if err != nil {
		return 0, fmt.Errorf("ledger: commit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrUnknownReservation
	}

	const settle = `
		UPDATE credit_accounts
		SET    balance       = CASE WHEN unlimited THEN balance ELSE balance + $1 END,
		       monthly_spent = monthly_spent + $2
		WHERE  user_id = $3`
	if _, err := tx.Exec(ctx, settle, res.Amount-charged, charged, res.UserID); err != nil {
		return 0, fmt.Errorf("ledger: commit: settle: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("ledger: commit: commit tx: %w", err)
	}
	return charged, nil
}

// Release implements [Ledger].
func (p *Postgres) Release(ctx context.Context, res *Reservation) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: release: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM credit_reservations WHERE id = $1`, res.ID)
	if err != nil {
		return fmt.Errorf("ledger: release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownReservation
	}

	const refund = `
		UPDATE credit_accounts
		SET    balance = CASE WHEN unlimited THEN balance ELSE balance + $1 END
		WHERE  user_id = $2`
	if _, err := tx.Exec(ctx, refund, res.Amount, res.UserID); err != nil {
		return fmt.Errorf("ledger: release: refund: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: release: commit tx: %w", err)
	}
	return nil
}

// Get implements [Ledger].
func (p *Postgres) Get(ctx context.Context, userID string) (*Account, error) {
	const q = `
		SELECT balance, monthly_spent, monthly_grant, unlimited
		FROM   credit_accounts
		WHERE  user_id = $1`

	acct := &Account{UserID: userID}
	err := p.pool.QueryRow(ctx, q, userID).Scan(
		&acct.Balance, &acct.MonthlySpent, &acct.MonthlyGrant, &acct.Unlimited,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSuchAccount
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get account: %w", err)
	}
	return acct, nil
}

// ResetMonth re-grants every account's monthly budget and clears the spend
// counter. Called by [ResetScheduler] on the calendar boundary.
func (p *Postgres) ResetMonth(ctx context.Context) error {
	const q = `
		UPDATE credit_accounts
		SET    balance       = monthly_grant,
		       monthly_spent = 0`
	if _, err := p.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("ledger: reset month: %w", err)
	}
	return nil
}
