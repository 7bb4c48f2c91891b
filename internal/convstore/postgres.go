package convstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perennialhq/concierge/internal/tier"
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id            TEXT         PRIMARY KEY,
    user_id       TEXT         NOT NULL,
    tier          TEXT         NOT NULL,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    message_count INTEGER      NOT NULL DEFAULT 0,
    credits_spent BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_conversations_user_id
    ON conversations (user_id);
`

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    conversation_id TEXT         NOT NULL REFERENCES conversations (id),
    seq             INTEGER      NOT NULL,
    role            TEXT         NOT NULL,
    content         TEXT         NOT NULL DEFAULT '',
    tool_calls      JSONB        NOT NULL DEFAULT '[]',
    results         JSONB        NOT NULL DEFAULT '[]',
    credits_debited BIGINT       NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (conversation_id, seq)
);
`

// Postgres is the production [Store] backed by a pgx connection pool.
//
// All methods are safe for concurrent use across conversations. The sequence
// number for an append is computed inside the insert statement itself, which
// together with the one-in-flight-turn-per-conversation guarantee keeps the
// sequence gapless without an extra round trip.
type Postgres struct {
	pool *pgxpool.Pool
}

// Compile-time interface assertion.
var _ Store = (*Postgres)(nil)

// NewPostgres connects to the database at dsn, verifies the connection, and
// ensures the conversations and turns tables exist.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("convstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("convstore: ping: %w", err)
	}
	for _, ddl := range []string{ddlConversations, ddlTurns} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			pool.Close()
			return nil, fmt.Errorf("convstore: migrate: %w", err)
		}
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool without running migrations.
// Useful when several stores share one pool.
func NewPostgresFromPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Ping probes the backing database. Used by the readiness endpoint.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// CreateConversation implements [Store].
func (p *Postgres) CreateConversation(ctx context.Context, id, userID string, t tier.Tier) (*Conversation, error) {
	const q = `
		INSERT INTO conversations (id, user_id, tier)
		VALUES ($1, $2, $3)
		RETURNING created_at`

	c := &Conversation{ID: id, UserID: userID, Tier: t}
	if err := p.pool.QueryRow(ctx, q, id, userID, t.String()).Scan(&c.CreatedAt); err != nil {
		return nil, fmt.Errorf("convstore: create conversation: %w", err)
	}
	return c, nil
}

// GetConversation implements [Store].
func (p *Postgres) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	const q = `
		SELECT user_id, tier, created_at, message_count, credits_spent
		FROM   conversations
		WHERE  id = $1`

	c := &Conversation{ID: id}
	var tierName string
	err := p.pool.QueryRow(ctx, q, id).Scan(
		&c.UserID, &tierName, &c.CreatedAt, &c.MessageCount, &c.CreditsSpent,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convstore: get conversation: %w", err)
	}
	c.Tier, err = tier.Parse(tierName)
	if err != nil {
		return nil, fmt.Errorf("convstore: get conversation: %w", err)
	}
	return c, nil
}

// AppendTurn implements [Store].
func (p *Postgres) AppendTurn(ctx context.Context, convID string, turn Turn) (int, error) {
	calls, err := json.Marshal(emptyIfNilCalls(turn.ToolCalls))
	if err != nil {
		return 0, fmt.Errorf("convstore: append turn: encode tool calls: %w", err)
	}
	results, err := json.Marshal(emptyIfNilResults(turn.Results))
	if err != nil {
		return 0, fmt.Errorf("convstore: append turn: encode results: %w", err)
	}

	// The insert and the conversation counter move in one transaction so the
	// count never drifts from the transcript.
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("convstore: append turn: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
		INSERT INTO turns (conversation_id, seq, role, content, tool_calls, results, credits_debited)
		SELECT $1, COALESCE(MAX(seq) + 1, 0), $2, $3, $4, $5, $6
		FROM   turns
		WHERE  conversation_id = $1
		RETURNING seq`

	var seq int
	err = tx.QueryRow(ctx, q,
		convID, string(turn.Role), turn.Content, calls, results, turn.CreditsDebited,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("convstore: append turn: %w", err)
	}

	const bump = `UPDATE conversations SET message_count = message_count + 1 WHERE id = $1`
	if _, err := tx.Exec(ctx, bump, convID); err != nil {
		return 0, fmt.Errorf("convstore: append turn: bump count: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("convstore: append turn: commit tx: %w", err)
	}
	return seq, nil
}

// Turns implements [Store].
func (p *Postgres) Turns(ctx context.Context, convID string) ([]Turn, error) {
	const q = `
		SELECT seq, role, content, tool_calls, results, credits_debited, created_at
		FROM   turns
		WHERE  conversation_id = $1
		ORDER  BY seq`

	rows, err := p.pool.Query(ctx, q, convID)
	if err != nil {
		return nil, fmt.Errorf("convstore: list turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		t := Turn{ConversationID: convID}
		var role string
		var calls, results []byte
		if err := rows.Scan(&t.Seq, &role, &t.Content, &calls, &results, &t.CreditsDebited, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("convstore: list turns: scan: %w", err)
		}
		t.Role = Role(role)
		if err := json.Unmarshal(calls, &t.ToolCalls); err != nil {
			return nil, fmt.Errorf("convstore: list turns: decode tool calls: %w", err)
		}
		if err := json.Unmarshal(results, &t.Results); err != nil {
			return nil, fmt.Errorf("convstore: list turns: decode results: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convstore: list turns: %w", err)
	}
	return turns, nil
}

// AddUsage implements [Store].
func (p *Postgres) AddUsage(ctx context.Context, convID string, credits int64) error {
	const q = `UPDATE conversations SET credits_spent = credits_spent + $1 WHERE id = $2`
	tag, err := p.pool.Exec(ctx, q, credits, convID)
	if err != nil {
		return fmt.Errorf("convstore: add usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// JSONB columns reject Go's nil-slice "null" encoding confusion on read-back;
// always store a concrete empty array.
func emptyIfNilCalls(c []ToolInvocation) []ToolInvocation {
	if c == nil {
		return []ToolInvocation{}
	}
	return c
}

func emptyIfNilResults(r []ToolOutcome) []ToolOutcome {
	if r == nil {
		return []ToolOutcome{}
	}
	return r
}
