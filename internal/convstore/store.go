// Package convstore persists conversations and their turn transcripts.
//
// A conversation is owned by exactly one user and accumulates turns with
// store-assigned, strictly increasing, gapless sequence numbers. Tool
// invocations are recorded alongside the assistant turn that requested them,
// and tool results are recorded as their own turn referencing the originating
// call IDs, so a transcript replays without gaps.
//
// Two implementations are provided: [Postgres] for production and [Memory]
// for tests and single-process runs.
package convstore

import (
	"context"
	"errors"
	"time"

	"github.com/perennialhq/concierge/internal/tier"
)

// ErrNotFound is returned when the requested conversation does not exist.
var ErrNotFound = errors.New("convstore: conversation not found")

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Conversation is the per-conversation header row.
type Conversation struct {
	ID           string
	UserID       string
	Tier         tier.Tier
	CreatedAt    time.Time
	MessageCount int
	// CreditsSpent is the running total of credits committed against this
	// conversation, in minor units.
	CreditsSpent int64
}

// ToolInvocation records one tool call requested by an assistant turn.
type ToolInvocation struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolOutcome records the resolution of one tool call in a tool turn. Every
// CallID referenced here must have appeared in the immediately preceding
// assistant turn's invocations.
type ToolOutcome struct {
	CallID   string `json:"call_id"`
	Content  string `json:"content"`
	Code     string `json:"code,omitempty"`
	CacheHit bool   `json:"cache_hit,omitempty"`
}

// Turn is one transcript entry. Seq is assigned by the store on append.
type Turn struct {
	ConversationID string
	Seq            int
	Role           Role
	Content        string
	ToolCalls      []ToolInvocation
	Results        []ToolOutcome
	// CreditsDebited is the cost committed for the model call that produced
	// this turn, in minor units. Zero for user and tool turns.
	CreditsDebited int64
	CreatedAt      time.Time
}

// Store is the persistence contract for conversations and turns.
//
// Callers guarantee at most one in-flight turn per conversation, so
// implementations may compute sequence numbers without cross-append locking
// beyond per-statement atomicity.
type Store interface {
	// CreateConversation inserts a new conversation owned by userID.
	CreateConversation(ctx context.Context, id, userID string, t tier.Tier) (*Conversation, error)

	// GetConversation returns the conversation or [ErrNotFound].
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// AppendTurn appends turn to the conversation's transcript and returns
	// the sequence number it was assigned. Sequence numbers start at 0 and
	// are gapless.
	AppendTurn(ctx context.Context, convID string, turn Turn) (int, error)

	// Turns returns the full transcript in sequence order.
	Turns(ctx context.Context, convID string) ([]Turn, error)

	// AddUsage adds credits (minor units) to the conversation's running
	// spend total.
	AddUsage(ctx context.Context, convID string, credits int64) error
}
