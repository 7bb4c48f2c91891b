package convstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/perennialhq/concierge/internal/tier"
)

// Memory is an in-process [Store] for tests and single-process runs.
// All methods are safe for concurrent use.
type Memory struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	turns         map[string][]Turn
}

// Compile-time interface assertion.
var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*Conversation),
		turns:         make(map[string][]Turn),
	}
}

// CreateConversation implements [Store].
func (m *Memory) CreateConversation(_ context.Context, id, userID string, t tier.Tier) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[id]; exists {
		return nil, fmt.Errorf("convstore: conversation %q already exists", id)
	}
	c := &Conversation{
		ID:        id,
		UserID:    userID,
		Tier:      t,
		CreatedAt: time.Now(),
	}
	m.conversations[id] = c
	cp := *c
	return &cp, nil
}

// GetConversation implements [Store].
func (m *Memory) GetConversation(_ context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// AppendTurn implements [Store].
func (m *Memory) AppendTurn(_ context.Context, convID string, turn Turn) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[convID]
	if !ok {
		return 0, ErrNotFound
	}
	turn.ConversationID = convID
	turn.Seq = len(m.turns[convID])
	turn.CreatedAt = time.Now()
	m.turns[convID] = append(m.turns[convID], turn)
	c.MessageCount++
	return turn.Seq, nil
}

// Turns implements [Store].
func (m *Memory) Turns(_ context.Context, convID string) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[convID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]Turn, len(m.turns[convID]))
	copy(out, m.turns[convID])
	return out, nil
}

// AddUsage implements [Store].
func (m *Memory) AddUsage(_ context.Context, convID string, credits int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[convID]
	if !ok {
		return ErrNotFound
	}
	c.CreditsSpent += credits
	return nil
}
