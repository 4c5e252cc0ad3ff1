package ai

import (
	"context"
	"sync"
	"time"
)

// MemoryQuotaStore keeps quota rows in process. It backs local runs
// without a database and the package tests.
type MemoryQuotaStore struct {
	mu     sync.Mutex
	quotas map[time.Time]*Quota
	ledger []UsageEntry
}

func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{quotas: make(map[time.Time]*Quota)}
}

func (m *MemoryQuotaStore) FindQuota(_ context.Context, periodStart time.Time) (*Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[periodStart.UTC()]
	if !ok {
		return nil, ErrQuotaNotFound
	}
	cp := *q
	return &cp, nil
}

func (m *MemoryQuotaStore) CreateQuota(_ context.Context, q Quota) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := q.PeriodStart.UTC()
	if _, ok := m.quotas[key]; ok {
		return ErrQuotaConflict
	}
	m.quotas[key] = &q
	return nil
}

func (m *MemoryQuotaStore) IncrementUsage(_ context.Context, periodStart time.Time, entry UsageEntry) (*Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[periodStart.UTC()]
	if !ok {
		return nil, ErrQuotaNotFound
	}
	q.MessageUsed += entry.Messages
	q.TokenUsed += entry.Tokens()
	m.ledger = append(m.ledger, entry)
	cp := *q
	return &cp, nil
}

// Ledger returns a copy of the appended entries.
func (m *MemoryQuotaStore) Ledger() []UsageEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]UsageEntry(nil), m.ledger...)
}

// MemoryConversationStore keeps conversations in process.
type MemoryConversationStore struct {
	mu       sync.Mutex
	convs    map[string]Conversation
	messages map[string][]StoredMessage
}

func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		convs:    make(map[string]Conversation),
		messages: make(map[string][]StoredMessage),
	}
}

func (m *MemoryConversationStore) Conversation(_ context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return &c, nil
}

func (m *MemoryConversationStore) CreateConversation(_ context.Context, c Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[c.ID] = c
	return nil
}

func (m *MemoryConversationStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]StoredMessage(nil), msgs...), nil
}

func (m *MemoryConversationStore) AppendMessages(_ context.Context, msgs ...StoredMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	}
	return nil
}
