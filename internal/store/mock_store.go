// ABOUTME: Mock Store implementation for testing and the in-memory backend
// ABOUTME: Allows tests and ephemeral deployments to run without SQLite

package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation.
// FailWith, when set, makes every call return that error (simulates an unavailable backend).
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	displayIndex  map[string]string        // keyed by display ID -> conversation ID
	messages      map[string][]*Message    // keyed by conversation ID, in seq order
	failWith      error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		displayIndex:  make(map[string]string),
		messages:      make(map[string][]*Message),
	}
}

// FailWith makes subsequent calls return err. Pass nil to recover.
func (m *MockStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return m.failWith
	}
	if _, ok := m.conversations[conv.ID]; ok {
		return ErrDuplicateConversation
	}
	if _, ok := m.displayIndex[conv.DisplayID]; ok {
		return ErrDuplicateConversation
	}

	// Make a copy to avoid external modification
	m.conversations[conv.ID] = conv.Clone()
	m.displayIndex[conv.DisplayID] = conv.ID
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failWith != nil {
		return nil, m.failWith
	}
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

// ListConversations returns one page of conversations, most recently started first.
func (m *MockStore) ListConversations(ctx context.Context, filter ConversationFilter) (*ConversationPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failWith != nil {
		return nil, m.failWith
	}
	filter = filter.normalize()
	search := strings.ToLower(filter.Search)

	var matched []*Conversation
	for _, conv := range m.conversations {
		if filter.Status != "" && conv.Status != filter.Status {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(conv.DisplayID), search) &&
			!strings.Contains(strings.ToLower(conv.ContactID), search) &&
			!strings.Contains(strings.ToLower(conv.Model), search) {
			continue
		}
		matched = append(matched, conv)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].StartedAt.After(matched[j].StartedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	start := (filter.Page - 1) * filter.PageSize
	end := start + filter.PageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	page := make([]*Conversation, 0, end-start)
	for _, conv := range matched[start:end] {
		page = append(page, conv.Clone())
	}

	return &ConversationPage{
		Conversations: page,
		Total:         total,
		TotalPages:    (total + filter.PageSize - 1) / filter.PageSize,
		CurrentPage:   filter.Page,
	}, nil
}

// SaveConversationStatus updates status and end time of an existing conversation.
func (m *MockStore) SaveConversationStatus(ctx context.Context, id string, status Status, endedAt *time.Time, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return m.failWith
	}
	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.Status = status
	conv.EndedAt = nil
	if endedAt != nil {
		t := *endedAt
		conv.EndedAt = &t
	}
	conv.UpdatedAt = updatedAt
	return nil
}

// AppendMessage stores a message and bumps the conversation aggregates.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return m.failWith
	}
	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range m.messages[msg.ConversationID] {
		if existing.Seq == msg.Seq {
			return errors.New("duplicate message seq")
		}
	}

	copied := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &copied)

	created := msg.CreatedAt
	conv.LastMessageAt = &created
	conv.TokenCount += msg.TokenCount
	conv.MessageCount++
	conv.UpdatedAt = msg.CreatedAt
	return nil
}

// ListMessages returns up to limit messages with Seq greater than afterSeq.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failWith != nil {
		return nil, m.failWith
	}
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}

	var result []*Message
	for _, msg := range m.messages[conversationID] {
		if msg.Seq <= afterSeq {
			continue
		}
		copied := *msg
		result = append(result, &copied)
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
