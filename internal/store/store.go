// ABOUTME: Store interface and data types for switchboard persistence
// ABOUTME: Defines Conversation, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when trying to create a conversation that already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// Status is the control state of a conversation.
type Status string

// Conversation statuses.
const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTakenOver Status = "taken_over"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusFailed, StatusTakenOver:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Sender identifies who authored a message.
type Sender string

// Message senders.
const (
	SenderUser       Sender = "user"
	SenderAI         Sender = "ai"
	SenderHumanAgent Sender = "human_agent"
)

// Valid reports whether s is one of the known senders.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAI || s == SenderHumanAgent
}

// Conversation is one interaction thread between a contact and an agent.
// EndedAt is non-nil iff Status is terminal.
type Conversation struct {
	ID            string
	DisplayID     string // human-readable, e.g. CONV-1A2B3C4D
	ContactID     string
	Status        Status
	Model         string
	TokenCount    int64
	MessageCount  int64 // also the Seq of the latest message
	StartedAt     time.Time
	LastMessageAt *time.Time
	EndedAt       *time.Time
	Metadata      map[string]any
	UpdatedAt     time.Time
}

// Clone returns a deep copy so callers can mutate it without touching shared state.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		out.LastMessageAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Message is a single immutable entry in a conversation transcript.
// Seq is the per-conversation insertion order and breaks CreatedAt ties.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	Sender         Sender
	Content        string
	TokenCount     int64
	CreatedAt      time.Time
}

// ConversationFilter narrows ListConversations results.
type ConversationFilter struct {
	Status   Status // empty matches all
	Search   string // matched against display id, contact id and model
	Page     int    // 1-based
	PageSize int
}

// ConversationPage is one page of ListConversations results.
type ConversationPage struct {
	Conversations []*Conversation
	Total         int
	TotalPages    int
	CurrentPage   int
}

// DefaultPageSize is used when a filter does not specify one.
const DefaultPageSize = 10

// MaxPageSize caps both conversation pages and message batches.
const MaxPageSize = 500

// normalize applies paging defaults and bounds.
func (f ConversationFilter) normalize() ConversationFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

// Store defines the persistence operations the conversation core depends on.
// Implementations must be safe for concurrent use.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) (*ConversationPage, error)
	SaveConversationStatus(ctx context.Context, id string, status Status, endedAt *time.Time, updatedAt time.Time) error

	// Messages. AppendMessage also adds msg.TokenCount to the owning
	// conversation's token count, increments its message count and sets
	// its last message time.
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
