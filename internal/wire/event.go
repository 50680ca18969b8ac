// ABOUTME: Wire event shapes exchanged with observers
// ABOUTME: Every event carries a type discriminator; payload fields are optional per type

package wire

import (
	"time"

	"github.com/2389/coven-switchboard/internal/store"
)

// EventType discriminates wire events.
type EventType string

// Outbound event types.
const (
	TypeConversationUpdated EventType = "conversation_updated"
	TypeNewMessage          EventType = "new_message"
	TypeConnected           EventType = "connected"
	TypeError               EventType = "error"
)

// Inbound event types accepted from observers.
const (
	TypeConversationUpdatedByClient EventType = "conversation_updated_by_client"
	TypePing                        EventType = "ping"
)

// Event is the single outbound envelope. Field tags double as CBOR keys.
type Event struct {
	Type           EventType      `json:"type"`
	ConversationID string         `json:"conversationId,omitempty"`
	Status         string         `json:"status,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	Actor          string         `json:"actor,omitempty"`
	Conversation   *Conversation  `json:"conversation,omitempty"`
	Message        *Message       `json:"message,omitempty"`
	ClientID       string         `json:"clientId,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	At             time.Time      `json:"at"`
}

// Inbound is a frame received from an observer. ID, when present, lets the
// switchboard discard a frame the client resent.
type Inbound struct {
	ID             string         `json:"id,omitempty"`
	Type           EventType      `json:"type"`
	ConversationID string         `json:"conversationId,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// Message is the wire form of store.Message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Seq            int64     `json:"seq"`
	Sender         string    `json:"sender"`
	Content        string    `json:"content"`
	TokenCount     int64     `json:"tokenCount"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Conversation is the wire form of store.Conversation.
type Conversation struct {
	ID            string         `json:"id"`
	DisplayID     string         `json:"displayId"`
	ContactID     string         `json:"contactId"`
	Status        string         `json:"status"`
	Model         string         `json:"model,omitempty"`
	TokenCount    int64          `json:"tokenCount"`
	StartedAt     time.Time      `json:"startedAt"`
	LastMessageAt *time.Time     `json:"lastMessageAt,omitempty"`
	EndedAt       *time.Time     `json:"endedAt,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// FromMessage converts a stored message to its wire form.
func FromMessage(m *store.Message) *Message {
	if m == nil {
		return nil
	}
	return &Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		Sender:         string(m.Sender),
		Content:        m.Content,
		TokenCount:     m.TokenCount,
		CreatedAt:      m.CreatedAt,
	}
}

// FromConversation converts a stored conversation to its wire form.
func FromConversation(c *store.Conversation) *Conversation {
	if c == nil {
		return nil
	}
	c = c.Clone()
	return &Conversation{
		ID:            c.ID,
		DisplayID:     c.DisplayID,
		ContactID:     c.ContactID,
		Status:        string(c.Status),
		Model:         c.Model,
		TokenCount:    c.TokenCount,
		StartedAt:     c.StartedAt,
		LastMessageAt: c.LastMessageAt,
		EndedAt:       c.EndedAt,
		Metadata:      c.Metadata,
	}
}

// Connected builds the confirmation sent to a newly registered observer.
func Connected(clientID string, at time.Time) *Event {
	return &Event{Type: TypeConnected, ClientID: clientID, At: at}
}

// Error builds an error event carrying a human-readable reason.
func Error(reason string, at time.Time) *Event {
	return &Event{Type: TypeError, Details: map[string]any{"message": reason}, At: at}
}
