// ABOUTME: MessageLog appends transcript entries consistently with conversation status
// ABOUTME: Also provides lazy ordered reads, previews, and Markdown/HTML transcripts

package conversation

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/2389/coven-switchboard/internal/registry"
	"github.com/2389/coven-switchboard/internal/store"
	"github.com/2389/coven-switchboard/internal/wire"
)

// previewRunes bounds LastMessagePreview output.
const previewRunes = 80

// MessageLog owns the ordered transcript of every conversation.
type MessageLog struct {
	store    Store
	registry *registry.Registry
	pub      Publisher
	pageSize int
	now      func() time.Time
	logger   *slog.Logger
}

func newMessageLog(st Store, reg *registry.Registry, pub Publisher, pageSize int, now func() time.Time, logger *slog.Logger) *MessageLog {
	// Stores never return more than MaxPageSize rows per call.
	if pageSize > store.MaxPageSize {
		pageSize = store.MaxPageSize
	}
	return &MessageLog{
		store:    st,
		registry: reg,
		pub:      pub,
		pageSize: pageSize,
		now:      now,
		logger:   logger.With("component", "messagelog"),
	}
}

// EstimateTokens approximates the token count of content as one token per
// four characters, rounded up, with a floor of one for non-empty content.
func EstimateTokens(content string) int64 {
	n := utf8.RuneCountInString(content)
	if n == 0 {
		return 0
	}
	return int64((n + 3) / 4)
}

// Append records a message on conversation id and broadcasts new_message.
// Rejected for unknown ids, terminal conversations, unknown senders and
// blank content. Nothing is written when it fails.
func (l *MessageLog) Append(ctx context.Context, id string, sender store.Sender, content string, opts CommandOptions) (*store.Message, error) {
	if !sender.Valid() {
		return nil, fmt.Errorf("%w %q", ErrInvalidSender, sender)
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	var msg *store.Message
	err := l.registry.Mutate(ctx, id, func(ctx context.Context, conv *store.Conversation) error {
		if conv.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, id, conv.Status)
		}

		created := l.now()
		if created.Before(conv.StartedAt) {
			created = conv.StartedAt
		}
		if conv.LastMessageAt != nil && created.Before(*conv.LastMessageAt) {
			created = *conv.LastMessageAt
		}

		m := &store.Message{
			ID:             uuid.New().String(),
			ConversationID: id,
			Seq:            conv.MessageCount + 1,
			Sender:         sender,
			Content:        content,
			TokenCount:     EstimateTokens(content),
			CreatedAt:      created,
		}
		if err := l.store.AppendMessage(ctx, m); err != nil {
			return storageError(id, "appending message", err)
		}

		conv.MessageCount = m.Seq
		conv.TokenCount += m.TokenCount
		conv.LastMessageAt = &created
		conv.UpdatedAt = created

		l.pub.Broadcast(&wire.Event{
			Type:           wire.TypeNewMessage,
			ConversationID: id,
			Status:         string(conv.Status),
			Actor:          string(opts.actor()),
			Message:        wire.FromMessage(m),
			Conversation:   wire.FromConversation(conv),
			At:             created,
		}, opts.Origin)
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("message appended",
		"conversation_id", id,
		"message_id", msg.ID,
		"seq", msg.Seq,
		"sender", sender,
		"tokens", msg.TokenCount)
	return msg, nil
}

// List returns the messages of conversation id in creation order. The
// sequence reads from storage lazily, one page at a time; ranging over it
// again starts from the first message.
func (l *MessageLog) List(ctx context.Context, id string) (iter.Seq2[*store.Message, error], error) {
	if _, err := l.registry.GetStatus(ctx, id); err != nil {
		return nil, err
	}

	return func(yield func(*store.Message, error) bool) {
		var after int64
		for {
			page, err := l.store.ListMessages(ctx, id, after, l.pageSize)
			if err != nil {
				yield(nil, storageError(id, "listing messages", err))
				return
			}
			if len(page) == 0 {
				return
			}
			for _, m := range page {
				if !yield(m, nil) {
					return
				}
				after = m.Seq
			}
		}
	}, nil
}

// Collect drains List into a slice.
func (l *MessageLog) Collect(ctx context.Context, id string) ([]*store.Message, error) {
	seq, err := l.List(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []*store.Message
	for m, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// LastMessagePreview returns the newest message's content truncated to 80
// runes, or "" when the conversation has no messages.
func (l *MessageLog) LastMessagePreview(ctx context.Context, id string) (string, error) {
	conv, err := l.registry.Snapshot(ctx, id)
	if err != nil {
		return "", err
	}
	if conv.MessageCount == 0 {
		return "", nil
	}
	page, err := l.store.ListMessages(ctx, id, conv.MessageCount-1, 1)
	if err != nil {
		return "", storageError(id, "reading last message", err)
	}
	if len(page) == 0 {
		return "", nil
	}
	return truncateRunes(page[0].Content, previewRunes), nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// Transcript renders conversation id as Markdown.
func (l *MessageLog) Transcript(ctx context.Context, id string) (string, error) {
	conv, err := l.registry.Snapshot(ctx, id)
	if err != nil {
		return "", err
	}
	seq, err := l.List(ctx, id)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", conv.DisplayID)
	fmt.Fprintf(&b, "- **Contact:** %s\n", conv.ContactID)
	fmt.Fprintf(&b, "- **Status:** %s\n", conv.Status)
	if conv.Model != "" {
		fmt.Fprintf(&b, "- **Model:** %s\n", conv.Model)
	}
	fmt.Fprintf(&b, "- **Started:** %s\n", conv.StartedAt.UTC().Format(time.RFC3339))
	if conv.EndedAt != nil {
		fmt.Fprintf(&b, "- **Ended:** %s\n", conv.EndedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "- **Tokens:** %d\n", conv.TokenCount)

	for m, err := range seq {
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "\n### %s · %s\n\n%s\n", senderLabel(m.Sender), m.CreatedAt.UTC().Format(time.RFC3339), m.Content)
	}
	return b.String(), nil
}

// TranscriptHTML renders the Markdown transcript to HTML.
func (l *MessageLog) TranscriptHTML(ctx context.Context, id string) ([]byte, error) {
	md, err := l.Transcript(ctx, id)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return nil, fmt.Errorf("rendering transcript: %w", err)
	}
	return buf.Bytes(), nil
}

func senderLabel(s store.Sender) string {
	switch s {
	case store.SenderUser:
		return "User"
	case store.SenderAI:
		return "AI"
	case store.SenderHumanAgent:
		return "Agent"
	}
	return string(s)
}
