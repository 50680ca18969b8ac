// ABOUTME: Contract tests run against every Store implementation
// ABOUTME: Covers conversation CRUD, status writes, message append ordering and paging

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// backends returns one fresh instance of every Store implementation.
func backends(t *testing.T) map[string]Store {
	return map[string]Store{
		"sqlite": newTestStore(t),
		"mock":   NewMockStore(),
	}
}

func testConversation(id string, started time.Time) *Conversation {
	return &Conversation{
		ID:        id,
		DisplayID: "CONV-" + id,
		ContactID: "contact-" + id,
		Status:    StatusActive,
		Model:     "gpt-4",
		StartedAt: started,
		UpdatedAt: started,
		Metadata:  map[string]any{"source": "widget"},
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, testConversation("mem", time.Now())))
	_, err = s.GetConversation(ctx, "mem")
	assert.NoError(t, err)
}

func TestStore_CreateAndGetConversation(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			started := time.Now().UTC().Truncate(time.Millisecond)
			conv := testConversation("c1", started)

			require.NoError(t, s.CreateConversation(ctx, conv))

			got, err := s.GetConversation(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, "CONV-c1", got.DisplayID)
			assert.Equal(t, StatusActive, got.Status)
			assert.Equal(t, "gpt-4", got.Model)
			assert.True(t, got.StartedAt.Equal(started))
			assert.Nil(t, got.EndedAt)
			assert.Nil(t, got.LastMessageAt)
			assert.Equal(t, "widget", got.Metadata["source"])

			err = s.CreateConversation(ctx, conv)
			assert.ErrorIs(t, err, ErrDuplicateConversation)
		})
	}
}

func TestStore_GetConversationNotFound(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetConversation(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_SaveConversationStatus(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			require.NoError(t, s.CreateConversation(ctx, testConversation("c1", now)))

			ended := now.Add(time.Minute)
			require.NoError(t, s.SaveConversationStatus(ctx, "c1", StatusCompleted, &ended, ended))

			got, err := s.GetConversation(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, got.Status)
			require.NotNil(t, got.EndedAt)
			assert.True(t, got.EndedAt.Equal(ended))

			err = s.SaveConversationStatus(ctx, "missing", StatusPaused, nil, now)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_AppendMessageUpdatesAggregates(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			conv := testConversation("c1", now)
			conv.TokenCount = 10
			require.NoError(t, s.CreateConversation(ctx, conv))

			for i := 1; i <= 3; i++ {
				require.NoError(t, s.AppendMessage(ctx, &Message{
					ID:             fmt.Sprintf("m%d", i),
					ConversationID: "c1",
					Seq:            int64(i),
					Sender:         SenderUser,
					Content:        "hello",
					TokenCount:     2,
					CreatedAt:      now.Add(time.Duration(i) * time.Second),
				}))
			}

			got, err := s.GetConversation(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, int64(16), got.TokenCount)
			assert.Equal(t, int64(3), got.MessageCount)
			require.NotNil(t, got.LastMessageAt)
			assert.True(t, got.LastMessageAt.Equal(now.Add(3*time.Second)))

			err = s.AppendMessage(ctx, &Message{ID: "x", ConversationID: "missing", Seq: 1, Sender: SenderAI, Content: "x", CreatedAt: now})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ListMessagesPaging(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			require.NoError(t, s.CreateConversation(ctx, testConversation("c1", now)))

			for i := 1; i <= 5; i++ {
				require.NoError(t, s.AppendMessage(ctx, &Message{
					ID:             fmt.Sprintf("m%d", i),
					ConversationID: "c1",
					Seq:            int64(i),
					Sender:         SenderAI,
					Content:        fmt.Sprintf("msg %d", i),
					CreatedAt:      now, // identical timestamps: seq decides order
				}))
			}

			first, err := s.ListMessages(ctx, "c1", 0, 2)
			require.NoError(t, err)
			require.Len(t, first, 2)
			assert.Equal(t, "msg 1", first[0].Content)
			assert.Equal(t, "msg 2", first[1].Content)

			rest, err := s.ListMessages(ctx, "c1", first[1].Seq, 10)
			require.NoError(t, err)
			require.Len(t, rest, 3)
			assert.Equal(t, int64(3), rest[0].Seq)
			assert.Equal(t, int64(5), rest[2].Seq)

			none, err := s.ListMessages(ctx, "other", 0, 10)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStore_ListConversationsFilterAndPaging(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC()

			for i := 0; i < 12; i++ {
				conv := testConversation(fmt.Sprintf("c%02d", i), base.Add(time.Duration(i)*time.Minute))
				if i%3 == 0 {
					conv.Status = StatusPaused
				}
				require.NoError(t, s.CreateConversation(ctx, conv))
			}

			page, err := s.ListConversations(ctx, ConversationFilter{})
			require.NoError(t, err)
			assert.Equal(t, 12, page.Total)
			assert.Equal(t, 2, page.TotalPages)
			assert.Equal(t, 1, page.CurrentPage)
			require.Len(t, page.Conversations, DefaultPageSize)
			assert.Equal(t, "c11", page.Conversations[0].ID, "newest first")

			second, err := s.ListConversations(ctx, ConversationFilter{Page: 2})
			require.NoError(t, err)
			assert.Len(t, second.Conversations, 2)

			paused, err := s.ListConversations(ctx, ConversationFilter{Status: StatusPaused})
			require.NoError(t, err)
			assert.Equal(t, 4, paused.Total)
			for _, c := range paused.Conversations {
				assert.Equal(t, StatusPaused, c.Status)
			}

			search, err := s.ListConversations(ctx, ConversationFilter{Search: "conv-c07"})
			require.NoError(t, err)
			require.Equal(t, 1, search.Total)
			assert.Equal(t, "c07", search.Conversations[0].ID)
		})
	}
}

func TestMockStore_FailWith(t *testing.T) {
	s := NewMockStore()
	boom := errors.New("disk on fire")
	s.FailWith(boom)

	_, err := s.GetConversation(context.Background(), "c1")
	assert.ErrorIs(t, err, boom)

	s.FailWith(nil)
	_, err = s.GetConversation(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversation_CloneIsDeep(t *testing.T) {
	now := time.Now()
	conv := testConversation("c1", now)
	conv.EndedAt = &now

	clone := conv.Clone()
	clone.Metadata["source"] = "changed"
	*clone.EndedAt = now.Add(time.Hour)

	assert.Equal(t, "widget", conv.Metadata["source"])
	assert.True(t, conv.EndedAt.Equal(now))
}

func TestStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusActive, false},
		{StatusPaused, false},
		{StatusTakenOver, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.True(t, tt.status.Valid())
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
	assert.False(t, Status("archived").Valid())
}
