// ABOUTME: Tests for the transition engine state machine and its broadcast side effects
// ABOUTME: Uses MockStore and a recording publisher to check status, storage and events together

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-switchboard/internal/registry"
	"github.com/2389/coven-switchboard/internal/store"
	"github.com/2389/coven-switchboard/internal/wire"
)

// recordingPublisher captures broadcasts in the order they were enqueued.
type recordingPublisher struct {
	mu       sync.Mutex
	events   []*wire.Event
	excludes []string
}

func (p *recordingPublisher) Broadcast(ev *wire.Event, excludeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	p.excludes = append(p.excludes, excludeID)
}

func (p *recordingPublisher) Events() []*wire.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*wire.Event(nil), p.events...)
}

func (p *recordingPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
	p.excludes = nil
}

type testEnv struct {
	svc   *Service
	store *store.MockStore
	pub   *recordingPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMockStore()
	pub := &recordingPublisher{}
	svc := New(st, pub, Options{RetryDelay: time.Millisecond}, nil)
	return &testEnv{svc: svc, store: st, pub: pub}
}

// seed creates a conversation directly in storage with the given status.
func (e *testEnv) seed(t *testing.T, id string, status store.Status) {
	t.Helper()
	now := time.Now()
	conv := &store.Conversation{
		ID:        id,
		DisplayID: "CONV-" + id,
		ContactID: "contact-1",
		Status:    status,
		StartedAt: now.Add(-time.Hour),
		UpdatedAt: now.Add(-time.Hour),
	}
	if status.Terminal() {
		conv.EndedAt = &now
	}
	require.NoError(t, e.store.CreateConversation(context.Background(), conv))
}

func TestTransitionTable(t *testing.T) {
	statuses := []store.Status{
		store.StatusActive, store.StatusPaused, store.StatusTakenOver,
		store.StatusCompleted, store.StatusFailed,
	}

	for _, from := range statuses {
		for _, to := range statuses {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				env := newTestEnv(t)
				env.seed(t, "c1", from)

				res, err := env.svc.transition(t.Context(), "c1", to, nil, CommandOptions{})

				switch {
				case from.Terminal():
					assert.ErrorIs(t, err, ErrTerminal)
				case from == to:
					require.NoError(t, err)
					assert.False(t, res.Changed)
				case CanTransition(from, to):
					require.NoError(t, err)
					assert.True(t, res.Changed)
					assert.Equal(t, to, res.Conversation.Status)
				default:
					assert.ErrorIs(t, err, ErrInvalidTransition)
				}

				if err != nil || !res.Changed {
					assert.Empty(t, env.pub.Events(), "rejected or no-op command must not broadcast")
					stored, _ := env.store.GetConversation(t.Context(), "c1")
					assert.Equal(t, from, stored.Status)
				}
			})
		}
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(store.StatusActive, store.StatusPaused))
	assert.True(t, CanTransition(store.StatusPaused, store.StatusActive))
	assert.True(t, CanTransition(store.StatusPaused, store.StatusTakenOver))
	assert.True(t, CanTransition(store.StatusTakenOver, store.StatusFailed))
	assert.False(t, CanTransition(store.StatusTakenOver, store.StatusActive))
	assert.False(t, CanTransition(store.StatusTakenOver, store.StatusPaused))
	assert.False(t, CanTransition(store.StatusCompleted, store.StatusActive))
}

func TestPauseResumeCompleteScenario(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c1", store.StatusActive)
	ctx := t.Context()

	res, err := env.svc.Pause(ctx, "c1", PauseQualifier{Duration: 30 * time.Minute}, CommandOptions{Actor: ActorAgent})
	require.NoError(t, err)
	assert.True(t, res.Changed)

	res, err = env.svc.Resume(ctx, "c1", CommandOptions{Actor: ActorAgent})
	require.NoError(t, err)
	assert.True(t, res.Changed)

	_, err = env.svc.SendMessage(ctx, "c1", store.SenderAI, "How can I help?", CommandOptions{})
	require.NoError(t, err)

	res, err = env.svc.Complete(ctx, "c1", CommandOptions{})
	require.NoError(t, err)
	require.NotNil(t, res.Conversation.EndedAt)

	eventsBefore := len(env.pub.Events())
	_, err = env.svc.Pause(ctx, "c1", PauseQualifier{}, CommandOptions{})
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Len(t, env.pub.Events(), eventsBefore)

	events := env.pub.Events()
	require.Len(t, events, 4)
	assert.Equal(t, wire.TypeConversationUpdated, events[0].Type)
	assert.Equal(t, "paused", events[0].Status)
	assert.Equal(t, "active", events[0].PreviousStatus)
	assert.Equal(t, "agent", events[0].Actor)
	q, ok := PauseFromDetails(events[0].Details)
	require.True(t, ok)
	assert.Equal(t, 30*time.Minute, q.Duration)

	assert.Equal(t, "active", events[1].Status)
	assert.Equal(t, wire.TypeNewMessage, events[2].Type)
	assert.Equal(t, "completed", events[3].Status)
	assert.Equal(t, "system", events[3].Actor)

	stored, err := env.store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, stored.Status)
	require.NotNil(t, stored.EndedAt)
	assert.Equal(t, int64(1), stored.MessageCount)
}

func TestConcurrentTakeoverExactlyOneTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c1", store.StatusActive)

	var changed atomic.Int32
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.svc.Takeover(t.Context(), "c1", CommandOptions{Actor: ActorUser})
			if assert.NoError(t, err) && res.Changed {
				changed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), changed.Load())
	events := env.pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "taken_over", events[0].Status)
}

func TestConcurrentPauseAndCompleteNeverLeaveTerminalState(t *testing.T) {
	for range 20 {
		env := newTestEnv(t)
		env.seed(t, "c1", store.StatusActive)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = env.svc.Pause(t.Context(), "c1", PauseQualifier{}, CommandOptions{})
		}()
		go func() {
			defer wg.Done()
			_, err := env.svc.Complete(t.Context(), "c1", CommandOptions{})
			assert.NoError(t, err)
		}()
		wg.Wait()

		status, err := env.svc.Status(t.Context(), "c1")
		require.NoError(t, err)
		assert.Equal(t, store.StatusCompleted, status)

		events := env.pub.Events()
		require.NotEmpty(t, events)
		assert.Equal(t, "completed", events[len(events)-1].Status, "completion is the last event")
	}
}

func TestNoOpTransitionDoesNotBroadcast(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c1", store.StatusPaused)

	res, err := env.svc.Pause(t.Context(), "c1", PauseQualifier{}, CommandOptions{})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Nil(t, res.Event)
	assert.Equal(t, store.StatusPaused, res.Conversation.Status)
	assert.Empty(t, env.pub.Events())
}

func TestTerminalRejectsSameStatus(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c1", store.StatusCompleted)

	_, err := env.svc.Complete(t.Context(), "c1", CommandOptions{})
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestTransitionNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Takeover(t.Context(), "missing", CommandOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPauseRejectsInvalidQualifier(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c1", store.StatusActive)

	_, err := env.svc.Pause(t.Context(), "c1", PauseQualifier{Duration: -time.Second}, CommandOptions{})
	assert.ErrorIs(t, err, ErrInvalidPause)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.svc.Pause(t.Context(), "c1", PauseQualifier{Duration: time.Minute, UntilReactivated: true}, CommandOptions{})
	assert.ErrorIs(t, err, ErrInvalidPause)

	status, _ := env.svc.Status(t.Context(), "c1")
	assert.Equal(t, store.StatusActive, status)
}

func TestPauseDetailsSurviveJSON(t *testing.T) {
	ev := (&TransitionEvent{
		ConversationID: "c1",
		From:           store.StatusActive,
		To:             store.StatusPaused,
		Pause:          &PauseQualifier{UntilReactivated: true},
	}).Wire(nil)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	var decoded wire.Event
	require.NoError(t, json.Unmarshal(data, &decoded))

	q, ok := PauseFromDetails(decoded.Details)
	require.True(t, ok)
	assert.True(t, q.UntilReactivated)
	assert.Zero(t, q.Duration)

	_, ok = PauseFromDetails(nil)
	assert.False(t, ok)
}

func TestStorageFailureLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c1", store.StatusActive)
	ctx := t.Context()

	// Load into the registry before the backend goes away.
	_, err := env.svc.Status(ctx, "c1")
	require.NoError(t, err)

	env.store.FailWith(errors.New("database is locked"))
	_, err = env.svc.Takeover(ctx, "c1", CommandOptions{})
	assert.ErrorIs(t, err, ErrUnavailable)

	env.store.FailWith(nil)
	status, err := env.svc.Status(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, status)
	assert.Empty(t, env.pub.Events())
}

// racingRegistry lets another writer run just before each compare-and-set.
type racingRegistry struct {
	*registry.Registry
	before func(id string, expected store.Status)
}

func (r *racingRegistry) CompareAndSet(ctx context.Context, id string, expected, next store.Status, commit registry.CommitFunc) error {
	r.before(id, expected)
	return r.Registry.CompareAndSet(ctx, id, expected, next, commit)
}

func TestPersistentConflictReturnsBusy(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c1", store.StatusActive)

	var reads atomic.Int32
	env.svc.cells = &racingRegistry{Registry: env.svc.registry, before: func(id string, current store.Status) {
		reads.Add(1)
		// Another writer always gets in first.
		flip := store.StatusPaused
		if current == store.StatusPaused {
			flip = store.StatusActive
		}
		require.NoError(t, env.svc.registry.CompareAndSet(context.Background(), id, current, flip, nil))
	}}

	_, err := env.svc.Complete(t.Context(), "c1", CommandOptions{})
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, int32(defaultMaxAttempts), reads.Load())
	assert.Empty(t, env.pub.Events())
}

func TestConflictRecoversWithinBudget(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c1", store.StatusActive)

	var once sync.Once
	env.svc.cells = &racingRegistry{Registry: env.svc.registry, before: func(id string, current store.Status) {
		once.Do(func() {
			require.NoError(t, env.svc.registry.CompareAndSet(context.Background(), id, current, store.StatusPaused, nil))
		})
	}}

	res, err := env.svc.Takeover(t.Context(), "c1", CommandOptions{})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, store.StatusPaused, res.Event.From)
}

func TestOriginIsExcludedFromBroadcast(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c1", store.StatusActive)

	_, err := env.svc.Pause(t.Context(), "c1", PauseQualifier{}, CommandOptions{Origin: "observer-7"})
	require.NoError(t, err)

	env.pub.mu.Lock()
	defer env.pub.mu.Unlock()
	assert.Equal(t, []string{"observer-7"}, env.pub.excludes)
}

func TestStartConversation(t *testing.T) {
	env := newTestEnv(t)

	conv, err := env.svc.StartConversation(t.Context(), StartRequest{
		ContactID: "contact-9",
		Model:     "gpt-4",
		Metadata:  map[string]any{"channel": "web"},
	}, CommandOptions{Actor: ActorUser})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^CONV-[0-9A-F]{8}$`), conv.DisplayID)
	assert.Equal(t, store.StatusActive, conv.Status)

	stored, err := env.store.GetConversation(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "contact-9", stored.ContactID)

	events := env.pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, wire.TypeConversationUpdated, events[0].Type)
	assert.Equal(t, conv.ID, events[0].ConversationID)
	assert.Empty(t, events[0].PreviousStatus)

	_, err = env.svc.StartConversation(t.Context(), StartRequest{ContactID: "  "}, CommandOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestListRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.List(t.Context(), store.ConversationFilter{Status: "archived"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	env.seed(t, "c1", store.StatusPaused)
	page, err := env.svc.List(t.Context(), store.ConversationFilter{Status: store.StatusPaused})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestRelayBroadcastsWithoutChangingState(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c1", store.StatusPaused)

	err := env.svc.Relay(t.Context(), "c1", map[string]any{"note": "typing"}, CommandOptions{Actor: ActorAgent, Origin: "obs-1"})
	require.NoError(t, err)

	events := env.pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, wire.TypeConversationUpdated, events[0].Type)
	assert.Equal(t, string(store.StatusPaused), events[0].Status)
	assert.Equal(t, "obs-1", events[0].ClientID)
	assert.Equal(t, "typing", events[0].Details["note"])
	assert.Equal(t, []string{"obs-1"}, env.pub.excludes)

	status, err := env.svc.Status(t.Context(), "c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, status)

	err = env.svc.Relay(t.Context(), "missing", nil, CommandOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}
