// ABOUTME: Conversation Service and transition engine enforcing the status state machine
// ABOUTME: Every accepted transition is persisted and broadcast inside the conversation's lock

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-switchboard/internal/registry"
	"github.com/2389/coven-switchboard/internal/store"
	"github.com/2389/coven-switchboard/internal/wire"
)

// Store defines what the service needs from storage.
type Store interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversations(ctx context.Context, filter store.ConversationFilter) (*store.ConversationPage, error)
	SaveConversationStatus(ctx context.Context, id string, status store.Status, endedAt *time.Time, updatedAt time.Time) error
	AppendMessage(ctx context.Context, msg *store.Message) error
	ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*store.Message, error)
}

// statusCells is the registry surface a transition goes through.
type statusCells interface {
	GetStatus(ctx context.Context, id string) (store.Status, error)
	Snapshot(ctx context.Context, id string) (*store.Conversation, error)
	CompareAndSet(ctx context.Context, id string, expected, next store.Status, commit registry.CommitFunc) error
}

// Publisher receives events for fan-out. Broadcast must not block.
type Publisher interface {
	Broadcast(ev *wire.Event, excludeID string)
}

// Actor identifies who issued a command.
type Actor string

// Command actors.
const (
	ActorSystem Actor = "system"
	ActorUser   Actor = "user"
	ActorAgent  Actor = "agent"
)

// CommandOptions carries per-command attribution.
type CommandOptions struct {
	Actor  Actor  // defaults to ActorSystem
	Origin string // observer id excluded from the resulting broadcast
}

func (o CommandOptions) actor() Actor {
	if o.Actor == "" {
		return ActorSystem
	}
	return o.Actor
}

// PauseQualifier describes how long a pause is meant to last. The zero value
// is an unqualified pause.
type PauseQualifier struct {
	Duration         time.Duration
	UntilReactivated bool
}

func (q PauseQualifier) validate() error {
	if q.Duration < 0 {
		return fmt.Errorf("%w: negative duration %s", ErrInvalidPause, q.Duration)
	}
	if q.Duration > 0 && q.UntilReactivated {
		return fmt.Errorf("%w: duration and until_reactivated are exclusive", ErrInvalidPause)
	}
	return nil
}

func (q PauseQualifier) details() map[string]any {
	d := map[string]any{"untilReactivated": q.UntilReactivated}
	if q.Duration > 0 {
		d["duration"] = q.Duration.String()
	}
	return d
}

// PauseFromDetails recovers a qualifier from a conversation_updated event's details.
func PauseFromDetails(details map[string]any) (PauseQualifier, bool) {
	raw, ok := details["pause"].(map[string]any)
	if !ok {
		return PauseQualifier{}, false
	}
	var q PauseQualifier
	q.UntilReactivated, _ = raw["untilReactivated"].(bool)
	if s, ok := raw["duration"].(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return PauseQualifier{}, false
		}
		q.Duration = d
	}
	return q, true
}

// TransitionEvent records one accepted status change.
type TransitionEvent struct {
	ConversationID string
	From           store.Status
	To             store.Status
	Actor          Actor
	At             time.Time
	Pause          *PauseQualifier
}

// Wire builds the conversation_updated event for observers.
func (e *TransitionEvent) Wire(conv *store.Conversation) *wire.Event {
	ev := &wire.Event{
		Type:           wire.TypeConversationUpdated,
		ConversationID: e.ConversationID,
		Status:         string(e.To),
		PreviousStatus: string(e.From),
		Actor:          string(e.Actor),
		Conversation:   wire.FromConversation(conv),
		At:             e.At,
	}
	if e.Pause != nil {
		ev.Details = map[string]any{"pause": e.Pause.details()}
	}
	return ev
}

// Result is the outcome of a transition command.
type Result struct {
	Conversation *store.Conversation
	Event        *TransitionEvent // nil when Changed is false
	Changed      bool
}

// Options tunes the service. Zero values select defaults.
type Options struct {
	MaxAttempts     int
	RetryDelay      time.Duration // base delay between conflicting attempts
	MessagePageSize int
	Now             func() time.Time
}

const (
	defaultMaxAttempts     = 3
	defaultRetryDelay      = 5 * time.Millisecond
	defaultMessagePageSize = 100
)

// Service is the conversation core: transitions, messages and reads.
type Service struct {
	store    Store
	registry *registry.Registry
	cells    statusCells
	pub      Publisher
	messages *MessageLog
	logger   *slog.Logger

	maxAttempts int
	retryDelay  time.Duration
	now         func() time.Time
}

// New creates a Service. Pass nil logger for default.
func New(st Store, pub Publisher, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.MessagePageSize <= 0 {
		opts.MessagePageSize = defaultMessagePageSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	reg := registry.New(st, logger)
	s := &Service{
		store:       st,
		registry:    reg,
		cells:       reg,
		pub:         pub,
		logger:      logger.With("component", "conversation"),
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		now:         opts.Now,
	}
	s.messages = newMessageLog(st, reg, pub, opts.MessagePageSize, opts.Now, logger)
	return s
}

// Messages returns the service's message log.
func (s *Service) Messages() *MessageLog {
	return s.messages
}

// allowedFrom lists, per target status, the statuses it may be entered from.
var allowedFrom = map[store.Status][]store.Status{
	store.StatusPaused:    {store.StatusActive},
	store.StatusActive:    {store.StatusPaused},
	store.StatusTakenOver: {store.StatusActive, store.StatusPaused},
	store.StatusCompleted: {store.StatusActive, store.StatusPaused, store.StatusTakenOver},
	store.StatusFailed:    {store.StatusActive, store.StatusPaused, store.StatusTakenOver},
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to store.Status) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Pause moves an active conversation to paused.
func (s *Service) Pause(ctx context.Context, id string, q PauseQualifier, opts CommandOptions) (*Result, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	return s.transition(ctx, id, store.StatusPaused, &q, opts)
}

// Resume moves a paused conversation back to active.
func (s *Service) Resume(ctx context.Context, id string, opts CommandOptions) (*Result, error) {
	return s.transition(ctx, id, store.StatusActive, nil, opts)
}

// Takeover hands an active or paused conversation to a human operator.
func (s *Service) Takeover(ctx context.Context, id string, opts CommandOptions) (*Result, error) {
	return s.transition(ctx, id, store.StatusTakenOver, nil, opts)
}

// Complete ends a conversation successfully.
func (s *Service) Complete(ctx context.Context, id string, opts CommandOptions) (*Result, error) {
	return s.transition(ctx, id, store.StatusCompleted, nil, opts)
}

// Fail ends a conversation unsuccessfully.
func (s *Service) Fail(ctx context.Context, id string, opts CommandOptions) (*Result, error) {
	return s.transition(ctx, id, store.StatusFailed, nil, opts)
}

func (s *Service) transition(ctx context.Context, id string, to store.Status, pause *PauseQualifier, opts CommandOptions) (*Result, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		current, err := s.cells.GetStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, current)
		}
		if current == to {
			snap, err := s.cells.Snapshot(ctx, id)
			if err != nil {
				return nil, err
			}
			return &Result{Conversation: snap}, nil
		}
		if !CanTransition(current, to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
		}
		var res *Result
		err = s.cells.CompareAndSet(ctx, id, current, to, func(ctx context.Context, prev, next *store.Conversation) error {
			now := s.now()
			next.UpdatedAt = now
			if to.Terminal() {
				next.EndedAt = &now
			}
			if err := s.store.SaveConversationStatus(ctx, id, to, next.EndedAt, now); err != nil {
				return storageError(id, "saving status", err)
			}

			ev := &TransitionEvent{
				ConversationID: id,
				From:           prev.Status,
				To:             to,
				Actor:          opts.actor(),
				At:             now,
				Pause:          pause,
			}
			s.pub.Broadcast(ev.Wire(next), opts.Origin)
			res = &Result{Conversation: next.Clone(), Event: ev, Changed: true}
			return nil
		})
		if errors.Is(err, ErrConflict) {
			s.logger.Debug("transition conflict, retrying",
				"conversation_id", id,
				"to", to,
				"attempt", attempt)
			if err := s.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("conversation transitioned",
			"conversation_id", id,
			"from", res.Event.From,
			"to", to,
			"actor", res.Event.Actor)
		return res, nil
	}

	s.logger.Warn("transition gave up after conflicts",
		"conversation_id", id,
		"to", to,
		"attempts", s.maxAttempts)
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrBusy, id, s.maxAttempts)
}

// backoff sleeps between conflicting attempts with linear growth and jitter.
func (s *Service) backoff(ctx context.Context, attempt int) error {
	if attempt >= s.maxAttempts {
		return nil
	}
	delay := s.retryDelay * time.Duration(attempt)
	delay += time.Duration(rand.Int64N(int64(s.retryDelay)))
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// storageError maps a store failure into the conversation error space.
func storageError(id, op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, op, id, err)
}

// StartRequest describes a new conversation.
type StartRequest struct {
	ContactID string
	Model     string
	Metadata  map[string]any
}

// StartConversation creates an active conversation and announces it.
func (s *Service) StartConversation(ctx context.Context, req StartRequest, opts CommandOptions) (*store.Conversation, error) {
	contact := strings.TrimSpace(req.ContactID)
	if contact == "" {
		return nil, fmt.Errorf("%w: contact_id is required", ErrInvalidInput)
	}

	now := s.now()
	id := uuid.New()
	conv := &store.Conversation{
		ID:        id.String(),
		DisplayID: displayID(id),
		ContactID: contact,
		Status:    store.StatusActive,
		Model:     req.Model,
		StartedAt: now,
		UpdatedAt: now,
		Metadata:  req.Metadata,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("%w: creating conversation: %w", ErrUnavailable, err)
	}
	s.registry.Put(conv)

	s.pub.Broadcast(&wire.Event{
		Type:           wire.TypeConversationUpdated,
		ConversationID: conv.ID,
		Status:         string(conv.Status),
		Actor:          string(opts.actor()),
		Conversation:   wire.FromConversation(conv),
		At:             now,
	}, opts.Origin)

	s.logger.Info("conversation started",
		"conversation_id", conv.ID,
		"display_id", conv.DisplayID,
		"contact_id", contact)
	return conv.Clone(), nil
}

// displayID derives the human-readable id from the first 8 hex digits.
func displayID(id uuid.UUID) string {
	return "CONV-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
}

// Get returns the current record for id.
func (s *Service) Get(ctx context.Context, id string) (*store.Conversation, error) {
	return s.registry.Snapshot(ctx, id)
}

// Status returns the current status for id.
func (s *Service) Status(ctx context.Context, id string) (store.Status, error) {
	return s.registry.GetStatus(ctx, id)
}

// List returns one page of conversations from storage.
func (s *Service) List(ctx context.Context, filter store.ConversationFilter) (*store.ConversationPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, filter.Status)
	}
	page, err := s.store.ListConversations(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: listing conversations: %w", ErrUnavailable, err)
	}
	return page, nil
}

// SendMessage appends a message through the message log.
func (s *Service) SendMessage(ctx context.Context, id string, sender store.Sender, content string, opts CommandOptions) (*store.Message, error) {
	return s.messages.Append(ctx, id, sender, content, opts)
}

// Relay re-broadcasts an observer's annotation of conversation id as a
// conversation_updated event carrying details. It changes no state; the
// broadcast happens under the conversation's lock so it stays ordered with
// transitions and appends. Relaying to an ended conversation is allowed.
func (s *Service) Relay(ctx context.Context, id string, details map[string]any, opts CommandOptions) error {
	return s.registry.Mutate(ctx, id, func(_ context.Context, conv *store.Conversation) error {
		s.pub.Broadcast(&wire.Event{
			Type:           wire.TypeConversationUpdated,
			ConversationID: id,
			Status:         string(conv.Status),
			Actor:          string(opts.actor()),
			Conversation:   wire.FromConversation(conv),
			ClientID:       opts.Origin,
			Details:        details,
			At:             s.now(),
		}, opts.Origin)
		return nil
	})
}
