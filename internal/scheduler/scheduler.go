// ABOUTME: Optional auto-resume for conversations paused with a duration
// ABOUTME: Subscribes to the hub in-process and resumes when the pause elapses

package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-switchboard/internal/conversation"
	"github.com/2389/coven-switchboard/internal/store"
	"github.com/2389/coven-switchboard/internal/wire"
)

// Resumer is the command the scheduler issues when a pause elapses.
type Resumer interface {
	Resume(ctx context.Context, id string, opts conversation.CommandOptions) (*conversation.Result, error)
}

// Subscriber delivers every event in order; satisfied by *hub.Hub.
type Subscriber interface {
	Subscribe(fn func(*wire.Event)) (unsubscribe func())
}

// Scheduler keeps at most one pending resume per conversation. Any later
// status change for that conversation cancels or replaces it.
type Scheduler struct {
	resumer Resumer
	logger  *slog.Logger
	timeout time.Duration

	mu          sync.Mutex
	timers      map[string]*pending
	closed      bool
	unsubscribe func()
}

// pending is one scheduled resume. Its identity distinguishes a live
// timer from one that was replaced after it fired.
type pending struct {
	timer *time.Timer
}

// New creates a scheduler. Pass nil logger for default.
func New(resumer Resumer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		resumer: resumer,
		logger:  logger.With("component", "scheduler"),
		timeout: 10 * time.Second,
		timers:  make(map[string]*pending),
	}
}

// Attach subscribes the scheduler to sub. A subscription is never dropped
// for falling behind, unlike an observer outbox.
func (s *Scheduler) Attach(sub Subscriber) {
	unsubscribe := sub.Subscribe(s.Observe)
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
}

// Close detaches from the hub and cancels every pending resume.
func (s *Scheduler) Close() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	for id, p := range s.timers {
		p.timer.Stop()
		delete(s.timers, id)
	}
	s.closed = true
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Pending returns the number of scheduled resumes.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Observe reacts to one event. It runs on the hub dispatcher and only
// arms or stops timers.
func (s *Scheduler) Observe(ev *wire.Event) {
	if ev.Type != wire.TypeConversationUpdated || ev.ConversationID == "" {
		return
	}
	// Relays and creations carry no previous status and leave timers alone.
	if ev.PreviousStatus == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	id := ev.ConversationID
	if p, ok := s.timers[id]; ok {
		p.timer.Stop()
		delete(s.timers, id)
	}

	if store.Status(ev.Status) != store.StatusPaused {
		return
	}
	q, ok := conversation.PauseFromDetails(ev.Details)
	if !ok || q.Duration <= 0 {
		return
	}

	p := &pending{}
	p.timer = time.AfterFunc(q.Duration, func() { s.fire(id, p) })
	s.timers[id] = p
	s.logger.Debug("resume scheduled", "conversation_id", id, "after", q.Duration)
}

func (s *Scheduler) fire(id string, p *pending) {
	s.mu.Lock()
	if s.timers[id] != p {
		// Replaced or cancelled after the timer already fired.
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	res, err := s.resumer.Resume(ctx, id, conversation.CommandOptions{Actor: conversation.ActorSystem})
	switch {
	case err == nil && res.Changed:
		s.logger.Info("conversation auto-resumed", "conversation_id", id)
	case err == nil:
		s.logger.Debug("auto-resume was a no-op", "conversation_id", id)
	case errors.Is(err, conversation.ErrTerminal), errors.Is(err, conversation.ErrInvalidTransition):
		s.logger.Debug("auto-resume skipped", "conversation_id", id, "reason", err)
	default:
		s.logger.Error("auto-resume failed", "conversation_id", id, "error", err)
	}
}
