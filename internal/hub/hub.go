// ABOUTME: ObserverHub fans conversation events out to every connected observer
// ABOUTME: Broadcast enqueues without blocking; one dispatcher feeds per-observer outboxes

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-switchboard/internal/wire"
)

var (
	// ErrDeliveryFailed marks an observer dropped because a frame could not be
	// handed to it. It is logged, never returned to Broadcast callers.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrObserverNotFound is returned by SendTo for unknown or departed observers.
	ErrObserverNotFound = errors.New("observer not found")

	// ErrClosed is returned by Register after Close.
	ErrClosed = errors.New("hub closed")
)

const (
	defaultOutboxSize   = 256
	defaultWriteTimeout = 5 * time.Second
)

// Transport is the opaque connection to one observer.
type Transport interface {
	// Send writes one encoded frame. It is only ever called from the
	// observer's own writer goroutine.
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Config tunes a Hub. Zero values select defaults.
type Config struct {
	OutboxSize   int           // frames buffered per observer before it is dropped
	WriteTimeout time.Duration // per-frame Send deadline
}

// RegisterOptions describes a new observer.
type RegisterOptions struct {
	Encoding wire.Encoding // defaults to JSON
	Label    string        // transport kind or remote address, for logs

	// ConversationID, when set, limits delivery to that conversation's events.
	ConversationID string
}

// Stats is a point-in-time view of hub activity.
type Stats struct {
	Observers int
	Queued    int
	Delivered uint64
	Dropped   uint64
}

type queued struct {
	ev      *wire.Event
	exclude string
}

// Hub owns the set of observers. The observer map is only mutated through
// Register and Unregister.
type Hub struct {
	logger       *slog.Logger
	outboxSize   int
	writeTimeout time.Duration
	now          func() time.Time

	mu          sync.RWMutex
	observers   map[string]*observer
	subscribers map[int]func(*wire.Event)
	nextSub     int
	writers     sync.WaitGroup

	qmu    sync.Mutex
	queue  []queued
	closed bool

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a Hub and starts its dispatcher. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = defaultOutboxSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	h := &Hub{
		logger:       logger.With("component", "hub"),
		outboxSize:   cfg.OutboxSize,
		writeTimeout: cfg.WriteTimeout,
		now:          time.Now,
		observers:    make(map[string]*observer),
		subscribers:  make(map[int]func(*wire.Event)),
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go h.dispatch()
	return h
}

// Register adds an observer and queues a connected event to it before it
// becomes visible to broadcasts.
func (h *Hub) Register(t Transport, opts RegisterOptions) (string, error) {
	if opts.Encoding == "" {
		opts.Encoding = wire.EncodingJSON
	}

	o := newObserver(uuid.New().String(), t, opts, h.outboxSize)

	hello, err := opts.Encoding.Marshal(wire.Connected(o.id, h.now()))
	if err != nil {
		return "", fmt.Errorf("encoding connected event: %w", err)
	}
	o.outbox <- hello

	h.mu.Lock()
	// Checked under mu so Close cannot miss an observer added concurrently.
	h.qmu.Lock()
	closed := h.closed
	h.qmu.Unlock()
	if closed {
		h.mu.Unlock()
		return "", ErrClosed
	}
	h.observers[o.id] = o
	o.state.Store(int32(StateOpen))
	h.writers.Add(1)
	h.mu.Unlock()

	go h.writeLoop(o)

	h.logger.Info("observer registered",
		"observer_id", o.id,
		"label", opts.Label,
		"encoding", opts.Encoding,
		"conversation_id", opts.ConversationID)
	return o.id, nil
}

// Subscribe registers an in-process consumer that the dispatcher calls with
// every event, in broadcast order, ahead of observer delivery. Subscribers
// have no outbox and are never dropped, so fn must return quickly. The
// returned func removes the subscription.
func (h *Hub) Subscribe(fn func(*wire.Event)) (unsubscribe func()) {
	h.mu.Lock()
	key := h.nextSub
	h.nextSub++
	h.subscribers[key] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, key)
			h.mu.Unlock()
		})
	}
}

// Unregister removes an observer and closes its transport. Unknown or
// already removed ids are ignored.
func (h *Hub) Unregister(id string) {
	h.remove(id, nil)
}

// remove detaches the observer and tears it down once. cause is nil for a
// requested removal.
func (h *Hub) remove(id string, cause error) {
	h.mu.Lock()
	o, ok := h.observers[id]
	if ok {
		delete(h.observers, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	o.shutdown()
	if cause != nil {
		h.dropped.Add(1)
		h.logger.Warn("observer dropped",
			"observer_id", id,
			"label", o.label,
			"error", cause)
		return
	}
	h.logger.Info("observer unregistered", "observer_id", id, "label", o.label)
}

// Broadcast queues ev for every open observer except excludeID. It never
// blocks on observers. Events broadcast after Close are discarded.
func (h *Hub) Broadcast(ev *wire.Event, excludeID string) {
	h.qmu.Lock()
	if h.closed {
		h.qmu.Unlock()
		h.logger.Debug("broadcast after close discarded", "type", ev.Type)
		return
	}
	h.queue = append(h.queue, queued{ev: ev, exclude: excludeID})
	h.qmu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// SendTo delivers ev to a single observer, behind anything already in its outbox.
func (h *Hub) SendTo(id string, ev *wire.Event) error {
	h.mu.RLock()
	o, ok := h.observers[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrObserverNotFound, id)
	}

	frame, err := o.encoding.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Type, err)
	}
	if !o.offer(frame) {
		h.remove(id, fmt.Errorf("%w: outbox full", ErrDeliveryFailed))
		return fmt.Errorf("%w: %s", ErrDeliveryFailed, id)
	}
	return nil
}

// Count returns the number of registered observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// State reports the lifecycle state of observer id.
func (h *Hub) State(id string) (State, bool) {
	h.mu.RLock()
	o, ok := h.observers[id]
	h.mu.RUnlock()
	if !ok {
		return StateClosed, false
	}
	return State(o.state.Load()), true
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.qmu.Lock()
	queuedN := len(h.queue)
	h.qmu.Unlock()
	return Stats{
		Observers: h.Count(),
		Queued:    queuedN,
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// Close stops accepting events and dispatches what is already queued. Each
// observer's writer then flushes its outbox, bounded by the write timeout,
// before the transport is closed. Close returns once every writer has
// exited. Safe to call more than once.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.qmu.Lock()
		h.closed = true
		h.qmu.Unlock()
		close(h.stop)
		<-h.done

		h.mu.Lock()
		observers := h.observers
		h.observers = make(map[string]*observer)
		h.mu.Unlock()
		for _, o := range observers {
			o.finish()
		}
		h.writers.Wait()
		h.logger.Debug("hub closed", "observers", len(observers))
	})
}

// dispatch is the single consumer of the queue.
func (h *Hub) dispatch() {
	defer close(h.done)
	for {
		batch := h.take()
		for _, item := range batch {
			h.fanOut(item)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-h.wake:
		case <-h.stop:
			for _, item := range h.take() {
				h.fanOut(item)
			}
			return
		}
	}
}

func (h *Hub) take() []queued {
	h.qmu.Lock()
	defer h.qmu.Unlock()
	batch := h.queue
	h.queue = nil
	return batch
}

func (h *Hub) fanOut(item queued) {
	// Copy targets under read lock to avoid holding it while offering.
	h.mu.RLock()
	subs := make([]func(*wire.Event), 0, len(h.subscribers))
	for _, fn := range h.subscribers {
		subs = append(subs, fn)
	}
	targets := make([]*observer, 0, len(h.observers))
	for id, o := range h.observers {
		if id == item.exclude || !o.wants(item.ev) {
			continue
		}
		targets = append(targets, o)
	}
	h.mu.RUnlock()

	for _, fn := range subs {
		fn(item.ev)
	}

	frames := make(map[wire.Encoding][]byte, 2)
	for _, o := range targets {
		frame, ok := frames[o.encoding]
		if !ok {
			var err error
			frame, err = o.encoding.Marshal(item.ev)
			if err != nil {
				h.logger.Error("failed to encode event",
					"type", item.ev.Type,
					"encoding", o.encoding,
					"error", err)
				continue
			}
			frames[o.encoding] = frame
		}
		if !o.offer(frame) {
			h.remove(o.id, fmt.Errorf("%w: outbox full", ErrDeliveryFailed))
		}
	}
}

// writeLoop drains one observer's outbox into its transport.
func (h *Hub) writeLoop(o *observer) {
	defer h.writers.Done()
	for {
		select {
		case <-o.done:
			return
		case <-o.finishing:
			h.flush(o)
			o.shutdown()
			return
		case frame := <-o.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
			err := h.write(ctx, o, frame)
			cancel()
			if err != nil {
				h.remove(o.id, fmt.Errorf("%w: %w", ErrDeliveryFailed, err))
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, o *observer, frame []byte) error {
	if err := o.transport.Send(ctx, frame); err != nil {
		return err
	}
	h.delivered.Add(1)
	return nil
}

// flush writes what is left in the outbox under a single write timeout and
// stops at the first failure.
func (h *Hub) flush(o *observer) {
	ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
	defer cancel()
	for {
		select {
		case frame := <-o.outbox:
			if err := h.write(ctx, o, frame); err != nil {
				h.logger.Debug("flush on close stopped",
					"observer_id", o.id,
					"remaining", len(o.outbox),
					"error", err)
				return
			}
		default:
			return
		}
	}
}
