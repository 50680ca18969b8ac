// ABOUTME: In-memory authoritative record of conversation state keyed by conversation id
// ABOUTME: Serializes mutations per id with a cell mutex; distinct ids never contend

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/coven-switchboard/internal/store"
)

var (
	// ErrNotFound is returned for conversation ids the loader does not know.
	ErrNotFound = errors.New("conversation not found")

	// ErrConflict is returned by CompareAndSet when the current status is not the expected one.
	ErrConflict = errors.New("conversation status changed concurrently")

	// ErrUnavailable wraps loader failures other than not-found.
	ErrUnavailable = errors.New("storage unavailable")

	errStatusMutation = errors.New("status may only change through CompareAndSet")
)

// Loader fetches a conversation from the storage collaborator on first access.
type Loader interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
}

// CommitFunc runs inside the conversation's exclusion scope after the
// compare succeeds. next is a private copy the func may adjust (end time,
// updated time). Returning an error leaves the record unchanged.
type CommitFunc func(ctx context.Context, prev, next *store.Conversation) error

// cell holds one conversation's record. mu is held for the whole
// read-validate-write of any mutation on that conversation.
type cell struct {
	mu   sync.Mutex
	conv *store.Conversation // nil until loaded
	gone bool                // loader reported not found; cell is detached
}

// Registry is the single source of truth for conversation status.
type Registry struct {
	loader Loader
	logger *slog.Logger

	mu    sync.RWMutex // guards cells map only, never held across a cell lock wait
	cells map[string]*cell
}

// New creates a registry backed by loader. Pass nil logger for default.
func New(loader Loader, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		loader: loader,
		logger: logger.With("component", "registry"),
		cells:  make(map[string]*cell),
	}
}

// getCell returns the cell for id, creating an empty one if needed.
func (r *Registry) getCell(id string) *cell {
	r.mu.RLock()
	c, ok := r.cells[id]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cells[id]; ok {
		return c
	}
	c = &cell{}
	r.cells[id] = c
	return c
}

// detach removes c from the map if it is still the cell registered for id.
func (r *Registry) detach(id string, c *cell) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cells[id] == c {
		delete(r.cells, id)
	}
}

// lock acquires the cell for id with its record loaded. Caller must unlock c.mu.
func (r *Registry) lock(ctx context.Context, id string) (*cell, error) {
	for {
		c := r.getCell(id)
		c.mu.Lock()
		if c.gone {
			// Raced with a not-found load on a detached cell; take a fresh one.
			c.mu.Unlock()
			continue
		}
		if c.conv != nil {
			return c, nil
		}

		conv, err := r.loader.GetConversation(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.gone = true
				r.detach(id, c)
				c.mu.Unlock()
				return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: loading conversation %s: %w", ErrUnavailable, id, err)
		}
		c.conv = conv
		r.logger.Debug("conversation loaded", "conversation_id", id, "status", conv.Status)
		return c, nil
	}
}

// Put seeds the registry with a freshly created conversation.
// An existing record for the same id is left untouched.
func (r *Registry) Put(conv *store.Conversation) {
	c := r.getCell(conv.ID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil && !c.gone {
		c.conv = conv.Clone()
	}
}

// GetStatus returns the current status of conversation id.
func (r *Registry) GetStatus(ctx context.Context, id string) (store.Status, error) {
	c, err := r.lock(ctx, id)
	if err != nil {
		return "", err
	}
	defer c.mu.Unlock()
	return c.conv.Status, nil
}

// Snapshot returns a copy of the cached conversation record.
func (r *Registry) Snapshot(ctx context.Context, id string) (*store.Conversation, error) {
	c, err := r.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	return c.conv.Clone(), nil
}

// CompareAndSet moves conversation id from expected to next if and only if
// its status is expected when the cell lock is held. commit, if non-nil,
// runs under the same lock; its error aborts the change. This is the only
// path that changes a conversation's status.
func (r *Registry) CompareAndSet(ctx context.Context, id string, expected, next store.Status, commit CommitFunc) error {
	c, err := r.lock(ctx, id)
	if err != nil {
		return err
	}
	defer c.mu.Unlock()

	if c.conv.Status != expected {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrConflict, id, c.conv.Status, expected)
	}

	updated := c.conv.Clone()
	updated.Status = next
	if commit != nil {
		if err := commit(ctx, c.conv.Clone(), updated); err != nil {
			return err
		}
	}
	// The commit may only adjust fields around the status, never the status itself.
	updated.Status = next
	c.conv = updated
	return nil
}

// Mutate applies fn to a copy of the record under the cell lock and keeps the
// copy if fn succeeds. fn sees the status current at that moment and must not
// change it.
func (r *Registry) Mutate(ctx context.Context, id string, fn func(ctx context.Context, conv *store.Conversation) error) error {
	c, err := r.lock(ctx, id)
	if err != nil {
		return err
	}
	defer c.mu.Unlock()

	updated := c.conv.Clone()
	if err := fn(ctx, updated); err != nil {
		return err
	}
	if updated.Status != c.conv.Status {
		return errStatusMutation
	}
	c.conv = updated
	return nil
}

// Len returns the number of cached conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cells)
}
