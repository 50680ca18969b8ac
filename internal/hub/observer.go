// ABOUTME: Per-observer connection state: lifecycle, encoding, and bounded outbox
// ABOUTME: Teardown is idempotent and closes the transport exactly once

package hub

import (
	"sync"
	"sync/atomic"

	"github.com/2389/coven-switchboard/internal/wire"
)

// State is an observer's connection lifecycle state.
type State int32

// Observer lifecycle states.
const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type observer struct {
	id             string
	label          string
	encoding       wire.Encoding
	conversationID string
	transport      Transport

	state     atomic.Int32
	outbox    chan []byte
	done      chan struct{}
	finishing chan struct{}
	once      sync.Once
	finOnce   sync.Once
}

func newObserver(id string, t Transport, opts RegisterOptions, outboxSize int) *observer {
	o := &observer{
		id:             id,
		label:          opts.Label,
		encoding:       opts.Encoding,
		conversationID: opts.ConversationID,
		transport:      t,
		outbox:         make(chan []byte, outboxSize),
		done:           make(chan struct{}),
		finishing:      make(chan struct{}),
	}
	o.state.Store(int32(StateConnecting))
	return o
}

// wants reports whether ev passes the observer's conversation filter.
// Events without a conversation id always pass.
func (o *observer) wants(ev *wire.Event) bool {
	return o.conversationID == "" || ev.ConversationID == "" || ev.ConversationID == o.conversationID
}

// offer queues a frame without blocking. False means the outbox is full or
// the observer is shutting down.
func (o *observer) offer(frame []byte) bool {
	if State(o.state.Load()) != StateOpen {
		return false
	}
	select {
	case o.outbox <- frame:
		return true
	default:
		return false
	}
}

// finish stops new frames and asks the writer to flush then shut down.
func (o *observer) finish() {
	o.finOnce.Do(func() {
		o.state.Store(int32(StateClosing))
		close(o.finishing)
	})
}

func (o *observer) shutdown() {
	o.once.Do(func() {
		o.state.Store(int32(StateClosing))
		close(o.done)
		_ = o.transport.Close()
		o.state.Store(int32(StateClosed))
	})
}
