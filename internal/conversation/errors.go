// ABOUTME: Sentinel errors returned by conversation commands
// ABOUTME: Callers match with errors.Is; input errors all wrap ErrInvalidInput

package conversation

import (
	"errors"
	"fmt"

	"github.com/2389/coven-switchboard/internal/registry"
)

var (
	// ErrNotFound is returned for unknown conversation ids.
	ErrNotFound = registry.ErrNotFound

	// ErrConflict means the status changed between read and write. Commands
	// retry it internally and surface ErrBusy once attempts run out.
	ErrConflict = registry.ErrConflict

	// ErrUnavailable means the storage collaborator failed.
	ErrUnavailable = registry.ErrUnavailable

	// ErrTerminal is returned for any command on a completed or failed conversation.
	ErrTerminal = errors.New("conversation has ended")

	// ErrInvalidTransition is returned when the state machine has no edge from
	// the current status to the requested one.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrBusy is returned when contention outlasted the retry budget.
	ErrBusy = errors.New("conversation busy, retry later")

	// ErrInvalidInput is the parent of every caller-input error.
	ErrInvalidInput = errors.New("invalid input")

	ErrInvalidSender = fmt.Errorf("%w: unknown sender", ErrInvalidInput)
	ErrEmptyContent  = fmt.Errorf("%w: message content is empty", ErrInvalidInput)
	ErrInvalidPause  = fmt.Errorf("%w: pause qualifier", ErrInvalidInput)
)
