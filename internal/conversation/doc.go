// Package conversation owns the conversation state machine and transcript.
//
// # Architecture
//
// Service is the single entry point for commands. It holds:
//
//   - a registry.Registry, the authoritative in-memory status per conversation
//   - a Store, the persistence collaborator (see internal/store)
//   - a Publisher, normally the hub.Hub, which fans events out to observers
//   - a MessageLog, which appends messages consistently with status
//
// # Transitions
//
//	active     -> paused       Pause
//	paused     -> active       Resume
//	active     -> taken_over   Takeover
//	paused     -> taken_over   Takeover
//	non-terminal -> completed  Complete
//	non-terminal -> failed     Fail
//
// completed and failed are terminal and reject every command with
// ErrTerminal. Asking for the status a conversation already has is a no-op
// success: Result.Changed is false and nothing is broadcast.
//
// # Ordering
//
// An accepted transition is persisted and its event handed to the Publisher
// while the conversation's registry cell is locked. Publisher.Broadcast must
// not block, so events for one conversation reach the hub queue in the same
// order their mutations committed.
//
// # Contention
//
// A compare-and-set that loses a race is retried after re-reading the
// status, up to Options.MaxAttempts times. The caller then sees ErrBusy.
package conversation
