// Package dedupe suppresses duplicate commands within a time window.
//
// The HTTP layer claims each Idempotency-Key before running a command and
// records the response on success, so a client retry replays the original
// outcome. The WebSocket layer uses CheckAndMark to drop re-sent frames.
package dedupe
