// Package hub fans conversation events out to connected observers.
//
// Broadcast appends to an unbounded FIFO and returns immediately. A single
// dispatcher drains the FIFO in order, encodes each event once per wire
// encoding, and offers the frame to every open observer's bounded outbox. Each
// observer has its own writer goroutine, so a slow transport only ever delays
// itself.
//
// An observer whose outbox overflows or whose Send fails is dropped: its
// transport is closed and it is removed from the set. Delivery failures are
// logged and counted, never returned to the broadcaster.
//
// In-process consumers use Subscribe instead of Register. The dispatcher calls
// them synchronously for every event, so they cannot overflow and are never
// dropped.
//
//	h := hub.New(hub.Config{OutboxSize: 256}, logger)
//	id, err := h.Register(transport, hub.RegisterOptions{Encoding: wire.EncodingCBOR})
//	h.Broadcast(ev, originID)
//	defer h.Unregister(id)
package hub
