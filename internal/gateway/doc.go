// Package gateway orchestrates the switchboard server components.
//
// # Overview
//
// The gateway package is the central coordinator of the switchboard. It owns
// the data store, the conversation service, the observer hub, the optional
// auto-resume scheduler and the HTTP server, and it listens either on plain
// TCP or on a tailnet through tsnet.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config       *config.Config
//	    store        store.Store
//	    conversation *conversation.Service
//	    hub          *hub.Hub
//	    scheduler    *scheduler.Scheduler // nil unless pause.auto_resume
//	    httpServer   *http.Server
//	    tsnetServer  *tsnet.Server
//	    replies      *dedupe.Cache[*commandReply]
//	    frames       *dedupe.Cache[struct{}]
//	    // ...
//	}
//
// # HTTP API
//
// Conversation endpoints live in api.go:
//
//   - GET /api/conversations - List with status, search and paging
//   - POST /api/conversations - Start a conversation
//   - GET /api/conversations/{id} - One conversation with its message preview
//   - GET /api/conversations/{id}/messages - Messages in creation order
//   - POST /api/conversations/{id}/messages - Append a message
//   - GET /api/conversations/{id}/transcript - Markdown or HTML transcript
//   - POST /api/conversations/{id}/pause|resume|takeover|complete|fail
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check with hub counters
//
// Commands accept X-Actor (system, user, agent) and X-Observer-ID, the id of
// an observer that should not receive the resulting event. A request with an
// Idempotency-Key runs once; a retry within the TTL gets the stored reply
// with Idempotent-Replayed: true. Storage failures answer 503 with
// Retry-After and do not consume the key.
//
// # Observers
//
// Observers connect over WebSocket (websocket.go) or Server-Sent Events
// (sse.go). Both register a transport with the hub and first receive a
// connected event carrying their client id.
//
//	GET /ws?encoding=json|cbor&conversation_id=...
//	GET /events?conversation_id=...
//
// WebSocket clients may send:
//
//	{"type": "ping"}
//	{"id": "f-1", "type": "conversation_updated_by_client", "conversationId": "...", "payload": {...}}
//
// A client update is re-broadcast to every other observer as a
// conversation_updated event with the payload in details. Frames are rate
// limited per connection and a repeated frame id is dropped.
//
// SSE frames are named after the event type:
//
//	event: conversation_updated
//	data: {"type":"conversation_updated","conversationId":"...","status":"paused",...}
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	err = gw.Run(ctx)
//
// Run returns after ctx is canceled and the shutdown finished. Shutdown
// closes the hub first, which ends every observer stream, then the store.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, listeners, Run/Shutdown, health
//   - api.go: conversation HTTP handlers and Idempotency-Key replay
//   - websocket.go: WebSocket observer endpoint
//   - sse.go: Server-Sent Events observer endpoint
package gateway
