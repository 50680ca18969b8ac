// ABOUTME: Server-Sent Events observer endpoint for read-only dashboards
// ABOUTME: Streams hub events as named SSE events with periodic keepalive comments

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/2389/coven-switchboard/internal/hub"
	"github.com/2389/coven-switchboard/internal/wire"
)

var errStreamClosed = errors.New("event stream closed")

// sseTransport adapts an HTTP response stream to hub.Transport. Writes happen
// on the hub's writer goroutine; finish must be called before the handler
// returns so no write outlives the request.
type sseTransport struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	flusher http.Flusher
	ended   bool

	done chan struct{}
	once sync.Once
}

func newSSETransport(w http.ResponseWriter, flusher http.Flusher) *sseTransport {
	return &sseTransport{
		w:       w,
		rc:      http.NewResponseController(w),
		flusher: flusher,
		done:    make(chan struct{}),
	}
}

// Send writes one JSON frame as an SSE event named after its type.
func (t *sseTransport) Send(ctx context.Context, frame []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil || head.Type == "" {
		head.Type = "message"
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return errStreamClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.rc.SetWriteDeadline(deadline)
	}
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", head.Type, frame); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// comment writes an SSE comment line, used as a keepalive.
func (t *sseTransport) comment(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return errStreamClosed
	}
	if _, err := fmt.Fprintf(t.w, ": %s\n\n", text); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// Close signals the handler to end the stream. It never blocks.
func (t *sseTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

// finish waits out any in-flight write and rejects later ones.
func (t *sseTransport) finish() {
	t.mu.Lock()
	t.ended = true
	t.mu.Unlock()
}

// handleEvents handles GET /events?conversation_id=. Events are always JSON.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	t := newSSETransport(w, flusher)
	defer t.finish()

	id, err := g.hub.Register(t, hub.RegisterOptions{
		Encoding:       wire.EncodingJSON,
		Label:          "sse:" + r.RemoteAddr,
		ConversationID: r.URL.Query().Get("conversation_id"),
	})
	if err != nil {
		return
	}
	defer g.hub.Unregister(id)

	var tick <-chan time.Time
	if interval := g.config.Observers.PingInterval; interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-t.done:
			return
		case <-tick:
			if err := t.comment("keepalive"); err != nil {
				return
			}
		}
	}
}
