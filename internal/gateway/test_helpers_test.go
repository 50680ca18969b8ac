// ABOUTME: Shared helpers for gateway tests
// ABOUTME: Builds an in-memory gateway, issues requests, and records hub deliveries

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-switchboard/internal/config"
	"github.com/2389/coven-switchboard/internal/conversation"
	"github.com/2389/coven-switchboard/internal/hub"
	"github.com/2389/coven-switchboard/internal/store"
	"github.com/2389/coven-switchboard/internal/wire"
)

// newTestGateway builds a gateway over a MockStore. mutate runs after
// durations are parsed, so it may set time.Duration fields directly.
func newTestGateway(t *testing.T, mutate ...func(*config.Config)) (*Gateway, *store.MockStore) {
	t.Helper()

	cfg := config.Default()
	cfg.Database.Driver = "memory"
	require.NoError(t, cfg.Finalize())
	cfg.Engine.RetryDelay = time.Millisecond
	cfg.Observers.PingInterval = 0
	for _, m := range mutate {
		m(cfg)
	}

	st := store.NewMockStore()
	gw, err := NewWithStore(cfg, st, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		gw.hub.Close()
		gw.replies.Close()
		gw.frames.Close()
	})
	return gw, st
}

// startConversation creates an active conversation through the service.
func startConversation(t *testing.T, gw *Gateway) *store.Conversation {
	t.Helper()
	conv, err := gw.conversation.StartConversation(t.Context(), conversation.StartRequest{ContactID: "contact-1"}, conversation.CommandOptions{})
	require.NoError(t, err)
	return conv
}

// do serves one request through the gateway's handler.
func do(t *testing.T, gw *Gateway, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

// decode unmarshals a recorder's JSON body into v.
func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), "body: %s", rec.Body.String())
}

// errorMessage returns the "error" field of a JSON error response.
func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decode(t, rec, &body)
	return body["error"]
}

// recordingTransport captures frames delivered by the hub.
type recordingTransport struct {
	frames chan []byte
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{frames: make(chan []byte, 64)}
}

func (r *recordingTransport) Send(_ context.Context, frame []byte) error {
	r.frames <- frame
	return nil
}

func (r *recordingTransport) Close() error { return nil }

// next waits for the next JSON frame and decodes it.
func (r *recordingTransport) next(t *testing.T) *wire.Event {
	t.Helper()
	select {
	case frame := <-r.frames:
		var ev wire.Event
		require.NoError(t, json.Unmarshal(frame, &ev))
		return &ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// observe registers a recording observer and consumes its connected event.
func observe(t *testing.T, gw *Gateway) (string, *recordingTransport) {
	t.Helper()
	rt := newRecordingTransport()
	id, err := gw.hub.Register(rt, hub.RegisterOptions{Label: "test"})
	require.NoError(t, err)
	require.Equal(t, wire.TypeConnected, rt.next(t).Type)
	return id, rt
}
