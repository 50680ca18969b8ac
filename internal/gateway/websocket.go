// ABOUTME: WebSocket observer endpoint using coder/websocket
// ABOUTME: Registers each connection with the hub and handles inbound ping and client update frames

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/coven-switchboard/internal/conversation"
	"github.com/2389/coven-switchboard/internal/hub"
	"github.com/2389/coven-switchboard/internal/wire"
)

// wsTransport adapts a WebSocket connection to hub.Transport.
type wsTransport struct {
	conn    *websocket.Conn
	msgType websocket.MessageType

	// cancel ends the connection's read context, which closes the socket.
	cancel context.CancelFunc
}

func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	return t.conn.Write(ctx, t.msgType, frame)
}

// Close never blocks; the handler goroutine finishes the close.
func (t *wsTransport) Close() error {
	t.cancel()
	return nil
}

// handleWebSocket handles GET /ws?encoding=json|cbor&conversation_id=.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	enc, err := wire.ParseEncoding(r.URL.Query().Get("encoding"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.Observers.AllowedOrigins,
	})
	if err != nil {
		// Accept has already written the error response.
		g.logger.Warn("websocket accept failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(g.config.Observers.MaxMessageBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	msgType := websocket.MessageText
	if enc.Binary() {
		msgType = websocket.MessageBinary
	}
	t := &wsTransport{conn: conn, msgType: msgType, cancel: cancel}

	id, err := g.hub.Register(t, hub.RegisterOptions{
		Encoding:       enc,
		Label:          "ws:" + r.RemoteAddr,
		ConversationID: r.URL.Query().Get("conversation_id"),
	})
	if err != nil {
		conn.Close(websocket.StatusTryAgainLater, "switchboard shutting down")
		return
	}
	defer g.hub.Unregister(id)

	go g.keepAlive(ctx, conn, cancel)
	g.readFrames(ctx, conn, id, enc)
}

// keepAlive pings the peer until ctx ends; a failed ping closes the connection.
func (g *Gateway) keepAlive(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	interval := g.config.Observers.PingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, interval)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				g.logger.Debug("websocket ping failed", "error", err)
				cancel()
				return
			}
		}
	}
}

// readFrames handles inbound frames until the connection ends.
func (g *Gateway) readFrames(ctx context.Context, conn *websocket.Conn, observerID string, enc wire.Encoding) {
	var limiter *rate.Limiter
	if g.config.Observers.InboundRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(g.config.Observers.InboundRate), g.config.Observers.InboundBurst)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			g.logReadEnd(observerID, err)
			return
		}

		if limiter != nil && !limiter.Allow() {
			g.sendObserverError(observerID, "rate limit exceeded, frame dropped")
			continue
		}

		in, err := wire.DecodeInbound(enc, data)
		if err != nil {
			g.logger.Debug("malformed inbound frame", "observer_id", observerID, "error", err)
			g.sendObserverError(observerID, "malformed frame")
			continue
		}
		g.handleInbound(ctx, observerID, in)
	}
}

func (g *Gateway) logReadEnd(observerID string, err error) {
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		g.logger.Debug("websocket closed by peer", "observer_id", observerID)
	case errors.Is(err, context.Canceled):
		g.logger.Debug("websocket closed", "observer_id", observerID)
	default:
		g.logger.Info("websocket read ended", "observer_id", observerID, "error", err)
	}
}

// handleInbound dispatches one decoded observer frame. Frames carrying an id
// already seen from this observer are dropped.
func (g *Gateway) handleInbound(ctx context.Context, observerID string, in *wire.Inbound) {
	if in.ID != "" && g.frames.CheckAndMark(observerID+":"+in.ID) {
		g.logger.Debug("duplicate inbound frame dropped", "observer_id", observerID, "frame_id", in.ID)
		return
	}

	switch in.Type {
	case wire.TypePing:
		if err := g.hub.SendTo(observerID, wire.Connected(observerID, time.Now())); err != nil {
			g.logger.Debug("failed to answer ping", "observer_id", observerID, "error", err)
		}

	case wire.TypeConversationUpdatedByClient:
		if in.ConversationID == "" {
			g.sendObserverError(observerID, "conversationId is required")
			return
		}
		err := g.conversation.Relay(ctx, in.ConversationID, in.Payload, conversation.CommandOptions{
			Actor:  conversation.ActorAgent,
			Origin: observerID,
		})
		if err != nil {
			g.sendObserverError(observerID, fmt.Sprintf("relaying update: %v", err))
		}

	default:
		g.logger.Warn("unknown inbound event type ignored", "observer_id", observerID, "type", in.Type)
	}
}

// sendObserverError delivers an error event to one observer.
func (g *Gateway) sendObserverError(observerID, reason string) {
	if err := g.hub.SendTo(observerID, wire.Error(reason, time.Now())); err != nil {
		g.logger.Debug("failed to deliver error event", "observer_id", observerID, "error", err)
	}
}
