// ABOUTME: Per-connection write pump and fan-in for the websocket surface.
// ABOUTME: Serializes all writes to one socket through a buffered send channel.

package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/embedchat/chat-gateway/internal/broadcast"
)

const (
	// sendBufferSize is the per-connection outbound queue. A client that
	// falls this far behind is disconnected.
	sendBufferSize = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// wsSession owns the outbound half of one websocket connection. Handlers and
// broadcast forwarders enqueue envelopes; writePump is the only goroutine
// that touches the socket for writes.
type wsSession struct {
	id     string
	conn   *websocket.Conn
	send   chan *Envelope
	cancel context.CancelFunc
	logger *slog.Logger

	mu         sync.Mutex
	subscribed map[string]string // broadcast group -> subscription ID
}

func newWSSession(id string, conn *websocket.Conn, cancel context.CancelFunc, logger *slog.Logger) *wsSession {
	return &wsSession{
		id:         id,
		conn:       conn,
		send:       make(chan *Envelope, sendBufferSize),
		cancel:     cancel,
		logger:     logger,
		subscribed: make(map[string]string),
	}
}

// enqueue queues an envelope for delivery. A full queue tears the
// connection down rather than blocking the caller.
func (s *wsSession) enqueue(env *Envelope) {
	select {
	case s.send <- env:
	default:
		s.logger.Warn("send queue full, dropping connection", "session_id", s.id)
		s.cancel()
	}
}

// sendEvent marshals and queues an outbound event.
func (s *wsSession) sendEvent(event string, data any) {
	env, err := newEnvelope(event, data)
	if err != nil {
		s.logger.Error("failed to marshal outbound event",
			"error", err,
			"event", event,
			"session_id", s.id)
		return
	}
	s.enqueue(env)
}

// sendError reports a rejected operation to the client.
func (s *wsSession) sendError(message string) {
	s.sendEvent(eventError, errorPayload{Message: message})
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with pings. Exits when ctx is cancelled.
func (s *wsSession) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case env := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(env); err != nil {
				s.logger.Debug("write failed", "error", err, "session_id", s.id)
				s.cancel()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.cancel()
				return
			}
		}
	}
}

// subscribe attaches the session to a broadcast group, forwarding its events
// onto the send queue. Subscribing to the same group twice is a no-op. The
// subscription ends with ctx.
func (s *wsSession) subscribe(ctx context.Context, b *broadcast.Broadcaster, group string) {
	s.mu.Lock()
	if _, ok := s.subscribed[group]; ok {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ch, subID := b.Subscribe(ctx, group)

	s.mu.Lock()
	s.subscribed[group] = subID
	s.mu.Unlock()

	go func() {
		for ev := range ch {
			env, err := broadcastEnvelope(ev)
			if err != nil {
				s.logger.Error("failed to marshal broadcast event",
					"error", err,
					"event", ev.Name)
				continue
			}
			s.enqueue(env)
		}
	}()
}

// unsubscribe detaches the session from a broadcast group.
func (s *wsSession) unsubscribe(b *broadcast.Broadcaster, group string) {
	s.mu.Lock()
	subID, ok := s.subscribed[group]
	if ok {
		delete(s.subscribed, group)
	}
	s.mu.Unlock()

	if ok {
		b.Unsubscribe(group, subID)
	}
}
