// ABOUTME: Websocket endpoint routing visitor and agent traffic into the engine.
// ABOUTME: One goroutine reads, one writes; broadcast groups fan events back in.

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/embedchat/chat-gateway/internal/broadcast"
	"github.com/embedchat/chat-gateway/internal/engine"
	"github.com/embedchat/chat-gateway/internal/registry"
	"github.com/embedchat/chat-gateway/internal/store"
)

// Handler terminates websocket connections for both widget visitors and
// dashboard agents.
type Handler struct {
	engine      *engine.Engine
	registry    *registry.Registry
	broadcaster *broadcast.Broadcaster
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewHandler creates the websocket handler. Pass nil logger for default.
func NewHandler(eng *engine.Engine, reg *registry.Registry, b *broadcast.Broadcaster, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:      eng,
		registry:    reg,
		broadcaster: b,
		upgrader: websocket.Upgrader{
			// The widget embeds on arbitrary customer pages
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.With("component", "transport"),
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleSocket)
}

func (h *Handler) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sessionID := uuid.New().String()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := newWSSession(sessionID, conn, cancel, h.logger)
	defer h.registry.Drop(sessionID)

	h.logger.Debug("websocket connected", "session_id", sessionID)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go sess.writePump(ctx)

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", "error", err, "session_id", sessionID)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		select {
		case <-ctx.Done():
			return
		default:
		}

		h.dispatch(ctx, sess, &env)
	}
}

// dispatch routes one inbound envelope. Unknown events and invalid payloads
// come back as error events rather than dropping the connection.
func (h *Handler) dispatch(ctx context.Context, sess *wsSession, env *Envelope) {
	switch env.Event {
	case eventVisitorJoin:
		h.handleVisitorJoin(ctx, sess, env.Data)
	case eventVisitorMessage:
		h.handleVisitorMessage(ctx, sess, env.Data)
	case eventVisitorClose:
		h.handleVisitorClose(ctx, sess)
	case eventAgentJoin:
		h.handleAgentJoin(ctx, sess, env.Data)
	case eventAgentSubscribe:
		h.handleAgentSubscribe(ctx, sess, env.Data)
	case eventAgentUnsubscribe:
		h.handleAgentUnsubscribe(sess, env.Data)
	case eventAgentMessage:
		h.handleAgentMessage(ctx, sess, env.Data)
	default:
		sess.sendError("unsupported event: " + env.Event)
	}
}

func decode[P interface{ Validate() error }](raw json.RawMessage, payload P) error {
	if err := json.Unmarshal(raw, payload); err != nil {
		return errors.New("invalid payload")
	}
	return payload.Validate()
}

func (h *Handler) handleVisitorJoin(ctx context.Context, sess *wsSession, raw json.RawMessage) {
	var p VisitorJoinPayload
	if err := decode(raw, &p); err != nil {
		sess.sendError(err.Error())
		return
	}

	conv, messages, err := h.engine.JoinVisitor(ctx, p.BusinessID, p.VisitorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			sess.sendError("business not found")
		} else {
			h.logger.Error("visitor join failed", "error", err, "session_id", sess.id)
			sess.sendError("join failed")
		}
		return
	}

	h.registry.BindVisitor(sess.id, p.BusinessID, p.VisitorID)
	if conv != nil {
		_ = h.registry.SetConversation(sess.id, conv.ID)
		sess.subscribe(ctx, h.broadcaster, broadcast.ConversationGroup(conv.ID))
	}

	sess.sendEvent(eventHistory, historyPayload{
		Conversation: toWireConversation(conv),
		Messages:     toWireMessages(messages),
	})
}

func (h *Handler) handleVisitorMessage(ctx context.Context, sess *wsSession, raw json.RawMessage) {
	var p VisitorMessagePayload
	if err := decode(raw, &p); err != nil {
		sess.sendError(err.Error())
		return
	}

	scope, ok := h.registry.Get(sess.id)
	if !ok || scope.Role != registry.RoleVisitor {
		sess.sendError("join a business before sending messages")
		return
	}

	conv, msg, _, err := h.engine.VisitorMessage(ctx, scope.BusinessID, scope.VisitorID, p.Content)
	if err != nil {
		h.logger.Error("visitor message failed", "error", err, "session_id", sess.id)
		sess.sendError("message failed")
		return
	}

	// A newly minted conversation was published before this session could
	// subscribe, so deliver the echo directly
	if scope.ConversationID != conv.ID {
		_ = h.registry.SetConversation(sess.id, conv.ID)
		sess.subscribe(ctx, h.broadcaster, broadcast.ConversationGroup(conv.ID))
		sess.sendEvent(broadcast.EventChatMessage, chatMessagePayload{
			Conversation: toWireConversation(conv),
			Message:      toWireMessage(msg),
		})
	}
}

func (h *Handler) handleVisitorClose(ctx context.Context, sess *wsSession) {
	scope, ok := h.registry.Get(sess.id)
	if !ok || scope.Role != registry.RoleVisitor || scope.ConversationID == "" {
		sess.sendError("no open conversation to close")
		return
	}

	if _, err := h.engine.CloseConversation(ctx, scope.ConversationID); err != nil {
		h.logger.Error("close failed", "error", err, "session_id", sess.id)
		sess.sendError("close failed")
		return
	}
	_ = h.registry.SetConversation(sess.id, "")
}

func (h *Handler) handleAgentJoin(ctx context.Context, sess *wsSession, raw json.RawMessage) {
	var p AgentJoinPayload
	if err := decode(raw, &p); err != nil {
		sess.sendError(err.Error())
		return
	}

	h.ensureAgent(sess)

	conv, err := h.engine.GetConversation(ctx, p.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			sess.sendError("conversation not found")
		} else {
			h.logger.Error("agent join failed", "error", err, "session_id", sess.id)
			sess.sendError("join failed")
		}
		return
	}

	messages, err := h.engine.History(ctx, conv.ID)
	if err != nil {
		h.logger.Error("history load failed", "error", err, "session_id", sess.id)
		sess.sendError("join failed")
		return
	}

	sess.subscribe(ctx, h.broadcaster, broadcast.ConversationGroup(conv.ID))

	sess.sendEvent(eventHistory, historyPayload{
		Conversation: toWireConversation(conv),
		Messages:     toWireMessages(messages),
	})
}

func (h *Handler) handleAgentSubscribe(ctx context.Context, sess *wsSession, raw json.RawMessage) {
	var p AgentSubscribePayload
	if err := decode(raw, &p); err != nil {
		sess.sendError(err.Error())
		return
	}

	h.ensureAgent(sess)

	if err := h.registry.SubscribeBusiness(sess.id, p.BusinessID); err != nil {
		sess.sendError("subscribe failed")
		return
	}
	sess.subscribe(ctx, h.broadcaster, broadcast.BusinessGroup(p.BusinessID))
}

func (h *Handler) handleAgentUnsubscribe(sess *wsSession, raw json.RawMessage) {
	var p AgentSubscribePayload
	if err := decode(raw, &p); err != nil {
		sess.sendError(err.Error())
		return
	}

	_ = h.registry.UnsubscribeBusiness(sess.id, p.BusinessID)
	sess.unsubscribe(h.broadcaster, broadcast.BusinessGroup(p.BusinessID))
}

func (h *Handler) handleAgentMessage(ctx context.Context, sess *wsSession, raw json.RawMessage) {
	var p AgentMessagePayload
	if err := decode(raw, &p); err != nil {
		sess.sendError(err.Error())
		return
	}

	_, err := h.engine.AgentMessage(ctx, p.ConversationID, p.Content)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrNotHandled):
		sess.sendError("take over the conversation before replying")
	case errors.Is(err, engine.ErrConversationClosed):
		sess.sendError("conversation is closed")
	case errors.Is(err, store.ErrNotFound):
		sess.sendError("conversation not found")
	default:
		h.logger.Error("agent message failed", "error", err, "session_id", sess.id)
		sess.sendError("message failed")
	}
}

// ensureAgent binds the session as an agent if it has no scope yet.
func (h *Handler) ensureAgent(sess *wsSession) {
	if _, ok := h.registry.Get(sess.id); !ok {
		h.registry.BindAgent(sess.id)
	}
}
