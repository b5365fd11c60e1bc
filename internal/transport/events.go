// ABOUTME: Wire format for the websocket surface - envelopes, payloads, validation.
// ABOUTME: Every inbound payload is validated at the boundary before routing.

package transport

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/embedchat/chat-gateway/internal/broadcast"
	"github.com/embedchat/chat-gateway/internal/store"
)

// Inbound event names.
const (
	eventVisitorJoin      = "visitor.join"
	eventVisitorMessage   = "visitor.message"
	eventVisitorClose     = "visitor.close"
	eventAgentJoin        = "agent.join"
	eventAgentSubscribe   = "agent.subscribeBusiness"
	eventAgentUnsubscribe = "agent.unsubscribeBusiness"
	eventAgentMessage     = "agent.message"
)

// Outbound event names beyond the broadcast ones.
const (
	eventHistory = "history"
	eventError   = "error"
)

// Envelope is the framing for every websocket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// VisitorJoinPayload binds a socket to a business/visitor pair.
type VisitorJoinPayload struct {
	BusinessID string `json:"business_id"`
	VisitorID  string `json:"visitor_id"`
}

func (p *VisitorJoinPayload) Validate() error {
	if p.BusinessID == "" {
		return errors.New("business_id is required")
	}
	if p.VisitorID == "" {
		return errors.New("visitor_id is required")
	}
	return nil
}

// VisitorMessagePayload carries a visitor's chat message.
type VisitorMessagePayload struct {
	Content string `json:"content"`
}

func (p *VisitorMessagePayload) Validate() error {
	if p.Content == "" {
		return errors.New("content is required")
	}
	return nil
}

// AgentJoinPayload attaches an agent socket to one conversation.
type AgentJoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

func (p *AgentJoinPayload) Validate() error {
	if p.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	return nil
}

// AgentSubscribePayload watches a business's dashboard events.
type AgentSubscribePayload struct {
	BusinessID string `json:"business_id"`
}

func (p *AgentSubscribePayload) Validate() error {
	if p.BusinessID == "" {
		return errors.New("business_id is required")
	}
	return nil
}

// AgentMessagePayload carries a human agent's chat message.
type AgentMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

func (p *AgentMessagePayload) Validate() error {
	if p.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if p.Content == "" {
		return errors.New("content is required")
	}
	return nil
}

// wireConversation is the outbound shape of a conversation.
type wireConversation struct {
	ID            string    `json:"id"`
	BusinessID    string    `json:"business_id"`
	VisitorID     string    `json:"visitor_id"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// wireMessage is the outbound shape of a message.
type wireMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	Sender         string    `json:"sender"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`
}

// historyPayload answers a join with the conversation and its transcript.
// Conversation is null when the visitor has no open conversation yet.
type historyPayload struct {
	Conversation *wireConversation `json:"conversation"`
	Messages     []wireMessage     `json:"messages"`
}

// errorPayload reports a rejected operation to the client.
type errorPayload struct {
	Message string `json:"message"`
}

func toWireConversation(conv *store.Conversation) *wireConversation {
	if conv == nil {
		return nil
	}
	return &wireConversation{
		ID:            conv.ID,
		BusinessID:    conv.BusinessID,
		VisitorID:     conv.VisitorID,
		Status:        conv.Status,
		CreatedAt:     conv.CreatedAt,
		LastMessageAt: conv.LastMessageAt,
	}
}

func toWireMessage(msg *store.Message) wireMessage {
	return wireMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Sender:         msg.Sender,
		Read:           msg.Read,
		CreatedAt:      msg.CreatedAt,
	}
}

func toWireMessages(messages []*store.Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, msg := range messages {
		out = append(out, toWireMessage(msg))
	}
	return out
}

// newEnvelope marshals data into an outbound envelope.
func newEnvelope(event string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, Data: raw}, nil
}

type chatMessagePayload struct {
	Conversation *wireConversation `json:"conversation"`
	Message      wireMessage       `json:"message"`
}

// broadcastEnvelope converts a fan-out event to its wire form.
func broadcastEnvelope(ev *broadcast.Event) (*Envelope, error) {
	switch ev.Name {
	case broadcast.EventChatMessage:
		return newEnvelope(ev.Name, chatMessagePayload{
			Conversation: toWireConversation(ev.Conversation),
			Message:      toWireMessage(ev.Message),
		})
	default:
		return newEnvelope(ev.Name, toWireConversation(ev.Conversation))
	}
}
