// ABOUTME: In-memory fan-out broadcaster for routing chat events to live sessions
// ABOUTME: Subscribers register for a group key (conversation or business scope)

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/embedchat/chat-gateway/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Event is a routed chat event. Exactly which fields are set depends on
// the event name; Message is non-nil for chat.message events, Conversation
// for conversation lifecycle events.
type Event struct {
	Name         string
	BusinessID   string
	Conversation *store.Conversation
	Message      *store.Message
}

// Event names published by the engine.
const (
	EventChatMessage         = "chat.message"
	EventConversationNew     = "conversation.new"
	EventConversationUpdated = "conversation.updated"
	EventConversationClosed  = "conversation.closed"
)

// ConversationGroup returns the group key for a single conversation's events.
func ConversationGroup(conversationID string) string {
	return "conv:" + conversationID
}

// BusinessGroup returns the group key for business-wide dashboard events.
func BusinessGroup(businessID string) string {
	return "biz:" + businessID
}

// Broadcaster provides in-memory pub/sub keyed by group. Sessions subscribe
// to the conversation or business groups they care about and receive events
// as the engine persists them. This enables cross-client awareness without
// polling.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // group -> subID -> ch
	logger      *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on the given group. Returns a
// channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, group string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[group]; !ok {
		b.subscribers[group] = make(map[string]chan *Event)
	}
	b.subscribers[group][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"group", group,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(group, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the given group.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(group string, event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs, ok := b.subscribers[group]
	if !ok || len(subs) == 0 {
		return
	}

	// Sends happen under the read lock so Unsubscribe and Close cannot
	// close a channel mid-send. Sends are non-blocking, so the lock is
	// never held for long.
	for _, ch := range subs {
		select {
		case ch <- event:
			// Sent
		default:
			// Subscriber channel full — drop event for this subscriber
			b.logger.Debug("dropped event for slow subscriber",
				"group", group,
				"event", event.Name)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(group, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[group]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty group entries
	if len(subs) == 0 {
		delete(b.subscribers, group)
	}

	b.logger.Debug("subscriber removed",
		"group", group,
		"sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for group, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, group)
	}

	b.logger.Debug("broadcaster closed")
}
