// ABOUTME: Engine is the central routing layer for conversations and messages.
// ABOUTME: All messages persist before fan-out - the store is the source of truth.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/embedchat/chat-gateway/internal/autoreply"
	"github.com/embedchat/chat-gateway/internal/broadcast"
	"github.com/embedchat/chat-gateway/internal/cache"
	"github.com/embedchat/chat-gateway/internal/store"
)

// ErrNotHandled indicates an agent tried to speak in a conversation that no
// human has taken over.
var ErrNotHandled = errors.New("conversation is not handled by an agent")

// ErrConversationClosed indicates an operation on a closed conversation.
var ErrConversationClosed = errors.New("conversation is closed")

// System notices persisted when a conversation changes hands.
const (
	noticeAgentTookOver = "A human agent took over this conversation"
	noticeBotHandling   = "The AI assistant is now handling this conversation."
)

// ReplyClient defines what the engine needs from the webhook layer.
type ReplyClient interface {
	Reply(ctx context.Context, url string, req autoreply.Request) (string, error)
}

// Engine routes visitor and agent traffic through persistence and fan-out.
// Work for a single visitor pair is serialized so persisted order matches
// broadcast order.
type Engine struct {
	store       store.Store
	broadcaster *broadcast.Broadcaster
	replies     ReplyClient
	businesses  *cache.Cache[*store.Business]
	locks       *lockTable
	logger      *slog.Logger

	// replyWG tracks in-flight automated reply dispatches so shutdown and
	// tests can wait for them.
	replyWG sync.WaitGroup
}

// New creates an Engine. Pass nil logger for default.
func New(st store.Store, b *broadcast.Broadcaster, replies ReplyClient, businessCache *cache.Cache[*store.Business], logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       st,
		broadcaster: b,
		replies:     replies,
		businesses:  businessCache,
		locks:       newLockTable(),
		logger:      logger.With("component", "engine"),
	}
}

// Wait blocks until all in-flight automated reply dispatches finish.
func (e *Engine) Wait() {
	e.replyWG.Wait()
}

// pairKey serializes all routing work for one (business, visitor) pair.
func pairKey(businessID, visitorID string) string {
	return businessID + "/" + visitorID
}

// GetBusiness returns the business record, served from cache when hot.
func (e *Engine) GetBusiness(ctx context.Context, businessID string) (*store.Business, error) {
	return e.businesses.GetOrLoad(ctx, businessID, func(ctx context.Context, key string) (*store.Business, error) {
		return e.store.GetBusiness(ctx, key)
	})
}

// CreateBusiness registers a business tenant.
func (e *Engine) CreateBusiness(ctx context.Context, biz *store.Business) error {
	if biz.ID == "" {
		biz.ID = uuid.New().String()
	}
	if biz.CreatedAt.IsZero() {
		biz.CreatedAt = time.Now()
	}
	if err := e.store.CreateBusiness(ctx, biz); err != nil {
		return err
	}
	e.businesses.Invalidate(biz.ID)
	return nil
}

// JoinVisitor resolves the visitor's open conversation and its history.
// Returns a nil conversation when the visitor has no open conversation yet;
// one is minted on their first message instead.
func (e *Engine) JoinVisitor(ctx context.Context, businessID, visitorID string) (*store.Conversation, []*store.Message, error) {
	if _, err := e.GetBusiness(ctx, businessID); err != nil {
		return nil, nil, fmt.Errorf("resolving business: %w", err)
	}

	conv, err := e.store.FindConversation(ctx, businessID, visitorID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	messages, err := e.store.GetMessages(ctx, conv.ID)
	if err != nil {
		return nil, nil, err
	}
	return conv, messages, nil
}

// VisitorMessage records a message from a visitor, minting a conversation if
// the visitor has no open one (including after a close). Returns the
// conversation the message landed in, the persisted message, and whether the
// conversation was newly created. When the conversation is in the active
// state an automated reply is dispatched in the background.
func (e *Engine) VisitorMessage(ctx context.Context, businessID, visitorID, content string) (*store.Conversation, *store.Message, bool, error) {
	biz, err := e.GetBusiness(ctx, businessID)
	if err != nil {
		return nil, nil, false, fmt.Errorf("resolving business: %w", err)
	}

	release := e.locks.acquire(pairKey(businessID, visitorID))
	defer release()

	conv, created, err := e.ensureConversation(ctx, businessID, visitorID)
	if err != nil {
		return nil, nil, false, fmt.Errorf("conversation resolution failed: %w", err)
	}

	msg, err := e.persistMessage(ctx, conv, store.SenderVisitor, content)
	if err != nil {
		return nil, nil, false, err
	}

	if created {
		e.broadcaster.Publish(broadcast.BusinessGroup(businessID), &broadcast.Event{
			Name:         broadcast.EventConversationNew,
			BusinessID:   businessID,
			Conversation: conv,
		})
	}
	e.publishMessage(conv, msg)
	if !created {
		e.publishUpdated(conv)
	}

	if conv.Status == store.StatusActive {
		e.dispatchAutoReply(biz, conv, content)
	}

	return conv, msg, created, nil
}

// AgentMessage records a message from a human agent. The conversation must
// be in the handled state; anything else is rejected so the dashboard can
// surface the takeover requirement instead of silently dropping text.
func (e *Engine) AgentMessage(ctx context.Context, conversationID, content string) (*store.Message, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	release := e.locks.acquire(pairKey(conv.BusinessID, conv.VisitorID))
	defer release()

	// Re-read under the lock; a concurrent hand-back or close changes the answer
	conv, err = e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	switch conv.Status {
	case store.StatusClosed:
		return nil, ErrConversationClosed
	case store.StatusHandled:
	default:
		return nil, ErrNotHandled
	}

	msg, err := e.persistMessage(ctx, conv, store.SenderAgent, content)
	if err != nil {
		return nil, err
	}
	e.publishMessage(conv, msg)
	e.publishUpdated(conv)
	return msg, nil
}

// TakeOver moves a conversation to the handled state so a human agent can
// speak, and records a system notice visible to the visitor. Taking over an
// already-handled conversation is a no-op.
func (e *Engine) TakeOver(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return e.transition(ctx, conversationID, store.StatusHandled, noticeAgentTookOver)
}

// HandBack returns a handled conversation to the automated responder and
// records a system notice. Handing back an already-active conversation is a
// no-op.
func (e *Engine) HandBack(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return e.transition(ctx, conversationID, store.StatusActive, noticeBotHandling)
}

// transition moves a conversation between the active and handled states.
func (e *Engine) transition(ctx context.Context, conversationID, target, notice string) (*store.Conversation, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	release := e.locks.acquire(pairKey(conv.BusinessID, conv.VisitorID))
	defer release()

	conv, err = e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == store.StatusClosed {
		return nil, ErrConversationClosed
	}
	if conv.Status == target {
		return conv, nil
	}

	if err := e.store.UpdateConversationStatus(ctx, conversationID, target); err != nil {
		return nil, err
	}
	conv.Status = target

	msg, err := e.persistMessage(ctx, conv, store.SenderAutomated, notice)
	if err != nil {
		return nil, err
	}

	e.publishConversation(broadcast.EventConversationUpdated, conv)
	e.publishMessage(conv, msg)

	e.logger.Info("conversation status changed",
		"conversation_id", conversationID,
		"status", target)
	return conv, nil
}

// CloseConversation ends a conversation. The visitor's next message mints a
// fresh conversation for the same pair. Closing twice is a no-op.
func (e *Engine) CloseConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	release := e.locks.acquire(pairKey(conv.BusinessID, conv.VisitorID))
	defer release()

	conv, err = e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == store.StatusClosed {
		return conv, nil
	}

	if err := e.store.UpdateConversationStatus(ctx, conversationID, store.StatusClosed); err != nil {
		return nil, err
	}
	conv.Status = store.StatusClosed

	e.publishConversation(broadcast.EventConversationClosed, conv)

	e.logger.Info("conversation closed", "conversation_id", conversationID)
	return conv, nil
}

// History returns the full message history for a conversation.
func (e *Engine) History(ctx context.Context, conversationID string) ([]*store.Message, error) {
	if _, err := e.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return e.store.GetMessages(ctx, conversationID)
}

// GetConversation returns conversation metadata.
func (e *Engine) GetConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return e.store.GetConversation(ctx, conversationID)
}

// ListConversations returns dashboard summaries for a business.
func (e *Engine) ListConversations(ctx context.Context, params store.ListParams) ([]*store.ConversationSummary, error) {
	return e.store.ListConversations(ctx, params)
}

// MarkRead clears the unread flag on a conversation's visitor messages.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	if _, err := e.store.GetConversation(ctx, conversationID); err != nil {
		return err
	}
	return e.store.MarkMessagesRead(ctx, conversationID)
}

// DeleteConversation removes a conversation and all of its messages.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID string) error {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	release := e.locks.acquire(pairKey(conv.BusinessID, conv.VisitorID))
	defer release()

	if err := e.store.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}

	e.publishConversation(broadcast.EventConversationClosed, conv)
	e.logger.Info("conversation deleted", "conversation_id", conversationID)
	return nil
}

// ensureConversation finds the visitor's open conversation or creates one.
// Caller must hold the pair lock.
func (e *Engine) ensureConversation(ctx context.Context, businessID, visitorID string) (*store.Conversation, bool, error) {
	conv, err := e.store.FindConversation(ctx, businessID, visitorID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	now := time.Now()
	conv = &store.Conversation{
		ID:            uuid.New().String(),
		BusinessID:    businessID,
		VisitorID:     visitorID,
		Status:        store.StatusActive,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	if err := e.store.CreateConversation(ctx, conv); err != nil {
		// Another writer may have minted the conversation between our lookup
		// and insert; recover by looking it up again
		if errors.Is(err, store.ErrDuplicateConversation) {
			existing, lookupErr := e.store.FindConversation(ctx, businessID, visitorID)
			if lookupErr == nil {
				e.logger.Debug("found existing conversation after race",
					"conversation_id", existing.ID)
				return existing, false, nil
			}
			e.logger.Error("retry lookup failed after duplicate error",
				"lookup_error", lookupErr)
		}
		return nil, false, err
	}

	e.logger.Debug("conversation created",
		"conversation_id", conv.ID,
		"business_id", businessID,
		"visitor_id", visitorID)
	return conv, true, nil
}

// persistMessage saves a message and bumps the conversation's activity time.
func (e *Engine) persistMessage(ctx context.Context, conv *store.Conversation, sender, content string) (*store.Message, error) {
	now := time.Now()
	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Content:        content,
		Sender:         sender,
		CreatedAt:      now,
	}
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to record message: %w", err)
	}
	if err := e.store.TouchLastMessage(ctx, conv.ID, now); err != nil {
		e.logger.Error("failed to touch conversation",
			"error", err,
			"conversation_id", conv.ID)
	}
	conv.LastMessageAt = now

	e.logger.Debug("message recorded",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"sender", sender)
	return msg, nil
}

// publishMessage fans a persisted message out to the conversation's live
// sessions and to business dashboards.
func (e *Engine) publishMessage(conv *store.Conversation, msg *store.Message) {
	event := &broadcast.Event{
		Name:         broadcast.EventChatMessage,
		BusinessID:   conv.BusinessID,
		Conversation: conv,
		Message:      msg,
	}
	e.broadcaster.Publish(broadcast.ConversationGroup(conv.ID), event)
	e.broadcaster.Publish(broadcast.BusinessGroup(conv.BusinessID), event)
}

// publishUpdated tells the tenant dashboard an existing conversation saw
// activity, so its list can reorder without replaying the transcript.
func (e *Engine) publishUpdated(conv *store.Conversation) {
	e.broadcaster.Publish(broadcast.BusinessGroup(conv.BusinessID), &broadcast.Event{
		Name:         broadcast.EventConversationUpdated,
		BusinessID:   conv.BusinessID,
		Conversation: conv,
	})
}

// publishConversation fans a lifecycle event out to both scopes.
func (e *Engine) publishConversation(name string, conv *store.Conversation) {
	event := &broadcast.Event{
		Name:         name,
		BusinessID:   conv.BusinessID,
		Conversation: conv,
	}
	e.broadcaster.Publish(broadcast.ConversationGroup(conv.ID), event)
	e.broadcaster.Publish(broadcast.BusinessGroup(conv.BusinessID), event)
}

// dispatchAutoReply invokes the business webhook in the background and
// persists the reply if the conversation is still active when it lands.
func (e *Engine) dispatchAutoReply(biz *store.Business, conv *store.Conversation, content string) {
	if biz.AutoReplyURL == "" {
		return
	}

	conversationID := conv.ID
	businessID := conv.BusinessID
	visitorID := conv.VisitorID

	e.replyWG.Add(1)
	go func() {
		defer e.replyWG.Done()

		// Detached from the request context: the visitor disconnecting must
		// not cancel a reply that is already in flight
		ctx := context.Background()

		// The session identifier is the visitor, not the conversation: a
		// close mints a new conversation id, and the external responder's
		// memory should survive that
		text, err := e.replies.Reply(ctx, biz.AutoReplyURL, autoreply.Request{
			Message:      content,
			SystemPrompt: biz.SystemPrompt,
			SessionID:    visitorID,
			BusinessID:   businessID,
		})
		if err != nil {
			if errors.Is(err, autoreply.ErrNoReply) {
				e.logger.Debug("webhook returned no reply",
					"conversation_id", conversationID)
			} else {
				e.logger.Error("automated reply failed",
					"error", err,
					"conversation_id", conversationID,
					"business_id", businessID)
			}
			return
		}

		release := e.locks.acquire(pairKey(businessID, visitorID))
		defer release()

		// The agent may have taken over or closed the conversation while the
		// webhook was running; a stale reply must not land
		fresh, err := e.store.GetConversation(ctx, conversationID)
		if err != nil {
			e.logger.Error("conversation lookup failed for automated reply",
				"error", err,
				"conversation_id", conversationID)
			return
		}
		if fresh.Status != store.StatusActive {
			e.logger.Info("dropping stale automated reply",
				"conversation_id", conversationID,
				"status", fresh.Status)
			return
		}

		msg, err := e.persistMessage(ctx, fresh, store.SenderAutomated, text)
		if err != nil {
			e.logger.Error("failed to record automated reply",
				"error", err,
				"conversation_id", conversationID)
			return
		}
		e.publishMessage(fresh, msg)
		e.publishUpdated(fresh)
	}()
}
