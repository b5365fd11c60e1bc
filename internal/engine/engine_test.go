// ABOUTME: Tests for the routing engine using a real SQLite store.
// ABOUTME: Covers minting, takeover gating, stale reply drops, close-and-remint.

package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedchat/chat-gateway/internal/autoreply"
	"github.com/embedchat/chat-gateway/internal/broadcast"
	"github.com/embedchat/chat-gateway/internal/cache"
	"github.com/embedchat/chat-gateway/internal/store"
)

// stubReplies is a ReplyClient test double with optional blocking.
type stubReplies struct {
	mu      sync.Mutex
	calls   []autoreply.Request
	text    string
	err     error
	release chan struct{} // when non-nil, Reply blocks until closed
}

func (s *stubReplies) Reply(ctx context.Context, url string, req autoreply.Request) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	release := s.release
	s.mu.Unlock()

	if release != nil {
		<-release
	}
	if s.err != nil {
		return "", s.err
	}
	return s.text, nil
}

func (s *stubReplies) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type testEnv struct {
	engine      *Engine
	store       *store.SQLiteStore
	broadcaster *broadcast.Broadcaster
	replies     *stubReplies
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := broadcast.New(logger)
	t.Cleanup(b.Close)

	bizCache := cache.New[*store.Business](time.Minute, 100)
	t.Cleanup(bizCache.Close)

	replies := &stubReplies{text: "How can I help?"}
	eng := New(st, b, replies, bizCache, logger)

	require.NoError(t, eng.CreateBusiness(context.Background(), &store.Business{
		ID:           "42",
		Name:         "Acme Support",
		AutoReplyURL: "https://hooks.example.com/reply",
		SystemPrompt: "You are a support assistant.",
	}))

	return &testEnv{engine: eng, store: st, broadcaster: b, replies: replies}
}

func collectEvents(ch <-chan *broadcast.Event, n int, timeout time.Duration) []*broadcast.Event {
	var events []*broadcast.Event
	deadline := time.After(timeout)
	for len(events) < n {
		select {
		case ev := <-ch:
			events = append(events, ev)
		case <-deadline:
			return events
		}
	}
	return events
}

func TestVisitorMessage_MintsConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bizCh, _ := env.broadcaster.Subscribe(context.Background(), broadcast.BusinessGroup("42"))

	conv, msg, created, err := env.engine.VisitorMessage(ctx, "42", "visitor-1", "hello")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, store.StatusActive, conv.Status)
	assert.Equal(t, store.SenderVisitor, msg.Sender)
	assert.Equal(t, "hello", msg.Content)

	// Dashboard sees the mint and the message
	events := collectEvents(bizCh, 2, time.Second)
	require.Len(t, events, 2)
	assert.Equal(t, broadcast.EventConversationNew, events[0].Name)
	assert.Equal(t, conv.ID, events[0].Conversation.ID)
	assert.Equal(t, broadcast.EventChatMessage, events[1].Name)

	// Second message reuses the open conversation
	conv2, _, created, err := env.engine.VisitorMessage(ctx, "42", "visitor-1", "anyone there?")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv.ID, conv2.ID)
}

func TestVisitorMessage_ExistingConversationUpdatesDashboard(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, _, _, err := env.engine.VisitorMessage(ctx, "42", "visitor-1", "hello")
	require.NoError(t, err)
	env.engine.Wait()

	bizCh, _ := env.broadcaster.Subscribe(context.Background(), broadcast.BusinessGroup("42"))

	_, _, created, err := env.engine.VisitorMessage(ctx, "42", "visitor-1", "still there?")
	require.NoError(t, err)
	require.False(t, created)
	env.engine.Wait()

	// The visitor message and the automated reply each nudge the dashboard
	events := collectEvents(bizCh, 4, time.Second)
	require.Len(t, events, 4)
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{
		broadcast.EventChatMessage,
		broadcast.EventConversationUpdated,
		broadcast.EventChatMessage,
		broadcast.EventConversationUpdated,
	}, names)
	assert.Equal(t, conv.ID, events[1].Conversation.ID)
	assert.Equal(t, store.SenderAutomated, events[2].Message.Sender)
}

func TestAgentMessage_UpdatesDashboard(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, _, _, err := env.engine.VisitorMessage(ctx, "42", "visitor-1", "hello")
	require.NoError(t, err)
	env.engine.Wait()

	_, err = env.engine.TakeOver(ctx, conv.ID)
	require.NoError(t, err)

	bizCh, _ := env.broadcaster.Subscribe(context.Background(), broadcast.BusinessGroup("42"))

	_, err = env.engine.AgentMessage(ctx, conv.ID, "human here")
	require.NoError(t, err)

	events := collectEvents(bizCh, 2, time.Second)
	require.Len(t, events, 2)
	assert.Equal(t, broadcast.EventChatMessage, events[0].Name)
	assert.Equal(t, broadcast.EventConversationUpdated, events[1].Name)
	assert.Equal(t, conv.ID, events[1].Conversation.ID)
}

func TestVisitorMessage_UnknownBusiness(t *testing.T) {
	env := newTestEnv(t)

	_, _, _, err := env.engine.VisitorMessage(context.Background(), "missing", "visitor-1", "hello")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestVisitorMessage_DispatchesAutomatedReply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, _, _, err := env.engine.VisitorMessage(ctx, "42", "visitor-1", "where is my order?")
	require.NoError(t, err)

	env.engine.Wait()

	require.Equal(t, 1, env.replies.callCount())
	assert.Equal(t, "where is my order?", env.replies.calls[0].Message)
	assert.Equal(t, "You are a support assistant.", env.replies.calls[0].SystemPrompt)
	// The session identifier is the visitor so responder memory survives a
	// close-and-remint
	assert.Equal(t, "visitor-1", env.replies.calls[0].SessionID)
	assert.Equal(t, "42", env.replies.calls[0].BusinessID)

	messages, err := env.engine.History(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, store.SenderAutomated, messages[1].Sender)
	assert.Equal(t, "How can I help?", messages[1].Content)
}

func TestVisitorMessage_NoReplyStaysSilent(t *testing.T) {
	env := newTestEnv(t)
	env.replies.err = autoreply.ErrNoReply
	ctx := context.Background()

	conv, _, _, err := env.engine.VisitorMessage(ctx, "42", "visitor-1", "hello")
	require.NoError(t, err)

	env.engine.Wait()

	messages, err := env.engine.History(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestVisitorMessage_HandledConversationSkipsWebhook(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, _, _, err := env.engine.VisitorMessage(ctx, "42", "visitor-1", "hello")
	require.NoError(t, err)
	env.engine.Wait()
	callsBefore := env.replies.callCount()

	_, err = env.engine.TakeOver(ctx, conv.ID)
	require.NoError(t, err)

	_, _, _, err = env.engine.VisitorMessage(ctx, "42", "visitor-1", "talking to a human now")
	require.NoError(t, err)
	env.engine.Wait()

	assert.Equal(t, callsBefore, env.replies.callCount())
}

func TestVisitorMessage_NoWebhookConfigured(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.engine.CreateBusiness(ctx, &store.Business{
		ID:   "no-hook",
		Name: "Quiet Business",
	}))

	conv, _, _, err := env.engine.VisitorMessage(ctx, "no-hook", "visitor-1", "hello")
	require.NoError(t, err)
	env.engine.Wait()

	assert.Equal(t, 0, env.replies.callCount())

	messages, err := env.engine.History(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestStaleAutomatedReplyIsDropped(t *testing.T) {
	env := newTestEnv(t)
	env.replies.release = make(chan struct{})
	ctx := context.Background()

	conv, _, _, err := env.engine.VisitorMessage(ctx, "42", "visitor-1", "hello")
	require.NoError(t, err)

	// Agent takes over while the webhook is still running
	_, err = env.engine.TakeOver(ctx, conv.ID)
	require.NoError(t, err)

	close(env.replies.release)
	env.engine.Wait()

	messages, err := env.engine.History(ctx, conv.ID)
	require.NoError(t, err)
	// Visitor message plus takeover notice, no automated reply
	require.Len(t, messages, 2)
	for _, msg := range messages {
		assert.NotEqual(t, "How can I help?", msg.Content)
	}
}

func TestAgentMessage_RequiresTakeover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, _, _, err := env.engine.VisitorMessage(ctx, "42", "visitor-1", "hello")
	require.NoError(t, err)
	env.engine.Wait()

	_, err = env.engine.AgentMessage(ctx, conv.ID, "let me help")
	assert.ErrorIs(t, err, ErrNotHandled)

	_, err = env.engine.TakeOver(ctx, conv.ID)
	require.NoError(t, err)

	msg, err := env.engine.AgentMessage(ctx, conv.ID, "let me help")
	require.NoError(t, err)
	assert.Equal(t, store.SenderAgent, msg.Sender)
}

func TestAgentMessage_ClosedConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, _, _, err := env.engine.VisitorMessage(ctx, "42", "visitor-1", "hello")
	require.NoError(t, err)
	env.engine.Wait()

	_, err = env.engine.CloseConversation(ctx, conv.ID)
	require.NoError(t, err)

	_, err = env.engine.AgentMessage(ctx, conv.ID, "too late")
	assert.ErrorIs(t, err, ErrConversationClosed)
}

func TestTakeOver_RecordsNoticeAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, _, _, err := env.engine.VisitorMessage(ctx, "42", "visitor-1", "hello")
	require.NoError(t, err)
	env.engine.Wait()

	convCh, _ := env.broadcaster.Subscribe(context.Background(), broadcast.ConversationGroup(conv.ID))

	updated, err := env.engine.TakeOver(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusHandled, updated.Status)

	events := collectEvents(convCh, 2, time.Second)
	require.Len(t, events, 2)
	assert.Equal(t, broadcast.EventConversationUpdated, events[0].Name)
	assert.Equal(t, broadcast.EventChatMessage, events[1].Name)
	assert.Equal(t, noticeAgentTookOver, events[1].Message.Content)

	// Second takeover is a no-op: no extra notice
	again, err := env.engine.TakeOver(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusHandled, again.Status)

	messages, err := env.engine.History(ctx, conv.ID)
	require.NoError(t, err)
	notices := 0
	for _, msg := range messages {
		if msg.Content == noticeAgentTookOver {
			notices++
		}
	}
	assert.Equal(t, 1, notices)
}

func TestHandBack_RestoresAutomatedReplies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, _, _, err := env.engine.VisitorMessage(ctx, "42", "visitor-1", "hello")
	require.NoError(t, err)
	env.engine.Wait()

	_, err = env.engine.TakeOver(ctx, conv.ID)
	require.NoError(t, err)

	updated, err := env.engine.HandBack(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, updated.Status)

	messages, err := env.engine.History(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, noticeBotHandling, messages[len(messages)-1].Content)

	callsBefore := env.replies.callCount()
	_, _, _, err = env.engine.VisitorMessage(ctx, "42", "visitor-1", "hi again")
	require.NoError(t, err)
	env.engine.Wait()
	assert.Equal(t, callsBefore+1, env.replies.callCount())
}

func TestTransition_ClosedConversationRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, _, _, err := env.engine.VisitorMessage(ctx, "42", "visitor-1", "hello")
	require.NoError(t, err)
	env.engine.Wait()

	_, err = env.engine.CloseConversation(ctx, conv.ID)
	require.NoError(t, err)

	_, err = env.engine.TakeOver(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrConversationClosed)

	_, err = env.engine.HandBack(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrConversationClosed)
}

func TestClose_NextMessageMintsFreshConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, _, _, err := env.engine.VisitorMessage(ctx, "42", "visitor-1", "hello")
	require.NoError(t, err)
	env.engine.Wait()

	closed, err := env.engine.CloseConversation(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, closed.Status)

	// Closing twice is a no-op
	_, err = env.engine.CloseConversation(ctx, first.ID)
	require.NoError(t, err)

	second, _, created, err := env.engine.VisitorMessage(ctx, "42", "visitor-1", "hello again")
	require.NoError(t, err)
	env.engine.Wait()
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, store.StatusActive, second.Status)

	// The webhook sees the same session identifier on both sides of the close
	require.Equal(t, 2, env.replies.callCount())
	assert.Equal(t, env.replies.calls[0].SessionID, env.replies.calls[1].SessionID)

	// The closed conversation's history is untouched
	oldMessages, err := env.engine.History(ctx, first.ID)
	require.NoError(t, err)
	for _, msg := range oldMessages {
		assert.NotEqual(t, "hello again", msg.Content)
	}
}

func TestJoinVisitor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// No open conversation yet
	conv, messages, err := env.engine.JoinVisitor(ctx, "42", "visitor-1")
	require.NoError(t, err)
	assert.Nil(t, conv)
	assert.Nil(t, messages)

	minted, _, _, err := env.engine.VisitorMessage(ctx, "42", "visitor-1", "hello")
	require.NoError(t, err)
	env.engine.Wait()

	conv, messages, err = env.engine.JoinVisitor(ctx, "42", "visitor-1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, minted.ID, conv.ID)
	assert.NotEmpty(t, messages)
}

func TestJoinVisitor_UnknownBusiness(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.engine.JoinVisitor(context.Background(), "missing", "visitor-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMarkReadAndDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, _, _, err := env.engine.VisitorMessage(ctx, "42", "visitor-1", "hello")
	require.NoError(t, err)
	env.engine.Wait()

	require.NoError(t, env.engine.MarkRead(ctx, conv.ID))

	summaries, err := env.engine.ListConversations(ctx, store.ListParams{BusinessID: "42"})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 0, summaries[0].UnreadCount)

	require.NoError(t, env.engine.DeleteConversation(ctx, conv.ID))

	_, err = env.engine.History(ctx, conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = env.engine.MarkRead(ctx, conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateBusiness_GeneratesID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	biz := &store.Business{Name: "Fresh Tenant"}
	require.NoError(t, env.engine.CreateBusiness(ctx, biz))
	require.NotEmpty(t, biz.ID)

	got, err := env.engine.GetBusiness(ctx, biz.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fresh Tenant", got.Name)
}

func TestWebhookFailureLeavesConversationUsable(t *testing.T) {
	env := newTestEnv(t)
	env.replies.err = errors.New("webhook unreachable")
	ctx := context.Background()

	conv, _, _, err := env.engine.VisitorMessage(ctx, "42", "visitor-1", "hello")
	require.NoError(t, err)
	env.engine.Wait()

	// No reply landed, but the conversation keeps working
	messages, err := env.engine.History(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 1)

	_, err = env.engine.TakeOver(ctx, conv.ID)
	require.NoError(t, err)
}
