// ABOUTME: Dashboard REST API - business seeding, conversation lists, takeover controls
// ABOUTME: Conversation routes are scoped under their business to keep tenants isolated

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/embedchat/chat-gateway/internal/engine"
	"github.com/embedchat/chat-gateway/internal/store"
)

// CreateBusinessRequest is the JSON request body for POST /api/businesses.
type CreateBusinessRequest struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	AutoReplyURL string `json:"autoreply_url,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// BusinessResponse is the JSON shape of a business record.
type BusinessResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	AutoReplyURL string    `json:"autoreply_url,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ConversationResponse is the JSON shape of conversation metadata.
type ConversationResponse struct {
	ID            string    `json:"id"`
	BusinessID    string    `json:"business_id"`
	VisitorID     string    `json:"visitor_id"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// ConversationSummaryResponse is one row of the dashboard conversation list.
type ConversationSummaryResponse struct {
	ID                 string    `json:"id"`
	VisitorID          string    `json:"visitor_id"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
	LastMessageAt      time.Time `json:"last_message_at"`
	LastVisitorMessage string    `json:"last_visitor_message"`
	LastReply          string    `json:"last_reply"`
	UnreadCount        int       `json:"unread_count"`
}

// ListConversationsResponse is the JSON response for the conversation list.
type ListConversationsResponse struct {
	Conversations []ConversationSummaryResponse `json:"conversations"`
}

// MessageResponse is the JSON shape of one message.
type MessageResponse struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationMessagesResponse is the JSON response for a transcript.
type ConversationMessagesResponse struct {
	ConversationID string            `json:"conversation_id"`
	Status         string            `json:"status"`
	Messages       []MessageResponse `json:"messages"`
}

// AgentMessageRequest is the JSON request body for posting an agent reply.
type AgentMessageRequest struct {
	Content string `json:"content"`
}

// ConversationStatusResponse reports a conversation's status after a control call.
type ConversationStatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ErrorResponse is the JSON body for non-2xx API responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (g *Gateway) registerAPIRoutes(r chi.Router) {
	r.Route("/api/businesses", func(r chi.Router) {
		r.Post("/", g.handleCreateBusiness)
		r.Route("/{businessID}", func(r chi.Router) {
			r.Get("/", g.handleGetBusiness)
			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", g.handleListConversations)
				r.Route("/{conversationID}", func(r chi.Router) {
					r.Get("/", g.handleGetConversation)
					r.Get("/messages", g.handleGetMessages)
					r.Post("/messages", g.handleAgentMessage)
					r.Post("/takeover", g.handleTakeOver)
					r.Post("/let-bot-handle", g.handleHandBack)
					r.Post("/mark-read", g.handleMarkRead)
					r.Post("/close", g.handleClose)
					r.Delete("/", g.handleDeleteConversation)
				})
			})
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func (g *Gateway) handleCreateBusiness(w http.ResponseWriter, r *http.Request) {
	var req CreateBusinessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	biz := &store.Business{
		ID:           req.ID,
		Name:         req.Name,
		AutoReplyURL: req.AutoReplyURL,
		SystemPrompt: req.SystemPrompt,
	}
	if err := g.engine.CreateBusiness(r.Context(), biz); err != nil {
		g.logger.Error("create business failed", "error", err)
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}

	writeJSON(w, http.StatusCreated, businessResponse(biz))
}

func (g *Gateway) handleGetBusiness(w http.ResponseWriter, r *http.Request) {
	biz, err := g.engine.GetBusiness(r.Context(), chi.URLParam(r, "businessID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "business not found")
			return
		}
		g.logger.Error("get business failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, businessResponse(biz))
}

func businessResponse(biz *store.Business) BusinessResponse {
	return BusinessResponse{
		ID:           biz.ID,
		Name:         biz.Name,
		AutoReplyURL: biz.AutoReplyURL,
		SystemPrompt: biz.SystemPrompt,
		CreatedAt:    biz.CreatedAt,
	}
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")
	if _, err := g.engine.GetBusiness(r.Context(), businessID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "business not found")
			return
		}
		g.logger.Error("get business failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	params := store.ListParams{
		BusinessID: businessID,
		Search:     r.URL.Query().Get("search"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		params.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		params.Offset = n
	}

	summaries, err := g.engine.ListConversations(r.Context(), params)
	if err != nil {
		g.logger.Error("list conversations failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}

	resp := ListConversationsResponse{Conversations: make([]ConversationSummaryResponse, 0, len(summaries))}
	for _, s := range summaries {
		resp.Conversations = append(resp.Conversations, ConversationSummaryResponse{
			ID:                 s.ID,
			VisitorID:          s.VisitorID,
			Status:             s.Status,
			CreatedAt:          s.CreatedAt,
			LastMessageAt:      s.LastMessageAt,
			LastVisitorMessage: s.LastVisitorMessage,
			LastReply:          s.LastReply,
			UnreadCount:        s.UnreadCount,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolveConversation loads the conversation and enforces business scoping.
// Writes the error response itself and returns nil when the caller should stop.
func (g *Gateway) resolveConversation(w http.ResponseWriter, r *http.Request) *store.Conversation {
	conv, err := g.engine.GetConversation(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return nil
		}
		g.logger.Error("get conversation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return nil
	}
	if conv.BusinessID != chi.URLParam(r, "businessID") {
		writeError(w, http.StatusNotFound, "conversation not found")
		return nil
	}
	return conv
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv := g.resolveConversation(w, r)
	if conv == nil {
		return
	}
	writeJSON(w, http.StatusOK, ConversationResponse{
		ID:            conv.ID,
		BusinessID:    conv.BusinessID,
		VisitorID:     conv.VisitorID,
		Status:        conv.Status,
		CreatedAt:     conv.CreatedAt,
		LastMessageAt: conv.LastMessageAt,
	})
}

func (g *Gateway) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	conv := g.resolveConversation(w, r)
	if conv == nil {
		return
	}

	messages, err := g.engine.History(r.Context(), conv.ID)
	if err != nil {
		g.logger.Error("history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history failed")
		return
	}

	resp := ConversationMessagesResponse{
		ConversationID: conv.ID,
		Status:         conv.Status,
		Messages:       make([]MessageResponse, 0, len(messages)),
	}
	for _, m := range messages {
		resp.Messages = append(resp.Messages, MessageResponse{
			ID:        m.ID,
			Sender:    m.Sender,
			Content:   m.Content,
			Read:      m.Read,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	conv := g.resolveConversation(w, r)
	if conv == nil {
		return
	}

	var req AgentMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	msg, err := g.engine.AgentMessage(r.Context(), conv.ID, req.Content)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrNotHandled):
		writeError(w, http.StatusConflict, "take over the conversation before replying")
		return
	case errors.Is(err, engine.ErrConversationClosed):
		writeError(w, http.StatusConflict, "conversation is closed")
		return
	default:
		g.logger.Error("agent message failed", "error", err)
		writeError(w, http.StatusInternalServerError, "message failed")
		return
	}

	writeJSON(w, http.StatusCreated, MessageResponse{
		ID:        msg.ID,
		Sender:    msg.Sender,
		Content:   msg.Content,
		Read:      msg.Read,
		CreatedAt: msg.CreatedAt,
	})
}

func (g *Gateway) handleTakeOver(w http.ResponseWriter, r *http.Request) {
	g.handleTransition(w, r, g.engine.TakeOver)
}

func (g *Gateway) handleHandBack(w http.ResponseWriter, r *http.Request) {
	g.handleTransition(w, r, g.engine.HandBack)
}

func (g *Gateway) handleClose(w http.ResponseWriter, r *http.Request) {
	g.handleTransition(w, r, g.engine.CloseConversation)
}

type transitionFunc func(ctx context.Context, conversationID string) (*store.Conversation, error)

func (g *Gateway) handleTransition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	conv := g.resolveConversation(w, r)
	if conv == nil {
		return
	}

	updated, err := fn(r.Context(), conv.ID)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrConversationClosed):
		writeError(w, http.StatusConflict, "conversation is closed")
		return
	default:
		g.logger.Error("status change failed", "error", err)
		writeError(w, http.StatusInternalServerError, "status change failed")
		return
	}

	writeJSON(w, http.StatusOK, ConversationStatusResponse{ID: updated.ID, Status: updated.Status})
}

func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	conv := g.resolveConversation(w, r)
	if conv == nil {
		return
	}

	if err := g.engine.MarkRead(r.Context(), conv.ID); err != nil {
		g.logger.Error("mark read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "mark read failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv := g.resolveConversation(w, r)
	if conv == nil {
		return
	}

	if err := g.engine.DeleteConversation(r.Context(), conv.ID); err != nil {
		g.logger.Error("delete conversation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
