// ABOUTME: Tracks connected chat sessions and the scope each one is bound to.
// ABOUTME: Central lookup for which visitor or agent is behind a session ID.

package registry

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrSessionNotFound indicates the specified session was not found.
var ErrSessionNotFound = errors.New("session not found")

// Role identifies which side of a conversation a session belongs to.
type Role string

const (
	RoleVisitor Role = "visitor"
	RoleAgent   Role = "agent"
)

// Session is the routing scope bound to one live connection. The registry
// holds scope only; socket handling stays with the transport layer.
type Session struct {
	ID             string
	Role           Role
	BusinessID     string
	VisitorID      string
	ConversationID string
	// Businesses the session watches for dashboard events. Agent sessions only.
	businesses map[string]struct{}
}

// WatchesBusiness reports whether the session subscribed to the business's
// dashboard events.
func (s *Session) WatchesBusiness(businessID string) bool {
	_, ok := s.businesses[businessID]
	return ok
}

// Registry coordinates all connected sessions. All methods are safe for
// concurrent use.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
}

// New creates a new Registry instance.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "registry"),
	}
}

// BindVisitor records a session as a visitor for the given business.
// Rebinding an existing session replaces its scope.
func (r *Registry) BindVisitor(sessionID, businessID, visitorID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := &Session{
		ID:         sessionID,
		Role:       RoleVisitor,
		BusinessID: businessID,
		VisitorID:  visitorID,
	}
	r.sessions[sessionID] = sess

	r.logger.Info("visitor session bound",
		"session_id", sessionID,
		"business_id", businessID,
		"visitor_id", visitorID,
		"total_sessions", len(r.sessions),
	)
	return sess
}

// BindAgent records a session as an agent operator.
func (r *Registry) BindAgent(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := &Session{
		ID:         sessionID,
		Role:       RoleAgent,
		businesses: make(map[string]struct{}),
	}
	r.sessions[sessionID] = sess

	r.logger.Info("agent session bound",
		"session_id", sessionID,
		"total_sessions", len(r.sessions),
	)
	return sess
}

// SetConversation pins the visitor session to a conversation. Called once
// routing has resolved (or minted) the conversation for the visitor.
func (r *Registry) SetConversation(sessionID, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, exists := r.sessions[sessionID]
	if !exists {
		return ErrSessionNotFound
	}
	sess.ConversationID = conversationID
	return nil
}

// SubscribeBusiness adds a business to an agent session's dashboard watch
// set. Subscribing twice is a no-op.
func (r *Registry) SubscribeBusiness(sessionID, businessID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, exists := r.sessions[sessionID]
	if !exists {
		return ErrSessionNotFound
	}
	if sess.businesses == nil {
		sess.businesses = make(map[string]struct{})
	}
	sess.businesses[businessID] = struct{}{}
	return nil
}

// UnsubscribeBusiness removes a business from an agent session's watch set.
func (r *Registry) UnsubscribeBusiness(sessionID, businessID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, exists := r.sessions[sessionID]
	if !exists {
		return ErrSessionNotFound
	}
	delete(sess.businesses, businessID)
	return nil
}

// Get returns the session for the given ID.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// Drop removes a session. Dropping an unknown session is a no-op so that
// disconnect paths can call it unconditionally.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, exists := r.sessions[sessionID]; exists {
		delete(r.sessions, sessionID)
		r.logger.Info("session dropped",
			"session_id", sessionID,
			"role", sess.Role,
			"total_sessions", len(r.sessions),
		)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
