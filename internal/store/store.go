// ABOUTME: Store interface and data types for chat-gateway persistence
// ABOUTME: Defines Business, Conversation, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when an open conversation already
// exists for the same (business, visitor) pair
var ErrDuplicateConversation = errors.New("conversation already exists")

// Conversation status constants
const (
	StatusActive  = "active"  // automated agent replies, humans may not send
	StatusHandled = "handled" // a human has taken over, automated agent suppressed
	StatusClosed  = "closed"  // terminal, history remains readable
)

// Message sender constants
const (
	SenderVisitor   = "visitor"
	SenderAgent     = "agent"
	SenderAutomated = "automated"
)

// Business is a tenant owning conversations, visitors, and reply configuration
type Business struct {
	ID           string
	Name         string
	AutoReplyURL string // webhook for automated replies, empty disables them
	SystemPrompt string
	CreatedAt    time.Time
}

// Conversation is a single visitor-business dialogue
type Conversation struct {
	ID            string
	BusinessID    string
	VisitorID     string
	Status        string // "active", "handled", "closed"
	CreatedAt     time.Time
	LastMessageAt time.Time
}

// Message is one immutable utterance within a conversation.
// Seq is the storage-assigned insertion sequence and breaks creation-time
// ties when ordering history.
type Message struct {
	ID             string
	ConversationID string
	Content        string
	Sender         string // "visitor", "agent", "automated"
	Read           bool
	Seq            int64
	CreatedAt      time.Time
}

// ConversationSummary is a conversation plus the dashboard list columns
type ConversationSummary struct {
	Conversation
	LastVisitorMessage string
	LastReply          string
	UnreadCount        int
}

// ListParams controls conversation list queries
type ListParams struct {
	BusinessID string
	Search     string // matches visitor id or message content, empty disables
	Limit      int
	Offset     int
}

// Store defines the persistence gateway consumed by the routing engine
type Store interface {
	// Businesses
	CreateBusiness(ctx context.Context, b *Business) error
	GetBusiness(ctx context.Context, id string) (*Business, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindConversation(ctx context.Context, businessID, visitorID string) (*Conversation, error)
	UpdateConversationStatus(ctx context.Context, id, status string) error
	TouchLastMessage(ctx context.Context, id string, at time.Time) error
	DeleteConversation(ctx context.Context, id string) error
	ListConversations(ctx context.Context, params ListParams) ([]*ConversationSummary, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessages(ctx context.Context, conversationID string) ([]*Message, error)
	MarkMessagesRead(ctx context.Context, conversationID string) error

	// Ping verifies the backing database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
