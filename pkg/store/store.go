// Package store persists conversations and their turns.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type Conversation struct {
	ID        string
	UserID    string
	Title     string
	Summary   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Turn struct {
	ID             string
	ConversationID string
	UserText       string
	AssistantText  string
	Attachments    json.RawMessage // optional
	CreatedAt      time.Time
}

// Store is implemented by the Postgres and SQLite backends. Rename and
// summary updates are last-write-wins.
type Store interface {
	GetConversation(ctx context.Context, id string) (Conversation, error)
	// LatestConversation returns the user's most recently active conversation.
	LatestConversation(ctx context.Context, userID string) (Conversation, error)
	CreateConversation(ctx context.Context, userID string) (Conversation, error)
	RenameConversation(ctx context.Context, id, title string) error
	UpdateSummary(ctx context.Context, id, summary string) error

	AppendTurn(ctx context.Context, t Turn) (Turn, error)
	CountTurns(ctx context.Context, conversationID string) (int, error)
	// ListTurns returns turns oldest first.
	ListTurns(ctx context.Context, conversationID string) ([]Turn, error)

	Close() error
}
