package repository

import (
	"context"

	"github.com/weiawesome/market-chat/internal/domain"
)

// ConversationRepository owns conversations, their messages and the
// per-participant chat references.
type ConversationRepository interface {
	// FindOrCreate returns the conversation between the two users about
	// productID, creating it and both references when none exists.
	FindOrCreate(ctx context.Context, currentUserID, otherUserID, productID string) (string, error)
	// SendMessage appends a message and updates both references. A failure
	// to update the recipient's reference is logged, not returned.
	SendMessage(ctx context.Context, conversationID, senderID, text string) (string, error)
	ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error)
	// Summarize joins references with profiles and sorts them most recent first.
	Summarize(ctx context.Context, refs []domain.ChatReference) []domain.ConversationSummary
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
	ListMessages(ctx context.Context, conversationID, viewerID string) ([]domain.Message, error)
	// ResetUnread sets the viewer's unread count for the conversation to zero.
	ResetUnread(ctx context.Context, conversationID, viewerID string) error
	TotalUnread(ctx context.Context, userID string) (int, error)
	// RecountUnread sets the viewer's unread count to the number of unseen
	// messages from the other participant. It returns the corrected value
	// and whether the stored one differed.
	RecountUnread(ctx context.Context, conversationID, viewerID string) (int, bool, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	DeleteUserChats(ctx context.Context, userID string) error
}
