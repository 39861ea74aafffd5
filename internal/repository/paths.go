package repository

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/weiawesome/market-chat/internal/docstore"
	"github.com/weiawesome/market-chat/internal/domain"
)

const (
	ChatsCollection     = "chats"
	UserChatsCollection = "userChats"
	chatsSubcollection  = "chats"
	messagesCollection  = "messages"
)

// Document field names.
const (
	FieldParticipants    = "participants"
	FieldProductID       = "productId"
	FieldCreatedAt       = "createdAt"
	FieldChatID          = "chatId"
	FieldOtherUserID     = "otherUserId"
	FieldLastMessage     = "lastMessage"
	FieldLastMessageTime = "lastMessageTime"
	FieldUnreadCount     = "unreadCount"
	FieldSenderID        = "senderId"
	FieldText            = "text"
	FieldTimestamp       = "timestamp"
	FieldSeen            = "seen"
	FieldSeenAt          = "seenAt"
)

// UserChatsPath is the collection of a user's chat references.
func UserChatsPath(userID string) string {
	return docstore.Path(UserChatsCollection, userID, chatsSubcollection)
}

// MessagesPath is the collection of a conversation's messages.
func MessagesPath(conversationID string) string {
	return docstore.Path(ChatsCollection, conversationID, messagesCollection)
}

// ConversationID derives the id of the conversation between two users about
// a product. It does not depend on argument order.
func ConversationID(a, b, productID string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	sum := sha256.Sum256([]byte(pair[0] + "\x00" + pair[1] + "\x00" + productID))
	return "cv_" + hex.EncodeToString(sum[:])[:32]
}

// productValue is how a missing product is stored and queried.
func productValue(productID string) any {
	if productID == "" {
		return nil
	}
	return productID
}

func conversationFromDoc(doc docstore.Doc) *domain.Conversation {
	return &domain.Conversation{
		ID:           doc.ID,
		Participants: docstore.Strings(doc.Fields, FieldParticipants),
		ProductID:    docstore.String(doc.Fields, FieldProductID),
		CreatedAt:    docstore.Time(doc.Fields, FieldCreatedAt),
	}
}

// RefFromDoc maps a chat reference document owned by ownerID.
func RefFromDoc(ownerID string, doc docstore.Doc) domain.ChatReference {
	unread := int(docstore.Int(doc.Fields, FieldUnreadCount))
	if unread < 0 {
		unread = 0
	}
	chatID := docstore.String(doc.Fields, FieldChatID)
	if chatID == "" {
		chatID = doc.ID
	}
	return domain.ChatReference{
		ID:              doc.ID,
		OwnerID:         ownerID,
		ChatID:          chatID,
		OtherUserID:     docstore.String(doc.Fields, FieldOtherUserID),
		ProductID:       docstore.String(doc.Fields, FieldProductID),
		LastMessage:     docstore.String(doc.Fields, FieldLastMessage),
		LastMessageTime: docstore.Time(doc.Fields, FieldLastMessageTime),
		UnreadCount:     unread,
		CreatedAt:       docstore.Time(doc.Fields, FieldCreatedAt),
	}
}

// MessageFromDoc maps a message document of the conversation.
func MessageFromDoc(conversationID string, doc docstore.Doc) domain.Message {
	m := domain.Message{
		ID:             doc.ID,
		ConversationID: conversationID,
		SenderID:       docstore.String(doc.Fields, FieldSenderID),
		Text:           docstore.String(doc.Fields, FieldText),
		Timestamp:      docstore.Time(doc.Fields, FieldTimestamp),
		Seen:           docstore.Bool(doc.Fields, FieldSeen),
	}
	if t := docstore.Time(doc.Fields, FieldSeenAt); !t.IsZero() {
		m.SeenAt = &t
	}
	return m
}

// MessagesFromDocs maps and sorts a message result set.
func MessagesFromDocs(conversationID string, docs []docstore.Doc) []domain.Message {
	out := make([]domain.Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, MessageFromDoc(conversationID, d))
	}
	domain.SortMessages(out)
	return out
}

// RefsFromDocs maps a reference result set. Order is not meaningful.
func RefsFromDocs(ownerID string, docs []docstore.Doc) []domain.ChatReference {
	out := make([]domain.ChatReference, 0, len(docs))
	for _, d := range docs {
		out = append(out, RefFromDoc(ownerID, d))
	}
	return out
}
