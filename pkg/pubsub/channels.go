package pubsub

import (
	"fmt"
	"strings"
)

// Channel naming: {prefix}:{scope}:{key}:{suffix}. Kafka maps every channel
// to topic "{prefix}-{suffix}" keyed by {key}.
const (
	// Domain events for one recipient, consumed by notification dispatch.
	ChannelUserInbox = "chat:user:%s:inbox"

	// Domain events for one conversation, consumed by admin tooling.
	ChannelConversationEvents = "chat:conversation:%s:events"

	// Document change notices for one collection path.
	ChannelCollectionChanges = "docstore:collection:%s:changes"
)

// Wildcard patterns for the channels above.
const (
	PatternUserInbox          = "chat:user:*:inbox"
	PatternConversationEvents = "chat:conversation:*:events"
	PatternCollectionChanges  = "docstore:collection:*:changes"
)

// Event types.
const (
	EventConversationCreated = "conversation.created"
	EventConversationDeleted = "conversation.deleted"
	EventMessageSent         = "message.sent"
	EventMessagesSeen        = "messages.seen"
	EventDocumentsChanged    = "documents.changed"
)

// Topics lists the Kafka topics the channels above map to.
var Topics = []string{"chat-inbox", "chat-events", "docstore-changes"}

var keyEscaper = strings.NewReplacer("%", "%25", ":", "%3A", "/", "%2F")
var keyUnescaper = strings.NewReplacer("%3A", ":", "%2F", "/", "%25", "%")

// UserInboxChannel returns the inbox channel of a user.
func UserInboxChannel(userID string) string {
	return fmt.Sprintf(ChannelUserInbox, keyEscaper.Replace(userID))
}

// ConversationEventsChannel returns the event channel of a conversation.
func ConversationEventsChannel(conversationID string) string {
	return fmt.Sprintf(ChannelConversationEvents, keyEscaper.Replace(conversationID))
}

// CollectionChangesChannel returns the change channel of a collection path.
func CollectionChangesChannel(path string) string {
	return fmt.Sprintf(ChannelCollectionChanges, keyEscaper.Replace(path))
}

// ChannelKey extracts the unescaped key segment of a channel name.
func ChannelKey(channel string) (string, error) {
	parts := strings.Split(channel, ":")
	if len(parts) != 4 {
		return "", fmt.Errorf("invalid channel format: %s", channel)
	}
	return keyUnescaper.Replace(parts[2]), nil
}

// MessagePayload is carried by message.sent events.
type MessagePayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	SenderID       string `json:"sender_id"`
	RecipientID    string `json:"recipient_id"`
	Text           string `json:"text"`
	ProductID      string `json:"product_id,omitempty"`
}

// SeenPayload is carried by messages.seen events.
type SeenPayload struct {
	ConversationID string `json:"conversation_id"`
	ViewerID       string `json:"viewer_id"`
	Count          int    `json:"count"`
}

// ConversationPayload is carried by conversation.created and conversation.deleted events.
type ConversationPayload struct {
	ConversationID string   `json:"conversation_id"`
	Participants   []string `json:"participants"`
	ProductID      string   `json:"product_id,omitempty"`
}

// ChangePayload is carried by documents.changed events.
type ChangePayload struct {
	Path string   `json:"path"`
	IDs  []string `json:"ids"`
}
