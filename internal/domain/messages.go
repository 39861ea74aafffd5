package domain

import "errors"

// WebSocket message types from client.
const (
	MsgTypeWatchList         = "watch_list"
	MsgTypeUnwatchList       = "unwatch_list"
	MsgTypeOpenConversation  = "open_conversation"
	MsgTypeCloseConversation = "close_conversation"
	MsgTypeSendMessage       = "send_message"
	MsgTypeMarkSeen          = "mark_seen"
	MsgTypePing              = "ping"
)

// WebSocket message types to client.
const (
	MsgTypeConversations     = "conversations"
	MsgTypeMessages          = "messages"
	MsgTypeMessageSent       = "message_sent"
	MsgTypeSeenResult        = "seen_result"
	MsgTypeNotification      = "notification"
	MsgTypeSubscriptionError = "subscription_error"
	MsgTypeError             = "error"
	MsgTypePong              = "pong"
)

// Error codes
const (
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// ErrorCode maps an error to the code sent to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return ErrCodeBadRequest
	case errors.Is(err, ErrPermissionDenied):
		return ErrCodeForbidden
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrNetwork):
		return ErrCodeUnavailable
	default:
		return ErrCodeInternalError
	}
}

// BaseMessage is the base structure for all WebSocket messages.
type BaseMessage struct {
	Type string `json:"type"`
	// RequestID is echoed on the direct reply, if any.
	RequestID string `json:"request_id,omitempty"`
}

// Client -> Server messages

type ConversationMessage struct {
	Type           string `json:"type"`
	RequestID      string `json:"request_id,omitempty"`
	ConversationID string `json:"conversation_id"`
}

type SendMessageWS struct {
	Type           string `json:"type"`
	RequestID      string `json:"request_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

// Server -> Client messages

type ConversationsOut struct {
	Type          string                `json:"type"`
	Conversations []ConversationSummary `json:"conversations"`
	TotalUnread   int                   `json:"total_unread"`
}

func NewConversationsOut(convs []ConversationSummary) *ConversationsOut {
	total := 0
	for _, c := range convs {
		total += c.UnreadCount
	}
	if convs == nil {
		convs = []ConversationSummary{}
	}
	return &ConversationsOut{Type: MsgTypeConversations, Conversations: convs, TotalUnread: total}
}

type MessagesOut struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

type MessageSentOut struct {
	Type           string `json:"type"`
	RequestID      string `json:"request_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type SeenResultOut struct {
	Type           string `json:"type"`
	RequestID      string `json:"request_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	Marked         int    `json:"marked"`
	Skipped        bool   `json:"skipped"`
}

// NotificationOut tells a user about a message in a conversation they are
// not necessarily watching.
type NotificationOut struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
	ProductID      string `json:"product_id,omitempty"`
}

type SubscriptionErrorOut struct {
	Type           string `json:"type"`
	Kind           string `json:"kind"`
	ConversationID string `json:"conversation_id,omitempty"`
	Code           string `json:"code"`
	Message        string `json:"message"`
}

type ErrorMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		Type:    MsgTypeError,
		Code:    code,
		Message: message,
	}
}

type PongMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}
