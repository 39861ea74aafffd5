package domain

import (
	"sort"
	"strconv"
	"time"
)

// Conversation is a 1:1 pairing of two participants about an optional subject.
type Conversation struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	ProductID    string    `json:"productId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// OtherParticipant returns the participant that is not userID.
func (c *Conversation) OtherParticipant(userID string) (string, bool) {
	for _, p := range c.Participants {
		if p != userID {
			return p, true
		}
	}
	return "", false
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// ChatReference is one participant's private projection of a conversation.
type ChatReference struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"-"`
	ChatID          string    `json:"chatId"`
	OtherUserID     string    `json:"otherUserId"`
	ProductID       string    `json:"productId,omitempty"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime,omitzero"`
	UnreadCount     int       `json:"unreadCount"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Message is one entry of a conversation.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Text           string     `json:"text"`
	Timestamp      time.Time  `json:"timestamp"`
	Seen           bool       `json:"seen"`
	SeenAt         *time.Time `json:"seenAt,omitempty"`
}

// UserProfile is the public part of a user record.
type UserProfile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ProfilePhoto string `json:"profilePhoto,omitempty"`
}

// ConversationSummary is a chat reference joined with the other participant's profile.
type ConversationSummary struct {
	ConversationID  string      `json:"conversationId"`
	OtherUser       UserProfile `json:"otherUser"`
	ProductID       string      `json:"productId,omitempty"`
	LastMessage     string      `json:"lastMessage"`
	LastMessageTime time.Time   `json:"lastMessageTime,omitzero"`
	UnreadCount     int         `json:"unreadCount"`
	UnreadBadge     string      `json:"unreadBadge"`
	CreatedAt       time.Time   `json:"createdAt"`
}

// MaxBadgeCount is the largest unread count shown verbatim.
const MaxBadgeCount = 99

// UnreadBadge renders an unread count for display: "" for zero, "99+" past the cap.
func UnreadBadge(n int) string {
	switch {
	case n <= 0:
		return ""
	case n > MaxBadgeCount:
		return strconv.Itoa(MaxBadgeCount) + "+"
	default:
		return strconv.Itoa(n)
	}
}

// SortMessages orders messages by timestamp ascending, ties broken by id.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// SortSummaries orders summaries most recent first.
func SortSummaries(s []ConversationSummary) {
	sort.SliceStable(s, func(i, j int) bool {
		ti, tj := s[i].LastMessageTime, s[j].LastMessageTime
		if ti.IsZero() {
			ti = s[i].CreatedAt
		}
		if tj.IsZero() {
			tj = s[j].CreatedAt
		}
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return s[i].ConversationID < s[j].ConversationID
	})
}
