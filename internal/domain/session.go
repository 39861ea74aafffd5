package domain

import (
	"sync"
	"time"
)

// Session is the identity behind one WebSocket connection.
type Session struct {
	ID           string
	UserID       string
	Roles        []string
	CreatedAt    time.Time
	LastActiveAt time.Time
	mu           sync.RWMutex
}

func NewSession(id, userID string, roles []string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		UserID:       userID,
		Roles:        roles,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

func (s *Session) GetUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.UserID
}

func (s *Session) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActiveAt = time.Now()
}
