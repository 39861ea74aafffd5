package repository_test

import (
	"context"
	"strings"
	"sync"

	"github.com/weiawesome/market-chat/internal/docstore"
	"github.com/weiawesome/market-chat/internal/domain"
)

// faultyStore wraps a store and lets a test fail selected writes.
type faultyStore struct {
	docstore.Store
	updateFn       func(path, id string, fields docstore.Fields) error
	createWithIDFn func(path, id string) error
	queryFn        func(path string)
}

func (s *faultyStore) Query(ctx context.Context, path string, q docstore.Query) ([]docstore.Doc, error) {
	if s.queryFn != nil {
		s.queryFn(path)
	}
	return s.Store.Query(ctx, path, q)
}

func (s *faultyStore) Update(ctx context.Context, path, id string, fields docstore.Fields) error {
	if s.updateFn != nil {
		if err := s.updateFn(path, id, fields); err != nil {
			return err
		}
	}
	return s.Store.Update(ctx, path, id, fields)
}

func (s *faultyStore) CreateWithID(ctx context.Context, path, id string, data docstore.Fields) error {
	if s.createWithIDFn != nil {
		if err := s.createWithIDFn(path, id); err != nil {
			return err
		}
	}
	return s.Store.CreateWithID(ctx, path, id, data)
}

type stubProfiles struct {
	profiles map[string]domain.UserProfile
}

func (p *stubProfiles) Get(_ context.Context, id string) (domain.UserProfile, error) {
	if prof, ok := p.profiles[id]; ok {
		return prof, nil
	}
	return domain.UserProfile{}, domain.ErrNotFound
}

func (p *stubProfiles) GetMany(_ context.Context, ids []string) map[string]domain.UserProfile {
	out := map[string]domain.UserProfile{}
	for _, id := range ids {
		if prof, ok := p.profiles[id]; ok {
			out[id] = prof
		}
	}
	return out
}

type recordedEvent struct {
	Type           string
	ConversationID string
	RecipientID    string
	Count          int
}

type recordingEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingEvents) add(e recordedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEvents) ofType(t string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingEvents) ConversationCreated(_ context.Context, conv domain.Conversation) {
	r.add(recordedEvent{Type: "created", ConversationID: conv.ID})
}

func (r *recordingEvents) ConversationDeleted(_ context.Context, conv domain.Conversation) {
	r.add(recordedEvent{Type: "deleted", ConversationID: conv.ID})
}

func (r *recordingEvents) MessageSent(_ context.Context, msg domain.Message, recipientID, _ string) {
	r.add(recordedEvent{Type: "sent", ConversationID: msg.ConversationID, RecipientID: recipientID})
}

func (r *recordingEvents) MessagesSeen(_ context.Context, conversationID, _ string, count int) {
	r.add(recordedEvent{Type: "seen", ConversationID: conversationID, Count: count})
}

func isRefPath(path, owner string) bool {
	return strings.HasPrefix(path, "userChats/"+owner+"/")
}
