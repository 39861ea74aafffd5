package realtime_test

import (
	"context"
	"sync"

	"github.com/weiawesome/market-chat/internal/docstore"
	"github.com/weiawesome/market-chat/internal/domain"
	"github.com/weiawesome/market-chat/internal/tracker"
)

type sinkError struct {
	Kind           string
	ConversationID string
	Err            error
}

type recordingSink struct {
	mu       sync.Mutex
	lists    [][]domain.ConversationSummary
	messages map[string][][]domain.Message
	errs     []sinkError

	// When set, ConversationsUpdated signals entered and waits on release.
	entered chan struct{}
	release chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{messages: map[string][][]domain.Message{}}
}

func (s *recordingSink) ConversationsUpdated(convs []domain.ConversationSummary) {
	if s.entered != nil {
		s.entered <- struct{}{}
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists = append(s.lists, convs)
}

func (s *recordingSink) MessagesUpdated(conversationID string, msgs []domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[conversationID] = append(s.messages[conversationID], msgs)
}

func (s *recordingSink) SubscriptionError(kind, conversationID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, sinkError{Kind: kind, ConversationID: conversationID, Err: err})
}

func (s *recordingSink) ListUpdates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lists)
}

func (s *recordingSink) LastList() []domain.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lists) == 0 {
		return nil
	}
	return s.lists[len(s.lists)-1]
}

func (s *recordingSink) MessageUpdates(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[conversationID])
}

func (s *recordingSink) LastMessages(conversationID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.messages[conversationID]
	if len(b) == 0 {
		return nil
	}
	return b[len(b)-1]
}

func (s *recordingSink) Errors() []sinkError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkError(nil), s.errs...)
}

// fakeSubscription is fed by the test.
type fakeSubscription struct {
	ch   chan docstore.ChangeBatch
	once sync.Once
	mu   sync.Mutex
	done bool
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{ch: make(chan docstore.ChangeBatch, 8)}
}

func (f *fakeSubscription) Batches() <-chan docstore.ChangeBatch { return f.ch }

func (f *fakeSubscription) Cancel() {
	f.once.Do(func() {
		f.mu.Lock()
		f.done = true
		close(f.ch)
		f.mu.Unlock()
	})
}

func (f *fakeSubscription) Push(b docstore.ChangeBatch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.done {
		f.ch <- b
	}
}

func (f *fakeSubscription) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// scriptedStore serves scripted subscriptions for selected paths.
type scriptedStore struct {
	*docstore.MemoryStore
	mu   sync.Mutex
	subs map[string]*fakeSubscription
}

func (s *scriptedStore) Script(path string) *fakeSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = map[string]*fakeSubscription{}
	}
	sub := newFakeSubscription()
	s.subs[path] = sub
	return sub
}

func (s *scriptedStore) Subscribe(ctx context.Context, path string, filters ...docstore.Filter) (docstore.Subscription, error) {
	s.mu.Lock()
	sub, ok := s.subs[path]
	s.mu.Unlock()
	if ok {
		return sub, nil
	}
	return s.MemoryStore.Subscribe(ctx, path, filters...)
}

type trackerCalls struct {
	mu        sync.Mutex
	scheduled []string
	cancelled []string
}

var _ tracker.UnreadTracker = (*trackerCalls)(nil)

func (t *trackerCalls) MarkSeen(context.Context, string, string) (tracker.Result, error) {
	return tracker.Result{}, nil
}

func (t *trackerCalls) ScheduleMarkSeen(conversationID, viewerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scheduled = append(t.scheduled, conversationID+"|"+viewerID)
}

func (t *trackerCalls) CancelScheduled(conversationID, viewerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = append(t.cancelled, conversationID+"|"+viewerID)
}

func (t *trackerCalls) Stop() {}

func (t *trackerCalls) Scheduled() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.scheduled...)
}

func (t *trackerCalls) Cancelled() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.cancelled...)
}

type staticProfiles map[string]domain.UserProfile

func (p staticProfiles) Get(_ context.Context, id string) (domain.UserProfile, error) {
	if prof, ok := p[id]; ok {
		return prof, nil
	}
	return domain.UserProfile{}, domain.ErrNotFound
}

func (p staticProfiles) GetMany(_ context.Context, ids []string) map[string]domain.UserProfile {
	out := map[string]domain.UserProfile{}
	for _, id := range ids {
		if prof, ok := p[id]; ok {
			out[id] = prof
		}
	}
	return out
}
