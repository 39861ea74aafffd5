package tracker_test

import (
	"context"
	"sync"

	"github.com/weiawesome/market-chat/internal/docstore"
	"github.com/weiawesome/market-chat/internal/domain"
	"github.com/weiawesome/market-chat/internal/events"
)

// seenEvents records MessagesSeen calls.
type seenEvents struct {
	events.Nop
	mu     sync.Mutex
	counts []int
}

func (e *seenEvents) MessagesSeen(_ context.Context, _, _ string, count int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts = append(e.counts, count)
}

func (e *seenEvents) Counts() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.counts...)
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

// flakyStore fails the next batchFailures BatchUpdate calls.
type flakyStore struct {
	docstore.Store
	mu            sync.Mutex
	batchFailures int
}

func (s *flakyStore) BatchUpdate(ctx context.Context, path string, ids []string, fields docstore.Fields) error {
	s.mu.Lock()
	if s.batchFailures > 0 {
		s.batchFailures--
		s.mu.Unlock()
		return docstore.ErrUnavailable
	}
	s.mu.Unlock()
	return s.Store.BatchUpdate(ctx, path, ids, fields)
}
