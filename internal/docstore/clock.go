package docstore

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// tsSource hands out server timestamps that never repeat or go backwards,
// at the precision the backend can store.
type tsSource struct {
	clock     clockwork.Clock
	precision time.Duration
	mu        sync.Mutex
	last      time.Time
}

func newTSSource(clock clockwork.Clock, precision time.Duration) *tsSource {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &tsSource{clock: clock, precision: precision}
}

func (s *tsSource) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC().Truncate(s.precision)
	if !now.After(s.last) {
		now = s.last.Add(s.precision)
	}
	s.last = now
	return now
}
