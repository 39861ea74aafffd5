package scheduler

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Throttle admits at most one run per key per interval.
type Throttle struct {
	clock    clockwork.Clock
	interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func NewThrottle(clock clockwork.Clock, interval time.Duration) *Throttle {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Throttle{clock: clock, interval: interval, last: make(map[string]time.Time)}
}

// Allow records a run for key and returns true, or returns false with the
// time left until the next run would be admitted.
func (t *Throttle) Allow(key string) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if last, ok := t.last[key]; ok {
		if elapsed := now.Sub(last); elapsed < t.interval {
			return false, t.interval - elapsed
		}
	}
	t.last[key] = now
	t.prune(now)
	return true, 0
}

// Forget clears the history of key.
func (t *Throttle) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, key)
}

// prune drops keys that can no longer throttle anything.
func (t *Throttle) prune(now time.Time) {
	if len(t.last) < 1024 {
		return
	}
	for k, last := range t.last {
		if now.Sub(last) >= t.interval {
			delete(t.last, k)
		}
	}
}
