// Package scheduler provides keyed debouncing and throttling on an
// injectable clock.
package scheduler

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Debouncer runs a function once a key has been quiet for a delay. Each
// Trigger for a pending key restarts its timer and replaces its function.
type Debouncer struct {
	clock clockwork.Clock
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCall
	nextGen uint64
	stopped bool
}

type pendingCall struct {
	timer clockwork.Timer
	gen   uint64
}

func NewDebouncer(clock clockwork.Clock, delay time.Duration) *Debouncer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Debouncer{
		clock:   clock,
		delay:   delay,
		pending: make(map[string]*pendingCall),
	}
}

// Trigger schedules fn for key after the default delay.
func (d *Debouncer) Trigger(key string, fn func()) {
	d.TriggerAfter(key, d.delay, fn)
}

// TriggerAfter schedules fn for key after delay.
func (d *Debouncer) TriggerAfter(key string, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
	}

	d.nextGen++
	gen := d.nextGen
	p := &pendingCall{gen: gen}
	p.timer = d.clock.AfterFunc(delay, func() { d.fire(key, gen, fn) })
	d.pending[key] = p
}

func (d *Debouncer) fire(key string, gen uint64, fn func()) {
	d.mu.Lock()
	p, ok := d.pending[key]
	// A timer that lost the race with Stop, Cancel or a newer Trigger.
	if !ok || p.gen != gen || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	fn()
}

// Cancel drops the pending call for key, if any.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// Stop cancels everything and ignores later triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
}
