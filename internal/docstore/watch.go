package docstore

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/weiawesome/market-chat/pkg/log"
)

// loadFunc reads the current result set of a subscription.
type loadFunc func(ctx context.Context) ([]Doc, error)

// watcher turns "something changed" notifications into change batches by
// reloading the result set and diffing it against the previous one.
// Notifications arriving while a load is running are coalesced.
type watcher struct {
	path    string
	load    loadFunc
	clock   clockwork.Clock
	out     chan ChangeBatch
	trigger chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	onStop  func()

	prev map[string]Doc
}

func newWatcher(ctx context.Context, path string, clock clockwork.Clock, load loadFunc, onStop func()) *watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &watcher{
		path:    path,
		load:    load,
		clock:   clock,
		out:     make(chan ChangeBatch),
		trigger: make(chan struct{}, 1),
		ctx:     wctx,
		cancel:  cancel,
		onStop:  onStop,
	}
	// Cancelling the subscribe context also stops the watcher.
	go func() {
		select {
		case <-ctx.Done():
			w.Cancel()
		case <-wctx.Done():
		}
	}()
	go w.run()
	return w
}

func (w *watcher) Batches() <-chan ChangeBatch { return w.out }

func (w *watcher) Cancel() {
	w.once.Do(func() {
		w.cancel()
		if w.onStop != nil {
			w.onStop()
		}
	})
}

// Notify schedules a reload.
func (w *watcher) Notify() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *watcher) run() {
	defer close(w.out)
	l := log.Ctx(w.ctx).With().Str(log.FieldCollection, w.path).Logger()

	first := true
	failures := 0
	delay := retryBaseDelay

	for {
		docs, err := w.load(w.ctx)
		if w.ctx.Err() != nil {
			return
		}

		if err != nil {
			failures++
			l.Warn().Err(err).Int("failures", failures).Msg("subscription reload failed")
			if failures >= persistentFailures && !w.send(ChangeBatch{Err: err}) {
				return
			}
			if !w.sleep(delay) {
				return
			}
			delay = min(delay*2, retryMaxDelay)
			continue
		}

		recovered := failures >= persistentFailures
		failures = 0
		delay = retryBaseDelay

		changes := w.diff(docs)
		if first || recovered || len(changes) > 0 {
			if !w.send(ChangeBatch{Snapshot: first, Changes: changes, Docs: docs}) {
				return
			}
			first = false
		}

		select {
		case <-w.ctx.Done():
			return
		case <-w.trigger:
		}
	}
}

func (w *watcher) diff(docs []Doc) []Change {
	next := make(map[string]Doc, len(docs))
	var changes []Change
	for _, d := range docs {
		next[d.ID] = d
		old, ok := w.prev[d.ID]
		switch {
		case !ok:
			changes = append(changes, Change{Type: Added, Doc: d})
		case !reflect.DeepEqual(old.Fields, d.Fields):
			changes = append(changes, Change{Type: Modified, Doc: d})
		}
	}
	for id, old := range w.prev {
		if _, ok := next[id]; !ok {
			changes = append(changes, Change{Type: Removed, Doc: old})
		}
	}
	w.prev = next
	return changes
}

func (w *watcher) send(b ChangeBatch) bool {
	select {
	case w.out <- b:
		return true
	case <-w.ctx.Done():
		return false
	}
}

func (w *watcher) sleep(d time.Duration) bool {
	t := w.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.ctx.Done():
		return false
	case <-t.Chan():
		return true
	case <-w.trigger:
		return true
	}
}
