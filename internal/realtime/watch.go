package realtime

import (
	"context"
	"sync"

	"github.com/weiawesome/market-chat/internal/docstore"
)

// watch pumps a store subscription into a handler. Cancel waits for an
// in-flight delivery and no delivery starts after it returns. The handler's
// context is cancelled as soon as Cancel is called; handlers check it after
// blocking work.
type watch struct {
	sub    docstore.Subscription
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	done      chan struct{}
}

func startWatch(parent context.Context, sub docstore.Subscription, handle func(ctx context.Context, b docstore.ChangeBatch)) *watch {
	ctx, cancel := context.WithCancel(parent)
	w := &watch{sub: sub, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	go w.run(handle)
	return w
}

func (w *watch) run(handle func(ctx context.Context, b docstore.ChangeBatch)) {
	defer close(w.done)
	for b := range w.sub.Batches() {
		w.mu.Lock()
		if !w.cancelled && w.ctx.Err() == nil {
			handle(w.ctx, b)
		}
		w.mu.Unlock()
	}
}

// Cancel is idempotent.
func (w *watch) Cancel() {
	// Abort blocking work of a delivery in progress before waiting for it.
	w.cancel()

	w.mu.Lock()
	if w.cancelled {
		w.mu.Unlock()
		return
	}
	w.cancelled = true
	w.mu.Unlock()

	w.sub.Cancel()
}
