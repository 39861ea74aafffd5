package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/weiawesome/market-chat/pkg/log"
	"github.com/weiawesome/market-chat/pkg/pubsub"
)

// Notifier spreads "collection changed" notices between instances sharing
// one database over the event bus.
type Notifier struct {
	ps       pubsub.PubSub
	instance string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifier wraps an event bus.
func NewNotifier(ps pubsub.PubSub) *Notifier {
	return &Notifier{ps: ps, instance: uuid.NewString()}
}

// Publish announces a change to a collection.
func (n *Notifier) Publish(ctx context.Context, path string, ids []string) error {
	ev, err := pubsub.NewEvent(pubsub.EventDocumentsChanged, path, pubsub.ChangePayload{Path: path, IDs: ids})
	if err != nil {
		return err
	}
	ev.Source = n.instance
	return n.ps.Publish(ctx, pubsub.CollectionChangesChannel(path), ev)
}

// Listen calls onChange with the path of every change announced by another instance.
func (n *Notifier) Listen(ctx context.Context, onChange func(path string)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		return fmt.Errorf("notifier already listening")
	}

	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events, err := n.ps.SubscribePattern(lctx, pubsub.PatternCollectionChanges)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to document changes: %w", err)
	}
	n.cancel = cancel
	n.done = make(chan struct{})

	go func() {
		defer close(n.done)
		l := log.Ctx(ctx)
		for ev := range events {
			if ev.Source == n.instance {
				continue
			}
			var p pubsub.ChangePayload
			if err := ev.UnmarshalPayload(&p); err != nil || p.Path == "" {
				l.Warn().Err(err).Msg("ignoring malformed document change")
				continue
			}
			onChange(p.Path)
		}
	}()
	return nil
}

// Close stops listening. The event bus itself is not closed.
func (n *Notifier) Close() error {
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	n.cancel = nil
	n.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	_ = n.ps.Unsubscribe(context.Background(), pubsub.PatternCollectionChanges)
	<-done
	return nil
}
