package pubsub

import (
	"context"
	"path"
	"sync"

	"github.com/weiawesome/market-chat/pkg/log"
)

type memorySubscription struct {
	pattern bool
	ch      chan *Event
	cancel  context.CancelFunc
}

// MemoryPubSub is an in-process PubSub for single-instance deployments and tests.
// Patterns use Redis-style globs.
type MemoryPubSub struct {
	mu     sync.RWMutex
	subs   map[string]*memorySubscription
	closed bool
}

// NewMemoryPubSub creates an empty in-process bus.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]*memorySubscription)}
}

// Publish delivers the event to every matching subscription without blocking.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for key, sub := range m.subs {
		if !matches(key, sub.pattern, channel) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			l := log.Ctx(ctx)
			l.Warn().Str("subscription", key).Str("type", event.Type).Msg("pubsub buffer full, event dropped")
		}
	}
	return nil
}

// Subscribe subscribes to a specific channel.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return m.subscribe(ctx, channel, false)
}

// SubscribePattern subscribes to channels matching a glob pattern.
func (m *MemoryPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	return m.subscribe(ctx, pattern, true)
}

func (m *MemoryPubSub) subscribe(ctx context.Context, key string, pattern bool) (<-chan *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.subs[key]; ok {
		existing.cancel()
		close(existing.ch)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{pattern: pattern, ch: make(chan *Event, 256), cancel: cancel}
	m.subs[key] = sub

	go func() {
		<-subCtx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.subs[key] == sub {
			delete(m.subs, key)
			close(sub.ch)
		}
	}()

	return sub.ch, nil
}

// Unsubscribe removes a subscription and closes its channel.
func (m *MemoryPubSub) Unsubscribe(_ context.Context, channel string) error {
	m.mu.RLock()
	sub, ok := m.subs[channel]
	m.mu.RUnlock()
	if ok {
		sub.cancel()
	}
	return nil
}

// Close cancels all subscriptions.
func (m *MemoryPubSub) Close() error {
	m.mu.RLock()
	subs := make([]*memorySubscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		sub.cancel()
	}
	return nil
}

func matches(key string, pattern bool, channel string) bool {
	if !pattern {
		return key == channel
	}
	ok, err := path.Match(key, channel)
	return err == nil && ok
}
