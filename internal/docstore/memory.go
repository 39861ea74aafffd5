package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/weiawesome/market-chat/internal/idgen"
)

// MemoryStore keeps documents in process memory. It backs tests and
// single-node development setups.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Fields
	watchers    map[string]map[*watcher]struct{}
	ids         idgen.Generator
	ts          *tsSource
	clock       clockwork.Clock
	closed      bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the clock used for server timestamps and retry backoff.
func WithClock(c clockwork.Clock) MemoryOption {
	return func(s *MemoryStore) {
		s.clock = c
		s.ts = newTSSource(c, time.Nanosecond)
	}
}

// WithIDGenerator sets the generator used by Create.
func WithIDGenerator(g idgen.Generator) MemoryOption {
	return func(s *MemoryStore) { s.ids = g }
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	clock := clockwork.NewRealClock()
	s := &MemoryStore{
		collections: make(map[string]map[string]Fields),
		watchers:    make(map[string]map[*watcher]struct{}),
		ids:         idgen.NewUUIDGenerator(),
		ts:          newTSSource(clock, time.Nanosecond),
		clock:       clock,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *MemoryStore) Create(ctx context.Context, path string, data Fields) (string, error) {
	id, err := s.ids.Generate()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	if err := s.CreateWithID(ctx, path, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *MemoryStore) CreateWithID(ctx context.Context, path, id string, data Fields) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrUnavailable
	}
	coll := s.collections[path]
	if coll == nil {
		coll = make(map[string]Fields)
		s.collections[path] = coll
	}
	if _, ok := coll[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", path, id, ErrAlreadyExists)
	}
	coll[id] = resolveCreate(data, s.ts.Now())
	s.mu.Unlock()

	s.notify(path)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, path, id string) (*Doc, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.collections[path][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", path, id, ErrNotFound)
	}
	return &Doc{ID: id, Fields: copyFields(f)}, nil
}

func (s *MemoryStore) Update(ctx context.Context, path, id string, fields Fields) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	f, ok := s.collections[path][id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", path, id, ErrNotFound)
	}
	s.collections[path][id] = applyPatch(f, fields, s.ts.Now())
	s.mu.Unlock()

	s.notify(path)
	return nil
}

func (s *MemoryStore) BatchUpdate(ctx context.Context, path string, ids []string, fields Fields) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	now := s.ts.Now()
	coll := s.collections[path]
	for _, id := range ids {
		if f, ok := coll[id]; ok {
			coll[id] = applyPatch(f, fields, now)
		}
	}
	s.mu.Unlock()

	s.notify(path)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, path, id string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.collections[path][id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", path, id, ErrNotFound)
	}
	delete(s.collections[path], id)
	if len(s.collections[path]) == 0 {
		delete(s.collections, path)
	}
	s.mu.Unlock()

	s.notify(path)
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, path string, q Query) ([]Doc, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return selectDocs(s.snapshot(path), q), nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, path string, filters ...Filter) (Subscription, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrUnavailable
	}

	var w *watcher
	load := func(ctx context.Context) ([]Doc, error) {
		return selectDocs(s.snapshot(path), Query{Filters: filters}), nil
	}
	w = newWatcher(ctx, path, s.clock, load, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.dropWatcher(path, w)
	})
	if s.watchers[path] == nil {
		s.watchers[path] = make(map[*watcher]struct{})
	}
	s.watchers[path][w] = struct{}{}
	return w, nil
}

// Close stops every subscription. Later writes fail with ErrUnavailable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	var all []*watcher
	for _, ws := range s.watchers {
		for w := range ws {
			all = append(all, w)
		}
	}
	s.mu.Unlock()

	for _, w := range all {
		w.Cancel()
	}
	return nil
}

// Paths lists the collection paths that currently hold documents.
func (s *MemoryStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.collections))
	for p := range s.collections {
		out = append(out, p)
	}
	return out
}

func (s *MemoryStore) snapshot(path string) []Doc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll := s.collections[path]
	docs := make([]Doc, 0, len(coll))
	for id, f := range coll {
		docs = append(docs, Doc{ID: id, Fields: copyFields(f)})
	}
	return docs
}

func (s *MemoryStore) notify(path string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for w := range s.watchers[path] {
		w.Notify()
	}
}

// dropWatcher must be called with s.mu held.
func (s *MemoryStore) dropWatcher(path string, w *watcher) {
	delete(s.watchers[path], w)
	if len(s.watchers[path]) == 0 {
		delete(s.watchers, path)
	}
}
