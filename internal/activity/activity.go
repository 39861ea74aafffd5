// Package activity tracks which (conversation, user) unread counters were
// touched recently so the reconciler can verify the busiest ones.
package activity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const hotPairsKey = "chat:unread:hot"

// Pair identifies one participant's view of a conversation.
type Pair struct {
	ConversationID string
	UserID         string
}

func (p Pair) member() string { return p.ConversationID + "|" + p.UserID }

func parseMember(m string) (Pair, bool) {
	conv, user, ok := strings.Cut(m, "|")
	if !ok || conv == "" || user == "" {
		return Pair{}, false
	}
	return Pair{ConversationID: conv, UserID: user}, true
}

// Store records counter activity.
type Store interface {
	// Record bumps the activity score of a pair.
	Record(ctx context.Context, p Pair) error
	// Top returns up to n pairs with the highest scores.
	Top(ctx context.Context, n int64) ([]Pair, error)
	// Reset clears all scores for the next cycle.
	Reset(ctx context.Context) error
}

// RedisStore keeps scores in a sorted set.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Record(ctx context.Context, p Pair) error {
	if err := s.client.ZIncrBy(ctx, hotPairsKey, 1, p.member()).Err(); err != nil {
		return fmt.Errorf("redis record activity: %w", err)
	}
	return nil
}

func (s *RedisStore) Top(ctx context.Context, n int64) ([]Pair, error) {
	members, err := s.client.ZRevRange(ctx, hotPairsKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis top activity: %w", err)
	}
	pairs := make([]Pair, 0, len(members))
	for _, m := range members {
		if p, ok := parseMember(m); ok {
			pairs = append(pairs, p)
		}
	}
	return pairs, nil
}

func (s *RedisStore) Reset(ctx context.Context) error {
	if err := s.client.Del(ctx, hotPairsKey).Err(); err != nil {
		return fmt.Errorf("redis reset activity: %w", err)
	}
	return nil
}

// MemoryStore is the single-instance Store used when Redis is not configured.
type MemoryStore struct {
	mu     sync.Mutex
	scores map[Pair]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scores: make(map[Pair]int)}
}

func (s *MemoryStore) Record(_ context.Context, p Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[p]++
	return nil
}

func (s *MemoryStore) Top(_ context.Context, n int64) ([]Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pairs := make([]Pair, 0, len(s.scores))
	for p := range s.scores {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if s.scores[pairs[i]] != s.scores[pairs[j]] {
			return s.scores[pairs[i]] > s.scores[pairs[j]]
		}
		return pairs[i].member() < pairs[j].member()
	})
	if n >= 0 && int64(len(pairs)) > n {
		pairs = pairs[:n]
	}
	return pairs, nil
}

func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = make(map[Pair]int)
	return nil
}
