// Package profile resolves the public profile shown next to a conversation.
package profile

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/market-chat/internal/docstore"
	"github.com/weiawesome/market-chat/internal/domain"
	"github.com/weiawesome/market-chat/pkg/log"
)

// UsersCollection holds user records maintained by the account system.
const UsersCollection = "users"

const fetchTimeout = 5 * time.Second

// Directory looks up user profiles.
type Directory interface {
	Get(ctx context.Context, userID string) (domain.UserProfile, error)
	// GetMany resolves every id it can; ids that fail are left out.
	GetMany(ctx context.Context, userIDs []string) map[string]domain.UserProfile
}

type directoryImpl struct {
	store docstore.Store
	cache Cache
	ttl   time.Duration
	sf    singleflight.Group
}

func NewDirectory(store docstore.Store, cache Cache, ttl time.Duration) Directory {
	if cache == nil {
		cache = NopCache{}
	}
	return &directoryImpl{store: store, cache: cache, ttl: ttl}
}

func (d *directoryImpl) Get(ctx context.Context, userID string) (domain.UserProfile, error) {
	if userID == "" {
		return domain.UserProfile{}, domain.Invalid("profile.Get", "user id is required")
	}

	// The fetch is shared, so one caller's cancellation must not fail the rest.
	v, err, _ := d.sf.Do(userID, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return d.fetchWithCache(fetchCtx, userID)
	})
	if err != nil {
		return domain.UserProfile{}, err
	}
	return v.(domain.UserProfile), nil
}

func (d *directoryImpl) fetchWithCache(ctx context.Context, userID string) (domain.UserProfile, error) {
	cached, err := d.cache.Get(ctx, userID)
	if err == nil {
		return *cached, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldUserID, userID).Msg("profile cache get error")
	}

	doc, err := d.store.Get(ctx, UsersCollection, userID)
	if err != nil {
		return domain.UserProfile{}, domain.FromStore("profile.Get", err)
	}
	p := FromFields(userID, doc.Fields)

	go func() {
		cacheCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := d.cache.Set(cacheCtx, p, d.ttl); err != nil {
			l := log.L()
			l.Warn().Err(err).Msg("profile cache set error")
		}
	}()

	return p, nil
}

func (d *directoryImpl) GetMany(ctx context.Context, userIDs []string) map[string]domain.UserProfile {
	out := make(map[string]domain.UserProfile, len(userIDs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	seen := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p, err := d.Get(ctx, id)
			if err != nil {
				l := log.Ctx(ctx)
				l.Debug().Err(err).Str(log.FieldUserID, id).Msg("profile lookup failed")
				return
			}
			mu.Lock()
			out[id] = p
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return out
}

// FromFields reads a user record, accepting the older field names.
func FromFields(userID string, f docstore.Fields) domain.UserProfile {
	name := docstore.String(f, "name")
	if name == "" {
		name = docstore.String(f, "fullName")
	}
	photo := docstore.String(f, "profilePhoto")
	if photo == "" {
		photo = docstore.String(f, "profileImage")
	}
	return domain.UserProfile{ID: userID, Name: name, ProfilePhoto: photo}
}
