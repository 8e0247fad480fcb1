package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ProfileCache is a session-lifetime cache of user profiles, populated lazily.
// Failed lookups are never cached.
type ProfileCache struct {
	notifier[Profile]
	store Store
	log   *slog.Logger

	mu       sync.RWMutex
	profiles map[string]Profile
	group    singleflight.Group
}

// NewProfileCache creates an empty cache backed by store.
func NewProfileCache(store Store, log *slog.Logger) *ProfileCache {
	if log == nil {
		log = discardLogger()
	}
	return &ProfileCache{
		notifier: notifier[Profile]{log: log},
		store:    store,
		log:      log,
		profiles: make(map[string]Profile),
	}
}

// Get returns a cached profile without touching the network.
func (c *ProfileCache) Get(userID string) (Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.profiles[userID]
	return p, ok
}

// GetOrFetch returns the cached profile, or looks it up remotely and caches it.
// Concurrent lookups for the same id share one request.
func (c *ProfileCache) GetOrFetch(ctx context.Context, userID string) (Profile, error) {
	if p, ok := c.Get(userID); ok {
		return p, nil
	}
	v, err, _ := c.group.Do(userID, func() (any, error) {
		rows, err := selectRows[Profile](ctx, c.store, TableProfiles, Query{
			Filters: []Filter{Eq("id", userID)},
			Limit:   1,
		})
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, ErrNotFound
		}
		return rows[0], nil
	})
	if err != nil {
		c.log.Debug("profile lookup failed", "user_id", userID, "error", err)
		return Profile{}, &FetchError{Resource: "profile", ID: userID, Err: err}
	}
	p := v.(Profile)
	c.put(p)
	return p, nil
}

// Refresh overwrites a cached profile wholesale, as pushed by a profile update.
func (c *ProfileCache) Refresh(p Profile) {
	if p.ID == "" {
		return
	}
	c.put(p)
}

// Search finds other users whose name contains term. Results are cached.
func (c *ProfileCache) Search(ctx context.Context, term, excludeID string, limit int) ([]Profile, error) {
	term = strings.TrimSpace(term)
	if len(term) < 2 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	filters := []Filter{ILike("name", "%"+term+"%")}
	if excludeID != "" {
		filters = append(filters, Neq("id", excludeID))
	}
	rows, err := selectRows[Profile](ctx, c.store, TableProfiles, Query{Filters: filters, Limit: limit})
	if err != nil {
		return nil, &FetchError{Resource: "profiles", Err: fmt.Errorf("search %q: %w", term, err)}
	}
	for _, p := range rows {
		c.put(p)
	}
	return rows, nil
}

// OnChange registers a listener called whenever a profile is cached or refreshed.
func (c *ProfileCache) OnChange(fn func(Profile)) (unsubscribe func()) {
	return c.subscribe(fn)
}

func (c *ProfileCache) put(p Profile) {
	c.mu.Lock()
	c.profiles[p.ID] = p
	c.mu.Unlock()
	c.notify(p)
}
