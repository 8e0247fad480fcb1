package chatsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileCacheGetOrFetch(t *testing.T) {
	t.Run("caches after the first lookup", func(t *testing.T) {
		fs := newFakeStore()
		fs.seed(TableProfiles, Profile{ID: "bob", Name: "Bob"})
		c := NewProfileCache(fs, nil)

		_, ok := c.Get("bob")
		require.False(t, ok)

		p, err := c.GetOrFetch(context.Background(), "bob")
		require.NoError(t, err)
		assert.Equal(t, "Bob", p.Name)

		_, err = c.GetOrFetch(context.Background(), "bob")
		require.NoError(t, err)
		assert.Equal(t, 1, fs.selectCount(TableProfiles))
	})

	t.Run("missing profiles are not cached", func(t *testing.T) {
		fs := newFakeStore()
		c := NewProfileCache(fs, nil)

		_, err := c.GetOrFetch(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrNotFound)

		fs.seed(TableProfiles, Profile{ID: "ghost", Name: "Casper"})
		p, err := c.GetOrFetch(context.Background(), "ghost")
		require.NoError(t, err)
		assert.Equal(t, "Casper", p.Name)
	})

	t.Run("errors are not cached", func(t *testing.T) {
		fs := newFakeStore()
		fs.seed(TableProfiles, Profile{ID: "bob", Name: "Bob"})
		var fail atomic.Bool
		fail.Store(true)
		fs.failSelect = func(string, Query) error {
			if fail.Load() {
				return errors.New("offline")
			}
			return nil
		}
		c := NewProfileCache(fs, nil)

		_, err := c.GetOrFetch(context.Background(), "bob")
		var fetchErr *FetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Equal(t, "bob", fetchErr.ID)

		fail.Store(false)
		_, err = c.GetOrFetch(context.Background(), "bob")
		assert.NoError(t, err)
	})

	t.Run("concurrent lookups share one request", func(t *testing.T) {
		fs := newFakeStore()
		fs.seed(TableProfiles, Profile{ID: "bob", Name: "Bob"})
		release := make(chan struct{})
		fs.beforeSelect = func(string, Query) { <-release }
		c := NewProfileCache(fs, nil)

		var wg sync.WaitGroup
		for range 5 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.GetOrFetch(context.Background(), "bob")
				assert.NoError(t, err)
			}()
		}
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()
		assert.Equal(t, 1, fs.selectCount(TableProfiles))
	})
}

func TestProfileCacheRefresh(t *testing.T) {
	c := NewProfileCache(newFakeStore(), nil)
	var seen []Profile
	c.OnChange(func(p Profile) { seen = append(seen, p) })

	c.Refresh(Profile{ID: "bob", Name: "Bob", Online: false})
	c.Refresh(Profile{ID: "bob", Name: "Bobby", Online: true})
	c.Refresh(Profile{})

	p, ok := c.Get("bob")
	require.True(t, ok)
	assert.Equal(t, "Bobby", p.Name)
	assert.True(t, p.Online)
	assert.Len(t, seen, 2)
}

func TestProfileCacheSearch(t *testing.T) {
	fs := newFakeStore()
	fs.seed(TableProfiles,
		Profile{ID: "me", Name: "Alice Me"},
		Profile{ID: "a2", Name: "Alicia"},
		Profile{ID: "b", Name: "Bob"},
	)
	c := NewProfileCache(fs, nil)

	got, err := c.Search(context.Background(), "ALI", "me", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a2", got[0].ID)

	_, cached := c.Get("a2")
	assert.True(t, cached)

	t.Run("short terms return nothing", func(t *testing.T) {
		got, err := c.Search(context.Background(), " a ", "", 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
