// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/element-hq/syncstream/syncapi/synctypes"
)

type mapFilterCache struct {
	mu      sync.Mutex
	filters map[filterKey]synctypes.Filter
}

func (c *mapFilterCache) GetFilter(localpart, filterID string) (synctypes.Filter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.filters[filterKey{localpart, filterID}]
	return f, ok
}

func (c *mapFilterCache) StoreFilter(localpart, filterID string, filter synctypes.Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters[filterKey{localpart, filterID}] = filter
}

type slowFilterStore struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (s *slowFilterStore) GetFilter(ctx context.Context, target *synctypes.Filter, localpart, filterID string) error {
	s.calls.Inc()
	<-s.release
	if s.err != nil {
		return s.err
	}
	*target = synctypes.DefaultFilter()
	target.Room.Timeline.Limit = 42
	return nil
}

func TestFilterLoaderDeduplicatesConcurrentLoads(t *testing.T) {
	cache := &mapFilterCache{filters: map[filterKey]synctypes.Filter{}}
	store := &slowFilterStore{release: make(chan struct{})}
	loader := NewFilterLoader(cache, store)

	const loaders = 10
	var wg sync.WaitGroup
	results := make([]synctypes.Filter, loaders)
	for i := 0; i < loaders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := loader.Load(context.Background(), "alice", "0")
			assert.NoError(t, err)
			results[i] = f
		}(i)
	}
	require.Eventually(t, func() bool {
		return store.calls.Load() == 1
	}, time.Second, time.Millisecond)
	// let the others pile up behind the first load
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	wg.Wait()

	assert.LessOrEqual(t, store.calls.Load(), int32(loaders))
	for _, f := range results {
		assert.Equal(t, 42, f.Room.Timeline.Limit)
	}

	cached, ok := cache.GetFilter("alice", "0")
	require.True(t, ok)
	assert.Equal(t, 42, cached.Room.Timeline.Limit)

	// Served from the cache without touching the store.
	before := store.calls.Load()
	_, err := loader.Load(context.Background(), "alice", "0")
	require.NoError(t, err)
	assert.Equal(t, before, store.calls.Load())
}

func TestFilterLoaderDoesNotCacheErrors(t *testing.T) {
	cache := &mapFilterCache{filters: map[filterKey]synctypes.Filter{}}
	store := &slowFilterStore{release: make(chan struct{}), err: errors.New("no such filter")}
	close(store.release)
	loader := NewFilterLoader(cache, store)

	_, err := loader.Load(context.Background(), "alice", "7")
	assert.ErrorIs(t, err, store.err)
	_, ok := cache.GetFilter("alice", "7")
	assert.False(t, ok)
}
