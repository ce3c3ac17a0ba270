// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/element-hq/syncstream/syncapi/synctypes"
)

type filterKey struct {
	localpart string
	filterID  string
}

func (k filterKey) String() string {
	return k.localpart + "/" + k.filterID
}

// FilterCache caches stored sync filters by owner and ID.
type FilterCache interface {
	GetFilter(localpart, filterID string) (filter synctypes.Filter, ok bool)
	StoreFilter(localpart, filterID string, filter synctypes.Filter)
}

func (c Caches) GetFilter(localpart, filterID string) (synctypes.Filter, bool) {
	return c.Filters.Get(filterKey{localpart, filterID})
}

func (c Caches) StoreFilter(localpart, filterID string, filter synctypes.Filter) {
	c.Filters.Set(filterKey{localpart, filterID}, filter)
}

// FilterStore is where filters are loaded from on a cache miss.
type FilterStore interface {
	GetFilter(ctx context.Context, target *synctypes.Filter, localpart string, filterID string) error
}

// FilterLoader resolves filter IDs, going to the store at most once
// per key however many syncs are waiting on the same filter.
type FilterLoader struct {
	cache FilterCache
	db    FilterStore
	group singleflight.Group
}

func NewFilterLoader(cache FilterCache, db FilterStore) *FilterLoader {
	return &FilterLoader{cache: cache, db: db}
}

func (l *FilterLoader) Load(ctx context.Context, localpart, filterID string) (synctypes.Filter, error) {
	if filter, ok := l.cache.GetFilter(localpart, filterID); ok {
		return filter, nil
	}
	key := filterKey{localpart, filterID}
	v, err, _ := l.group.Do(key.String(), func() (interface{}, error) {
		var filter synctypes.Filter
		if err := l.db.GetFilter(ctx, &filter, localpart, filterID); err != nil {
			return nil, fmt.Errorf("l.db.GetFilter: %w", err)
		}
		l.cache.StoreFilter(localpart, filterID, filter)
		return filter, nil
	})
	if err != nil {
		return synctypes.Filter{}, err
	}
	return v.(synctypes.Filter), nil
}
