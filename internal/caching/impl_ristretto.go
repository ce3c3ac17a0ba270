// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/element-hq/syncstream/setup/config"
	"github.com/element-hq/syncstream/syncapi/synctypes"
)

const (
	filterCache byte = iota + 1 // filterKey -> synctypes.Filter
)

const (
	DisableMetrics = false
	EnableMetrics  = true
)

var registerCacheMetrics sync.Once

// NewRistrettoCache builds the caches used by the sync API. The filter
// partition is backed by ristretto, capped at maxCost bytes, and entries
// live for at most maxAge. The lazy-loading and typing caches keep their
// own expiry and are not bounded by maxCost.
func NewRistrettoCache(maxCost config.DataUnit, maxAge time.Duration, enablePrometheus bool) *Caches {
	counters := int64((maxCost / 1024) * 10) // 10 counters per 1KB data, affects bloom filter size
	if counters < 1000 {
		counters = 1000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		BufferItems: 64,             // recommended by the ristretto godocs as a sane buffer size value
		MaxCost:     int64(maxCost), // max cost is in bytes, as per the config
		Metrics:     true,
	})
	if err != nil {
		panic(err)
	}
	if enablePrometheus {
		registerCacheMetrics.Do(func() {
			prometheus.MustRegister(
				prometheus.NewGaugeFunc(prometheus.GaugeOpts{
					Namespace: "dendrite",
					Subsystem: "caching_ristretto",
					Name:      "ratio",
				}, func() float64 {
					return float64(cache.Metrics.Ratio())
				}),
				prometheus.NewGaugeFunc(prometheus.GaugeOpts{
					Namespace: "dendrite",
					Subsystem: "caching_ristretto",
					Name:      "cost",
				}, func() float64 {
					return float64(cache.Metrics.CostAdded() - cache.Metrics.CostEvicted())
				}),
			)
		})
	}
	return &Caches{
		Filters: &RistrettoCachePartition[filterKey, synctypes.Filter]{ // filter IDs are never reused
			cache:   cache,
			Prefix:  filterCache,
			Mutable: false,
			MaxAge:  maxAge,
		},
		LazyLoading: NewLazyLoadCache(maxAge),
		Typing:      NewTypingCache(),
	}
}

type RistrettoCachePartition[K keyable, V any] struct {
	cache   *ristretto.Cache
	Prefix  byte
	Mutable bool
	MaxAge  time.Duration
}

func (c *RistrettoCachePartition[K, V]) Set(key K, value V) {
	strkey := fmt.Sprintf("%c%v", c.Prefix, key)
	if !c.Mutable {
		if v, ok := c.cache.Get(strkey); ok && v != nil && !reflect.DeepEqual(v, value) {
			panic(fmt.Sprintf("invalid use of immutable cache tries to change value of %v from %v to %v", strkey, v, value))
		}
	}
	var cost int64
	if cv, ok := any(value).(costable); ok {
		cost = int64(cv.CacheCost())
	} else {
		cost = int64(len(fmt.Sprintf("%v", value)))
	}
	c.setWithCost(key, value, cost)
}

func (c *RistrettoCachePartition[K, V]) setWithCost(key K, value V, cost int64) {
	strkey := fmt.Sprintf("%c%v", c.Prefix, key)
	c.cache.SetWithTTL(strkey, value, int64(len(strkey))+cost, c.MaxAge)
}

func (c *RistrettoCachePartition[K, V]) Unset(key K) {
	strkey := fmt.Sprintf("%c%v", c.Prefix, key)
	if !c.Mutable {
		panic(fmt.Sprintf("invalid use of immutable cache tries to unset value of %q", strkey))
	}
	c.cache.Del(strkey)
}

func (c *RistrettoCachePartition[K, V]) Get(key K) (value V, ok bool) {
	strkey := fmt.Sprintf("%c%v", c.Prefix, key)
	v, ok := c.cache.Get(strkey)
	if !ok || v == nil {
		var empty V
		return empty, false
	}
	value, ok = v.(V)
	return
}
