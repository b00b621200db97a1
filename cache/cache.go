// Copyright 2025 The serverd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"container/list"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/serverd/serverd/common"
)

var (
	hitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "cache_hit_total",
			Help:      "Cache hit total",
		},
		[]string{"cache"},
	)

	missTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "cache_miss_total",
			Help:      "Cache miss total",
		},
		[]string{"cache"},
	)
)

// lruCache 通用的有界 LRU 存储 Get/Put 以短临界区保护
//
// ETag 与压缩缓存共享此实现 名字用于 hit/miss 指标打点
type lruCache struct {
	name    string
	maxSize int

	mut  sync.Mutex
	keys map[any]*list.Element
	lru  *list.List
}

type lruEntry struct {
	key   any
	value any
}

func newLRUCache(name string, maxSize int) *lruCache {
	return &lruCache{
		name:    name,
		maxSize: maxSize,
		keys:    make(map[any]*list.Element),
		lru:     list.New(),
	}
}

func (c *lruCache) Get(key any) (any, bool) {
	c.mut.Lock()
	defer c.mut.Unlock()

	elem, ok := c.keys[key]
	if !ok {
		missTotal.WithLabelValues(c.name).Inc()
		return nil, false
	}
	c.lru.MoveToFront(elem)
	hitTotal.WithLabelValues(c.name).Inc()
	return elem.Value.(*lruEntry).value, true
}

func (c *lruCache) Put(key, value any) {
	c.mut.Lock()
	defer c.mut.Unlock()

	if elem, ok := c.keys[key]; ok {
		elem.Value.(*lruEntry).value = value
		c.lru.MoveToFront(elem)
		return
	}

	if len(c.keys) >= c.maxSize {
		oldest := c.lru.Back()
		if oldest != nil {
			c.lru.Remove(oldest)
			delete(c.keys, oldest.Value.(*lruEntry).key)
		}
	}
	c.keys[key] = c.lru.PushFront(&lruEntry{key: key, value: value})
}

func (c *lruCache) Len() int {
	c.mut.Lock()
	defer c.mut.Unlock()

	return len(c.keys)
}
