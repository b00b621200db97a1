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

package ratelimit

import (
	"container/list"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/serverd/serverd/common"
)

var (
	admittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "ratelimit_admitted_total",
			Help:      "Ratelimit admitted requests total",
		},
	)

	deniedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "ratelimit_denied_total",
			Help:      "Ratelimit denied requests total",
		},
	)

	evictedKeys = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "ratelimit_evicted_keys_total",
			Help:      "Ratelimit evicted bucket keys total",
		},
	)
)

const (
	// DefaultCapacity 单 key 的令牌桶容量
	DefaultCapacity = 100

	// DefaultWindowSeconds 令牌桶的补充窗口 即 capacity 个令牌在窗口内匀速补充
	DefaultWindowSeconds = 60

	// DefaultMaxKeys 桶存储的 key 数量上限 超出时按 LRU 淘汰
	DefaultMaxKeys = 10000
)

type Config struct {
	Capacity      int      `config:"capacity"`
	WindowSeconds int      `config:"windowSeconds"`
	MaxKeys       int      `config:"maxKeys"`
	Whitelist     []string `config:"whitelist"`
}

func (c *Config) Validate() {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.WindowSeconds <= 0 {
		c.WindowSeconds = DefaultWindowSeconds
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = DefaultMaxKeys
	}
}

// Result 单次准入判定的结果
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// bucket 令牌桶 tokens 的取值范围为 [0, capacity]
//
// 补充采用惰性结算 仅在 tryAcquire 时根据距上次结算的时长折算新增令牌
type bucket struct {
	mut        sync.Mutex
	tokens     float64
	lastRefill int64 // unixnano
}

type entry struct {
	key string
	b   *bucket
}

// Limiter 按 key 维度的令牌桶限流器
//
// 所有连接共享一个实例 bucket 各自持锁 LRU 索引由短临界区保护
type Limiter struct {
	capacity float64
	rate     float64 // tokens per second
	maxKeys  int

	mut       sync.Mutex
	keys      map[string]*list.Element
	lru       *list.List // Front 为最近使用
	whitelist map[string]struct{}

	nowFunc func() int64
}

// New 创建并返回 Limiter 实例
func New(conf Config) *Limiter {
	conf.Validate()

	whitelist := make(map[string]struct{}, len(conf.Whitelist))
	for _, k := range conf.Whitelist {
		whitelist[k] = struct{}{}
	}

	return &Limiter{
		capacity:  float64(conf.Capacity),
		rate:      float64(conf.Capacity) / float64(conf.WindowSeconds),
		maxKeys:   conf.MaxKeys,
		keys:      make(map[string]*list.Element),
		lru:       list.New(),
		whitelist: whitelist,
		nowFunc:   func() int64 { return time.Now().UnixNano() },
	}
}

// TryAcquire 尝试为 key 获取一个令牌
//
// 白名单 key 不经过桶存储直接放行 拒绝时返回建议的重试等待时长
func (l *Limiter) TryAcquire(key string) Result {
	if _, ok := l.whitelist[key]; ok {
		admittedTotal.Inc()
		return Result{Allowed: true}
	}

	b := l.getOrCreate(key)

	b.mut.Lock()
	defer b.mut.Unlock()

	now := l.nowFunc()
	elapsed := float64(now-b.lastRefill) / float64(time.Second)
	if elapsed > 0 {
		b.tokens = math.Min(l.capacity, b.tokens+elapsed*l.rate)
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		admittedTotal.Inc()
		return Result{Allowed: true}
	}

	deniedTotal.Inc()
	wait := (1 - b.tokens) / l.rate
	return Result{
		Allowed:    false,
		RetryAfter: time.Duration(math.Ceil(wait)) * time.Second,
	}
}

// KeyCount 返回当前存储的 key 数量
func (l *Limiter) KeyCount() int {
	l.mut.Lock()
	defer l.mut.Unlock()

	return len(l.keys)
}

func (l *Limiter) getOrCreate(key string) *bucket {
	l.mut.Lock()
	defer l.mut.Unlock()

	if elem, ok := l.keys[key]; ok {
		l.lru.MoveToFront(elem)
		return elem.Value.(*entry).b
	}

	// 存储已满 淘汰最久未使用的 key
	if len(l.keys) >= l.maxKeys {
		oldest := l.lru.Back()
		if oldest != nil {
			l.lru.Remove(oldest)
			delete(l.keys, oldest.Value.(*entry).key)
			evictedKeys.Inc()
		}
	}

	b := &bucket{
		tokens:     l.capacity,
		lastRefill: l.nowFunc(),
	}
	l.keys[key] = l.lru.PushFront(&entry{key: key, b: b})
	return b
}
