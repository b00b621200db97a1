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

package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolReuse(t *testing.T) {
	pool := New(Config{Size: 64, Capacity: 4})

	for i := 0; i < 100; i++ {
		buf := pool.Acquire()
		assert.Len(t, buf.B, 64)
		pool.Release(buf)
	}

	// 串行的 acquire/release 最多只有一个在途 buffer
	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Allocated)
	assert.Equal(t, int64(0), stats.Outstanding)
}

func TestPoolBoundedCapacity(t *testing.T) {
	pool := New(Config{Size: 64, Capacity: 2})

	bufs := make([]*Buffer, 8)
	for i := range bufs {
		bufs[i] = pool.Acquire()
	}
	assert.Equal(t, int64(8), pool.Stats().Outstanding)
	assert.Equal(t, int64(8), pool.Stats().Allocated)

	for _, buf := range bufs {
		pool.Release(buf)
	}

	// 超出容量的部分被丢弃
	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.Pooled)
	assert.Equal(t, int64(0), stats.Outstanding)
}

func TestPoolClearOnRelease(t *testing.T) {
	pool := New(Config{Size: 8, Capacity: 1})

	buf := pool.Acquire()
	copy(buf.B, "secretoo")
	pool.Release(buf)

	got := pool.Acquire()
	assert.Equal(t, make([]byte, 8), got.B)
}

func TestPoolConcurrency(t *testing.T) {
	pool := New(Config{Size: 128, Capacity: 64})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				buf := pool.Acquire()
				buf.B[0] = byte(j)
				pool.Release(buf)
			}
		}()
	}
	wg.Wait()

	// 容量足够时 总分配量不会超过最大并发在途数
	stats := pool.Stats()
	assert.Equal(t, int64(0), stats.Outstanding)
	assert.LessOrEqual(t, stats.Allocated, int64(32))
}
