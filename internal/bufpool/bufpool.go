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
	"sync/atomic"
)

const (
	// DefaultBufferSize 单个 buffer 的容量
	DefaultBufferSize = 8192

	// DefaultPoolCapacity 池中最多缓存的 buffer 数量
	//
	// 池只是复用缓存 不是信号量 在途 buffer 数量没有上限
	// 超出容量的 Release 直接丢弃交由 GC 回收
	DefaultPoolCapacity = 1000
)

// Buffer 固定容量的字节缓冲
//
// B 的长度恒等于池配置的 bufferSize 调用方按需切片使用
type Buffer struct {
	B []byte
}

// Pool 固定大小 buffer 的复用池
//
// 使用带缓冲 channel 作为空闲队列 Acquire/Release 均为无锁操作
type Pool struct {
	size int
	free chan *Buffer

	outstanding atomic.Int64
	allocated   atomic.Int64
}

type Config struct {
	Size     int `config:"size"`
	Capacity int `config:"capacity"`
}

func (c *Config) Validate() {
	if c.Size <= 0 {
		c.Size = DefaultBufferSize
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultPoolCapacity
	}
}

// New 创建并返回 Pool 实例
func New(conf Config) *Pool {
	conf.Validate()
	return &Pool{
		size: conf.Size,
		free: make(chan *Buffer, conf.Capacity),
	}
}

// BufferSize 返回单个 buffer 的容量
func (p *Pool) BufferSize() int {
	return p.size
}

// Acquire 获取一个 buffer 优先复用池内空闲项 池空则新分配
func (p *Pool) Acquire() *Buffer {
	p.outstanding.Add(1)

	select {
	case buf := <-p.free:
		return buf
	default:
	}

	p.allocated.Add(1)
	return &Buffer{B: make([]byte, p.size)}
}

// Release 归还 buffer 池满则丢弃
//
// 归还前清零内容 避免跨请求的数据残留
func (p *Pool) Release(buf *Buffer) {
	if buf == nil || len(buf.B) != p.size {
		return
	}
	p.outstanding.Add(-1)

	clear(buf.B)
	select {
	case p.free <- buf:
	default:
	}
}

// Stats 池的运行计数
type Stats struct {
	Outstanding int64 // 在途未归还数量
	Pooled      int64 // 池内空闲数量
	Allocated   int64 // 历史总分配数量
}

func (p *Pool) Stats() Stats {
	return Stats{
		Outstanding: p.outstanding.Load(),
		Pooled:      int64(len(p.free)),
		Allocated:   p.allocated.Load(),
	}
}
