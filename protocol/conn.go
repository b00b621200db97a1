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

package protocol

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/serverd/serverd/internal/fasttime"
)

// Conn 一条已接受的传输层连接
//
// 由唯一的连接 goroutine 持有 读写都经过空闲超时约束
// lastActive 随每次成功读写单调推进
type Conn struct {
	id         string
	raw        net.Conn
	remoteAddr string
	remoteIP   string
	proto      string

	idleTimeout time.Duration
	lastActive  atomic.Int64
}

// NewConn 包装 net.Conn 并分配连接标识
func NewConn(raw net.Conn, proto string, idleTimeout time.Duration) *Conn {
	remoteAddr := raw.RemoteAddr().String()
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr
	}

	c := &Conn{
		id:          uuid.NewString(),
		raw:         raw,
		remoteAddr:  remoteAddr,
		remoteIP:    ip,
		proto:       proto,
		idleTimeout: idleTimeout,
	}
	c.lastActive.Store(fasttime.UnixTimestamp())
	return c
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) Proto() string      { return c.proto }
func (c *Conn) RemoteAddr() string { return c.remoteAddr }
func (c *Conn) RemoteIP() string   { return c.remoteIP }

// SetProto 更新协商结果 明文升级 (h2c / websocket) 时使用
func (c *Conn) SetProto(proto string) {
	c.proto = proto
}

// LastActive 最近一次成功读写的时间戳
func (c *Conn) LastActive() int64 {
	return c.lastActive.Load()
}

// Read 带空闲超时的读 成功后推进活跃时间
func (c *Conn) Read(p []byte) (int, error) {
	if c.idleTimeout > 0 {
		if err := c.raw.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := c.raw.Read(p)
	if n > 0 {
		c.lastActive.Store(fasttime.UnixTimestamp())
	}
	return n, err
}

// Write 带空闲超时的写 成功后推进活跃时间
func (c *Conn) Write(p []byte) (int, error) {
	if c.idleTimeout > 0 {
		if err := c.raw.SetWriteDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := c.raw.Write(p)
	if n > 0 {
		c.lastActive.Store(fasttime.UnixTimestamp())
	}
	return n, err
}

func (c *Conn) Close() error {
	return c.raw.Close()
}

// Raw 暴露底层连接 零拷贝传输需要内核描述符
func (c *Conn) Raw() net.Conn {
	return c.raw
}
