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

package phttp2

import (
	"bufio"
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/serverd/serverd/common"
	"github.com/serverd/serverd/protocol"
)

const PROTO = "HTTP/2"

func init() {
	protocol.Register(protocol.ALPNH2, NewHandler)
}

var (
	activeConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "http2_active_conns",
			Help:      "HTTP2 active connections",
		},
	)

	activeStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "http2_active_streams",
			Help:      "HTTP2 active streams",
		},
	)

	handledRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "http2_handled_requests_total",
			Help:      "HTTP2 handled requests total",
		},
	)

	protocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "http2_protocol_errors_total",
			Help:      "HTTP2 protocol errors total",
		},
		[]string{"code"},
	)

	refusedStreams = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "http2_refused_streams_total",
			Help:      "HTTP2 refused streams total",
		},
	)

	requestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: common.App,
			Name:      "http2_request_duration_seconds",
			Help:      "HTTP2 stream handling duration",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

const (
	// DefaultMaxConcurrentStreams 向对端通告的并发流上限
	DefaultMaxConcurrentStreams = 100

	// DefaultMaxBodyBytes 单请求体的默认上限
	DefaultMaxBodyBytes = 10 * 1024 * 1024
)

// Config HTTP/2 协议参数 与 SETTINGS 通告一一对应
type Config struct {
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
	MaxBodyBytes         int
}

func (c *Config) Validate() {
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if c.InitialWindowSize == 0 || c.InitialWindowSize > maxWindow {
		c.InitialWindowSize = defaultInitialWindowSize
	}
	if c.MaxFrameSize < minMaxFrameSize || c.MaxFrameSize > maxMaxFrameSize {
		c.MaxFrameSize = minMaxFrameSize
	}
	if c.MaxHeaderListSize == 0 {
		c.MaxHeaderListSize = 8 * 1024
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
}

// localSettings 转换为 SETTINGS 通告快照
func (c Config) localSettings() Settings {
	s := defaultSettings()
	s.EnablePush = false
	s.MaxConcurrentStreams = c.MaxConcurrentStreams
	s.InitialWindowSize = c.InitialWindowSize
	s.MaxFrameSize = c.MaxFrameSize
	s.MaxHeaderListSize = c.MaxHeaderListSize
	return s
}

func configFromOptions(opts common.Options) Config {
	var conf Config
	if v, err := opts.GetInt("maxConcurrentStreams"); err == nil {
		conf.MaxConcurrentStreams = uint32(v)
	}
	if v, err := opts.GetInt("initialWindowSize"); err == nil {
		conf.InitialWindowSize = uint32(v)
	}
	if v, err := opts.GetInt("maxFrameSize"); err == nil {
		conf.MaxFrameSize = uint32(v)
	}
	if v, err := opts.GetInt("maxHeaderListSize"); err == nil {
		conf.MaxHeaderListSize = uint32(v)
	}
	if v, err := opts.GetInt("maxBodyBytes"); err == nil {
		conf.MaxBodyBytes = v
	}
	conf.Validate()
	return conf
}

// Handler HTTP/2 协议处理器 实现 protocol.Handler
type Handler struct {
	deps protocol.Deps
	conf Config
}

// NewHandler 创建并返回 HTTP/2 Handler
func NewHandler(deps protocol.Deps, opts common.Options) protocol.Handler {
	return &Handler{
		deps: deps,
		conf: configFromOptions(opts),
	}
}

func (h *Handler) Name() string {
	return PROTO
}

// Serve 驱动一条 ALPN 协商为 h2 的连接
func (h *Handler) Serve(ctx context.Context, pc *protocol.Conn) error {
	br := bufio.NewReaderSize(pc, common.ReadWriteBlockSize)
	return h.ServeConn(ctx, pc, br)
}

// ServeConn 驱动一条连接 br 允许携带已缓冲的前置数据
//
// 明文升级 (h2c) 场景由 HTTP/1.1 处理器识别 preface 后移交
// 此时 preface 仍在 br 中未被消费
func (h *Handler) ServeConn(ctx context.Context, pc *protocol.Conn, br *bufio.Reader) error {
	pc.SetProto(PROTO)

	activeConns.Inc()
	defer activeConns.Dec()

	c := newConn(pc, br, h.deps, h.conf)
	return c.serve(ctx)
}
