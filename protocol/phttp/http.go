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

package phttp

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/serverd/serverd/common"
	"github.com/serverd/serverd/internal/zerocopy"
	"github.com/serverd/serverd/logger"
	"github.com/serverd/serverd/protocol"
	"github.com/serverd/serverd/protocol/phttp2"
	"github.com/serverd/serverd/protocol/pwebsocket"
	"github.com/serverd/serverd/router"
)

const PROTO = "HTTP/1.1"

func init() {
	protocol.Register(protocol.ALPNHTTP1, NewHandler)
}

var (
	activeConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "http_active_conns",
			Help:      "HTTP1 active connections",
		},
	)

	handledRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "http_handled_requests_total",
			Help:      "HTTP1 handled requests total",
		},
		[]string{"status"},
	)

	deniedRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "http_denied_requests_total",
			Help:      "HTTP1 rate limit denied requests total",
		},
	)

	requestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: common.App,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP1 request handling duration",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

const (
	// DefaultMaxHeaderBytes 请求行加头部的默认上限 超出回复 431
	DefaultMaxHeaderBytes = 16 * 1024

	// DefaultMaxBodyBytes 请求体默认上限 超出回复 413
	DefaultMaxBodyBytes = 10 * 1024 * 1024
)

// Config HTTP/1.1 协议参数
type Config struct {
	MaxHeaderBytes int
	MaxBodyBytes   int
}

func (c *Config) Validate() {
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
}

// Handler HTTP/1.1 协议处理器 同时是明文升级的分发点
//
// 识别 h2c preface 时移交 HTTP/2 处理器 识别 WebSocket
// 升级请求时移交 WebSocket 处理器
type Handler struct {
	deps protocol.Deps
	conf Config

	h2 *phttp2.Handler
	ws *pwebsocket.Handler

	transferrer *zerocopy.Transferrer
}

// NewHandler 创建并返回 HTTP/1.1 Handler
func NewHandler(deps protocol.Deps, opts common.Options) protocol.Handler {
	var conf Config
	if v, err := opts.GetInt("maxHeaderBytes"); err == nil {
		conf.MaxHeaderBytes = v
	}
	if v, err := opts.GetInt("maxBodyBytes"); err == nil {
		conf.MaxBodyBytes = v
	}
	conf.Validate()

	var threshold int64
	if v, err := opts.GetInt("zeroCopyThreshold"); err == nil {
		threshold = int64(v)
	}

	h := &Handler{
		deps:        deps,
		conf:        conf,
		h2:          phttp2.NewHandler(deps, opts).(*phttp2.Handler),
		transferrer: zerocopy.New(threshold, deps.BufPool),
	}

	wsConf := pwebsocket.Config{}
	if v, err := opts.GetInt("wsMaxMessageSize"); err == nil {
		wsConf.MaxMessageSize = int64(v)
	}
	if v, err := opts.GetInt("wsPingIntervalSeconds"); err == nil {
		wsConf.PingInterval = time.Duration(v) * time.Second
	}
	h.ws = pwebsocket.New(wsConf)
	h.ws.Register("/echo", pwebsocket.Echo)
	return h
}

// WebSocket 暴露 WebSocket 子处理器供应用注册消息路由
func (h *Handler) WebSocket() *pwebsocket.Handler {
	return h.ws
}

func (h *Handler) Name() string {
	return PROTO
}

// Serve 驱动一条 HTTP/1.1 连接 keep-alive 下循环处理请求
func (h *Handler) Serve(ctx context.Context, pc *protocol.Conn) error {
	activeConns.Inc()
	defer activeConns.Dec()
	defer pc.Close()

	br := bufio.NewReaderSize(pc, common.ReadWriteBlockSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// 等待下一个请求的首字节 同时探测 h2c 明文升级
		// 正常请求不会以 PRI 方法开头
		first, err := br.Peek(4)
		if err != nil {
			if err == io.EOF || isTimeout(err) {
				return nil
			}
			return err
		}
		if string(first) == "PRI " && isH2Preface(br) {
			return h.h2.ServeConn(ctx, pc, br)
		}

		req, err := readRequest(br, h.conf)
		if err != nil {
			if err == io.EOF || isTimeout(err) {
				return nil // 对端关闭或空闲超时
			}
			if he, ok := err.(*httpError); ok {
				writeError(pc, he.status, he.msg)
			}
			return err
		}
		req.RemoteAddr = pc.RemoteAddr()

		// WebSocket 升级 连接整体移交 不再回到 keep-alive 循环
		if pwebsocket.IsUpgrade(req) {
			if ok := h.ws.Serve(ctx, pc, br, req); !ok {
				writeError(pc, http.StatusBadRequest, "invalid websocket upgrade")
			}
			return nil
		}

		// 请求准入
		if ret := h.deps.Limiter.TryAcquire(pc.RemoteIP()); !ret.Allowed {
			deniedRequests.Inc()
			resp := router.NewResponse(http.StatusTooManyRequests)
			resp.Header.Set("Retry-After", strconv.Itoa(int(ret.RetryAfter/time.Second)))
			resp.Body = []byte("too many requests\n")
			if err := h.writeResponse(pc, req, resp); err != nil {
				return err
			}
			continue
		}

		start := time.Now()
		resp := h.dispatch(pc, req)
		if err := h.writeResponse(pc, req, resp); err != nil {
			return err
		}
		requestDuration.Observe(time.Since(start).Seconds())
		handledRequests.WithLabelValues(strconv.Itoa(resp.Status)).Inc()

		if !keepAlive(req) {
			return nil
		}
	}
}

// dispatch 路由请求 handler panic 转换为 500
func (h *Handler) dispatch(pc *protocol.Conn, req *router.Request) (resp *router.Response) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("conn %s handler panic: %v", pc.ID(), r)
			resp = router.NewResponse(http.StatusInternalServerError)
			resp.Body = []byte("internal server error\n")
		}
	}()
	return h.deps.Router.Dispatch(req)
}

// isH2Preface 探测缓冲区头部是否为 HTTP/2 连接前言
func isH2Preface(br *bufio.Reader) bool {
	b, err := br.Peek(len(h2Preface))
	if err != nil {
		return false
	}
	return string(b) == h2Preface
}

const h2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// keepAlive 判定请求处理完后是否复用连接
//
// HTTP/1.1 默认 keep-alive 除非显式 Connection: close
func keepAlive(req *router.Request) bool {
	conn := req.Header.Get("Connection")
	if req.Proto == "HTTP/1.0" {
		return hasToken(conn, "keep-alive")
	}
	return !hasToken(conn, "close")
}
