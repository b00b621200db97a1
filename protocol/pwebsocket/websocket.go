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

package pwebsocket

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/serverd/serverd/common"
	"github.com/serverd/serverd/router"
)

const PROTO = "WebSocket"

var (
	activeConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "websocket_active_conns",
			Help:      "WebSocket active connections",
		},
	)

	handledMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "websocket_handled_messages_total",
			Help:      "WebSocket handled messages total",
		},
	)

	protocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "websocket_protocol_errors_total",
			Help:      "WebSocket protocol errors total",
		},
		[]string{"code"},
	)
)

// keyGUID RFC 6455 Section 1.3 规定的固定 GUID
const keyGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const (
	// DefaultMaxMessageSize 单条消息 (含分片合并) 的默认上限
	DefaultMaxMessageSize = 64 * 1024 * 1024

	// DefaultCloseTimeout 等待对端 CLOSE 回应的超时
	DefaultCloseTimeout = 30 * time.Second

	// DefaultPingInterval 服务端主动 PING 的间隔 0 为关闭
	DefaultPingInterval = 30 * time.Second
)

// Config WebSocket 协议参数
type Config struct {
	MaxMessageSize int64
	CloseTimeout   time.Duration
	PingInterval   time.Duration
}

func (c *Config) Validate() {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
}

// MessageFunc 应用层消息处理函数 返回值作为回应消息
//
// 返回 nil 载荷表示无回应 错误会以 1011 关闭连接
type MessageFunc func(op Opcode, payload []byte) (Opcode, []byte, error)

// Echo 缺省的回显处理 原样返回消息
func Echo(op Opcode, payload []byte) (Opcode, []byte, error) {
	return op, payload, nil
}

// Handler WebSocket 升级与消息循环的入口
//
// 按路径注册应用处理函数 未注册的路径拒绝升级
type Handler struct {
	conf   Config
	routes map[string]MessageFunc
}

// New 创建并返回 Handler 实例
func New(conf Config) *Handler {
	conf.Validate()
	return &Handler{
		conf:   conf,
		routes: make(map[string]MessageFunc),
	}
}

// Register 注册路径对应的消息处理函数
func (h *Handler) Register(path string, fn MessageFunc) {
	h.routes[path] = fn
}

// Route 返回路径注册的处理函数
func (h *Handler) Route(path string) (MessageFunc, bool) {
	fn, ok := h.routes[path]
	return fn, ok
}

// IsUpgrade 判断请求是否为 WebSocket 升级请求
//
// 只检查 Upgrade 与 Connection 两个头 下文其余要求 (版本 13 等)
// 由 ValidateUpgrade 校验
//
// RFC 6455:
//  The request MUST contain an |Upgrade| header field whose value
//  MUST include the "websocket" keyword. The request MUST contain a
//  |Connection| header field whose value MUST include the "Upgrade"
//  token. The request MUST include a header field with the name
//  |Sec-WebSocket-Version|. The value of this header field MUST be 13.
func IsUpgrade(req *router.Request) bool {
	return headerContainsToken(req.Header.Get("Upgrade"), "websocket") &&
		headerContainsToken(req.Header.Get("Connection"), "upgrade")
}

// ValidateUpgrade 校验升级请求的完整性 返回 Sec-WebSocket-Key
func ValidateUpgrade(req *router.Request) (string, bool) {
	if !IsUpgrade(req) {
		return "", false
	}
	if req.Method != "GET" {
		return "", false
	}
	if req.Header.Get("Sec-WebSocket-Version") != "13" {
		return "", false
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return "", false
	}
	return key, true
}

// AcceptKey 计算握手响应的 Sec-WebSocket-Accept 值
func AcceptKey(key string) string {
	digest := sha1.Sum([]byte(key + keyGUID))
	return base64.StdEncoding.EncodeToString(digest[:])
}

func headerContainsToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
