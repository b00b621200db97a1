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
	"bufio"
	"context"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/serverd/serverd/logger"
	"github.com/serverd/serverd/protocol"
	"github.com/serverd/serverd/router"
)

// Serve 完成握手并驱动消息循环直至连接关闭
//
// 由 HTTP/1.1 处理器在识别升级请求后移交 br 为已有的读缓冲
// 升级校验失败时返回 false 由调用方回复 400
func (h *Handler) Serve(ctx context.Context, pc *protocol.Conn, br *bufio.Reader, req *router.Request) bool {
	key, ok := ValidateUpgrade(req)
	if !ok {
		return false
	}
	fn, ok := h.Route(req.Path)
	if !ok {
		return false
	}

	if err := writeHandshake(pc, key); err != nil {
		logger.Debugf("conn %s: websocket handshake: %v", pc.ID(), err)
		return true
	}
	pc.SetProto(PROTO)

	activeConns.Inc()
	defer activeConns.Dec()

	c := &wsConn{
		pc:   pc,
		br:   br,
		conf: h.conf,
		fn:   fn,
	}
	c.loop(ctx)
	return true
}

// writeHandshake 回复 101 Switching Protocols
func writeHandshake(pc *protocol.Conn, key string) error {
	var b []byte
	b = append(b, "HTTP/1.1 101 Switching Protocols\r\n"...)
	b = append(b, "Upgrade: websocket\r\n"...)
	b = append(b, "Connection: Upgrade\r\n"...)
	b = append(b, "Sec-WebSocket-Accept: "...)
	b = append(b, AcceptKey(key)...)
	b = append(b, "\r\n\r\n"...)
	_, err := pc.Write(b)
	return err
}

// wsConn 一条升级完成的 WebSocket 连接
//
// 读循环独占 br 写出经 writeMut 序列化 (PING 定时器与消息回应并存)
type wsConn struct {
	pc   *protocol.Conn
	br   *bufio.Reader
	conf Config
	fn   MessageFunc

	writeMut  sync.Mutex
	closeSent bool

	// 分片合并状态
	fragOpcode Opcode
	fragBuf    []byte
}

// loop 消息主循环
//
// 协议错误以对应状态码关闭 应用消息按到达顺序串行交付
func (c *wsConn) loop(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		c.closeWith(CloseGoingAway, "server shutting down")
	})
	defer stop()

	if c.conf.PingInterval > 0 {
		ticker := time.NewTicker(c.conf.PingInterval)
		defer ticker.Stop()
		done := make(chan struct{})
		defer close(done)

		go func() {
			for {
				select {
				case <-ticker.C:
					c.writeFrame(frame{fin: true, opcode: OpPing})
				case <-done:
					return
				}
			}
		}()
	}

	for {
		f, err := readFrame(c.br, c.conf.MaxMessageSize)
		if err != nil {
			c.failConn(err)
			return
		}

		// 客户端到服务端的帧必须掩码
		if !f.masked {
			protocolErrors.WithLabelValues(strconv.Itoa(CloseProtocolError)).Inc()
			c.closeWith(CloseProtocolError, "client frame not masked")
			return
		}

		if f.opcode.IsControl() {
			if !c.handleControl(f) {
				return
			}
			continue
		}

		done, err := c.handleData(f)
		if err != nil || done {
			return
		}
	}
}

// failConn 帧解析错误映射到关闭状态码
func (c *wsConn) failConn(err error) {
	code := CloseProtocolError
	switch err {
	case errFrameTooLarge:
		code = CloseTooBig
	case errReservedBits, errControlTooLong, errControlFragmented:
		code = CloseProtocolError
	default:
		// 传输层错误 静默关闭
		c.pc.Close()
		return
	}
	protocolErrors.WithLabelValues(strconv.Itoa(code)).Inc()
	c.closeWith(code, err.Error())
}

// handleControl 处理控制帧 返回 false 表示连接应当结束
func (c *wsConn) handleControl(f frame) bool {
	switch f.opcode {
	case OpPing:
		// PONG 必须携带与 PING 相同的载荷
		c.writeFrame(frame{fin: true, opcode: OpPong, payload: f.payload})
		return true

	case OpPong:
		return true

	case OpClose:
		code, _ := parseClosePayload(f.payload)
		if code == CloseNoStatus {
			code = CloseNormal
		}
		c.echoClose(code)
		return false

	default:
		c.closeWith(CloseProtocolError, "unknown control opcode")
		return false
	}
}

// handleData 处理数据帧与分片合并
func (c *wsConn) handleData(f frame) (done bool, err error) {
	switch f.opcode {
	case OpText, OpBinary:
		if c.fragBuf != nil {
			c.closeWith(CloseProtocolError, "new message during fragmented message")
			return true, nil
		}
		if !f.fin {
			c.fragOpcode = f.opcode
			c.fragBuf = append([]byte{}, f.payload...)
			return false, nil
		}
		return c.deliver(f.opcode, f.payload)

	case OpContinuation:
		if c.fragBuf == nil {
			c.closeWith(CloseProtocolError, "continuation without started message")
			return true, nil
		}
		if int64(len(c.fragBuf)+len(f.payload)) > c.conf.MaxMessageSize {
			protocolErrors.WithLabelValues(strconv.Itoa(CloseTooBig)).Inc()
			c.closeWith(CloseTooBig, "message too large")
			return true, nil
		}
		c.fragBuf = append(c.fragBuf, f.payload...)
		if !f.fin {
			return false, nil
		}

		payload := c.fragBuf
		opcode := c.fragOpcode
		c.fragBuf = nil
		return c.deliver(opcode, payload)

	default:
		c.closeWith(CloseProtocolError, "unknown data opcode")
		return true, nil
	}
}

// deliver 将完整消息交付应用 文本消息先做 UTF-8 校验
func (c *wsConn) deliver(op Opcode, payload []byte) (bool, error) {
	if op == OpText && !utf8.Valid(payload) {
		protocolErrors.WithLabelValues(strconv.Itoa(CloseInvalidPayload)).Inc()
		c.closeWith(CloseInvalidPayload, "invalid utf-8 in text message")
		return true, nil
	}

	handledMessages.Inc()
	replyOp, reply, err := c.fn(op, payload)
	if err != nil {
		logger.Errorf("conn %s: websocket handler: %v", c.pc.ID(), err)
		c.closeWith(1011, "internal error")
		return true, err
	}
	if reply == nil {
		return false, nil
	}

	if err := c.writeFrame(frame{fin: true, opcode: replyOp, payload: reply}); err != nil {
		c.pc.Close()
		return true, err
	}
	return false, nil
}

func (c *wsConn) writeFrame(f frame) error {
	c.writeMut.Lock()
	defer c.writeMut.Unlock()

	_, err := c.pc.Write(appendFrame(nil, f))
	return err
}

// echoClose 回应对端发起的关闭 回显状态码后关闭传输
func (c *wsConn) echoClose(code int) {
	c.writeMut.Lock()
	if !c.closeSent {
		c.closeSent = true
		c.pc.Write(appendFrame(nil, frame{fin: true, opcode: OpClose, payload: closePayload(code, "")}))
	}
	c.writeMut.Unlock()
	c.pc.Close()
}

// closeWith 本端发起关闭 等待对端 CLOSE 回应 限时强制断开
func (c *wsConn) closeWith(code int, reason string) {
	c.writeMut.Lock()
	if c.closeSent {
		c.writeMut.Unlock()
		return
	}
	c.closeSent = true
	c.pc.Write(appendFrame(nil, frame{fin: true, opcode: OpClose, payload: closePayload(code, reason)}))
	c.writeMut.Unlock()

	// 等待对端的 CLOSE 回应 超时或读到即强制关闭
	// 连接的每次读都会按空闲超时重设 deadline 这里用定时器限时
	deadline := time.Now().Add(c.conf.CloseTimeout)
	timer := time.AfterFunc(c.conf.CloseTimeout, func() { c.pc.Close() })
	defer timer.Stop()
	for time.Now().Before(deadline) {
		f, err := readFrame(c.br, c.conf.MaxMessageSize)
		if err != nil {
			break
		}
		if f.opcode == OpClose {
			break
		}
	}
	c.pc.Close()
}
