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
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/serverd/serverd/common"
	"github.com/serverd/serverd/logger"
	"github.com/serverd/serverd/protocol"
	"github.com/serverd/serverd/protocol/hpack"
	"github.com/serverd/serverd/router"
)

// connPreface 客户端连接前言
//
// RFC 7540:
//  In HTTP/2, each endpoint is required to send a connection preface as
//  a final confirmation of the settings in use [...] The client
//  connection preface starts with a sequence of 24 octets.
var connPreface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

const (
	// drainTimeout 关停时留给在途流的收尾时间
	drainTimeout = 5 * time.Second
)

// conn 一条 HTTP/2 连接的全部状态
//
// 读循环为连接主 goroutine 每条完成的流派生一个 handler goroutine
// mu 保护流表与全部流量控制窗口 writeMut 序列化帧写出与 HPACK 编码器
// HPACK 解码器仅由读循环访问 不加锁
type conn struct {
	pc   *protocol.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	fr   *Framer
	deps protocol.Deps
	conf Config

	hdec *hpack.Decoder
	henc *hpack.Encoder

	local  Settings
	remote Settings

	mu       sync.Mutex
	flowCond *sync.Cond

	streams            map[uint32]*stream
	lastClientStreamID uint32
	openStreams        uint32

	// connSendWindow 本端发送余额 connRecvWindow 对端发送余额
	connSendWindow int32
	connRecvWindow int32
	connConsumed   int32

	// contStreamID 非零时表示正在等待该流的 CONTINUATION 帧
	contStreamID  uint32
	contEndStream bool

	goAwaySent   bool
	remoteGoAway bool
	closed       bool

	writeMut sync.Mutex
	wg       sync.WaitGroup
}

func newConn(pc *protocol.Conn, br *bufio.Reader, deps protocol.Deps, conf Config) *conn {
	local := conf.localSettings()
	c := &conn{
		pc:             pc,
		br:             br,
		bw:             bufio.NewWriterSize(pc, common.ReadWriteBlockSize),
		deps:           deps,
		conf:           conf,
		local:          local,
		remote:         defaultSettings(),
		hdec:           hpack.NewDecoder(int(local.HeaderTableSize), int(local.MaxHeaderListSize)),
		henc:           hpack.NewEncoder(hpack.DefaultTableSize),
		streams:        make(map[uint32]*stream),
		connSendWindow: defaultInitialWindowSize,
		connRecvWindow: defaultInitialWindowSize,
	}
	c.flowCond = sync.NewCond(&c.mu)
	c.fr = NewFramer(br, c.bw, local.MaxFrameSize)
	return c
}

// serve 连接主循环
func (c *conn) serve(ctx context.Context) error {
	defer c.shutdown()

	if err := c.readPreface(); err != nil {
		return err
	}

	// 服务端前言为一个 SETTINGS 帧
	if err := c.writeFrame(Frame{Type: FrameSettings, Payload: c.local.Encode()}); err != nil {
		return err
	}

	// 关停时发送 GOAWAY 并限期强制关闭
	stop := context.AfterFunc(ctx, func() {
		c.sendGoAway(ErrCodeNo)
		time.AfterFunc(drainTimeout, func() { c.pc.Close() })
	})
	defer stop()

	for {
		f, err := c.fr.ReadFrame()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ce, ok := err.(ConnError); ok {
				c.terminate(ce)
				return ce
			}
			return err // 传输层错误 静默关闭
		}

		if err := c.handleFrame(f); err != nil {
			switch e := err.(type) {
			case ConnError:
				protocolErrors.WithLabelValues(e.Code.String()).Inc()
				c.terminate(e)
				return e

			case StreamError:
				protocolErrors.WithLabelValues(e.Code.String()).Inc()
				logger.Debugf("conn %s: %v", c.pc.ID(), e)
				c.resetStream(e.StreamID, e.Code)

			default:
				return err
			}
		}
	}
}

func (c *conn) readPreface() error {
	buf := make([]byte, len(connPreface))
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return connError(ErrCodeProtocol, "short connection preface")
	}
	if !bytes.Equal(buf, connPreface) {
		return connError(ErrCodeProtocol, "invalid connection preface")
	}
	return nil
}

// shutdown 标记连接关闭 唤醒所有等待窗口的写者并回收流
func (c *conn) shutdown() {
	c.mu.Lock()
	c.closed = true
	activeStreams.Sub(float64(c.openStreams))
	c.openStreams = 0
	c.flowCond.Broadcast()
	c.mu.Unlock()

	c.wg.Wait()
	c.pc.Close()
}

// terminate 连接级错误出口 GOAWAY + flush + 关闭
func (c *conn) terminate(e ConnError) {
	logger.Debugf("conn %s terminated: %v", c.pc.ID(), e)
	c.sendGoAway(e.Code)
}

func (c *conn) sendGoAway(code ErrCode) {
	c.mu.Lock()
	if c.goAwaySent {
		c.mu.Unlock()
		return
	}
	c.goAwaySent = true
	last := c.lastClientStreamID
	c.mu.Unlock()

	f := goAwayFrame(last, code)
	if err := c.writeFrame(f); err != nil {
		logger.Debugf("conn %s: write goaway: %v", c.pc.ID(), err)
	}
}

// writeFrame 序列化写出一个帧并 flush
func (c *conn) writeFrame(f Frame) error {
	c.writeMut.Lock()
	defer c.writeMut.Unlock()

	if err := c.fr.WriteFrame(f); err != nil {
		return err
	}
	return c.bw.Flush()
}

// resetStream 发送 RST_STREAM 并关闭流
func (c *conn) resetStream(id uint32, code ErrCode) {
	c.mu.Lock()
	if st, ok := c.streams[id]; ok {
		st.rstSent = true
		c.removeStreamLocked(st)
	}
	c.mu.Unlock()

	if err := c.writeFrame(rstStreamFrame(id, code)); err != nil {
		logger.Debugf("conn %s: write rst stream: %v", c.pc.ID(), err)
	}
}

// removeStreamLocked 从流表删除并释放并发额度 要求持有 mu
func (c *conn) removeStreamLocked(st *stream) {
	if _, ok := c.streams[st.id]; !ok {
		return
	}
	st.close()
	delete(c.streams, st.id)
	if c.openStreams > 0 {
		c.openStreams--
		activeStreams.Dec()
	}
	c.flowCond.Broadcast()
}

func (c *conn) handleFrame(f Frame) error {
	// CONTINUATION 必须紧跟未完成的 header block 不允许任何帧插队
	if c.contStreamID != 0 && (f.Type != FrameContinuation || f.StreamID != c.contStreamID) {
		return connError(ErrCodeProtocol, "expected continuation frame")
	}

	switch f.Type {
	case FrameSettings:
		return c.handleSettings(f)
	case FramePing:
		return c.handlePing(f)
	case FrameWindowUpdate:
		return c.handleWindowUpdate(f)
	case FrameHeaders:
		return c.handleHeaders(f)
	case FrameContinuation:
		return c.handleContinuation(f)
	case FrameData:
		return c.handleData(f)
	case FrameRSTStream:
		return c.handleRSTStream(f)
	case FramePriority:
		return c.handlePriority(f)
	case FrameGoAway:
		c.mu.Lock()
		c.remoteGoAway = true
		c.mu.Unlock()
		return nil
	case FramePushPromise:
		return connError(ErrCodeProtocol, "client sent push promise")
	default:
		// 未知帧类型必须忽略
		return nil
	}
}

func (c *conn) handleSettings(f Frame) error {
	if f.StreamID != 0 {
		return connError(ErrCodeProtocol, "settings on non-zero stream")
	}
	if f.has(flagAck) {
		if len(f.Payload) != 0 {
			return connError(ErrCodeFrameSize, "settings ack with payload")
		}
		return nil
	}

	c.mu.Lock()
	delta, err := c.remote.apply(f.Payload)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	// RFC 7540 Section 6.9.2 对所有存量流重置发送窗口
	if delta != 0 {
		for _, st := range c.streams {
			next := int64(st.sendWindow) + int64(delta)
			if next > maxWindow {
				c.mu.Unlock()
				return connError(ErrCodeFlowControl, "stream window overflow on settings change")
			}
			st.sendWindow = int32(next)
		}
		c.flowCond.Broadcast()
	}
	tableSize := int(c.remote.HeaderTableSize)
	c.mu.Unlock()

	c.writeMut.Lock()
	c.henc.SetMaxTableSize(tableSize)
	c.writeMut.Unlock()

	return c.writeFrame(Frame{Type: FrameSettings, Flags: flagAck})
}

func (c *conn) handlePing(f Frame) error {
	if f.StreamID != 0 {
		return connError(ErrCodeProtocol, "ping on non-zero stream")
	}
	if len(f.Payload) != 8 {
		return connError(ErrCodeFrameSize, "ping payload must be 8 bytes")
	}
	if f.has(flagAck) {
		return nil
	}
	return c.writeFrame(Frame{Type: FramePing, Flags: flagAck, Payload: f.Payload})
}

func (c *conn) handleWindowUpdate(f Frame) error {
	incr, err := parseWindowUpdate(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if f.StreamID == 0 {
		next := c.connSendWindow + int32(incr)
		if next < c.connSendWindow || next > maxWindow {
			return connError(ErrCodeFlowControl, "connection window overflow")
		}
		c.connSendWindow = next
		c.flowCond.Broadcast()
		return nil
	}

	st, ok := c.streams[f.StreamID]
	if !ok {
		// closed 流的 WINDOW_UPDATE 忽略 idle 流为协议错误
		if f.StreamID > c.lastClientStreamID {
			return connError(ErrCodeProtocol, "window update on idle stream")
		}
		return nil
	}

	next := st.sendWindow + int32(incr)
	if next < st.sendWindow || next > maxWindow {
		return streamError(f.StreamID, ErrCodeFlowControl, "stream window overflow")
	}
	st.sendWindow = next
	c.flowCond.Broadcast()
	return nil
}

func (c *conn) handlePriority(f Frame) error {
	if f.StreamID == 0 {
		return connError(ErrCodeProtocol, "priority on stream 0")
	}
	if len(f.Payload) != 5 {
		return streamError(f.StreamID, ErrCodeFrameSize, "priority payload must be 5 bytes")
	}
	// 优先级仅做格式校验 不参与调度 就绪流在共享窗口上经广播唤醒逐帧争用
	return nil
}

func (c *conn) handleRSTStream(f Frame) error {
	code, err := parseRSTStream(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if f.StreamID > c.lastClientStreamID {
		return connError(ErrCodeProtocol, "rst stream on idle stream")
	}
	if st, ok := c.streams[f.StreamID]; ok {
		logger.Debugf("conn %s: stream %d reset by peer: %s", c.pc.ID(), f.StreamID, code)
		c.removeStreamLocked(st)
	}
	return nil
}

func (c *conn) handleHeaders(f Frame) error {
	if f.StreamID == 0 {
		return connError(ErrCodeProtocol, "headers on stream 0")
	}
	if f.StreamID%2 == 0 {
		return connError(ErrCodeProtocol, "client stream id must be odd")
	}

	fragment, err := headerBlockFragment(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	st, ok := c.streams[f.StreamID]
	if !ok {
		// 新流的 id 必须严格递增
		if f.StreamID <= c.lastClientStreamID {
			c.mu.Unlock()
			return connError(ErrCodeProtocol, "stream id not strictly increasing")
		}
		c.lastClientStreamID = f.StreamID

		st = newStream(f.StreamID, int32(c.remote.InitialWindowSize), int32(c.local.InitialWindowSize))
		st.openRemote()
		c.streams[f.StreamID] = st
		c.openStreams++
		activeStreams.Inc()

		// 拒绝的流也必须完整解码 header block 否则 HPACK 动态表失去同步
		// 实际的 RST_STREAM 延迟到 END_HEADERS 之后
		switch {
		case c.remoteGoAway || c.goAwaySent:
			st.refused = ErrCodeRefusedStream
		case c.openStreams > c.local.MaxConcurrentStreams:
			refusedStreams.Inc()
			st.refused = ErrCodeRefusedStream
		default:
			// 请求准入 整条链接共享按对端 IP 的令牌桶
			if ret := c.deps.Limiter.TryAcquire(c.pc.RemoteIP()); !ret.Allowed {
				refusedStreams.Inc()
				st.refused = ErrCodeRefusedStream
			}
		}
	} else if st.gotHeaders && !f.has(flagEndStream) {
		// 重复 HEADERS 仅允许携带 END_STREAM 的 trailers
		c.mu.Unlock()
		return connError(ErrCodeProtocol, "headers after headers without end stream")
	}
	c.mu.Unlock()

	st.headerBuf.Write(fragment)

	if !f.has(flagEndHeaders) {
		c.contStreamID = f.StreamID
		c.contEndStream = f.has(flagEndStream)
		return nil
	}
	return c.finishHeaders(st, f.has(flagEndStream))
}

func (c *conn) handleContinuation(f Frame) error {
	if f.StreamID == 0 || f.StreamID != c.contStreamID {
		return connError(ErrCodeProtocol, "unexpected continuation frame")
	}

	c.mu.Lock()
	st, ok := c.streams[f.StreamID]
	c.mu.Unlock()
	if !ok {
		return connError(ErrCodeProtocol, "continuation on unknown stream")
	}

	st.headerBuf.Write(f.Payload)
	if !f.has(flagEndHeaders) {
		return nil
	}

	endStream := c.contEndStream
	c.contStreamID = 0
	c.contEndStream = false
	return c.finishHeaders(st, endStream)
}

// finishHeaders 完整 header block 就绪 解码并推进流状态
//
// HPACK 解码失败是连接级 COMPRESSION_ERROR 压缩上下文已不可信
// 后续所有 block 都无法正确解码
func (c *conn) finishHeaders(st *stream, endStream bool) error {
	c.contStreamID = 0

	fields, err := c.hdec.Decode(st.headerBuf.Bytes())
	st.headerBuf.Reset()
	if err != nil {
		return connError(ErrCodeCompression, err.Error())
	}

	if st.gotHeaders {
		// trailers 仅推进流状态 内容不参与请求
		if endStream {
			c.endOfRequest(st)
		}
		return nil
	}
	st.gotHeaders = true

	if st.refused != 0 {
		return streamError(st.id, st.refused, "stream refused")
	}

	req, err := buildRequest(fields, c.pc.RemoteAddr())
	if err != nil {
		return streamError(st.id, ErrCodeProtocol, err.Error())
	}
	st.req = req

	if endStream {
		c.endOfRequest(st)
	}
	return nil
}

// endOfRequest 请求完整 推进状态并派发 handler
func (c *conn) endOfRequest(st *stream) {
	c.mu.Lock()
	st.closeRemote()
	st.endStreamSeen = true
	if st.dispatched {
		c.mu.Unlock()
		return
	}
	st.dispatched = true
	c.mu.Unlock()

	st.req.Body = st.body.Bytes()
	handledRequests.Inc()

	c.wg.Add(1)
	go c.runHandler(st)
}

func (c *conn) handleData(f Frame) error {
	if f.StreamID == 0 {
		return connError(ErrCodeProtocol, "data on stream 0")
	}

	c.mu.Lock()
	st, ok := c.streams[f.StreamID]
	if !ok {
		c.mu.Unlock()
		if f.StreamID > c.lastClientStreamID {
			return connError(ErrCodeProtocol, "data on idle stream")
		}
		return streamError(f.StreamID, ErrCodeStreamClosed, "data on closed stream")
	}
	if !st.canRecvData() {
		c.mu.Unlock()
		return streamError(f.StreamID, ErrCodeStreamClosed, "data on half-closed stream")
	}

	// 流量控制核算包含填充字节
	length := int32(len(f.Payload))
	if st.recvWindow < length || c.connRecvWindow < length {
		c.mu.Unlock()
		return connError(ErrCodeFlowControl, "peer exceeded flow control window")
	}
	st.recvWindow -= length
	c.connRecvWindow -= length
	c.mu.Unlock()

	data, err := stripPadding(f)
	if err != nil {
		return err
	}

	if st.body.Len()+len(data) > c.conf.MaxBodyBytes {
		return streamError(f.StreamID, ErrCodeCancel, "request body too large")
	}
	st.body.Write(data)

	if err := c.returnWindow(st, length); err != nil {
		return err
	}

	if f.has(flagEndStream) {
		c.endOfRequest(st)
	}
	return nil
}

// returnWindow 向对端归还已消费的窗口额度
//
// 数据进入请求缓冲即视为消费 累计超过初始窗口一半时合并通告
// 避免为每个 DATA 帧都发送 WINDOW_UPDATE
func (c *conn) returnWindow(st *stream, length int32) error {
	threshold := int32(c.local.InitialWindowSize) / 2

	c.mu.Lock()
	st.consumed += length
	c.connConsumed += length

	var streamIncr, connIncr uint32
	if st.consumed >= threshold && !st.endStreamSeen {
		streamIncr = uint32(st.consumed)
		st.recvWindow += st.consumed
		st.consumed = 0
	}
	if c.connConsumed >= threshold {
		connIncr = uint32(c.connConsumed)
		c.connRecvWindow += c.connConsumed
		c.connConsumed = 0
	}
	c.mu.Unlock()

	if connIncr > 0 {
		if err := c.writeFrame(windowUpdateFrame(0, connIncr)); err != nil {
			return err
		}
	}
	if streamIncr > 0 {
		if err := c.writeFrame(windowUpdateFrame(st.id, streamIncr)); err != nil {
			return err
		}
	}
	return nil
}

// runHandler 每条流至多执行一次的请求派发
func (c *conn) runHandler(st *stream) {
	defer c.wg.Done()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	resp := func() (resp *router.Response) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("conn %s stream %d handler panic: %v", c.pc.ID(), st.id, r)
				resp = router.NewResponse(http.StatusInternalServerError)
				resp.Body = []byte("internal server error\n")
			}
		}()
		return c.deps.Router.Dispatch(st.req)
	}()

	if err := c.writeResponse(st, resp); err != nil {
		logger.Debugf("conn %s stream %d write response: %v", c.pc.ID(), st.id, err)
	}

	c.mu.Lock()
	c.removeStreamLocked(st)
	c.mu.Unlock()
}

// writeResponse 写出完整响应 HEADERS(+CONTINUATION) 与 DATA 序列
func (c *conn) writeResponse(st *stream, resp *router.Response) error {
	fields := responseFields(resp)

	hasBody := resp.HasBody()
	if err := c.writeHeaders(st.id, fields, !hasBody); err != nil {
		return err
	}
	if !hasBody {
		return nil
	}

	// 流式与文件主体统一按 buffer 分帧 HTTP/2 分帧无法走 sendfile
	var src io.Reader
	switch {
	case resp.BodyStream != nil:
		defer resp.BodyStream.Close()
		src = resp.BodyStream
	case resp.File != nil:
		defer resp.File.Close()
		src = io.LimitReader(resp.File, resp.FileSize)
	default:
		return c.writeData(st, resp.Body, true)
	}

	buf := c.deps.BufPool.Acquire()
	defer c.deps.BufPool.Release(buf)

	for {
		n, err := src.Read(buf.B)
		if n > 0 {
			if werr := c.writeData(st, buf.B[:n], false); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return c.writeData(st, nil, true)
		}
		if err != nil {
			return err
		}
	}
}

// writeHeaders 编码 header block 并按 MAX_FRAME_SIZE 切分写出
//
// HPACK 编码器状态与指令流的写出顺序必须一致 整段持有 writeMut
func (c *conn) writeHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool) error {
	c.writeMut.Lock()
	defer c.writeMut.Unlock()

	block := c.henc.Encode(fields)

	c.mu.Lock()
	maxFrame := int(c.remote.MaxFrameSize)
	c.mu.Unlock()

	first := true
	for first || len(block) > 0 {
		chunk := block
		if len(chunk) > maxFrame {
			chunk = chunk[:maxFrame]
		}
		block = block[len(chunk):]

		f := Frame{StreamID: streamID, Payload: chunk}
		if first {
			f.Type = FrameHeaders
			if endStream {
				f.Flags |= flagEndStream
			}
			first = false
		} else {
			f.Type = FrameContinuation
		}
		if len(block) == 0 {
			f.Flags |= flagEndHeaders
		}
		if err := c.fr.WriteFrame(f); err != nil {
			return err
		}
	}
	return c.bw.Flush()
}

// writeData 受流量控制约束的 DATA 写出
//
// 窗口不足时挂起当前流的写者 WINDOW_UPDATE 或 SETTINGS 到达后恢复
// 任何时刻发送的字节数都不会使连接或流窗口为负
func (c *conn) writeData(st *stream, data []byte, endStream bool) error {
	for {
		var chunk []byte
		if len(data) > 0 {
			n, err := c.takeWindow(st, len(data))
			if err != nil {
				return err
			}
			chunk = data[:n]
			data = data[n:]
		}

		f := Frame{Type: FrameData, StreamID: st.id, Payload: chunk}
		if endStream && len(data) == 0 {
			f.Flags |= flagEndStream
		}
		if err := c.writeFrame(f); err != nil {
			return err
		}
		if len(data) == 0 {
			c.mu.Lock()
			st.closeLocal()
			c.mu.Unlock()
			return nil
		}
	}
}

// takeWindow 预扣发送窗口 返回本轮允许发送的字节数
//
// 双窗口取小再与 MAX_FRAME_SIZE 取小 任一窗口耗尽时阻塞等待
func (c *conn) takeWindow(st *stream, want int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.closed {
			return 0, protocol.ErrConnClosed
		}
		if st.rstSent || st.state == stateClosed {
			return 0, streamError(st.id, ErrCodeStreamClosed, "stream closed while writing")
		}

		n := int32(want)
		if n > c.connSendWindow {
			n = c.connSendWindow
		}
		if n > st.sendWindow {
			n = st.sendWindow
		}
		if max := int32(c.remote.MaxFrameSize); n > max {
			n = max
		}
		if n > 0 {
			c.connSendWindow -= n
			st.sendWindow -= n
			return int(n), nil
		}
		c.flowCond.Wait()
	}
}

// buildRequest 从解码后的字段构建规范化请求
//
// RFC 7540:
//  All HTTP/2 requests MUST include exactly one valid value for the
//  :method, :scheme, and :path pseudo-header fields [...] pseudo-header
//  fields MUST appear in the header block before regular header fields.
func buildRequest(fields []hpack.HeaderField, remoteAddr string) (*router.Request, error) {
	req := &router.Request{
		Proto:      PROTO,
		Header:     make(http.Header),
		RemoteAddr: remoteAddr,
	}

	pseudoDone := false
	for _, hf := range fields {
		if strings.HasPrefix(hf.Name, ":") {
			if pseudoDone {
				return nil, newError("pseudo header after regular header")
			}
			switch hf.Name {
			case ":method":
				req.Method = hf.Value
			case ":scheme":
				// scheme 不参与路由
			case ":authority":
				req.Authority = hf.Value
			case ":path":
				path := hf.Value
				if i := strings.IndexByte(path, '?'); i >= 0 {
					req.Query = path[i+1:]
					path = path[:i]
				}
				// 路径穿越防御要求在解码后的路径上做判定
				decoded, err := url.PathUnescape(path)
				if err != nil {
					return nil, newError("malformed percent encoding in :path")
				}
				req.Path = decoded
			default:
				return nil, newError("unknown pseudo header %q", hf.Name)
			}
			continue
		}

		pseudoDone = true
		if hf.Name != strings.ToLower(hf.Name) {
			return nil, newError("header name must be lowercase")
		}
		req.Header.Add(hf.Name, hf.Value)
	}

	if req.Method == "" || req.Path == "" {
		return nil, newError("missing required pseudo headers")
	}
	return req, nil
}

// responseFields 响应头转换为 HPACK 字段 :status 必须位于首位
func responseFields(resp *router.Response) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: ":status", Value: strconv.Itoa(resp.Status)},
	}
	if resp.Header.Get("Content-Type") == "" && len(resp.Body) > 0 {
		fields = append(fields, hpack.HeaderField{Name: "content-type", Value: "text/plain; charset=utf-8"})
	}
	switch {
	case resp.File != nil:
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.FormatInt(resp.FileSize, 10)})
	case resp.BodyStream == nil:
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.Itoa(len(resp.Body))})
	}

	for name, values := range resp.Header {
		lower := strings.ToLower(name)
		for _, v := range values {
			fields = append(fields, hpack.HeaderField{
				Name:      lower,
				Value:     v,
				Sensitive: lower == "set-cookie",
			})
		}
	}
	return fields
}

func newError(format string, args ...any) error {
	format = "http2: " + format
	return errors.Errorf(format, args...)
}
