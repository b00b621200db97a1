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
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serverd/serverd/common"
	"github.com/serverd/serverd/internal/bufpool"
	"github.com/serverd/serverd/protocol"
	"github.com/serverd/serverd/protocol/hpack"
	"github.com/serverd/serverd/ratelimit"
	"github.com/serverd/serverd/router"
)

type testServer struct {
	conn net.Conn
	done chan error
}

func newTestServer(t *testing.T, rt *router.Router, limiter *ratelimit.Limiter) *testServer {
	t.Helper()

	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{Capacity: 10000, WindowSeconds: 1})
	}
	deps := protocol.Deps{
		Router:  rt,
		Limiter: limiter,
		BufPool: bufpool.New(bufpool.Config{}),
	}
	h := NewHandler(deps, common.NewOptions())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	done := make(chan error, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		pc := protocol.NewConn(raw, protocol.ALPNH2, time.Minute)
		done <- h.Serve(context.Background(), pc)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testServer{conn: conn, done: done}
}

// handshake 发送 preface 与空 SETTINGS 并消费服务端的 SETTINGS / ACK
func (ts *testServer) handshake(t *testing.T) {
	t.Helper()

	ts.write(t, connPreface)
	ts.writeFrame(t, Frame{Type: FrameSettings})

	// 服务端先发自身 SETTINGS 再对客户端 SETTINGS 回 ACK
	f := ts.readFrame(t)
	require.Equal(t, FrameSettings, f.Type)
	require.False(t, f.has(flagAck))

	f = ts.readFrame(t)
	require.Equal(t, FrameSettings, f.Type)
	require.True(t, f.has(flagAck))

	// 对服务端 SETTINGS 回 ACK
	ts.writeFrame(t, Frame{Type: FrameSettings, Flags: flagAck})
}

func (ts *testServer) write(t *testing.T, b []byte) {
	t.Helper()
	_, err := ts.conn.Write(b)
	require.NoError(t, err)
}

func (ts *testServer) writeFrame(t *testing.T, f Frame) {
	t.Helper()

	var buf bytes.Buffer
	fr := NewFramer(nil, &buf, maxMaxFrameSize)
	require.NoError(t, fr.WriteFrame(f))
	ts.write(t, buf.Bytes())
}

func (ts *testServer) readFrame(t *testing.T) Frame {
	t.Helper()

	hdr := make([]byte, FrameHeaderLen)
	_, err := io.ReadFull(ts.conn, hdr)
	require.NoError(t, err)

	length := uint32(hdr[0])<<16 | uint32(hdr[1])<<8 | uint32(hdr[2])
	f := Frame{
		Type:     FrameType(hdr[3]),
		Flags:    hdr[4],
		StreamID: binary.BigEndian.Uint32(hdr[5:9]) & streamIDMask,
	}
	if length > 0 {
		f.Payload = make([]byte, length)
		_, err = io.ReadFull(ts.conn, f.Payload)
		require.NoError(t, err)
	}
	return f
}

// readGoAway 跳过中间帧直到读到 GOAWAY 返回错误码
func (ts *testServer) readGoAway(t *testing.T) ErrCode {
	t.Helper()

	for i := 0; i < 16; i++ {
		f := ts.readFrame(t)
		if f.Type == FrameGoAway {
			require.GreaterOrEqual(t, len(f.Payload), 8)
			return ErrCode(binary.BigEndian.Uint32(f.Payload[4:8]))
		}
	}
	t.Fatal("no goaway frame received")
	return 0
}

// readUntilEndStream 消费响应帧直到携带 END_STREAM 的帧
func (ts *testServer) readUntilEndStream(t *testing.T) {
	t.Helper()

	for i := 0; i < 64; i++ {
		f := ts.readFrame(t)
		if (f.Type == FrameHeaders || f.Type == FrameData) && f.has(flagEndStream) {
			return
		}
	}
	t.Fatal("no end stream frame received")
}

// staticGetHeaders 索引化的 GET 请求 header block
//
// :method GET(2) :scheme http(6) :path /(4) 加 :authority 字面量
func staticGetHeaders(path string) []byte {
	block := []byte{0x82, 0x86}
	if path == "/" {
		block = append(block, 0x84)
	} else {
		// :path 以 name index 4 的字面量编码
		block = append(block, 0x44, byte(len(path)))
		block = append(block, path...)
	}
	block = append(block, 0x41, 0x09)
	block = append(block, "localhost"...)
	return block
}

func TestPrefaceAndSettingsExchange(t *testing.T) {
	ts := newTestServer(t, router.New(), nil)
	ts.handshake(t)

	// 连接保持打开 PING 仍有响应
	ts.writeFrame(t, Frame{Type: FramePing, StreamID: 0, Payload: []byte("abcdefgh")})
	f := ts.readFrame(t)
	assert.Equal(t, FramePing, f.Type)
	assert.True(t, f.has(flagAck))
	assert.Equal(t, []byte("abcdefgh"), f.Payload)
}

func TestInvalidPrefaceClosesConn(t *testing.T) {
	ts := newTestServer(t, router.New(), nil)

	ts.write(t, []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n    "))
	err := <-ts.done
	require.Error(t, err)
}

func TestStaticTableRequest(t *testing.T) {
	rt := router.New()
	rt.Handle(http.MethodGet, "/", func(req *router.Request) *router.Response {
		assert.Equal(t, "GET", req.Method)
		assert.Equal(t, "/", req.Path)
		assert.Equal(t, "localhost", req.Authority)

		resp := router.NewResponse(http.StatusOK)
		resp.Body = []byte("hello")
		return resp
	})

	ts := newTestServer(t, rt, nil)
	ts.handshake(t)

	ts.writeFrame(t, Frame{
		Type:     FrameHeaders,
		Flags:    flagEndHeaders | flagEndStream,
		StreamID: 1,
		Payload:  staticGetHeaders("/"),
	})

	// 响应 HEADERS
	f := ts.readFrame(t)
	require.Equal(t, FrameHeaders, f.Type)
	require.Equal(t, uint32(1), f.StreamID)
	require.True(t, f.has(flagEndHeaders))

	dec := hpack.NewDecoder(hpack.DefaultTableSize, hpack.DefaultMaxHeaderListSize)
	fields, err := dec.Decode(f.Payload)
	require.NoError(t, err)
	require.NotEmpty(t, fields)
	assert.Equal(t, hpack.HeaderField{Name: ":status", Value: "200"}, fields[0])

	// 响应 DATA + END_STREAM
	f = ts.readFrame(t)
	require.Equal(t, FrameData, f.Type)
	assert.Equal(t, []byte("hello"), f.Payload)
	assert.True(t, f.has(flagEndStream))
}

func TestRequestWithBody(t *testing.T) {
	rt := router.New()
	rt.Handle(http.MethodPost, "/echo", func(req *router.Request) *router.Response {
		resp := router.NewResponse(http.StatusOK)
		resp.Body = req.Body
		return resp
	})

	ts := newTestServer(t, rt, nil)
	ts.handshake(t)

	// :method POST(3) :scheme http(6) :path 字面量
	block := []byte{0x83, 0x86, 0x44, 0x05}
	block = append(block, "/echo"...)
	ts.writeFrame(t, Frame{Type: FrameHeaders, Flags: flagEndHeaders, StreamID: 1, Payload: block})
	ts.writeFrame(t, Frame{Type: FrameData, StreamID: 1, Payload: []byte("ping-")})
	ts.writeFrame(t, Frame{Type: FrameData, Flags: flagEndStream, StreamID: 1, Payload: []byte("pong")})

	f := ts.readFrame(t)
	require.Equal(t, FrameHeaders, f.Type)

	f = ts.readFrame(t)
	require.Equal(t, FrameData, f.Type)
	assert.Equal(t, []byte("ping-pong"), f.Payload)
}

func TestFlowControlStall(t *testing.T) {
	const bodySize = 200 * 1024

	rt := router.New()
	rt.Handle(http.MethodGet, "/big", func(req *router.Request) *router.Response {
		resp := router.NewResponse(http.StatusOK)
		resp.Body = bytes.Repeat([]byte("x"), bodySize)
		return resp
	})

	ts := newTestServer(t, rt, nil)
	ts.handshake(t)

	ts.writeFrame(t, Frame{
		Type:     FrameHeaders,
		Flags:    flagEndHeaders | flagEndStream,
		StreamID: 3,
		Payload:  staticGetHeaders("/big"),
	})

	f := ts.readFrame(t)
	require.Equal(t, FrameHeaders, f.Type)

	// 初始窗口只允许 65535 字节
	var got int
	for got < defaultInitialWindowSize {
		f = ts.readFrame(t)
		require.Equal(t, FrameData, f.Type)
		got += len(f.Payload)
	}
	require.Equal(t, defaultInitialWindowSize, got)

	// 窗口耗尽 服务端挂起
	require.NoError(t, ts.conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var hdr [1]byte
	_, err := ts.conn.Read(hdr[:])
	nerr, ok := err.(net.Error)
	require.True(t, ok, "expected timeout while stalled, got %v", err)
	require.True(t, nerr.Timeout())
	require.NoError(t, ts.conn.SetReadDeadline(time.Time{}))

	// 补充流与连接两级窗口后恢复发送
	incr := uint32(bodySize - defaultInitialWindowSize)
	ts.writeFrame(t, windowUpdateFrame(3, incr))
	ts.writeFrame(t, windowUpdateFrame(0, incr))

	for {
		f = ts.readFrame(t)
		require.Equal(t, FrameData, f.Type)
		got += len(f.Payload)
		if f.has(flagEndStream) {
			break
		}
	}
	assert.Equal(t, bodySize, got)
}

func TestHPACKBombClosesConn(t *testing.T) {
	ts := newTestServer(t, router.New(), nil)
	ts.handshake(t)

	// 一条 2KB 的 literal-with-incremental-indexing 进入动态表
	// 随后以索引 62 反复引用 解码产物呈数量级放大
	var block []byte
	block = append(block, 0x40, 0x04)
	block = append(block, "bomb"...)
	block = append(block, 0x7f, 0x81, 0x0f) // 值长度 2048 的 7 位前缀整数
	block = append(block, bytes.Repeat([]byte("a"), 2048)...)
	for i := 0; i < 4500; i++ {
		block = append(block, 0xbe) // indexed 62
	}

	ts.writeFrame(t, Frame{
		Type:     FrameHeaders,
		Flags:    flagEndHeaders | flagEndStream,
		StreamID: 1,
		Payload:  block,
	})

	code := ts.readGoAway(t)
	assert.Equal(t, ErrCodeCompression, code)
}

func TestWindowUpdateZeroOnConn(t *testing.T) {
	ts := newTestServer(t, router.New(), nil)
	ts.handshake(t)

	ts.writeFrame(t, Frame{Type: FrameWindowUpdate, StreamID: 0, Payload: []byte{0, 0, 0, 0}})
	code := ts.readGoAway(t)
	assert.Equal(t, ErrCodeProtocol, code)
}

func TestSettingsAckWithPayload(t *testing.T) {
	ts := newTestServer(t, router.New(), nil)
	ts.handshake(t)

	ts.writeFrame(t, Frame{Type: FrameSettings, Flags: flagAck, Payload: []byte{0, 0, 0, 0, 0, 0}})
	code := ts.readGoAway(t)
	assert.Equal(t, ErrCodeFrameSize, code)
}

func TestStreamIDNotIncreasing(t *testing.T) {
	rt := router.New()
	rt.Handle(http.MethodGet, "/", func(req *router.Request) *router.Response {
		return router.NewResponse(http.StatusOK)
	})

	ts := newTestServer(t, rt, nil)
	ts.handshake(t)

	ts.writeFrame(t, Frame{
		Type: FrameHeaders, Flags: flagEndHeaders | flagEndStream,
		StreamID: 5, Payload: staticGetHeaders("/"),
	})

	// 消费 stream 5 的响应
	ts.readUntilEndStream(t)

	// 回退的流 id 为连接级协议错误
	ts.writeFrame(t, Frame{
		Type: FrameHeaders, Flags: flagEndHeaders | flagEndStream,
		StreamID: 3, Payload: staticGetHeaders("/"),
	})
	code := ts.readGoAway(t)
	assert.Equal(t, ErrCodeProtocol, code)
}

func TestDataOnClosedStream(t *testing.T) {
	rt := router.New()
	rt.Handle(http.MethodGet, "/", func(req *router.Request) *router.Response {
		return router.NewResponse(http.StatusOK)
	})

	ts := newTestServer(t, rt, nil)
	ts.handshake(t)

	ts.writeFrame(t, Frame{
		Type: FrameHeaders, Flags: flagEndHeaders | flagEndStream,
		StreamID: 1, Payload: staticGetHeaders("/"),
	})
	ts.readUntilEndStream(t)

	// 流已关闭 DATA 触发流级 STREAM_CLOSED
	ts.writeFrame(t, Frame{Type: FrameData, StreamID: 1, Payload: []byte("late")})
	f := ts.readFrame(t)
	require.Equal(t, FrameRSTStream, f.Type)
	assert.Equal(t, uint32(1), f.StreamID)
	assert.Equal(t, uint32(ErrCodeStreamClosed), binary.BigEndian.Uint32(f.Payload))
}

func TestRateLimitedStreamRefused(t *testing.T) {
	rt := router.New()
	rt.Handle(http.MethodGet, "/", func(req *router.Request) *router.Response {
		return router.NewResponse(http.StatusOK)
	})
	limiter := ratelimit.New(ratelimit.Config{Capacity: 1, WindowSeconds: 3600})

	ts := newTestServer(t, rt, limiter)
	ts.handshake(t)

	ts.writeFrame(t, Frame{
		Type: FrameHeaders, Flags: flagEndHeaders | flagEndStream,
		StreamID: 1, Payload: staticGetHeaders("/"),
	})
	ts.readUntilEndStream(t)

	// 令牌耗尽 新流被拒绝
	ts.writeFrame(t, Frame{
		Type: FrameHeaders, Flags: flagEndHeaders | flagEndStream,
		StreamID: 3, Payload: staticGetHeaders("/"),
	})
	f := ts.readFrame(t)
	require.Equal(t, FrameRSTStream, f.Type)
	assert.Equal(t, uint32(3), f.StreamID)
	assert.Equal(t, uint32(ErrCodeRefusedStream), binary.BigEndian.Uint32(f.Payload))
}

func TestContinuationInterleaving(t *testing.T) {
	ts := newTestServer(t, router.New(), nil)
	ts.handshake(t)

	// HEADERS 未设置 END_HEADERS 后续必须是同流 CONTINUATION
	block := staticGetHeaders("/")
	ts.writeFrame(t, Frame{Type: FrameHeaders, StreamID: 1, Payload: block[:1]})
	ts.writeFrame(t, Frame{Type: FramePing, StreamID: 0, Payload: []byte("xxxxxxxx")})

	code := ts.readGoAway(t)
	assert.Equal(t, ErrCodeProtocol, code)
}
