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

	"github.com/serverd/serverd/protocol"
	"github.com/serverd/serverd/router"
)

func TestMaskRoundTrip(t *testing.T) {
	key := [4]byte{0x12, 0x34, 0x56, 0x78}
	payload := []byte("the quick brown fox jumps over the lazy dog")

	masked := append([]byte{}, payload...)
	mask(key, masked)
	assert.NotEqual(t, payload, masked)

	mask(key, masked)
	assert.Equal(t, payload, masked)
}

func TestAcceptKey(t *testing.T) {
	// RFC 6455 Section 1.3 的样例
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestFrameRoundTrip(t *testing.T) {
	cases := []frame{
		{fin: true, opcode: OpText, payload: []byte("hello")},
		{fin: false, opcode: OpBinary, payload: bytes.Repeat([]byte{0xab}, 200)},   // 16 位扩展长度
		{fin: true, opcode: OpBinary, payload: bytes.Repeat([]byte{0xcd}, 70000)},  // 64 位扩展长度
		{fin: true, opcode: OpPong, payload: []byte("ping-payload")},
		{fin: true, opcode: OpClose, payload: closePayload(CloseNormal, "bye")},
	}

	for _, f := range cases {
		b := appendFrame(nil, f)
		got, err := readFrame(bytes.NewReader(b), 1<<20)
		require.NoError(t, err)
		assert.Equal(t, f.fin, got.fin)
		assert.Equal(t, f.opcode, got.opcode)
		assert.False(t, got.masked)
		assert.Equal(t, f.payload, got.payload)
	}
}

func TestReadFrameRejectsReservedBits(t *testing.T) {
	b := appendFrame(nil, frame{fin: true, opcode: OpText, payload: []byte("x")})
	b[0] |= 0x40 // RSV1
	_, err := readFrame(bytes.NewReader(b), 1<<20)
	assert.ErrorIs(t, err, errReservedBits)
}

func TestReadFrameControlConstraints(t *testing.T) {
	// 控制帧载荷超过 125 字节
	b := appendFrame(nil, frame{fin: true, opcode: OpPing, payload: bytes.Repeat([]byte{1}, 126)})
	_, err := readFrame(bytes.NewReader(b), 1<<20)
	assert.ErrorIs(t, err, errControlTooLong)

	// 分片的控制帧
	b = appendFrame(nil, frame{fin: false, opcode: OpPing})
	_, err = readFrame(bytes.NewReader(b), 1<<20)
	assert.ErrorIs(t, err, errControlFragmented)
}

// appendMaskedFrame 构造客户端帧 测试专用
func appendMaskedFrame(b []byte, f frame) []byte {
	key := [4]byte{0xa1, 0xb2, 0xc3, 0xd4}

	b0 := byte(f.opcode)
	if f.fin {
		b0 |= 0x80
	}
	b = append(b, b0)

	length := len(f.payload)
	switch {
	case length <= 125:
		b = append(b, byte(length)|0x80)
	case length <= 0xffff:
		b = append(b, 126|0x80)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(length))
		b = append(b, ext[:]...)
	default:
		b = append(b, 127|0x80)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(length))
		b = append(b, ext[:]...)
	}

	b = append(b, key[:]...)
	masked := append([]byte{}, f.payload...)
	mask(key, masked)
	return append(b, masked...)
}

type wsTestServer struct {
	conn net.Conn
}

func newWSTestServer(t *testing.T, conf Config) *wsTestServer {
	t.Helper()

	h := New(conf)
	h.Register("/echo", Echo)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		pc := protocol.NewConn(raw, protocol.ALPNHTTP1, time.Minute)
		br := bufio.NewReader(pc)

		req := &router.Request{
			Proto:  "HTTP/1.1",
			Method: http.MethodGet,
			Path:   "/echo",
			Header: http.Header{
				"Upgrade":               []string{"websocket"},
				"Connection":            []string{"Upgrade"},
				"Sec-Websocket-Version": []string{"13"},
				"Sec-Websocket-Key":     []string{"dGhlIHNhbXBsZSBub25jZQ=="},
			},
		}
		h.Serve(context.Background(), pc, br, req)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ts := &wsTestServer{conn: conn}
	ts.readHandshake(t)
	return ts
}

// readHandshake 消费 101 响应
func (ts *wsTestServer) readHandshake(t *testing.T) {
	t.Helper()

	br := bufio.NewReader(ts.conn)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "101 Switching Protocols")
	for {
		line, err = br.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}
	require.Zero(t, br.Buffered(), "handshake must not over-read")
}

func (ts *wsTestServer) readFrame(t *testing.T) frame {
	t.Helper()

	f, err := readFrame(ts.conn, 1<<30)
	require.NoError(t, err)
	return f
}

func TestEchoTextMessage(t *testing.T) {
	ts := newWSTestServer(t, Config{})

	_, err := ts.conn.Write(appendMaskedFrame(nil, frame{fin: true, opcode: OpText, payload: []byte("hello")}))
	require.NoError(t, err)

	f := ts.readFrame(t)
	assert.True(t, f.fin)
	assert.Equal(t, OpText, f.opcode)
	assert.False(t, f.masked)
	assert.Equal(t, []byte("hello"), f.payload)
}

func TestEchoFragmentedMessage(t *testing.T) {
	ts := newWSTestServer(t, Config{})

	_, err := ts.conn.Write(appendMaskedFrame(nil, frame{fin: false, opcode: OpText, payload: []byte("hel")}))
	require.NoError(t, err)
	_, err = ts.conn.Write(appendMaskedFrame(nil, frame{fin: true, opcode: OpContinuation, payload: []byte("lo")}))
	require.NoError(t, err)

	f := ts.readFrame(t)
	assert.Equal(t, OpText, f.opcode)
	assert.Equal(t, []byte("hello"), f.payload)
}

func TestPingPong(t *testing.T) {
	ts := newWSTestServer(t, Config{})

	_, err := ts.conn.Write(appendMaskedFrame(nil, frame{fin: true, opcode: OpPing, payload: []byte("probe")}))
	require.NoError(t, err)

	f := ts.readFrame(t)
	assert.Equal(t, OpPong, f.opcode)
	assert.Equal(t, []byte("probe"), f.payload)
}

func TestUnmaskedClientFrameFailsConn(t *testing.T) {
	ts := newWSTestServer(t, Config{})

	// 未掩码的客户端帧 服务端以 1002 关闭
	_, err := ts.conn.Write(appendFrame(nil, frame{fin: true, opcode: OpText, payload: []byte("bad")}))
	require.NoError(t, err)

	f := ts.readFrame(t)
	require.Equal(t, OpClose, f.opcode)
	code, _ := parseClosePayload(f.payload)
	assert.Equal(t, CloseProtocolError, code)
}

func TestInvalidUTF8FailsWith1007(t *testing.T) {
	ts := newWSTestServer(t, Config{})

	_, err := ts.conn.Write(appendMaskedFrame(nil, frame{fin: true, opcode: OpText, payload: []byte{0xff, 0xfe, 0xfd}}))
	require.NoError(t, err)

	f := ts.readFrame(t)
	require.Equal(t, OpClose, f.opcode)
	code, _ := parseClosePayload(f.payload)
	assert.Equal(t, CloseInvalidPayload, code)
}

func TestOversizeMessageFailsWith1009(t *testing.T) {
	ts := newWSTestServer(t, Config{MaxMessageSize: 1024, CloseTimeout: time.Second})

	_, err := ts.conn.Write(appendMaskedFrame(nil, frame{fin: true, opcode: OpBinary, payload: bytes.Repeat([]byte{1}, 2048)}))
	require.NoError(t, err)

	f := ts.readFrame(t)
	require.Equal(t, OpClose, f.opcode)
	code, _ := parseClosePayload(f.payload)
	assert.Equal(t, CloseTooBig, code)
}

func TestCloseEcho(t *testing.T) {
	ts := newWSTestServer(t, Config{})

	_, err := ts.conn.Write(appendMaskedFrame(nil, frame{
		fin: true, opcode: OpClose, payload: closePayload(CloseNormal, ""),
	}))
	require.NoError(t, err)

	f := ts.readFrame(t)
	require.Equal(t, OpClose, f.opcode)
	code, _ := parseClosePayload(f.payload)
	assert.Equal(t, CloseNormal, code)

	// 对端随后关闭传输
	_, err = ts.conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestValidateUpgrade(t *testing.T) {
	base := func() *router.Request {
		return &router.Request{
			Method: http.MethodGet,
			Path:   "/echo",
			Header: http.Header{
				"Upgrade":               []string{"websocket"},
				"Connection":            []string{"keep-alive, Upgrade"},
				"Sec-Websocket-Version": []string{"13"},
				"Sec-Websocket-Key":     []string{"dGhlIHNhbXBsZSBub25jZQ=="},
			},
		}
	}

	_, ok := ValidateUpgrade(base())
	assert.True(t, ok)

	req := base()
	req.Header.Set("Sec-Websocket-Version", "8")
	_, ok = ValidateUpgrade(req)
	assert.False(t, ok)

	req = base()
	req.Header.Del("Sec-Websocket-Key")
	_, ok = ValidateUpgrade(req)
	assert.False(t, ok)

	req = base()
	req.Method = http.MethodPost
	_, ok = ValidateUpgrade(req)
	assert.False(t, ok)
}
