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
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serverd/serverd/common"
	"github.com/serverd/serverd/internal/bufpool"
	"github.com/serverd/serverd/protocol"
	"github.com/serverd/serverd/ratelimit"
	"github.com/serverd/serverd/router"
)

func newTestServer(t *testing.T, rt *router.Router, limiter *ratelimit.Limiter) net.Conn {
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

	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		pc := protocol.NewConn(raw, protocol.ALPNHTTP1, time.Minute)
		h.Serve(context.Background(), pc)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func echoRouter() *router.Router {
	rt := router.New()
	rt.Handle(http.MethodGet, "/ping", func(req *router.Request) *router.Response {
		resp := router.NewResponse(http.StatusOK)
		resp.Body = []byte("pong")
		return resp
	})
	rt.Handle(http.MethodPost, "/echo", func(req *router.Request) *router.Response {
		resp := router.NewResponse(http.StatusOK)
		resp.Body = req.Body
		return resp
	})
	return rt
}

// readResponse 解析一个响应 返回状态码 头部与主体
func readResponse(t *testing.T, br *bufio.Reader) (int, http.Header, []byte) {
	t.Helper()

	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, resp.Header, body
}

func TestKeepAliveRequests(t *testing.T) {
	conn := newTestServer(t, echoRouter(), nil)
	br := bufio.NewReader(conn)

	// 同一连接上连续两个请求
	for i := 0; i < 2; i++ {
		_, err := conn.Write([]byte("GET /ping HTTP/1.1\r\nHost: localhost\r\n\r\n"))
		require.NoError(t, err)

		status, _, body := readResponse(t, br)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, []byte("pong"), body)
	}
}

func TestPostWithContentLength(t *testing.T) {
	conn := newTestServer(t, echoRouter(), nil)
	br := bufio.NewReader(conn)

	_, err := conn.Write([]byte("POST /echo HTTP/1.1\r\nHost: localhost\r\nContent-Length: 11\r\n\r\nhello world"))
	require.NoError(t, err)

	status, _, body := readResponse(t, br)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []byte("hello world"), body)
}

func TestPostWithChunkedBody(t *testing.T) {
	conn := newTestServer(t, echoRouter(), nil)
	br := bufio.NewReader(conn)

	_, err := conn.Write([]byte(
		"POST /echo HTTP/1.1\r\nHost: localhost\r\nTransfer-Encoding: chunked\r\n\r\n" +
			"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"))
	require.NoError(t, err)

	status, _, body := readResponse(t, br)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []byte("hello world"), body)
}

func TestNotFound(t *testing.T) {
	conn := newTestServer(t, echoRouter(), nil)
	br := bufio.NewReader(conn)

	_, err := conn.Write([]byte("GET /missing HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	require.NoError(t, err)

	status, _, _ := readResponse(t, br)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHeaderTooLarge(t *testing.T) {
	conn := newTestServer(t, echoRouter(), nil)
	br := bufio.NewReader(conn)

	_, err := conn.Write([]byte("GET /ping HTTP/1.1\r\nHost: localhost\r\nX-Filler: " +
		strings.Repeat("a", DefaultMaxHeaderBytes) + "\r\n\r\n"))
	require.NoError(t, err)

	status, _, _ := readResponse(t, br)
	assert.Equal(t, http.StatusRequestHeaderFieldsTooLarge, status)
}

func TestConnectionClose(t *testing.T) {
	conn := newTestServer(t, echoRouter(), nil)
	br := bufio.NewReader(conn)

	_, err := conn.Write([]byte("GET /ping HTTP/1.1\r\nHost: localhost\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	status, header, _ := readResponse(t, br)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "close", header.Get("Connection"))

	// 服务端随后关闭连接
	_, err = br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestHeadRequest(t *testing.T) {
	rt := router.New()
	rt.Handle(http.MethodHead, "/ping", func(req *router.Request) *router.Response {
		resp := router.NewResponse(http.StatusOK)
		resp.Body = []byte("pong")
		return resp
	})

	conn := newTestServer(t, rt, nil)
	br := bufio.NewReader(conn)

	_, err := conn.Write([]byte("HEAD /ping HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	require.NoError(t, err)

	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodHead})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(4), resp.ContentLength)

	body, _ := io.ReadAll(resp.Body)
	assert.Empty(t, body)
}

func TestRateLimitDenied(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{Capacity: 5, WindowSeconds: 60})
	conn := newTestServer(t, echoRouter(), limiter)
	br := bufio.NewReader(conn)

	for i := 0; i < 5; i++ {
		_, err := conn.Write([]byte("GET /ping HTTP/1.1\r\nHost: localhost\r\n\r\n"))
		require.NoError(t, err)
		status, _, _ := readResponse(t, br)
		require.Equal(t, http.StatusOK, status)
	}

	// 第 6 个请求被拒绝 retry_after = ceil(12) 秒
	_, err := conn.Write([]byte("GET /ping HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	require.NoError(t, err)

	status, header, _ := readResponse(t, br)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "12", header.Get("Retry-After"))
}

func TestH2CPrefaceHandoff(t *testing.T) {
	conn := newTestServer(t, echoRouter(), nil)

	// 明文 preface + 空 SETTINGS
	_, err := conn.Write([]byte(h2Preface))
	require.NoError(t, err)
	_, err = conn.Write([]byte{0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00})
	require.NoError(t, err)

	// HTTP/2 处理器接管 回复 SETTINGS 帧
	hdr := make([]byte, 9)
	_, err = io.ReadFull(conn, hdr)
	require.NoError(t, err)
	assert.Equal(t, byte(0x04), hdr[3]) // SETTINGS
	assert.Equal(t, byte(0x00), hdr[4]) // 非 ACK
}

func TestWebSocketUpgradeThroughHTTP(t *testing.T) {
	conn := newTestServer(t, echoRouter(), nil)
	br := bufio.NewReader(conn)

	_, err := conn.Write([]byte(
		"GET /echo HTTP/1.1\r\n" +
			"Host: localhost\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Version: 13\r\n" +
			"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"))
	require.NoError(t, err)

	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "101 Switching Protocols")

	var acceptSeen bool
	for {
		line, err = br.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
		if strings.HasPrefix(line, "Sec-WebSocket-Accept:") {
			assert.Contains(t, line, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")
			acceptSeen = true
		}
	}
	assert.True(t, acceptSeen)
}

func TestInvalidWebSocketUpgradeRejected(t *testing.T) {
	conn := newTestServer(t, echoRouter(), nil)
	br := bufio.NewReader(conn)

	// 缺失 Sec-WebSocket-Key
	_, err := conn.Write([]byte(
		"GET /echo HTTP/1.1\r\n" +
			"Host: localhost\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Version: 13\r\n\r\n"))
	require.NoError(t, err)

	status, _, _ := readResponse(t, br)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestParseRequestLine(t *testing.T) {
	req, err := parseRequestLine("GET /a/b?x=1 HTTP/1.1")
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/a/b", req.Path)
	assert.Equal(t, "x=1", req.Query)

	_, err = parseRequestLine("GET /")
	assert.Error(t, err)

	_, err = parseRequestLine("GET / HTTP/3.0")
	assert.Error(t, err)

	_, err = parseRequestLine("GET noslash HTTP/1.1")
	assert.Error(t, err)
}
