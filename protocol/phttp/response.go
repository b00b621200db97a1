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
	"io"
	"net/http"
	"strconv"

	"github.com/valyala/bytebufferpool"

	"github.com/serverd/serverd/logger"
	"github.com/serverd/serverd/protocol"
	"github.com/serverd/serverd/router"
)

// writeResponse 序列化响应并写出
//
// 响应头在 bytebufferpool 的 buffer 中组装 一次性写出
// 减少小片段写导致的 syscall 次数
func (h *Handler) writeResponse(pc *protocol.Conn, req *router.Request, resp *router.Response) error {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	bb.WriteString("HTTP/1.1 ")
	bb.WriteString(strconv.Itoa(resp.Status))
	bb.WriteString(" ")
	bb.WriteString(http.StatusText(resp.Status))
	bb.WriteString("\r\n")

	chunked := resp.BodyStream != nil
	switch {
	case resp.File != nil:
		writeHeaderLine(bb, "Content-Length", strconv.FormatInt(resp.FileSize, 10))
	case chunked:
		writeHeaderLine(bb, "Transfer-Encoding", "chunked")
	default:
		writeHeaderLine(bb, "Content-Length", strconv.Itoa(len(resp.Body)))
	}
	if resp.Header.Get("Content-Type") == "" && len(resp.Body) > 0 {
		writeHeaderLine(bb, "Content-Type", "text/plain; charset=utf-8")
	}
	if !keepAlive(req) {
		writeHeaderLine(bb, "Connection", "close")
	}
	for name, values := range resp.Header {
		for _, v := range values {
			writeHeaderLine(bb, name, v)
		}
	}
	bb.WriteString("\r\n")

	// HEAD 请求只回头部
	if req.Method == http.MethodHead {
		closeBody(resp)
		_, err := pc.Write(bb.B)
		return err
	}

	switch {
	case resp.File != nil:
		if _, err := pc.Write(bb.B); err != nil {
			closeBody(resp)
			return err
		}
		return h.writeFileBody(pc, resp)

	case chunked:
		if _, err := pc.Write(bb.B); err != nil {
			closeBody(resp)
			return err
		}
		return h.writeChunkedBody(pc, resp.BodyStream)

	default:
		bb.Write(resp.Body)
		_, err := pc.Write(bb.B)
		return err
	}
}

func writeHeaderLine(bb *bytebufferpool.ByteBuffer, name, value string) {
	bb.WriteString(name)
	bb.WriteString(": ")
	bb.WriteString(value)
	bb.WriteString("\r\n")
}

// writeFileBody 静态文件主体 体积达到阈值且明文连接时走 sendfile
func (h *Handler) writeFileBody(pc *protocol.Conn, resp *router.Response) error {
	defer resp.File.Close()

	n, err := h.transferrer.Transfer(resp.File, pc.Raw())
	if err != nil {
		logger.Debugf("conn %s: file transfer after %d bytes: %v", pc.ID(), n, err)
		return err
	}
	return nil
}

// writeChunkedBody 流式主体以 chunked 编码写出 每读一段立即 flush
//
// SSE 依赖此路径 事件写入后必须立即可达客户端
func (h *Handler) writeChunkedBody(pc *protocol.Conn, src io.ReadCloser) error {
	defer src.Close()

	buf := h.deps.BufPool.Acquire()
	defer h.deps.BufPool.Release(buf)

	for {
		n, err := src.Read(buf.B)
		if n > 0 {
			head := strconv.FormatInt(int64(n), 16) + "\r\n"
			if _, werr := pc.Write([]byte(head)); werr != nil {
				return werr
			}
			if _, werr := pc.Write(buf.B[:n]); werr != nil {
				return werr
			}
			if _, werr := pc.Write([]byte("\r\n")); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			_, werr := pc.Write([]byte("0\r\n\r\n"))
			return werr
		}
		if err != nil {
			return err
		}
	}
}

// writeError 解析失败时的快速错误响应 连接随后关闭
func writeError(pc *protocol.Conn, status int, msg string) {
	body := msg + "\n"
	head := "HTTP/1.1 " + strconv.Itoa(status) + " " + http.StatusText(status) + "\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"Connection: close\r\n\r\n"
	if _, err := pc.Write([]byte(head + body)); err != nil {
		logger.Debugf("conn %s: write error response: %v", pc.ID(), err)
	}
}

func closeBody(resp *router.Response) {
	if resp.BodyStream != nil {
		resp.BodyStream.Close()
	}
	if resp.File != nil {
		resp.File.Close()
	}
}
