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
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/serverd/serverd/router"
)

// httpError 解析阶段的错误 携带应当回复的状态码
type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string {
	return e.msg
}

func httpErrorf(status int, msg string) *httpError {
	return &httpError{status: status, msg: msg}
}

func isTimeout(err error) bool {
	nerr, ok := err.(net.Error)
	return ok && nerr.Timeout()
}

// readRequest 读取并解析一个完整请求 (请求行 + 头部 + 主体)
//
// 请求行与头部的累计字节数受 MaxHeaderBytes 约束 超出回复 431
// 主体受 MaxBodyBytes 约束 超出回复 413
func readRequest(br *bufio.Reader, conf Config) (*router.Request, error) {
	var consumed int

	line, err := readLimitedLine(br, conf.MaxHeaderBytes, &consumed)
	if err != nil {
		return nil, err
	}

	req, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}

	// 头部直到空行
	for {
		line, err = readLimitedLine(br, conf.MaxHeaderBytes, &consumed)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, httpErrorf(http.StatusBadRequest, "malformed header line")
		}
		if strings.HasSuffix(name, " ") || strings.HasSuffix(name, "\t") {
			return nil, httpErrorf(http.StatusBadRequest, "whitespace before header colon")
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	if req.Authority == "" {
		req.Authority = req.Header.Get("Host")
	}

	if err := readBody(br, req, conf); err != nil {
		return nil, err
	}
	return req, nil
}

// readLimitedLine 读取一行并核算头部预算 超出预算回复 431
func readLimitedLine(br *bufio.Reader, limit int, consumed *int) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		if len(line) > 0 && err == io.EOF {
			return "", httpErrorf(http.StatusBadRequest, "truncated request")
		}
		return "", err
	}

	*consumed += len(line)
	if *consumed > limit {
		return "", httpErrorf(http.StatusRequestHeaderFieldsTooLarge, "request header too large")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// parseRequestLine 解析 `METHOD target HTTP/x.y`
func parseRequestLine(line string) (*router.Request, error) {
	method, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, httpErrorf(http.StatusBadRequest, "malformed request line")
	}
	target, proto, ok := strings.Cut(rest, " ")
	if !ok {
		return nil, httpErrorf(http.StatusBadRequest, "malformed request line")
	}
	if proto != "HTTP/1.1" && proto != "HTTP/1.0" {
		return nil, httpErrorf(http.StatusHTTPVersionNotSupported, "unsupported protocol version")
	}
	if method == "" || target == "" || target[0] != '/' {
		return nil, httpErrorf(http.StatusBadRequest, "malformed request target")
	}

	req := &router.Request{
		Proto:  proto,
		Method: method,
		Header: make(http.Header),
	}
	if i := strings.IndexByte(target, '?'); i >= 0 {
		req.Query = target[i+1:]
		target = target[:i]
	}

	// 路径穿越防御要求在解码后的路径上做判定
	decoded, err := url.PathUnescape(target)
	if err != nil {
		return nil, httpErrorf(http.StatusBadRequest, "malformed percent encoding")
	}
	req.Path = decoded
	return req, nil
}

// readBody 读取请求主体 Content-Length 与 chunked 两种形式
func readBody(br *bufio.Reader, req *router.Request, conf Config) error {
	if hasToken(req.Header.Get("Transfer-Encoding"), "chunked") {
		body, err := readChunkedBody(br, conf.MaxBodyBytes)
		if err != nil {
			return err
		}
		req.Body = body
		return nil
	}

	cl := req.Header.Get("Content-Length")
	if cl == "" {
		return nil
	}
	length, err := strconv.Atoi(cl)
	if err != nil || length < 0 {
		return httpErrorf(http.StatusBadRequest, "invalid content length")
	}
	if length == 0 {
		return nil
	}
	if length > conf.MaxBodyBytes {
		return httpErrorf(http.StatusRequestEntityTooLarge, "request body too large")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(br, body); err != nil {
		return httpErrorf(http.StatusBadRequest, "truncated request body")
	}
	req.Body = body
	return nil
}

// readChunkedBody 解码 chunked 编码的主体
//
// 布局为若干 `size-hex CRLF data CRLF` 以零长 chunk 结束
// 末尾允许 trailer 头 读取后丢弃
func readChunkedBody(br *bufio.Reader, limit int) ([]byte, error) {
	var body []byte

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, httpErrorf(http.StatusBadRequest, "truncated chunk size")
		}
		line = strings.TrimRight(line, "\r\n")
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i] // 忽略 chunk 扩展
		}

		size, err := strconv.ParseInt(line, 16, 64)
		if err != nil || size < 0 {
			return nil, httpErrorf(http.StatusBadRequest, "invalid chunk size")
		}
		if size == 0 {
			break
		}
		if len(body)+int(size) > limit {
			return nil, httpErrorf(http.StatusRequestEntityTooLarge, "request body too large")
		}

		chunk := make([]byte, size+2) // 含结尾 CRLF
		if _, err := io.ReadFull(br, chunk); err != nil {
			return nil, httpErrorf(http.StatusBadRequest, "truncated chunk data")
		}
		body = append(body, chunk[:size]...)
	}

	// trailer 部分直到空行
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, httpErrorf(http.StatusBadRequest, "truncated trailer")
		}
		if line == "\r\n" || line == "\n" {
			return body, nil
		}
	}
}

// hasToken 判断逗号分隔的头部值中是否包含 token (大小写不敏感)
func hasToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
