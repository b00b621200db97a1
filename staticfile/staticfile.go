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

package staticfile

import (
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/serverd/serverd/cache"
	"github.com/serverd/serverd/logger"
	"github.com/serverd/serverd/router"
)

const (
	// DefaultInMemoryMaxBytes 整块读入内存的文件体积上限
	//
	// 超过此体积的文件以 *os.File 形式交给协议层流式传输
	// 明文 HTTP/1.1 下可进一步走 sendfile
	DefaultInMemoryMaxBytes = 1 * 1024 * 1024

	// compressMinBytes 低于此体积的文件压缩收益为负 不压缩
	compressMinBytes = 512
)

// Config 静态文件服务配置
type Config struct {
	Webroot          string `config:"webroot"`
	IndexFile        string `config:"indexFile"`
	InMemoryMaxBytes int64  `config:"inMemoryMaxBytes"`
}

func (c *Config) Validate() {
	if c.IndexFile == "" {
		c.IndexFile = "index.html"
	}
	if c.InMemoryMaxBytes <= 0 {
		c.InMemoryMaxBytes = DefaultInMemoryMaxBytes
	}
}

// compressibleTypes 参与压缩的内容类型前缀
var compressibleTypes = []string{
	"text/",
	"application/json",
	"application/javascript",
	"application/xml",
	"image/svg",
}

// Handler 静态文件处理器
//
// ETag 与压缩缓存为进程级共享实例 由 controller 注入
type Handler struct {
	conf     Config
	webroot  string // 绝对路径
	etags    *cache.ETagCache
	compress *cache.CompressCache
}

// New 创建并返回 Handler webroot 不存在时报错
func New(conf Config, etags *cache.ETagCache, compress *cache.CompressCache) (*Handler, error) {
	conf.Validate()

	webroot, err := filepath.Abs(conf.Webroot)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(webroot); err != nil {
		return nil, err
	}

	return &Handler{
		conf:     conf,
		webroot:  webroot,
		etags:    etags,
		compress: compress,
	}, nil
}

// Serve 实现 router.HandlerFunc
func (h *Handler) Serve(req *router.Request) *router.Response {
	path, ok := h.resolve(req.Path)
	if !ok {
		return notFound()
	}

	info, err := os.Stat(path)
	if err != nil {
		return notFound()
	}
	if info.IsDir() {
		path = filepath.Join(path, h.conf.IndexFile)
		if info, err = os.Stat(path); err != nil || info.IsDir() {
			return notFound()
		}
	}

	etag, err := h.etags.Generate(path, info)
	if err != nil {
		logger.Errorf("staticfile: generate etag for %s: %v", path, err)
		return internalError()
	}

	quoted := `"` + etag + `"`
	if match := req.Header.Get("If-None-Match"); match != "" && etagMatch(match, quoted) {
		resp := router.NewResponse(http.StatusNotModified)
		resp.Header.Set("ETag", quoted)
		return resp
	}

	resp := router.NewResponse(http.StatusOK)
	resp.Header.Set("ETag", quoted)

	ctype := mime.TypeByExtension(filepath.Ext(path))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	resp.Header.Set("Content-Type", ctype)

	// 大文件交给协议层流式传输 不经过压缩
	if info.Size() > h.conf.InMemoryMaxBytes {
		f, err := os.Open(path)
		if err != nil {
			return internalError()
		}
		resp.File = f
		resp.FileSize = info.Size()
		return resp
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return internalError()
	}

	if algo, ok := negotiateEncoding(req, ctype, int64(len(body))); ok {
		compressed, err := h.compress.Compress(body, algo)
		if err == nil && len(compressed) < len(body) {
			resp.Header.Set("Content-Encoding", string(algo))
			resp.Header.Set("Vary", "Accept-Encoding")
			body = compressed
		}
	}

	resp.Body = body
	return resp
}

// resolve 将请求路径映射到 webroot 内的文件
//
// 任何规范化后逃出 webroot 的路径一律拒绝
// 这是路径穿越攻击的唯一防线 不依赖上游的 URL 清洗
func (h *Handler) resolve(reqPath string) (string, bool) {
	clean := filepath.Clean("/" + reqPath)
	abs := filepath.Join(h.webroot, clean)

	if abs != h.webroot && !strings.HasPrefix(abs, h.webroot+string(filepath.Separator)) {
		return "", false
	}
	return abs, true
}

// negotiateEncoding 按 Accept-Encoding 与内容类型决定压缩算法
func negotiateEncoding(req *router.Request, ctype string, size int64) (cache.Algorithm, bool) {
	if size < compressMinBytes {
		return "", false
	}

	compressible := false
	for _, prefix := range compressibleTypes {
		if strings.HasPrefix(ctype, prefix) {
			compressible = true
			break
		}
	}
	if !compressible {
		return "", false
	}

	accept := req.Header.Get("Accept-Encoding")
	switch {
	case hasEncoding(accept, "br"):
		return cache.AlgorithmBrotli, true
	case hasEncoding(accept, "gzip"):
		return cache.AlgorithmGzip, true
	}
	return "", false
}

func hasEncoding(accept, encoding string) bool {
	for _, part := range strings.Split(accept, ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(strings.TrimSpace(name), encoding) {
			return true
		}
	}
	return false
}

// etagMatch If-None-Match 允许携带多个以逗号分隔的 ETag
func etagMatch(header, etag string) bool {
	if header == "*" {
		return true
	}
	for _, part := range strings.Split(header, ",") {
		candidate := strings.TrimSpace(part)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}

func notFound() *router.Response {
	resp := router.NewResponse(http.StatusNotFound)
	resp.Body = []byte("404 page not found\n")
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	return resp
}

func internalError() *router.Response {
	resp := router.NewResponse(http.StatusInternalServerError)
	resp.Body = []byte("internal server error\n")
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	return resp
}
