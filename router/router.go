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

package router

import (
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Request 协议无关的请求表示
//
// HTTP/1.1 与 HTTP/2 解析完成后都归一化到此结构再进入路由
type Request struct {
	Proto      string // HTTP/1.1 或 HTTP/2
	Method     string
	Path       string // 不含 query 部分
	Query      string
	Authority  string
	Header     http.Header
	Body       []byte
	RemoteAddr string
}

// Response 协议无关的响应表示
//
// Body / BodyStream / File 三者互斥
// BodyStream 用于长度未知的流式响应 (SSE) 读到 io.EOF 即结束
// File 用于长度已知的静态文件 HTTP/1.1 明文路径可走零拷贝传输
type Response struct {
	Status     int
	Header     http.Header
	Body       []byte
	BodyStream io.ReadCloser
	File       *os.File
	FileSize   int64
}

// HasBody 返回响应是否携带任意形式的主体
func (r *Response) HasBody() bool {
	return len(r.Body) > 0 || r.BodyStream != nil || r.File != nil
}

// NewResponse 创建指定状态码的空响应
func NewResponse(status int) *Response {
	return &Response{
		Status: status,
		Header: make(http.Header),
	}
}

// HandlerFunc 请求处理函数 每个请求恰好被调用一次
type HandlerFunc func(req *Request) *Response

// RouteOption 路由的扩展选项 由配置文件的自由 map 解码而来
type RouteOption struct {
	Compress bool `mapstructure:"compress"`
	RawBody  bool `mapstructure:"rawBody"`
}

// DecodeRouteOption 将配置中的选项 map 解码为 RouteOption
func DecodeRouteOption(m map[string]any) (RouteOption, error) {
	var opt RouteOption
	err := mapstructure.Decode(m, &opt)
	return opt, err
}

type route struct {
	method  string
	path    string
	prefix  bool
	handler HandlerFunc
	opt     RouteOption
}

// Router 方法加路径的请求路由
//
// 精确路径优先 其次最长前缀 NotFound 兜底
// 注册发生在启动阶段 运行期只读 读写锁仅保护热更新场景
type Router struct {
	mut    sync.RWMutex
	exact  map[string]*route // method + " " + path
	prefix []*route
}

// New 创建并返回 Router 实例
func New() *Router {
	return &Router{
		exact: make(map[string]*route),
	}
}

// Handle 注册精确路径路由
func (r *Router) Handle(method, path string, h HandlerFunc, opts ...RouteOption) {
	r.mut.Lock()
	defer r.mut.Unlock()

	rt := &route{method: method, path: path, handler: h}
	if len(opts) > 0 {
		rt.opt = opts[0]
	}
	r.exact[method+" "+path] = rt
}

// HandlePrefix 注册前缀路由 静态文件挂载使用
func (r *Router) HandlePrefix(method, prefix string, h HandlerFunc, opts ...RouteOption) {
	r.mut.Lock()
	defer r.mut.Unlock()

	rt := &route{method: method, path: prefix, prefix: true, handler: h}
	if len(opts) > 0 {
		rt.opt = opts[0]
	}

	// 最长前缀优先
	idx := len(r.prefix)
	for i, p := range r.prefix {
		if len(prefix) > len(p.path) {
			idx = i
			break
		}
	}
	r.prefix = append(r.prefix[:idx], append([]*route{rt}, r.prefix[idx:]...)...)
}

// Dispatch 路由并执行请求 返回响应
//
// 未匹配到路由时返回 404 handler panic 由调用方协议层
// (phttp 的 dispatch 与 phttp2 的 runHandler) recover 并转换为 500
func (r *Router) Dispatch(req *Request) *Response {
	h := r.lookup(req.Method, req.Path)
	if h == nil {
		resp := NewResponse(http.StatusNotFound)
		resp.Body = []byte("404 page not found\n")
		resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
		return resp
	}
	return h(req)
}

func (r *Router) lookup(method, path string) HandlerFunc {
	r.mut.RLock()
	defer r.mut.RUnlock()

	if rt, ok := r.exact[method+" "+path]; ok {
		return rt.handler
	}
	for _, rt := range r.prefix {
		if rt.method == method && strings.HasPrefix(path, rt.path) {
			return rt.handler
		}
	}
	return nil
}
