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

package controller

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/serverd/serverd/logger"
	"github.com/serverd/serverd/router"
)

// registerSampleRoutes 内置示例应用路由
//
// /json 与 /plaintext 用于基准压测 /events 为 SSE 示例
func registerSampleRoutes(rt *router.Router) {
	rt.Handle(http.MethodGet, "/json", func(req *router.Request) *router.Response {
		resp := router.NewResponse(http.StatusOK)
		resp.Header.Set("Content-Type", "application/json")

		body, err := json.Marshal(map[string]string{"message": "Hello, World!"})
		if err != nil {
			logger.Errorf("marshal json sample: %v", err)
			return router.NewResponse(http.StatusInternalServerError)
		}
		resp.Body = body
		return resp
	})

	rt.Handle(http.MethodGet, "/plaintext", func(req *router.Request) *router.Response {
		resp := router.NewResponse(http.StatusOK)
		resp.Header.Set("Content-Type", "text/plain")
		resp.Body = []byte("Hello, World!")
		return resp
	})

	rt.Handle(http.MethodGet, "/events", func(req *router.Request) *router.Response {
		resp := router.NewResponse(http.StatusOK)
		resp.Header.Set("Content-Type", "text/event-stream")
		resp.Header.Set("Cache-Control", "no-cache")
		resp.BodyStream = newTickStream(time.Second, 10)
		return resp
	})
}

// tickStream 按固定间隔产出 SSE 事件的流 产出 n 个事件后结束
type tickStream struct {
	interval time.Duration
	remain   int
	done     chan struct{}
}

func newTickStream(interval time.Duration, count int) io.ReadCloser {
	return &tickStream{
		interval: interval,
		remain:   count,
		done:     make(chan struct{}),
	}
}

// Read 阻塞到下一个事件 事件即刻经 chunked 路径写出并 flush
func (ts *tickStream) Read(p []byte) (int, error) {
	if ts.remain <= 0 {
		return 0, io.EOF
	}

	select {
	case <-time.After(ts.interval):
	case <-ts.done:
		return 0, io.EOF
	}

	ts.remain--
	event := fmt.Sprintf("data: %d\n\n", time.Now().Unix())
	return copy(p, event), nil
}

func (ts *tickStream) Close() error {
	select {
	case <-ts.done:
	default:
		close(ts.done)
	}
	return nil
}
