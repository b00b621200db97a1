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

package protocol

import (
	"context"

	"github.com/pkg/errors"

	"github.com/serverd/serverd/common"
	"github.com/serverd/serverd/internal/bufpool"
	"github.com/serverd/serverd/ratelimit"
	"github.com/serverd/serverd/router"
)

// ALPN 协议标识符
const (
	ALPNHTTP1 = "http/1.1"
	ALPNH2    = "h2"
)

// ErrConnClosed 连接已正常关闭 上层只做清理不记错误
var ErrConnClosed = errors.New("protocol: connection closed")

// Handler 驱动一条已接受的连接直至其生命周期结束
//
// Serve 在连接独占的 goroutine 内运行 阻塞式读写
// ctx 取消代表服务关停 实现需要在截止时间内优雅收尾
type Handler interface {
	Name() string
	Serve(ctx context.Context, conn *Conn) error
}

// Deps 协议处理器共享的基础设施
//
// 进程内单份 由 controller 装配后显式注入 协议处理器之间
// 不允许通过全局变量共享状态
type Deps struct {
	Router  *router.Router
	Limiter *ratelimit.Limiter
	BufPool *bufpool.Pool
}

// Factory 协议处理器工厂 opts 携带协议粒度的扩展配置
type Factory func(deps Deps, opts common.Options) Handler

var factories = make(map[string]Factory)

// Register 注册协议处理器工厂 按 ALPN 标识符索引
func Register(name string, f Factory) {
	factories[name] = f
}

// NewHandler 构建指定协议的处理器 未注册的协议返回错误
func NewHandler(name string, deps Deps, opts common.Options) (Handler, error) {
	f, ok := factories[name]
	if !ok {
		return nil, errors.Errorf("protocol: unregistered protocol %q", name)
	}
	return f(deps, opts), nil
}
