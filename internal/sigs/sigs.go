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

package sigs

import (
	"os"
	"os/signal"
	"syscall"
)

// 信号语义
//
// SIGINT / SIGTERM  触发优雅关停 controller 停止 accept 并限期排空连接
// SIGHUP            触发配置重载 仅可热更新的 section 生效
//
// 信号只在 cmd 的主循环消费一次 各子系统的收尾通过 context 取消传导
// 不直接观察信号

// Shutdown 返回关停信号通道
//
// 通道带缓冲 信号到达时即使主循环正阻塞在重载分支也不会丢失
func Shutdown() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}

// Reload 返回配置重载信号通道
func Reload() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	return ch
}

// SelfReload 进程内主动触发一次重载 管理端 /-/reload 使用
func SelfReload() error {
	return syscall.Kill(syscall.Getpid(), syscall.SIGHUP)
}
