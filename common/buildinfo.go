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

package common

import (
	"fmt"
	"time"
)

// 构建信息由发布流程经 ldflags 注入
//
//	-X github.com/serverd/serverd/common.buildVersion=v0.2.0
//	-X github.com/serverd/serverd/common.buildHash=$(git rev-parse --short HEAD)
//	-X github.com/serverd/serverd/common.buildTime=$(date -u +%FT%TZ)
var (
	buildVersion string
	buildHash    string
	buildTime    string
)

// BuildInfo 程序构建信息 version 子命令与管理端 /-/status 使用
type BuildInfo struct {
	Version string
	GitHash string
	Time    string
}

func GetBuildInfo() BuildInfo {
	info := BuildInfo{
		Version: buildVersion,
		GitHash: buildHash,
		Time:    buildTime,
	}
	// 本地构建未注入 ldflags 时退回编译期默认值
	if info.Version == "" {
		info.Version = Version
	}
	if info.GitHash == "" {
		info.GitHash = "unknown"
	}
	if info.Time == "" {
		info.Time = "unknown"
	}
	return info
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s (%s, built %s)", b.Version, b.GitHash, b.Time)
}

var started = time.Now()

// Uptime 进程已运行时长 秒级精度
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}
