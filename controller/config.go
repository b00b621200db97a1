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
	"github.com/serverd/serverd/common"
)

// Config 协议与缓存层的聚合配置
//
// server / ratelimit / bufferPool / static / logger / admin
// 各自有独立 section 由对应包的 Config 解析
type Config struct {
	HTTP struct {
		MaxHeaderBytes int `config:"maxHeaderBytes"`
		MaxBodyBytes   int `config:"maxBodyBytes"`
	} `config:"http"`

	H2 struct {
		MaxConcurrentStreams int `config:"maxConcurrentStreams"`
		InitialWindowSize    int `config:"initialWindowSize"`
		MaxFrameSize         int `config:"maxFrameSize"`
		MaxHeaderListSize    int `config:"maxHeaderListSize"`
	} `config:"h2"`

	WS struct {
		MaxMessageSize      int `config:"maxMessageSize"`
		PingIntervalSeconds int `config:"pingIntervalSeconds"`
	} `config:"ws"`

	Cache struct {
		ETagMaxEntries     int `config:"etagMaxEntries"`
		CompressMaxEntries int `config:"compressMaxEntries"`
	} `config:"cache"`

	// ZeroCopyThreshold 文件体积达到该值时尝试 sendfile
	ZeroCopyThreshold int `config:"zeroCopyThreshold"`
}

// protocolOptions 展开为协议工厂的扁平选项
func (c Config) protocolOptions() common.Options {
	opts := common.NewOptions()
	opts.Merge("maxHeaderBytes", c.HTTP.MaxHeaderBytes)
	opts.Merge("maxBodyBytes", c.HTTP.MaxBodyBytes)
	opts.Merge("maxConcurrentStreams", c.H2.MaxConcurrentStreams)
	opts.Merge("initialWindowSize", c.H2.InitialWindowSize)
	opts.Merge("maxFrameSize", c.H2.MaxFrameSize)
	opts.Merge("maxHeaderListSize", c.H2.MaxHeaderListSize)
	opts.Merge("wsMaxMessageSize", c.WS.MaxMessageSize)
	opts.Merge("wsPingIntervalSeconds", c.WS.PingIntervalSeconds)
	opts.Merge("zeroCopyThreshold", c.ZeroCopyThreshold)
	return opts
}
