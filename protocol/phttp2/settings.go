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

package phttp2

import (
	"encoding/binary"
)

// SETTINGS 参数标识符 RFC 7540 Section 6.5.2
const (
	settingHeaderTableSize      uint16 = 0x1
	settingEnablePush           uint16 = 0x2
	settingMaxConcurrentStreams uint16 = 0x3
	settingInitialWindowSize    uint16 = 0x4
	settingMaxFrameSize         uint16 = 0x5
	settingMaxHeaderListSize    uint16 = 0x6
)

const (
	// defaultInitialWindowSize 初始流量控制窗口
	defaultInitialWindowSize = 65535

	// minMaxFrameSize / maxMaxFrameSize SETTINGS_MAX_FRAME_SIZE 的合法区间
	minMaxFrameSize = 16384
	maxMaxFrameSize = 1<<24 - 1
)

// Settings 一端的 SETTINGS 快照
//
// 连接两端各持一份 remote 快照约束本端的发送行为
// local 快照约束本端的接收校验
type Settings struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
}

// defaultSettings RFC 7540 规定的各参数初始值
func defaultSettings() Settings {
	return Settings{
		HeaderTableSize:      4096,
		EnablePush:           true,
		MaxConcurrentStreams: 0xffffffff, // 初始无限制
		InitialWindowSize:    defaultInitialWindowSize,
		MaxFrameSize:         minMaxFrameSize,
		MaxHeaderListSize:    0xffffffff,
	}
}

// Encode 序列化为 SETTINGS 帧载荷 每个参数 6 字节
func (s Settings) Encode() []byte {
	var b []byte
	put := func(id uint16, v uint32) {
		var kv [6]byte
		binary.BigEndian.PutUint16(kv[0:2], id)
		binary.BigEndian.PutUint32(kv[2:6], v)
		b = append(b, kv[:]...)
	}

	put(settingHeaderTableSize, s.HeaderTableSize)
	if !s.EnablePush {
		put(settingEnablePush, 0)
	}
	put(settingMaxConcurrentStreams, s.MaxConcurrentStreams)
	put(settingInitialWindowSize, s.InitialWindowSize)
	put(settingMaxFrameSize, s.MaxFrameSize)
	put(settingMaxHeaderListSize, s.MaxHeaderListSize)
	return b
}

// apply 将 SETTINGS 帧载荷合并进快照 返回窗口增量
//
// windowDelta 用于 RFC 7540 Section 6.9.2 规定的存量流窗口重置
//
//	When the value of SETTINGS_INITIAL_WINDOW_SIZE changes, a receiver
//	MUST adjust the size of all stream flow-control windows that it
//	maintains by the difference between the new value and the old value.
func (s *Settings) apply(payload []byte) (windowDelta int32, err error) {
	if len(payload)%6 != 0 {
		return 0, connError(ErrCodeFrameSize, "settings payload not a multiple of 6")
	}

	for i := 0; i < len(payload); i += 6 {
		id := binary.BigEndian.Uint16(payload[i : i+2])
		v := binary.BigEndian.Uint32(payload[i+2 : i+6])

		switch id {
		case settingHeaderTableSize:
			s.HeaderTableSize = v

		case settingEnablePush:
			if v > 1 {
				return 0, connError(ErrCodeProtocol, "ENABLE_PUSH must be 0 or 1")
			}
			s.EnablePush = v == 1

		case settingMaxConcurrentStreams:
			s.MaxConcurrentStreams = v

		case settingInitialWindowSize:
			if v > maxWindow {
				return 0, connError(ErrCodeFlowControl, "INITIAL_WINDOW_SIZE exceeds 2^31-1")
			}
			windowDelta += int32(v) - int32(s.InitialWindowSize)
			s.InitialWindowSize = v

		case settingMaxFrameSize:
			if v < minMaxFrameSize || v > maxMaxFrameSize {
				return 0, connError(ErrCodeProtocol, "MAX_FRAME_SIZE out of range")
			}
			s.MaxFrameSize = v

		case settingMaxHeaderListSize:
			s.MaxHeaderListSize = v

		default:
			// 未知参数必须忽略
		}
	}
	return windowDelta, nil
}
