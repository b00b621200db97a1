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
	"io"
)

// FrameType HTTP/2 标准定义的帧类型
//
// * DATA Frame: 传输流的应用数据
// * HEADERS Frame: 传输头部信息 一般用于发起新流
// * PRIORITY Frame: 指定或重新指定流的优先级
// * RST_STREAM Frame: 终止流
// * SETTINGS Frame: 协商连接级参数
// * PUSH_PROMISE Frame: 服务器向客户端表明将发起流
// * PING Frame: 测量往返时间 检查连接活性
// * GOAWAY Frame: 通知对端不再接受新流
// * WINDOW_UPDATE Frame: 实现流量控制 调整窗口大小
// * CONTINUATION Frame: 继续传输因单个 HEADERS 或 PUSH_PROMISE 帧无法容纳的头部块
type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameRSTStream    FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

var frameTypeNames = map[FrameType]string{
	FrameData:         "DATA",
	FrameHeaders:      "HEADERS",
	FramePriority:     "PRIORITY",
	FrameRSTStream:    "RST_STREAM",
	FrameSettings:     "SETTINGS",
	FramePushPromise:  "PUSH_PROMISE",
	FramePing:         "PING",
	FrameGoAway:       "GOAWAY",
	FrameWindowUpdate: "WINDOW_UPDATE",
	FrameContinuation: "CONTINUATION",
}

func (t FrameType) String() string {
	if s, ok := frameTypeNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

const (
	// flagEndStream 用于 DATA 和 HEADERS 帧 表示当前是流的最后一帧
	flagEndStream = 0x1

	// flagAck 用于 SETTINGS 和 PING 帧 表示对对端帧的确认
	flagAck = 0x1

	// flagEndHeaders 表示完整的头部块已传输完毕
	// 未设置时后续必须紧跟同一流的 CONTINUATION 帧
	flagEndHeaders = 0x4

	// flagPadded 表示帧包含填充数据 (Pad Length + 填充字节)
	flagPadded = 0x8

	// flagPriority 用于 HEADERS 帧 表示包含 5 字节优先级信息
	flagPriority = 0x20
)

const (
	// FrameHeaderLen 帧首部固定长度
	FrameHeaderLen = 9

	// streamIDMask 31 位流标识符掩码 最高位为保留位
	streamIDMask = 0x7fffffff

	// maxWindow 流量控制窗口的上限 即 2^31-1
	maxWindow = 1<<31 - 1
)

// Frame 一个完整的 HTTP/2 帧
//
// 布局如下
//
//	+-----------------------------------------------+
//	|                 Length (24)                   |
//	+---------------+---------------+---------------+
//	|   Type (8)    |   Flags (8)   |
//	+-+-------------+---------------+-------------------------------+
//	|R|                 Stream Identifier (31)                      |
//	+-+-------------------------------------------------------------+
//	|                   Frame Payload (0...)                      ...
//	+---------------------------------------------------------------+
type Frame struct {
	Type     FrameType
	Flags    uint8
	StreamID uint32
	Payload  []byte
}

func (f Frame) has(flag uint8) bool {
	return f.Flags&flag != 0
}

// Framer 帧编解码器 绑定一条连接的读写端
type Framer struct {
	r io.Reader
	w io.Writer

	// maxReadSize 本端通告的 SETTINGS_MAX_FRAME_SIZE
	// 对端帧超过此长度时判为 FRAME_SIZE_ERROR
	maxReadSize uint32

	rbuf [FrameHeaderLen]byte
}

// NewFramer 创建并返回 Framer 实例
func NewFramer(r io.Reader, w io.Writer, maxReadSize uint32) *Framer {
	if maxReadSize < minMaxFrameSize {
		maxReadSize = minMaxFrameSize
	}
	return &Framer{
		r:           r,
		w:           w,
		maxReadSize: maxReadSize,
	}
}

// SetMaxReadSize 更新本端通告的最大帧长度
func (fr *Framer) SetMaxReadSize(n uint32) {
	fr.maxReadSize = n
}

// ReadFrame 读取一个完整帧
//
// 帧首部不完整或 payload 短读均视为连接级 PROTOCOL_ERROR
// 长度超过本端 MAX_FRAME_SIZE 为 FRAME_SIZE_ERROR
func (fr *Framer) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.rbuf[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, connError(ErrCodeProtocol, "short frame header")
	}

	length := uint32(fr.rbuf[0])<<16 | uint32(fr.rbuf[1])<<8 | uint32(fr.rbuf[2])
	if length > fr.maxReadSize {
		return Frame{}, connError(ErrCodeFrameSize, "frame exceeds MAX_FRAME_SIZE")
	}

	f := Frame{
		Type:     FrameType(fr.rbuf[3]),
		Flags:    fr.rbuf[4],
		StreamID: binary.BigEndian.Uint32(fr.rbuf[5:9]) & streamIDMask,
	}
	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(fr.r, f.Payload); err != nil {
			return Frame{}, connError(ErrCodeProtocol, "short frame payload")
		}
	}
	return f, nil
}

// WriteFrame 写入一个完整帧 流标识符最高位强制清零
func (fr *Framer) WriteFrame(f Frame) error {
	var hdr [FrameHeaderLen]byte
	length := len(f.Payload)

	hdr[0] = byte(length >> 16)
	hdr[1] = byte(length >> 8)
	hdr[2] = byte(length)
	hdr[3] = byte(f.Type)
	hdr[4] = f.Flags
	binary.BigEndian.PutUint32(hdr[5:9], f.StreamID&streamIDMask)

	if _, err := fr.w.Write(hdr[:]); err != nil {
		return err
	}
	if length > 0 {
		if _, err := fr.w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// stripPadding 剔除 PADDED 帧的填充部分
func stripPadding(f Frame) ([]byte, error) {
	b := f.Payload
	if !f.has(flagPadded) {
		return b, nil
	}
	if len(b) < 1 {
		return nil, connError(ErrCodeProtocol, "padded frame without pad length")
	}
	padLen := int(b[0])
	b = b[1:]
	if padLen > len(b) {
		return nil, connError(ErrCodeProtocol, "pad length exceeds payload")
	}
	return b[:len(b)-padLen], nil
}

// headerBlockFragment 提取 HEADERS 帧的 header block 部分
//
// 依次剔除填充与优先级字段 优先级信息仅解析不参与调度
func headerBlockFragment(f Frame) ([]byte, error) {
	b, err := stripPadding(f)
	if err != nil {
		return nil, err
	}
	if f.has(flagPriority) {
		if len(b) < 5 {
			return nil, connError(ErrCodeProtocol, "headers frame priority field truncated")
		}
		b = b[5:]
	}
	return b, nil
}

// parseWindowUpdate 解析 WINDOW_UPDATE 帧
//
// RFC 7540:
//  A receiver MUST treat the receipt of a WINDOW_UPDATE frame with a
//  flow-control window increment of 0 as a stream error of type
//  PROTOCOL_ERROR; errors on the connection flow-control window MUST
//  be treated as a connection error.
func parseWindowUpdate(f Frame) (uint32, error) {
	if len(f.Payload) != 4 {
		return 0, connError(ErrCodeFrameSize, "window update length must be 4")
	}
	incr := binary.BigEndian.Uint32(f.Payload) & streamIDMask
	if incr == 0 {
		if f.StreamID == 0 {
			return 0, connError(ErrCodeProtocol, "window update increment 0")
		}
		return 0, streamError(f.StreamID, ErrCodeProtocol, "window update increment 0")
	}
	return incr, nil
}

// parseRSTStream 解析 RST_STREAM 帧载荷中的错误码
func parseRSTStream(f Frame) (ErrCode, error) {
	if f.StreamID == 0 {
		return 0, connError(ErrCodeProtocol, "rst stream on stream 0")
	}
	if len(f.Payload) != 4 {
		return 0, connError(ErrCodeFrameSize, "rst stream length must be 4")
	}
	return ErrCode(binary.BigEndian.Uint32(f.Payload)), nil
}

// goAwayFrame 构造 GOAWAY 帧
func goAwayFrame(lastStreamID uint32, code ErrCode) Frame {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[0:4], lastStreamID&streamIDMask)
	binary.BigEndian.PutUint32(payload[4:8], uint32(code))
	return Frame{Type: FrameGoAway, Payload: payload}
}

// windowUpdateFrame 构造 WINDOW_UPDATE 帧
func windowUpdateFrame(streamID, incr uint32) Frame {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, incr)
	return Frame{Type: FrameWindowUpdate, StreamID: streamID, Payload: payload}
}

// rstStreamFrame 构造 RST_STREAM 帧
func rstStreamFrame(streamID uint32, code ErrCode) Frame {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(code))
	return Frame{Type: FrameRSTStream, StreamID: streamID, Payload: payload}
}
