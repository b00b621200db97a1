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

package pwebsocket

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

func newError(format string, args ...any) error {
	format = "websocket: " + format
	return errors.Errorf(format, args...)
}

var (
	errReservedBits      = newError("non-zero reserved bits")
	errControlTooLong    = newError("control frame payload exceeds 125 bytes")
	errControlFragmented = newError("fragmented control frame")
	errFrameTooLarge     = newError("frame exceeds message size limit")
)

// Opcode RFC 6455 Section 5.2 定义的帧操作码
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl 控制帧操作码最高位为 1
func (op Opcode) IsControl() bool {
	return op&0x8 != 0
}

// RFC 6455 Section 7.4.1 定义的关闭状态码
const (
	CloseNormal         = 1000
	CloseGoingAway      = 1001
	CloseProtocolError  = 1002
	CloseNoStatus       = 1005
	CloseInvalidPayload = 1007
	CloseTooBig         = 1009
)

// frame 一个完整的 WebSocket 帧
//
// 布局如下
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-------+-+-------------+-------------------------------+
//	|F|R|R|R| opcode|M| Payload len |    Extended payload length    |
//	|I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
//	|N|V|V|V|       |S|             |   (if payload len==126/127)   |
//	| |1|2|3|       |K|             |                               |
//	+-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
//	|     Extended payload length continued, if payload len == 127  |
//	+ - - - - - - - - - - - - - - - +-------------------------------+
//	|                               |Masking-key, if MASK set to 1  |
//	+-------------------------------+-------------------------------+
//	| Masking-key (continued)       |          Payload Data         |
//	+-------------------------------- - - - - - - - - - - - - - - - +
type frame struct {
	fin     bool
	opcode  Opcode
	masked  bool
	maskKey [4]byte
	payload []byte
}

// mask 原地对 payload 按掩码做 XOR 掩码与解掩码为同一运算
func mask(key [4]byte, b []byte) {
	for i := range b {
		b[i] ^= key[i%4]
	}
}

// readFrame 读取一个完整帧并完成协议校验
//
// RSV 位非零为协议错误 (不支持任何扩展)
// 控制帧不允许分片且载荷不超过 125 字节
// maxSize 约束单帧载荷 防止恶意的超长帧
func readFrame(r io.Reader, maxSize int64) (frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}

	f := frame{
		fin:    hdr[0]&0x80 != 0,
		opcode: Opcode(hdr[0] & 0x0f),
		masked: hdr[1]&0x80 != 0,
	}
	if hdr[0]&0x70 != 0 {
		return frame{}, errReservedBits
	}

	length := int64(hdr[1] & 0x7f)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return frame{}, err
		}
		length = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return frame{}, err
		}
		length = int64(binary.BigEndian.Uint64(ext[:]))
		if length < 0 {
			return frame{}, errFrameTooLarge
		}
	}

	if f.opcode.IsControl() {
		if length > 125 {
			return frame{}, errControlTooLong
		}
		if !f.fin {
			return frame{}, errControlFragmented
		}
	}
	if length > maxSize {
		return frame{}, errFrameTooLarge
	}

	if f.masked {
		if _, err := io.ReadFull(r, f.maskKey[:]); err != nil {
			return frame{}, err
		}
	}

	if length > 0 {
		f.payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return frame{}, err
		}
		if f.masked {
			mask(f.maskKey, f.payload)
		}
	}
	return f, nil
}

// appendFrame 序列化一个服务端帧 (永不掩码)
func appendFrame(b []byte, f frame) []byte {
	b0 := byte(f.opcode)
	if f.fin {
		b0 |= 0x80
	}
	b = append(b, b0)

	length := len(f.payload)
	switch {
	case length <= 125:
		b = append(b, byte(length))
	case length <= 0xffff:
		b = append(b, 126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(length))
		b = append(b, ext[:]...)
	default:
		b = append(b, 127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(length))
		b = append(b, ext[:]...)
	}
	return append(b, f.payload...)
}

// closePayload 构造 CLOSE 帧载荷 状态码加可选原因
func closePayload(code int, reason string) []byte {
	b := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(b, uint16(code))
	return append(b, reason...)
}

// parseClosePayload 解析对端 CLOSE 载荷 缺省状态码为 1005
func parseClosePayload(b []byte) (code int, reason string) {
	if len(b) < 2 {
		return CloseNoStatus, ""
	}
	return int(binary.BigEndian.Uint16(b[:2])), string(b[2:])
}
