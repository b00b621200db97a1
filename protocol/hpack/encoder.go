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

package hpack

import (
	xhpack "golang.org/x/net/http2/hpack"
)

// Encoder HPACK 编码器 与 Decoder 成对 每条连接独占
//
// 编码器维护自己的动态表副本 与对端解码器的表通过指令流保持一致
// 不允许并发调用 不跨连接共享
type Encoder struct {
	table        *dynamicTable
	maxTableSize int

	// pendingSizeUpdate 记录待通告的表容量调整
	// 下一个 header block 的起始处必须先发出 size update 指令
	pendingSizeUpdate bool
}

// NewEncoder 创建并返回 Encoder 实例
func NewEncoder(maxTableSize int) *Encoder {
	if maxTableSize <= 0 {
		maxTableSize = DefaultTableSize
	}
	return &Encoder{
		table:        newDynamicTable(maxTableSize),
		maxTableSize: maxTableSize,
	}
}

// SetMaxTableSize 应用对端 SETTINGS_HEADER_TABLE_SIZE
func (e *Encoder) SetMaxTableSize(n int) {
	if n == e.maxTableSize {
		return
	}
	e.maxTableSize = n
	e.table.setMaxSize(n)
	e.pendingSizeUpdate = true
}

// Encode 将字段序列编码为一个 header block
//
// 非敏感字段优先使用索引 其次字面量加增量索引
// 敏感字段强制 never-indexed 不进入任何表
func (e *Encoder) Encode(fields []HeaderField) []byte {
	var b []byte

	if e.pendingSizeUpdate {
		b = appendInteger(b, 0x20, 5, e.maxTableSize)
		e.pendingSizeUpdate = false
	}

	for _, hf := range fields {
		if hf.Sensitive {
			b = e.appendNeverIndexed(b, hf)
			continue
		}

		index, exact := e.table.lookup(hf.Name, hf.Value)
		switch {
		case exact:
			// Indexed Header Field
			b = appendInteger(b, 0x80, 7, index)

		default:
			// Literal with Incremental Indexing
			b = appendInteger(b, 0x40, 6, index)
			if index == 0 {
				b = appendString(b, hf.Name)
			}
			b = appendString(b, hf.Value)
			e.table.add(HeaderField{Name: hf.Name, Value: hf.Value})
		}
	}
	return b
}

// appendNeverIndexed 追加 never-indexed 字面量 (0001xxxx)
func (e *Encoder) appendNeverIndexed(b []byte, hf HeaderField) []byte {
	index := staticNameIndex(hf.Name)
	b = appendInteger(b, 0x10, 4, index)
	if index == 0 {
		b = appendString(b, hf.Name)
	}
	return appendString(b, hf.Value)
}

// appendInteger 写入 N 位前缀整数 pattern 为前缀位模板
func appendInteger(b []byte, pattern byte, prefix int, v int) []byte {
	mask := (1 << prefix) - 1
	if v < mask {
		return append(b, pattern|byte(v))
	}

	b = append(b, pattern|byte(mask))
	v -= mask
	for v >= 0x80 {
		b = append(b, byte(v&0x7f)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

// appendString 写入字符串字面量 Huffman 编码更短时优先使用
func appendString(b []byte, s string) []byte {
	if n := xhpack.HuffmanEncodeLength(s); n < uint64(len(s)) {
		b = appendInteger(b, 0x80, 7, int(n))
		return xhpack.AppendHuffmanString(b, s)
	}
	b = appendInteger(b, 0x00, 7, len(s))
	return append(b, s...)
}
