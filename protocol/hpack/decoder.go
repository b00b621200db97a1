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
	"github.com/pkg/errors"
	xhpack "golang.org/x/net/http2/hpack"
)

func newError(format string, args ...any) error {
	format = "hpack: " + format
	return errors.Errorf(format, args...)
}

var (
	// ErrHeaderListTooLarge 解码产物超出 max_header_list_size
	//
	// 对端可以用极小的压缩块展开出巨量头部 (HPACK 炸弹)
	// 解码器在累计成本越界的那一刻终止 不继续追加任何字段
	// 上层需要将其映射为连接级 COMPRESSION_ERROR
	ErrHeaderListTooLarge = newError("decoded header list exceeds bound")

	errInvalidIndex    = newError("invalid table index")
	errIntegerOverflow = newError("integer overflow")
	errTruncated       = newError("truncated header block")
	errTableSizeBound  = newError("table size update exceeds bound")
	errInvalidHuffman  = newError("invalid huffman encoding")
)

const (
	// DefaultMaxHeaderListSize 解码头部列表的默认上限
	DefaultMaxHeaderListSize = 8 * 1024

	// DefaultTableSize HPACK 动态表默认容量
	//
	// RFC 7540 SETTINGS_HEADER_TABLE_SIZE 的初始值
	DefaultTableSize = 4096
)

// Decoder HPACK 解码器 每条 HTTP/2 连接独占一个实例
//
// 动态表状态跨 header block 保持 不允许并发调用
// 连接关闭后状态随实例一起丢弃 不跨连接复用
type Decoder struct {
	table             *dynamicTable
	maxTableSize      int // SETTINGS 协商的容量上界
	maxHeaderListSize int
}

// NewDecoder 创建并返回 Decoder 实例
func NewDecoder(maxTableSize, maxHeaderListSize int) *Decoder {
	if maxTableSize <= 0 {
		maxTableSize = DefaultTableSize
	}
	if maxHeaderListSize <= 0 {
		maxHeaderListSize = DefaultMaxHeaderListSize
	}
	return &Decoder{
		table:             newDynamicTable(maxTableSize),
		maxTableSize:      maxTableSize,
		maxHeaderListSize: maxHeaderListSize,
	}
}

// SetMaxTableSize 更新 SETTINGS_HEADER_TABLE_SIZE 协商结果
func (d *Decoder) SetMaxTableSize(n int) {
	d.maxTableSize = n
	if d.table.maxSize > n {
		d.table.setMaxSize(n)
	}
}

// Decode 解码一个完整的 header block 返回字段序列
//
// 调用方必须保证传入完整的 block (END_HEADERS 语义)
// 任何错误都意味着整条连接的压缩状态已不可信
//
// 指令判别按首字节前缀
//
//	1xxxxxxx  Indexed Header Field
//	01xxxxxx  Literal with Incremental Indexing
//	001xxxxx  Dynamic Table Size Update
//	0001xxxx  Literal Never Indexed
//	0000xxxx  Literal without Indexing
func (d *Decoder) Decode(b []byte) ([]HeaderField, error) {
	var fields []HeaderField
	var listSize int

	emit := func(hf HeaderField) error {
		listSize += hf.size()
		if listSize > d.maxHeaderListSize {
			return ErrHeaderListTooLarge
		}
		fields = append(fields, hf)
		return nil
	}

	for len(b) > 0 {
		switch {
		case b[0]&0x80 != 0:
			// Indexed Header Field
			index, rest, err := readInteger(b, 7)
			if err != nil {
				return nil, err
			}
			hf, ok := d.table.at(index)
			if !ok {
				return nil, errInvalidIndex
			}
			if err := emit(hf); err != nil {
				return nil, err
			}
			b = rest

		case b[0]&0xc0 == 0x40:
			// Literal with Incremental Indexing
			hf, rest, err := d.readLiteral(b, 6)
			if err != nil {
				return nil, err
			}
			d.table.add(hf)
			if err := emit(hf); err != nil {
				return nil, err
			}
			b = rest

		case b[0]&0xe0 == 0x20:
			// Dynamic Table Size Update
			size, rest, err := readInteger(b, 5)
			if err != nil {
				return nil, err
			}
			if size > d.maxTableSize {
				return nil, errTableSizeBound
			}
			d.table.setMaxSize(size)
			b = rest

		case b[0]&0xf0 == 0x10:
			// Literal Never Indexed
			hf, rest, err := d.readLiteral(b, 4)
			if err != nil {
				return nil, err
			}
			hf.Sensitive = true
			if err := emit(hf); err != nil {
				return nil, err
			}
			b = rest

		default:
			// Literal without Indexing (0000xxxx)
			hf, rest, err := d.readLiteral(b, 4)
			if err != nil {
				return nil, err
			}
			if err := emit(hf); err != nil {
				return nil, err
			}
			b = rest
		}
	}
	return fields, nil
}

// readLiteral 读取字面量指令的 name/value 部分
//
// name 可以是索引引用或字面量字符串 value 恒为字面量字符串
func (d *Decoder) readLiteral(b []byte, prefix int) (HeaderField, []byte, error) {
	nameIndex, rest, err := readInteger(b, prefix)
	if err != nil {
		return HeaderField{}, nil, err
	}
	b = rest

	var name string
	if nameIndex > 0 {
		hf, ok := d.table.at(nameIndex)
		if !ok {
			return HeaderField{}, nil, errInvalidIndex
		}
		name = hf.Name
	} else {
		name, b, err = readString(b)
		if err != nil {
			return HeaderField{}, nil, err
		}
	}

	value, b, err := readString(b)
	if err != nil {
		return HeaderField{}, nil, err
	}
	return HeaderField{Name: name, Value: value}, b, nil
}

// readInteger 读取 N 位前缀整数
//
// RFC 7541 Section 5.1 布局 (N=5)
//
//	  0   1   2   3   4   5   6   7
//	+---+---+---+---+---+---+---+---+
//	| ? | ? | ? | 1   1   1   1   1 |
//	+---+---+---+---+---+---+---+---+
//	| 1 |    Value-(2^N-1) LSB      |
//	+---+---+---+---+---+---+---+---+
//	              ...
//	| 0 |    Value-(2^N-1) MSB      |
//	+---+---+---+---+---+---+---+---+
func readInteger(b []byte, prefix int) (int, []byte, error) {
	if len(b) == 0 {
		return 0, nil, errTruncated
	}

	mask := (1 << prefix) - 1
	v := int(b[0]) & mask
	b = b[1:]
	if v < mask {
		return v, b, nil
	}

	// 多字节续延 每字节携带 7 位
	var shift uint
	for {
		if len(b) == 0 {
			return 0, nil, errTruncated
		}
		c := b[0]
		b = b[1:]

		v += int(c&0x7f) << shift
		shift += 7
		if shift > 28 || v < 0 {
			return 0, nil, errIntegerOverflow
		}
		if c&0x80 == 0 {
			return v, b, nil
		}
	}
}

// readString 读取长度前缀的字符串字面量 H 位标记 Huffman 编码
func readString(b []byte) (string, []byte, error) {
	if len(b) == 0 {
		return "", nil, errTruncated
	}
	huffman := b[0]&0x80 != 0

	length, rest, err := readInteger(b, 7)
	if err != nil {
		return "", nil, err
	}
	b = rest
	if len(b) < length {
		return "", nil, errTruncated
	}

	raw := b[:length]
	b = b[length:]
	if !huffman {
		return string(raw), b, nil
	}

	s, err := xhpack.HuffmanDecodeToString(raw)
	if err != nil {
		return "", nil, errInvalidHuffman
	}
	return s, b, nil
}
