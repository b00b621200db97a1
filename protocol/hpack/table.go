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

// HeaderField HPACK 编解码的最小单元
//
// Sensitive 标记的字段必须以 never-indexed 字面量编码 中间件不允许
// 将其写入任何索引表
type HeaderField struct {
	Name      string
	Value     string
	Sensitive bool
}

// size 单个条目占用的表空间
//
// RFC 7541 Section 4.1:
//  The size of an entry is the sum of its name's length in octets,
//  its value's length in octets, and 32.
func (hf HeaderField) size() int {
	return len(hf.Name) + len(hf.Value) + 32
}

// staticTable RFC 7541 Appendix A 定义的静态表 索引从 1 开始
var staticTable = []HeaderField{
	{Name: ":authority"},
	{Name: ":method", Value: "GET"},
	{Name: ":method", Value: "POST"},
	{Name: ":path", Value: "/"},
	{Name: ":path", Value: "/index.html"},
	{Name: ":scheme", Value: "http"},
	{Name: ":scheme", Value: "https"},
	{Name: ":status", Value: "200"},
	{Name: ":status", Value: "204"},
	{Name: ":status", Value: "206"},
	{Name: ":status", Value: "304"},
	{Name: ":status", Value: "400"},
	{Name: ":status", Value: "404"},
	{Name: ":status", Value: "500"},
	{Name: "accept-charset"},
	{Name: "accept-encoding", Value: "gzip, deflate"},
	{Name: "accept-language"},
	{Name: "accept-ranges"},
	{Name: "accept"},
	{Name: "access-control-allow-origin"},
	{Name: "age"},
	{Name: "allow"},
	{Name: "authorization"},
	{Name: "cache-control"},
	{Name: "content-disposition"},
	{Name: "content-encoding"},
	{Name: "content-language"},
	{Name: "content-length"},
	{Name: "content-location"},
	{Name: "content-range"},
	{Name: "content-type"},
	{Name: "cookie"},
	{Name: "date"},
	{Name: "etag"},
	{Name: "expect"},
	{Name: "expires"},
	{Name: "from"},
	{Name: "host"},
	{Name: "if-match"},
	{Name: "if-modified-since"},
	{Name: "if-none-match"},
	{Name: "if-range"},
	{Name: "if-unmodified-since"},
	{Name: "last-modified"},
	{Name: "link"},
	{Name: "location"},
	{Name: "max-forwards"},
	{Name: "proxy-authenticate"},
	{Name: "proxy-authorization"},
	{Name: "range"},
	{Name: "referer"},
	{Name: "refresh"},
	{Name: "retry-after"},
	{Name: "server"},
	{Name: "set-cookie"},
	{Name: "strict-transport-security"},
	{Name: "transfer-encoding"},
	{Name: "user-agent"},
	{Name: "vary"},
	{Name: "via"},
	{Name: "www-authenticate"},
}

const staticTableSize = 61

// staticIndex 精确匹配 (name, value) 的静态表索引 0 表示不存在
func staticIndex(name, value string) int {
	for i, hf := range staticTable {
		if hf.Name == name && hf.Value == value {
			return i + 1
		}
	}
	return 0
}

// staticNameIndex 仅匹配 name 的静态表索引 0 表示不存在
func staticNameIndex(name string) int {
	for i, hf := range staticTable {
		if hf.Name == name {
			return i + 1
		}
	}
	return 0
}

// dynamicTable HPACK 动态表
//
// 新条目插入头部 索引 62 起始 表大小受 maxSize 约束
// 超出时从尾部(最旧)开始逐出
//
// RFC 7541:
//  The dynamic table can contain duplicate entries [...] The dynamic
//  table is initially empty. Entries are added as each header block
//  is decompressed.
type dynamicTable struct {
	entries []HeaderField // entries[0] 为最新
	size    int
	maxSize int
}

func newDynamicTable(maxSize int) *dynamicTable {
	return &dynamicTable{maxSize: maxSize}
}

// add 插入条目并按需逐出最旧条目
//
// 条目本身大于表容量时 清空整表且不插入 这是 RFC 7541 §4.4 规定的行为
func (dt *dynamicTable) add(hf HeaderField) {
	need := hf.size()
	if need > dt.maxSize {
		dt.entries = nil
		dt.size = 0
		return
	}

	dt.evict(dt.maxSize - need)
	dt.entries = append([]HeaderField{hf}, dt.entries...)
	dt.size += need
}

// setMaxSize 调整表容量 缩容时立即逐出直到满足约束
func (dt *dynamicTable) setMaxSize(n int) {
	dt.maxSize = n
	dt.evict(n)
}

// evict 从最旧条目开始逐出 直到表大小不超过 limit
func (dt *dynamicTable) evict(limit int) {
	for dt.size > limit && len(dt.entries) > 0 {
		last := dt.entries[len(dt.entries)-1]
		dt.entries = dt.entries[:len(dt.entries)-1]
		dt.size -= last.size()
	}
}

// at 按 HPACK 全局索引取条目 静态表之后紧接动态表
func (dt *dynamicTable) at(index int) (HeaderField, bool) {
	if index <= 0 {
		return HeaderField{}, false
	}
	if index <= staticTableSize {
		return staticTable[index-1], true
	}

	i := index - staticTableSize - 1
	if i >= len(dt.entries) {
		return HeaderField{}, false
	}
	return dt.entries[i], true
}

// lookup 反查条目的全局索引 exact 表示 value 也一致
func (dt *dynamicTable) lookup(name, value string) (index int, exact bool) {
	if i := staticIndex(name, value); i > 0 {
		return i, true
	}
	for i, hf := range dt.entries {
		if hf.Name == name && hf.Value == value {
			return staticTableSize + i + 1, true
		}
	}
	if i := staticNameIndex(name); i > 0 {
		return i, false
	}
	for i, hf := range dt.entries {
		if hf.Name == name {
			return staticTableSize + i + 1, false
		}
	}
	return 0, false
}
