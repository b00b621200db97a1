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

package cache

import (
	"bytes"
	"fmt"

	"github.com/andybalholm/brotli"
	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Algorithm 支持的压缩算法
type Algorithm string

const (
	AlgorithmGzip   Algorithm = "gzip"
	AlgorithmBrotli Algorithm = "br"
)

const (
	// DefaultCompressMaxEntries 压缩缓存的条目上限
	DefaultCompressMaxEntries = 1024
)

var errUnknownAlgorithm = errors.New("cache: unknown compress algorithm")

// compressKey 未压缩内容的指纹 长度加 64 位哈希
//
// 同长度同哈希视为同一份内容 不保留原始字节
type compressKey struct {
	length int
	sum    uint64
	algo   Algorithm
}

// CompressCache 压缩结果缓存
//
// 静态文件的压缩产物按内容指纹复用 避免对热点文件重复压缩
type CompressCache struct {
	store *lruCache
	group singleflight.Group
}

// NewCompressCache 创建并返回 CompressCache 实例
func NewCompressCache(maxEntries int) *CompressCache {
	if maxEntries <= 0 {
		maxEntries = DefaultCompressMaxEntries
	}
	return &CompressCache{
		store: newLRUCache("compress", maxEntries),
	}
}

// Compress 返回 b 按 algo 压缩后的字节
//
// 命中缓存直接返回 未命中时执行压缩并写入 同一 key 的并发压缩
// 通过 singleflight 合并为一次计算
func (c *CompressCache) Compress(b []byte, algo Algorithm) ([]byte, error) {
	key := compressKey{
		length: len(b),
		sum:    xxhash.Sum64(b),
		algo:   algo,
	}

	if v, ok := c.store.Get(key); ok {
		return v.([]byte), nil
	}

	v, err, _ := c.group.Do(fmt.Sprintf("%d:%x:%s", key.length, key.sum, key.algo), func() (any, error) {
		compressed, err := doCompress(b, algo)
		if err != nil {
			return nil, err
		}
		c.store.Put(key, compressed)
		return compressed, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func doCompress(b []byte, algo Algorithm) ([]byte, error) {
	var buf bytes.Buffer

	switch algo {
	case AlgorithmGzip:
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(b); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}

	case AlgorithmBrotli:
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(b); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}

	default:
		return nil, errUnknownAlgorithm
	}
	return buf.Bytes(), nil
}
