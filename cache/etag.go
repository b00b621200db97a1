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
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultETagMaxEntries ETag 缓存的条目上限
	DefaultETagMaxEntries = 8192

	// etagWindowSize 大文件只取首尾两个窗口参与哈希
	//
	// 文件体积超过两个窗口时全量读取的代价过高 首尾窗口配合
	// (size, mtime) 键已足以区分版本
	etagWindowSize = 64 * 1024
)

// etagKey 缓存键 文件元信息任一变化都会强制重新计算
type etagKey struct {
	path  string
	size  int64
	mtime int64
}

// ETagCache 按文件身份缓存 ETag 值
//
// 同一 key 的并发计算通过 singleflight 合并 保证每个 key 至多一次哈希
type ETagCache struct {
	store *lruCache
	group singleflight.Group
}

// NewETagCache 创建并返回 ETagCache 实例
func NewETagCache(maxEntries int) *ETagCache {
	if maxEntries <= 0 {
		maxEntries = DefaultETagMaxEntries
	}
	return &ETagCache{
		store: newLRUCache("etag", maxEntries),
	}
}

// Generate 返回文件当前版本的 ETag
//
// 同一 (path, size, mtime) 的结果是确定的 元信息变化时缓存键失配
// 自动触发重算 不需要显式失效
func (c *ETagCache) Generate(path string, info os.FileInfo) (string, error) {
	key := etagKey{
		path:  path,
		size:  info.Size(),
		mtime: info.ModTime().UnixNano(),
	}

	if v, ok := c.store.Get(key); ok {
		return v.(string), nil
	}

	v, err, _ := c.group.Do(fmt.Sprintf("%s:%d:%d", key.path, key.size, key.mtime), func() (any, error) {
		tag, err := hashFile(path, info.Size())
		if err != nil {
			return "", err
		}
		c.store.Put(key, tag)
		return tag, nil
	})
	if err != nil {
		return "", errors.Wrap(err, "generate etag")
	}
	return v.(string), nil
}

// hashFile 计算文件内容指纹
//
// 小文件全量哈希 大文件取首尾各 64K 窗口 结果取 16 位十六进制
func hashFile(path string, size int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	digest := xxhash.New()
	if size <= 2*etagWindowSize {
		if _, err := io.Copy(digest, f); err != nil {
			return "", err
		}
		return fmt.Sprintf("%016x", digest.Sum64()), nil
	}

	window := make([]byte, etagWindowSize)
	if _, err := io.ReadFull(f, window); err != nil {
		return "", err
	}
	digest.Write(window)

	if _, err := f.Seek(-etagWindowSize, io.SeekEnd); err != nil {
		return "", err
	}
	if _, err := io.ReadFull(f, window); err != nil {
		return "", err
	}
	digest.Write(window)

	// 首尾窗口相同的文件仍可能中部不同 把 size 揉进指纹兜底
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(size >> (8 * i))
	}
	digest.Write(b[:])
	return fmt.Sprintf("%016x", digest.Sum64()), nil
}
