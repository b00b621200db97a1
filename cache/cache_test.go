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
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCacheEviction(t *testing.T) {
	c := newLRUCache("test", 2)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3) // 淘汰 a

	_, ok := c.Get("a")
	assert.False(t, ok)

	v, ok := c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 2, c.Len())
}

func TestLRUCacheTouchOnGet(t *testing.T) {
	c := newLRUCache("test", 2)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a")    // a 变为最近使用
	c.Put("c", 3) // 淘汰 b

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func writeTempFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestETagDeterministic(t *testing.T) {
	c := NewETagCache(16)
	path := writeTempFile(t, "index.html", []byte("<html>hello</html>"))

	info, err := os.Stat(path)
	require.NoError(t, err)

	tag1, err := c.Generate(path, info)
	require.NoError(t, err)
	assert.Len(t, tag1, 16)

	tag2, err := c.Generate(path, info)
	require.NoError(t, err)
	assert.Equal(t, tag1, tag2)
}

func TestETagChangesWithContent(t *testing.T) {
	c := NewETagCache(16)

	path1 := writeTempFile(t, "a.txt", []byte("content-a"))
	path2 := writeTempFile(t, "b.txt", []byte("content-b"))

	info1, _ := os.Stat(path1)
	info2, _ := os.Stat(path2)

	tag1, err := c.Generate(path1, info1)
	require.NoError(t, err)
	tag2, err := c.Generate(path2, info2)
	require.NoError(t, err)
	assert.NotEqual(t, tag1, tag2)
}

func TestETagLargeFileWindows(t *testing.T) {
	c := NewETagCache(16)

	content := bytes.Repeat([]byte("0123456789abcdef"), 16*1024) // 256K
	path := writeTempFile(t, "large.bin", content)

	info, err := os.Stat(path)
	require.NoError(t, err)

	tag, err := c.Generate(path, info)
	require.NoError(t, err)
	assert.Len(t, tag, 16)
}

func TestCompressGzipRoundTrip(t *testing.T) {
	c := NewCompressCache(16)
	raw := bytes.Repeat([]byte("hello world "), 100)

	compressed, err := c.Compress(raw, AlgorithmGzip)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(raw))

	r, err := gzip.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	decompressed, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, raw, decompressed)
}

func TestCompressBrotliRoundTrip(t *testing.T) {
	c := NewCompressCache(16)
	raw := bytes.Repeat([]byte("hello world "), 100)

	compressed, err := c.Compress(raw, AlgorithmBrotli)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(raw))

	decompressed, err := io.ReadAll(brotli.NewReader(bytes.NewReader(compressed)))
	require.NoError(t, err)
	assert.Equal(t, raw, decompressed)
}

func TestCompressCacheReuse(t *testing.T) {
	c := NewCompressCache(16)
	raw := bytes.Repeat([]byte("repeat "), 64)

	first, err := c.Compress(raw, AlgorithmGzip)
	require.NoError(t, err)
	second, err := c.Compress(raw, AlgorithmGzip)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, c.store.Len())
}

func TestCompressUnknownAlgorithm(t *testing.T) {
	c := NewCompressCache(16)

	_, err := c.Compress([]byte("data"), Algorithm("zstd"))
	assert.Error(t, err)
}
