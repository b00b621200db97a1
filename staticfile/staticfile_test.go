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

package staticfile

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serverd/serverd/cache"
	"github.com/serverd/serverd/router"
)

func newTestHandler(t *testing.T) (*Handler, string) {
	t.Helper()

	webroot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(webroot, "index.html"),
		bytes.Repeat([]byte("<html>hello</html>\n"), 100), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(webroot, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(webroot, "assets", "app.js"),
		bytes.Repeat([]byte("console.log('x');\n"), 100), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(webroot, "tiny.txt"), []byte("ok"), 0o644))

	h, err := New(Config{Webroot: webroot},
		cache.NewETagCache(16), cache.NewCompressCache(16))
	require.NoError(t, err)
	return h, webroot
}

func get(path string, header http.Header) *router.Request {
	if header == nil {
		header = make(http.Header)
	}
	return &router.Request{
		Proto:  "HTTP/1.1",
		Method: http.MethodGet,
		Path:   path,
		Header: header,
	}
}

func TestServeFile(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := h.Serve(get("/assets/app.js", nil))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Contains(t, resp.Header.Get("Content-Type"), "javascript")
	assert.Contains(t, string(resp.Body), "console.log")
	assert.NotEmpty(t, resp.Header.Get("ETag"))
}

func TestServeIndexForDirectory(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := h.Serve(get("/", nil))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Contains(t, string(resp.Body), "<html>")
}

func TestNotFound(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := h.Serve(get("/missing.txt", nil))
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestPathTraversalRefused(t *testing.T) {
	h, webroot := newTestHandler(t)

	// webroot 外放一个诱饵文件
	outside := filepath.Join(filepath.Dir(webroot), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))
	defer os.Remove(outside)

	for _, path := range []string{
		"/../secret.txt",
		"/../../etc/passwd",
		"/assets/../../secret.txt",
		"/..%2fsecret.txt",
	} {
		resp := h.Serve(get(path, nil))
		assert.NotEqual(t, http.StatusOK, resp.Status, "path %q must not be served", path)
		assert.NotContains(t, string(resp.Body), "secret")
	}
}

func TestConditionalGet(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := h.Serve(get("/index.html", nil))
	require.Equal(t, http.StatusOK, resp.Status)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	header := make(http.Header)
	header.Set("If-None-Match", etag)
	resp = h.Serve(get("/index.html", header))
	assert.Equal(t, http.StatusNotModified, resp.Status)
	assert.Empty(t, resp.Body)
}

func TestGzipCompression(t *testing.T) {
	h, _ := newTestHandler(t)

	header := make(http.Header)
	header.Set("Accept-Encoding", "gzip, deflate")
	resp := h.Serve(get("/index.html", header))
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	r, err := gzip.NewReader(bytes.NewReader(resp.Body))
	require.NoError(t, err)
	raw, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "<html>")
}

func TestBrotliPreferred(t *testing.T) {
	h, _ := newTestHandler(t)

	header := make(http.Header)
	header.Set("Accept-Encoding", "gzip, br")
	resp := h.Serve(get("/index.html", header))
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "br", resp.Header.Get("Content-Encoding"))
}

func TestTinyFileNotCompressed(t *testing.T) {
	h, _ := newTestHandler(t)

	header := make(http.Header)
	header.Set("Accept-Encoding", "gzip")
	resp := h.Serve(get("/tiny.txt", header))
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, []byte("ok"), resp.Body)
}

func TestLargeFileStreamed(t *testing.T) {
	h, webroot := newTestHandler(t)

	large := bytes.Repeat([]byte("y"), int(DefaultInMemoryMaxBytes)+1)
	require.NoError(t, os.WriteFile(filepath.Join(webroot, "large.bin"), large, 0o644))

	resp := h.Serve(get("/large.bin", nil))
	require.Equal(t, http.StatusOK, resp.Status)
	require.NotNil(t, resp.File)
	defer resp.File.Close()
	assert.Equal(t, int64(len(large)), resp.FileSize)
	assert.Empty(t, resp.Body)
}
