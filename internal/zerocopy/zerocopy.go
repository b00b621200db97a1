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

package zerocopy

import (
	"io"
	"os"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/serverd/serverd/common"
	"github.com/serverd/serverd/internal/bufpool"
)

var (
	transferTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "zerocopy_transfer_total",
			Help:      "Zerocopy transfer total",
		},
		[]string{"path"}, // sendfile / buffered
	)

	transferBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "zerocopy_transfer_bytes_total",
			Help:      "Zerocopy transferred bytes total",
		},
	)

	fallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "zerocopy_fallback_total",
			Help:      "Zerocopy fallback to buffered copy total",
		},
	)

	errorTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "zerocopy_error_total",
			Help:      "Zerocopy transfer error total",
		},
	)
)

const (
	// DefaultThreshold 低于该体积的文件走普通 buffer 拷贝
	//
	// 小文件的 sendfile 相比用户态拷贝没有收益 且无法与压缩
	// 和 buffer 复用路径统一
	DefaultThreshold = 5 * 1024 * 1024
)

var errShortTransfer = errors.New("zerocopy: short transfer")

// Transferrer 文件到 socket 的传输器
//
// sink 暴露内核描述符且文件体积达到阈值时走 sendfile 快路径
// 否则回退到池化 buffer 的用户态拷贝 TLS 连接不暴露描述符
// 永远走回退路径 回退次数可通过指标观察
type Transferrer struct {
	threshold int64
	pool      *bufpool.Pool
}

// New 创建并返回 Transferrer 实例
func New(threshold int64, pool *bufpool.Pool) *Transferrer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Transferrer{
		threshold: threshold,
		pool:      pool,
	}
}

// Transfer 将文件内容完整写入 sink 返回写入的字节数
//
// 传输字节数少于文件长度时报错 不允许静默截断
// sendfile 中途失败时已写入的字节无法回退 此时同样报错
// 由调用方关闭连接 而不是降级重传
func (t *Transferrer) Transfer(f *os.File, sink io.Writer) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		errorTotal.Inc()
		return 0, errors.Wrap(err, "zerocopy: stat")
	}
	size := info.Size()

	if size >= t.threshold {
		if rf, ok := sink.(io.ReaderFrom); ok && hasKernelFD(sink) {
			return t.sendfile(rf, f, size)
		}
		fallbackTotal.Inc()
	}
	return t.buffered(f, sink, size)
}

// sendfile 内核快路径
//
// *net.TCPConn 的 ReadFrom 在 linux 平台使用 sendfile(2) 实现
// 短写由内核循环处理 返回即代表全部提交
func (t *Transferrer) sendfile(rf io.ReaderFrom, f *os.File, size int64) (int64, error) {
	written, err := rf.ReadFrom(io.LimitReader(f, size))
	transferBytes.Add(float64(written))
	if err != nil {
		errorTotal.Inc()
		return written, errors.Wrap(err, "zerocopy: sendfile")
	}
	if written < size {
		errorTotal.Inc()
		return written, errShortTransfer
	}
	transferTotal.WithLabelValues("sendfile").Inc()
	return written, nil
}

// buffered 用户态回退路径 使用池化 buffer 避免额外分配
func (t *Transferrer) buffered(f *os.File, sink io.Writer, size int64) (int64, error) {
	buf := t.pool.Acquire()
	defer t.pool.Release(buf)

	// 剥离 sink 的 ReaderFrom 能力 保证真正走用户态 buffer 拷贝
	written, err := io.CopyBuffer(struct{ io.Writer }{sink}, io.LimitReader(f, size), buf.B)
	transferBytes.Add(float64(written))
	if err != nil {
		errorTotal.Inc()
		return written, errors.Wrap(err, "zerocopy: buffered copy")
	}
	if written < size {
		errorTotal.Inc()
		return written, errShortTransfer
	}
	transferTotal.WithLabelValues("buffered").Inc()
	return written, nil
}

// hasKernelFD 判断 sink 是否暴露内核描述符
func hasKernelFD(sink io.Writer) bool {
	sc, ok := sink.(syscall.Conn)
	if !ok {
		return false
	}
	_, err := sc.SyscallConn()
	return err == nil
}
