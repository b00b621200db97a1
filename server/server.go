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

package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/serverd/serverd/common"
	"github.com/serverd/serverd/internal/rescue"
	"github.com/serverd/serverd/logger"
	"github.com/serverd/serverd/protocol"
)

var (
	acceptedConns = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "server_accepted_conns_total",
			Help:      "Server accepted connections total",
		},
	)

	rejectedConns = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "server_rejected_conns_total",
			Help:      "Server rejected connections total (admission ceiling)",
		},
	)

	liveConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "server_live_conns",
			Help:      "Server live connections",
		},
	)
)

const (
	// DefaultPort 默认监听端口
	DefaultPort = 8080

	// DefaultMaxConns 在线连接数上限 超出的连接直接关闭
	//
	// 这是粗粒度的准入保护 精细的请求准入由限流器负责
	DefaultMaxConns = 100000

	// DefaultIdleTimeout 连接空闲超时
	DefaultIdleTimeout = 60 * time.Second

	// DefaultDrainTimeout 优雅关停的收尾窗口
	DefaultDrainTimeout = 10 * time.Second
)

// Config 监听与连接管理配置
type Config struct {
	Port         int           `config:"port"`
	MaxConns     int64         `config:"maxConns"`
	IdleTimeout  time.Duration `config:"idleTimeout"`
	DrainTimeout time.Duration `config:"drainTimeout"`

	TLS struct {
		Enabled  bool   `config:"enabled"`
		CertFile string `config:"certFile"`
		KeyFile  string `config:"keyFile"`
	} `config:"tls"`
}

func (c *Config) Validate() error {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return errors.New("server: tls enabled without cert/key files")
	}
	return nil
}

// Server 连接接入与协议分发
//
// 每条连接独占一个 goroutine TLS 场景按 ALPN 协商结果分发
// 明文场景一律先进 HTTP/1.1 处理器 由其识别 h2c 与 websocket 升级
type Server struct {
	conf    Config
	tlsConf *tls.Config

	h1 protocol.Handler
	h2 protocol.Handler

	ctx    context.Context
	cancel context.CancelFunc

	ln    net.Listener
	live  atomic.Int64
	conns sync.Map // id → *protocol.Conn
	wg    sync.WaitGroup
}

// New 创建并返回 Server 实例 配置错误快速失败
func New(conf Config, h1, h2 protocol.Handler) (*Server, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	var tlsConf *tls.Config
	if conf.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(conf.TLS.CertFile, conf.TLS.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "server: load tls keypair")
		}
		tlsConf = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			NextProtos:   []string{protocol.ALPNH2, protocol.ALPNHTTP1},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		conf:    conf,
		tlsConf: tlsConf,
		h1:      h1,
		h2:      h2,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// ListenAndServe 绑定端口并进入 accept 循环
//
// 单条连接的任何错误都不会传播到 accept 循环
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.conf.Port))
	if err != nil {
		return err
	}
	s.ln = ln
	logger.Infof("server listening on %s (tls=%v)", ln.Addr(), s.conf.TLS.Enabled)

	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			logger.Errorf("accept: %v", err)
			continue
		}

		// 准入保护 超出上限的连接不提供任何响应
		if s.live.Load() >= s.conf.MaxConns {
			rejectedConns.Inc()
			raw.Close()
			continue
		}

		acceptedConns.Inc()
		s.wg.Add(1)
		go s.handleConn(raw)
	}
}

func (s *Server) handleConn(raw net.Conn) {
	defer s.wg.Done()
	defer rescue.HandleCrash()

	s.live.Add(1)
	liveConns.Inc()
	defer func() {
		s.live.Add(-1)
		liveConns.Dec()
	}()

	proto := protocol.ALPNHTTP1
	conn := raw

	if s.tlsConf != nil {
		tlsConn := tls.Server(raw, s.tlsConf)

		hsCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		err := tlsConn.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			logger.Debugf("tls handshake from %s: %v", raw.RemoteAddr(), err)
			raw.Close()
			return
		}

		if negotiated := tlsConn.ConnectionState().NegotiatedProtocol; negotiated != "" {
			proto = negotiated
		}
		conn = tlsConn
	}

	pc := protocol.NewConn(conn, proto, s.conf.IdleTimeout)
	s.conns.Store(pc.ID(), pc)
	defer s.conns.Delete(pc.ID())
	defer pc.Close()

	h := s.h1
	if proto == protocol.ALPNH2 {
		h = s.h2
	}

	if err := h.Serve(s.ctx, pc); err != nil && !errors.Is(err, protocol.ErrConnClosed) {
		logger.Debugf("conn %s (%s) closed: %v", pc.ID(), h.Name(), err)
	}
}

// Shutdown 优雅关停
//
// 停止 accept 通知存量连接收尾 限期等待后强制关闭
func (s *Server) Shutdown() {
	s.cancel()
	if s.ln != nil {
		s.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Infof("all connections drained")
	case <-time.After(s.conf.DrainTimeout):
		logger.Warnf("drain timeout, force closing remaining connections")
		s.conns.Range(func(_, v any) bool {
			v.(*protocol.Conn).Close()
			return true
		})
		<-done
	}
}

// LiveConns 当前在线连接数
func (s *Server) LiveConns() int64 {
	return s.live.Load()
}
