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

package controller

import (
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/serverd/serverd/common"
	"github.com/serverd/serverd/confengine"
	"github.com/serverd/serverd/internal/sigs"
	"github.com/serverd/serverd/logger"
)

// adminConfig 管理端监听配置 与业务端口隔离
type adminConfig struct {
	Enabled bool          `config:"enabled"`
	Address string        `config:"address"`
	Pprof   bool          `config:"pprof"`
	Timeout time.Duration `config:"timeout"`
}

// adminServer 自观测与运维入口
//
// /metrics 暴露 Prometheus 指标 /-/logger 与 /-/reload 提供运维操作
type adminServer struct {
	config adminConfig
	router *mux.Router
	server *http.Server
	ln     net.Listener
}

// newAdminServer 创建管理端服务 未启用时返回空指针 调用方需判断
func newAdminServer(conf *confengine.Config, c *Controller) (*adminServer, error) {
	config := adminConfig{Timeout: time.Minute}
	if err := conf.UnpackChild("admin", &config); err != nil {
		return nil, err
	}
	if !config.Enabled {
		return nil, nil
	}
	if config.Address == "" {
		config.Address = "127.0.0.1:9090"
	}

	router := mux.NewRouter()
	s := &adminServer{
		config: config,
		router: router,
		server: &http.Server{
			Handler:      router,
			ReadTimeout:  config.Timeout,
			WriteTimeout: config.Timeout,
		},
	}

	s.registerRoutes(c)
	if config.Pprof {
		s.registerPprofRoutes()
	}
	return s, nil
}

func (s *adminServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.ln = ln
	logger.Infof("admin server listening on %s", s.config.Address)
	return s.server.Serve(ln)
}

func (s *adminServer) Close() {
	if s.ln != nil {
		s.ln.Close()
	}
}

func (s *adminServer) registerRoutes(c *Controller) {
	s.router.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())

	s.router.Methods(http.MethodGet).Path("/-/status").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		poolStats := c.pool.Stats()
		status := map[string]any{
			"version":   c.buildInfo.Version,
			"gitHash":   c.buildInfo.GitHash,
			"buildTime": c.buildInfo.Time,
			"uptime":    common.Uptime().String(),
			"liveConns": c.srv.LiveConns(),
			"ratelimit": map[string]any{
				"keys": c.limiter.KeyCount(),
			},
			"bufferPool": map[string]any{
				"outstanding": poolStats.Outstanding,
				"pooled":      poolStats.Pooled,
				"allocated":   poolStats.Allocated,
			},
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.Errorf("encode status: %v", err)
		}
	})

	s.router.Methods(http.MethodPost).Path("/-/logger").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.SetLoggerLevel(r.FormValue("level"))
		w.Write([]byte(`{"status": "success"}`))
	})

	s.router.Methods(http.MethodPost).Path("/-/reload").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := sigs.SelfReload(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(err.Error()))
		}
	})
}

func (s *adminServer) registerPprofRoutes() {
	get := func(path string, f http.HandlerFunc) {
		s.router.Methods(http.MethodGet).Path(path).HandlerFunc(f)
	}
	get("/debug/pprof/cmdline", pprof.Cmdline)
	get("/debug/pprof/profile", pprof.Profile)
	get("/debug/pprof/symbol", pprof.Symbol)
	get("/debug/pprof/trace", pprof.Trace)
	get("/debug/pprof/{other}", pprof.Index)
}
