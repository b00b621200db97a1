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
	"net/http"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/serverd/serverd/cache"
	"github.com/serverd/serverd/common"
	"github.com/serverd/serverd/confengine"
	"github.com/serverd/serverd/internal/bufpool"
	"github.com/serverd/serverd/logger"
	"github.com/serverd/serverd/protocol"
	_ "github.com/serverd/serverd/protocol/phttp" // 注册 http/1.1 与 h2 协议工厂
	"github.com/serverd/serverd/ratelimit"
	"github.com/serverd/serverd/router"
	"github.com/serverd/serverd/server"
	"github.com/serverd/serverd/staticfile"
)

// Controller 装配并驱动整个进程
//
// 共享基础设施 (缓存 / 限流器 / buffer 池) 在此构建一次
// 显式注入各协议处理器 不存在包级单例
type Controller struct {
	buildInfo common.BuildInfo

	srv   *server.Server
	admin *adminServer

	limiter  *ratelimit.Limiter
	pool     *bufpool.Pool
	etags    *cache.ETagCache
	compress *cache.CompressCache
}

func setupLogger(conf *confengine.Config) error {
	opts := logger.Options{
		Stdout:     true,
		Level:      "info",
		MaxSize:    100,
		MaxAge:     7,
		MaxBackups: 10,
	}
	if err := conf.UnpackChild("logger", &opts); err != nil {
		return err
	}
	logger.SetOptions(opts)
	return nil
}

// New 创建并返回 Controller 实例 任何配置错误都在此快速失败
func New(conf *confengine.Config, buildInfo common.BuildInfo) (*Controller, error) {
	if err := setupLogger(conf); err != nil {
		return nil, err
	}

	var cfg Config
	if err := conf.UnpackChild("protocols", &cfg); err != nil {
		return nil, err
	}

	var rlConf ratelimit.Config
	if err := conf.UnpackChild("ratelimit", &rlConf); err != nil {
		return nil, err
	}
	limiter := ratelimit.New(rlConf)

	var poolConf bufpool.Config
	if err := conf.UnpackChild("bufferPool", &poolConf); err != nil {
		return nil, err
	}
	pool := bufpool.New(poolConf)

	etags := cache.NewETagCache(cfg.Cache.ETagMaxEntries)
	compress := cache.NewCompressCache(cfg.Cache.CompressMaxEntries)

	rt := router.New()
	registerSampleRoutes(rt)

	// 静态文件挂载 webroot 未配置时跳过
	var staticConf staticfile.Config
	if err := conf.UnpackChild("static", &staticConf); err != nil {
		return nil, err
	}
	if staticConf.Webroot != "" {
		static, err := staticfile.New(staticConf, etags, compress)
		if err != nil {
			return nil, errors.Wrap(err, "setup static files")
		}
		rt.HandlePrefix(http.MethodGet, "/", static.Serve)
		rt.HandlePrefix(http.MethodHead, "/", static.Serve)
	}

	deps := protocol.Deps{
		Router:  rt,
		Limiter: limiter,
		BufPool: pool,
	}
	opts := cfg.protocolOptions()

	h1, err := protocol.NewHandler(protocol.ALPNHTTP1, deps, opts)
	if err != nil {
		return nil, err
	}
	h2, err := protocol.NewHandler(protocol.ALPNH2, deps, opts)
	if err != nil {
		return nil, err
	}

	var srvConf server.Config
	if err := conf.UnpackChild("server", &srvConf); err != nil {
		return nil, err
	}
	srv, err := server.New(srvConf, h1, h2)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		buildInfo: buildInfo,
		srv:       srv,
		limiter:   limiter,
		pool:      pool,
		etags:     etags,
		compress:  compress,
	}

	admin, err := newAdminServer(conf, c)
	if err != nil {
		return nil, err
	}
	c.admin = admin
	return c, nil
}

// Start 启动监听 接入错误快速暴露
func (c *Controller) Start() error {
	go func() {
		if err := c.srv.ListenAndServe(); err != nil {
			logger.Errorf("server exited: %v", err)
		}
	}()

	if c.admin != nil {
		go func() {
			if err := c.admin.ListenAndServe(); err != nil {
				logger.Errorf("admin server exited: %v", err)
			}
		}()
	}
	return nil
}

// Reload 重载配置 仅 logger section 支持热更新
//
// 协议与缓存参数与在途连接强绑定 运行期变更需要重启
func (c *Controller) Reload(conf *confengine.Config) error {
	var errs *multierror.Error
	if err := setupLogger(conf); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// Stop 优雅关停
func (c *Controller) Stop() {
	c.srv.Shutdown()
	if c.admin != nil {
		c.admin.Close()
	}
}
