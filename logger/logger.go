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

package logger

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options 日志配置 对应配置文件的 logger section
//
// Stdout 为 true 时忽略文件相关配置 容器化部署的常见形态
type Options struct {
	Stdout     bool   `config:"stdout"`
	Level      string `config:"level"`
	Filename   string `config:"filename"`
	MaxSize    int    `config:"maxSize"` // unit: MB
	MaxAge     int    `config:"maxAge"`  // unit: days
	MaxBackups int    `config:"maxBackups"`
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

// Logger zap 的薄封装
//
// 级别持有 zap.AtomicLevel 管理端 /-/logger 在运行期调整级别时
// 不需要重建 logger 在途连接 goroutine 持有的引用始终有效
type Logger struct {
	sugared *zap.SugaredLogger
	level   zap.AtomicLevel
}

// New 创建并返回 Logger 实例
func New(opt Options) Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Local().Format("2006-01-02 15:04:05.000"))
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	var w zapcore.WriteSyncer
	if opt.Stdout || opt.Filename == "" {
		w = zapcore.AddSync(os.Stdout)
	} else {
		// 初始化日志目录
		if err := os.MkdirAll(filepath.Dir(opt.Filename), os.ModePerm); err != nil {
			panic(err)
		}
		w = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opt.Filename,
			MaxSize:    opt.MaxSize,
			MaxBackups: opt.MaxBackups,
			MaxAge:     opt.MaxAge,
			LocalTime:  true,
		})
	}

	level := zap.NewAtomicLevelAt(parseLevel(opt.Level))
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), w, level)
	return Logger{
		sugared: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar(),
		level:   level,
	}
}

// SetLevel 运行期调整日志级别 不重建 logger
func (l Logger) SetLevel(s string) {
	l.level.SetLevel(parseLevel(s))
}

// std 进程级 Logger 启动与 SIGHUP 重载时由 controller 按配置重建
// 两次重建之间的级别调整走 SetLoggerLevel 不改变输出目标
var std = New(Options{Stdout: true})

// SetOptions 按配置重建进程级 Logger 仅在启动与 SIGHUP 重载时调用
func SetOptions(opt Options) {
	std = New(opt)
}

// SetLoggerLevel 调整进程级 Logger 的日志级别
func SetLoggerLevel(s string) {
	std.SetLevel(s)
}

// 全部调用方都走包级函数 AddCallerSkip(1) 以此为准

func Debugf(template string, args ...any) { std.sugared.Debugf(template, args...) }
func Infof(template string, args ...any)  { std.sugared.Infof(template, args...) }
func Warnf(template string, args ...any)  { std.sugared.Warnf(template, args...) }
func Errorf(template string, args ...any) { std.sugared.Errorf(template, args...) }
