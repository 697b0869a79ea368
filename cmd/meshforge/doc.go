// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

/*
Package main 提供 MeshForge 服务端程序入口。

# 概述

cmd/meshforge 是可执行入口，提供 HTTP API 服务、单次命令行生成、
数据库迁移、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集以及配置热重载。

# 核心类型

  - Server     — 主服务器，管理 HTTP、Metrics 双端口、会话注册表及优雅关闭
  - meshforge.Pipeline 充当会话工厂；热重载时替换重建队列客户端与流水线参数
  - Middleware — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、generate、migrate、health、version
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、RequestLogger、
    Metrics、CORS、RateLimiter（基于 IP）、APIKeyAuth / JWTAuth
  - 可选组件：Redis 会话快照、数据库运行历史、对象存储视图发布
  - 配置热重载：config.Watcher 轮询文件变更，新参数只作用于新会话
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
