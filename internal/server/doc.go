// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

/*
包 server 提供 HTTP/HTTPS 服务器生命周期管理，支持非阻塞启动、
优雅关闭与系统信号监听。

# 核心类型

  - Manager：持有 http.Server、net.Listener 与异步错误通道，
    提供 Start/StartTLS/Shutdown/WaitForShutdown 等生命周期方法。
    MeshForge 为 API 与 metrics 端口各启动一个 Manager。
  - Config：服务器配置，包含名称、监听地址、读写超时、空闲超时、
    最大请求头大小与优雅关闭超时。

# 主要能力

  - 非阻塞启动：监听成功后在后台 goroutine 中服务，
    Addr 返回实际绑定地址，便于测试使用随机端口。
  - 优雅关闭：Shutdown 在配置的超时内排空请求。
  - 信号监听：WaitForShutdown 监听 SIGINT/SIGTERM 或 ctx 结束。
  - TLS：StartTLS 通过 tlsutil 加载证书，沿用加固的密码套件。
*/
package server
