// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

// Package config 提供 MeshForge 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → MESHFORGE_ 前缀环境变量 的顺序叠加，
// Watcher 轮询配置文件并在内容变化时回调新的配置，
// 服务端借此把轮询间隔、图像尺寸等流水线参数应用到新建会话。
package config
