// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 MeshForge HTTP API 的请求处理器实现。

# 核心类型

  - GenerationHandler — 会话创建、查询、删除，start / rerun / cancel，运行历史与参考图提取
  - StreamHandler     — 通过 WebSocket 推送会话 State（含步骤计时）
  - HealthHandler     — /health, /healthz, /ready, /version
  - Response          — 统一 JSON 响应结构（success + data + error + timestamp）

错误统一以 *types.Error 表达，由 HTTPStatusFor 映射为状态码；
非结构化错误一律返回 INTERNAL_ERROR，不向客户端暴露内部细节。
*/
package handlers
