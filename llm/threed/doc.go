// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

/*
包 threed 实现图像转 3D 重建任务队列客户端。

# 协议

  - Submit：POST 提交 front/back/left 三张视图 URL 与 textured_mesh，
    Authorization 头为 "Key <token>"，返回 status_url、response_url、cancel_url。
  - Poll：按 PollInterval 顺序 GET status_url，直到 COMPLETED 或 ERROR；
    每次请求前与处理响应前都检查 Guard，过期时返回 ErrSuperseded。
  - Fetch：GET response_url，读取 model_mesh.url。
  - Cancel：PUT cancel_url，失败只返回 CANCELLATION_FAILED，调用方仅记录日志。

轮询次数（MaxAttempts）与总时长（Deadline）均可配置，超出时返回
RECONSTRUCTION_TIMEOUT。
*/
package threed
