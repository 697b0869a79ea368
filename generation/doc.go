// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

/*
包 generation 是多视角 3D 生成流水线的编排核心。

# 流水线

每个会话由一个 Orchestrator 持有，分两个步骤执行：

  - Generating views：并发合成 front/back/left 三个视角（views 包）。
  - Building 3D model：归一化（imaging 包）、发布为 URL（Publisher）、
    提交重建任务并轮询、获取网格 URL（threed 包）。

# 代次与过期

ledger 为每次 Start/Rerun/Cancel 分配新的代次 id。所有异步后续在修改
状态前都检查自己捕获的 id 是否仍为当前 id；过期结果被静默丢弃。
每个代次拥有独立的 context，被取代时立即取消，未完成的 HTTP 请求提前返回。

# 对外信号

Snapshot 返回 State（步骤、视图、网格 URL、错误、busy、总耗时），
Subscribe 推送每次变化（包括步骤计时 tick）。

# 会话

Registry 管理进程内会话，容量受 pipeline.max_sessions 限制；
Recorder 与 Metrics 接收每次运行的结果。
*/
package generation
