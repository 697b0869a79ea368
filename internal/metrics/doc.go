// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、生成流水线、缓存与数据库四个维度。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标。NewCollector 注册到默认 Registry，
    NewCollectorWithRegisterer 供测试使用独立 Registry。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    状态码归类为 2xx/3xx/4xx/5xx。
  - 生成指标：generation_runs_total{outcome}、成功生成的总耗时、
    generation_stage_duration_seconds{stage,status}、
    reconstruction_polls_total{status}、
    reconstruction_cancellations_total{result}、sessions_active。
  - 缓存指标：会话快照命中与未命中计数。
  - 数据库指标：运行历史库的活跃/空闲连接数。
*/
package metrics
