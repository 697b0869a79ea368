// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

/*
Package types 提供 MeshForge 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 generation、llm、api
等上层模块提供统一的错误契约与 context 传播工具，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记
  - 生成流水线错误码 — SYNTHESIS_FAILED、IMAGE_DECODE_FAILED、SUBMISSION_FAILED、
    RECONSTRUCTION_FAILED、RECONSTRUCTION_TIMEOUT、CANCELLATION_FAILED

# 主要能力

  - 错误工具链：AsError / GetErrorCode / IsRetryable / MessageOf
  - Context 传播：WithTraceID / WithTenantID / WithUserID / WithRoles / WithSessionID
*/
package types
