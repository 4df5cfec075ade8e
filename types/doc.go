// Copyright (c) StateFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 StateFlow 引擎的全局共享类型定义。

# 概述

types 是引擎最底层的公共包，不依赖任何内部包，为 workflow、agent、
session、api 等上层模块提供统一的类型契约。所有跨包共享的错误码和
context 传播工具均定义于此，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable 标记
    以及 workflow / state / turn 定位信息

# 主要能力

  - Context 传播：WithTraceID / WithTenantID / WithUserID / WithRunID /
    WithRoles / WithSessionID
  - 错误工具链：AsError / IsErrorCode / IsRetryable / GetErrorCode
*/
package types
