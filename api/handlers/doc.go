// Copyright (c) StateFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 StateFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 StateFlow 所有 HTTP 端点的请求处理逻辑，
包括工作流运行、会话管理、运行记录查询、事件推送、健康检查
以及统一的响应/错误处理。所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - WorkflowHandler  — 工作流列表、运行、清理、会话信息与运行记录查询
  - EventsHandler    — WebSocket 事件流，桥接运行事件总线
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready, /version）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、workflow、state、retryable
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck      — 可插拔健康检查接口（数据库连接池、Redis、运行存储）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - 运行冲突语义：同名工作流并发运行请求返回 409 + 冲突哨兵结果
  - WebSocket 推送：按事件类型与工作流名称过滤，慢订阅端丢帧不阻塞总线
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
