// Copyright (c) StateFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 StateFlow 服务端程序入口。

# 概述

cmd/stateflow 是工作流执行引擎的可执行入口，提供 HTTP API 服务、
本地一次性运行、定义校验、数据库迁移、健康检查和版本查询等子命令。
程序支持 YAML 配置文件加载、结构化日志（zap）、Prometheus 指标采集、
OpenTelemetry 追踪以及工作流定义热重载。

# 核心类型

  - Server                — 主服务器，组装会话与 HTTP/Metrics 双端口并优雅关闭
  - Middleware            — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - metricsResponseWriter — 包装 http.ResponseWriter 以捕获状态码与响应大小

# 主要能力

  - 子命令：serve（启动服务）、run（本地执行一次）、list（定义校验）、
    info / cleanup（访问运行中服务）、migrate（数据库迁移）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、OTelTracing、CORS、RateLimiter（基于 IP）/
    TenantRateLimiter（基于 JWT 租户）、APIKeyAuth / JWTAuth
  - 定义热重载：FileWatcher 监听定义目录，变更时失效会话内缓存的定义
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 停监听与限流清理 → 关 HTTP/Metrics →
    关会话（连带归档存储与连接池）→ 关事件总线与遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
