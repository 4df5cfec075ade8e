// Copyright (c) StateFlow Authors.
// Licensed under the MIT License.

/*
Package agent 管理工作流与外部执行后端之间的 Agent 会话。

# 概述

引擎不实现任何模型调用：每个 Agent 回合都委托给外部执行后端（Executor），
由后端负责模型选择、API 通信与文件编辑。本包提供后端的能力接口、可复用的
Agent 句柄，以及按 (name, type, workspace) 键缓存句柄的会话级缓存——
同一工作流的多次运行复用同一个句柄，保留后端侧的会话状态。

# 核心类型

  - Executor / ExecutorFunc — 后端能力接口与函数适配器
  - Lifecycle              — 可选扩展：按句柄的 InitAgent / TeardownAgent
  - ExecutorConfig         — 后端配置（command 子进程 / http 远端）
  - Key                    — 句柄身份 (name, type, workspace)
  - Handle                 — 绑定后端的活跃 Agent 会话，记录调用统计
  - Cache / Stats          — singleflight 合并构建 + 活性校验的句柄缓存

# 主要能力

  - NewExecutor 按配置构建 command（stdin JSON、STATEFLOW_* 环境变量、
    输出上限）或 http（Bearer 认证、信封或原文响应）后端
  - GetOrCreate 并发请求同键句柄时只构建一次；构建前校验工作区存在，
    失效句柄被逐出并通过 OnEviction 回调通知上层
  - Invalidate / InvalidateWorkspace 支持按键或按工作区根目录批量逐出
  - Close 幂等关闭，对实现 Lifecycle 的后端逐一执行 TeardownAgent
*/
package agent
