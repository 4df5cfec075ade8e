// 版权所有 2024 StateFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
工作流运行、回合、HTTP、Agent 句柄缓存与数据库五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

运行与回合指标通过 ObserveBus 从事件总线自动采集：引擎发布的
run_started / turn_completed / state_transition / exit_condition_matched /
run_finished / agent_recreated 事件会被逐条转换为对应指标，引擎
自身无需感知 Prometheus。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - 运行指标：在途运行数 Gauge、完成总数（按终止原因与结果分组）、
    运行耗时与回合数 Histogram。
  - 回合指标：回合总数、回合耗时、状态转换计数、退出条件命中计数，
    按 workflow/state/agent 分组。
  - 重试与句柄指标：重试尝试计数、Agent 句柄重建计数、
    句柄缓存命中/未命中/占用量。
  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - 数据库指标：打开/空闲/在用连接数 Gauge，由连接池统计定期同步。
*/
package metrics
