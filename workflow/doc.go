// Copyright (c) StateFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供回合制状态机工作流引擎。

# 概述

workflow 包实现了 StateFlow 的核心执行语义：一个工作流是一份声明式
YAML 定义（状态、转移、全局退出条件），由 Machine 以回合为单位驱动——
每回合渲染提示词、调用当前状态绑定的 Agent、解析输出中的决策块，
然后依次尝试全局退出条件与状态转移，直到满足终止条件。所有回合都
追加进 ExecutionRecord，运行结果（含失败）统一编码在 Result 中返回。

# 核心类型

  - Definition / StateSpec / Transition / ExitCondition — YAML 定义模型，
    加载时整体校验（唯一起始状态、转移目标可达、求值器可解析）
  - Machine / RunOptions / Result    — 回合循环执行器与运行结果
  - DecisionContext                  — 条件求值的事实空间：机器事实
    （turn_count、error_occurred …）+ 当前回合决策，按回合重建
  - Evaluator / EvaluatorRegistry    — 可插拔条件求值器，ErrNotHandled
    链式回退到内建文法
  - ExecutionRecord / TurnRecord     — 追加式执行历史，支持状态重放
  - Renderer / TokenCounter          — {{var}} 提示词渲染 + token 预算

# 主要能力

  - 终止语义：声明式退出（force_end / save_and_end / continue）、
    max_turns 上限、致命错误、取消，四类终止在 Result 中可区分
  - 决策块：Agent 输出中最外层 JSON 对象的 decisions 字段，严格解码
    （仅布尔、字符串、数值），解析失败即 DECISION_PARSE 故障
  - 重试恢复：配合 retry.Policy 分类瞬时失败，恢复的回合在记录中
    留有标注，重放据此还原 error_occurred 事实
  - 续跑：RunOptions.Continue 沿用上一次运行的记录与轮次计数
  - 子包 cond 提供布尔/相等文法求值器，persistence 提供运行归档存储
*/
package workflow
