// Copyright (c) StateFlow Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 StateFlow 测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试提供统一的辅助能力，避免各包
重复实现相似的测试基础设施：上下文管理、工作流定义夹具、Agent
输出构造、Executor 测试替身。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 定义夹具: WriteDefinitions 把 YAML 定义写入临时目录并返回路径，
    SingleStateYAML 生成最小可运行的单状态工作流
  - 输出构造: AgentOutput 构造带决策块的 Agent 回复 JSON，
    DoneOutput 构造声明完成的回复
  - Executor 替身: ScriptedExecutor（按 Agent 名回放脚本输出并记录
    调用）、CountingExecutor（包装计数）、FlakyExecutor（失败注入，
    驱动重试路径）

# 使用示例

	dir := testutil.WriteDefinitions(t, testutil.SingleStateYAML("demo", "worker"))
	exec := testutil.NewScriptedExecutor().
	    Script("worker", testutil.DoneOutput("all done"))
	sess, err := session.New(dir, exec)
*/
package testutil
