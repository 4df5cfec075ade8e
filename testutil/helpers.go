// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数与工作流测试数据构造
//
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	dir := testutil.WriteDefinitions(t, testutil.SingleStateYAML("digest", "scribe"))
// =============================================================================
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// 📄 定义文件辅助
// =============================================================================

// WriteDefinitions 把若干工作流定义写入临时目录并返回目录路径。
// 文件名取定义的 name 字段加 .yaml 后缀。
func WriteDefinitions(t *testing.T, yamls ...string) string {
	t.Helper()

	dir := t.TempDir()
	for _, y := range yamls {
		name := definitionName(y)
		if name == "" {
			t.Fatalf("definition has no name field:\n%s", y)
		}
		path := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(path, []byte(y), 0o644); err != nil {
			t.Fatalf("write definition %s: %v", path, err)
		}
	}
	return dir
}

// definitionName 从 YAML 文本里提取顶层 name 字段。
// 顶层字段没有缩进，嵌套的 agent/state name 因此不会误匹配。
func definitionName(yaml string) string {
	for _, line := range strings.Split(yaml, "\n") {
		if rest, ok := strings.CutPrefix(line, "name:"); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

// SingleStateYAML 生成最小可运行的单状态定义：一个 Agent、一个起始状态、
// 一条 done 退出条件。
func SingleStateYAML(workflow, agent string) string {
	return fmt.Sprintf(`
name: %s
max_turns: 8
agents:
  - name: %s
    type: worker_agent
states:
  - name: work
    agent: %s
    is_start: true
    prompt: "do the work"
exit_conditions:
  - when: done
    action: force_end
`, workflow, agent, agent)
}

// =============================================================================
// 📦 Agent 输出构造
// =============================================================================

// AgentOutput 构造带决策块的 Agent 输出 JSON
func AgentOutput(content string, decisions map[string]any) string {
	data, err := json.Marshal(map[string]any{
		"content":   content,
		"decisions": decisions,
	})
	if err != nil {
		panic(err)
	}
	return string(data)
}

// DoneOutput 构造声明 done 事实的 Agent 输出，驱动单轮即终止的路径
func DoneOutput(content string) string {
	return AgentOutput(content, map[string]any{"done": true})
}
