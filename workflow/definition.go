package workflow

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/stateflow/types"
	"github.com/BaSui01/stateflow/workflow/cond"
)

// ============================================================
// Workflow Definition
// A definition describes one state machine graph: each state binds an
// agent and a prompt template, transitions are tried in declaration
// order, and global exit conditions are checked every turn. A loaded
// definition is immutable; validation failures fail the load.
// ============================================================

// ExitAction 退出条件命中后的处理动作
type ExitAction string

const (
	// ActionForceEnd 立即终止工作流
	ActionForceEnd ExitAction = "force_end"
	// ActionSaveAndEnd 先落盘共享产物再终止
	ActionSaveAndEnd ExitAction = "save_and_end"
	// ActionContinue 记录命中但继续执行
	ActionContinue ExitAction = "continue"
)

// Definition 工作流定义顶层结构
type Definition struct {
	// Name 工作流名称（会话内唯一）
	Name string `yaml:"name" json:"name"`
	// Description 工作流描述
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// InitialMessage 首回合提示模板可引用的初始消息
	InitialMessage string `yaml:"initial_message,omitempty" json:"initial_message,omitempty"`
	// MaxTurns 回合数硬上限（正整数）
	MaxTurns int `yaml:"max_turns" json:"max_turns"`
	// Evaluator 可选的自定义条件求值器名称，加载时解析一次
	Evaluator string `yaml:"evaluator,omitempty" json:"evaluator,omitempty"`

	// Agents 工作流内声明的 agent 列表（名称唯一）
	Agents []AgentSpec `yaml:"agents" json:"agents"`
	// States 状态列表（名称唯一，恰好一个 start）
	States []StateSpec `yaml:"states" json:"states"`
	// ExitConditions 全局退出条件，按声明顺序每回合求值
	ExitConditions []ExitCondition `yaml:"exit_conditions,omitempty" json:"exit_conditions,omitempty"`

	// Metadata 元数据
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// AgentSpec 工作流内的 agent 声明
type AgentSpec struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
}

// StateSpec 状态定义
type StateSpec struct {
	// Name 状态名（状态机内唯一）
	Name string `yaml:"name" json:"name"`
	// Agent 引用 agents 中声明的 agent
	Agent string `yaml:"agent" json:"agent"`
	// Prompt 提示模板，支持 {{variable}} 占位符
	Prompt string `yaml:"prompt" json:"prompt"`
	// IsStart 是否为起始状态（全图恰好一个）
	IsStart bool `yaml:"is_start,omitempty" json:"is_start,omitempty"`
	// Transitions 转移列表，按声明顺序尝试，首个命中者生效
	Transitions []Transition `yaml:"transitions,omitempty" json:"transitions,omitempty"`
}

// Transition 状态转移
type Transition struct {
	// To 目标状态名
	To string `yaml:"to" json:"to"`
	// When 转移条件表达式
	When string `yaml:"when" json:"when"`
}

// ExitCondition 全局退出条件
type ExitCondition struct {
	// When 条件表达式
	When string `yaml:"when" json:"when"`
	// Action 命中后的动作，缺省为 force_end
	Action ExitAction `yaml:"action,omitempty" json:"action,omitempty"`
}

// ParseDefinition 从 YAML 字节解析并校验工作流定义。
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, types.NewError(types.ErrConfigFault, "parse workflow definition").WithCause(err)
	}
	def.normalize()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinitionFile 从文件加载工作流定义。
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewErrorf(types.ErrConfigFault, "read definition file %s", path).WithCause(err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, err
	}
	return def, nil
}

// normalize 填充缺省值。
func (d *Definition) normalize() {
	for i := range d.ExitConditions {
		if d.ExitConditions[i].Action == "" {
			d.ExitConditions[i].Action = ActionForceEnd
		}
	}
}

// Validate 校验定义完整性：引用必须可解析、恰好一个起始状态、
// 条件表达式语法正确。所有问题聚合成一个 CONFIG_FAULT 返回。
func (d *Definition) Validate() error {
	var errs []string

	if d.Name == "" {
		errs = append(errs, "name is required")
	}
	if d.MaxTurns <= 0 {
		errs = append(errs, "max_turns must be positive")
	}
	if len(d.Agents) == 0 {
		errs = append(errs, "at least one agent is required")
	}
	if len(d.States) == 0 {
		errs = append(errs, "at least one state is required")
	}

	agentNames := make(map[string]bool)
	for _, a := range d.Agents {
		if a.Name == "" {
			errs = append(errs, "agent name is required")
			continue
		}
		if agentNames[a.Name] {
			errs = append(errs, fmt.Sprintf("duplicate agent name: %s", a.Name))
		}
		agentNames[a.Name] = true
		if a.Type == "" {
			errs = append(errs, fmt.Sprintf("agent %s: type is required", a.Name))
		}
	}

	stateNames := make(map[string]bool)
	startCount := 0
	for _, s := range d.States {
		if s.Name == "" {
			errs = append(errs, "state name is required")
			continue
		}
		if stateNames[s.Name] {
			errs = append(errs, fmt.Sprintf("duplicate state name: %s", s.Name))
		}
		stateNames[s.Name] = true
		if s.IsStart {
			startCount++
		}
	}
	if startCount != 1 {
		errs = append(errs, fmt.Sprintf("exactly one start state required, found %d", startCount))
	}

	for _, s := range d.States {
		if s.Agent == "" {
			errs = append(errs, fmt.Sprintf("state %s: agent is required", s.Name))
		} else if !agentNames[s.Agent] {
			errs = append(errs, fmt.Sprintf("state %s: agent %q not declared", s.Name, s.Agent))
		}
		for i, tr := range s.Transitions {
			if tr.To == "" {
				errs = append(errs, fmt.Sprintf("state %s: transition %d: target is required", s.Name, i))
			} else if !stateNames[tr.To] {
				errs = append(errs, fmt.Sprintf("state %s: transition %d: target %q does not exist", s.Name, i, tr.To))
			}
			if err := cond.Validate(tr.When); err != nil {
				errs = append(errs, fmt.Sprintf("state %s: transition %d: %v", s.Name, i, err))
			}
		}
	}

	validActions := map[ExitAction]bool{
		ActionForceEnd: true, ActionSaveAndEnd: true, ActionContinue: true,
	}
	for i, ec := range d.ExitConditions {
		if err := cond.Validate(ec.When); err != nil {
			errs = append(errs, fmt.Sprintf("exit_conditions[%d]: %v", i, err))
		}
		if !validActions[ec.Action] {
			errs = append(errs, fmt.Sprintf("exit_conditions[%d]: invalid action %q", i, ec.Action))
		}
	}

	if len(errs) > 0 {
		return types.NewErrorf(types.ErrConfigFault,
			"invalid workflow definition: %s", strings.Join(errs, "; "))
	}
	return nil
}

// StartState 返回唯一的起始状态。仅在 Validate 通过后调用。
func (d *Definition) StartState() *StateSpec {
	for i := range d.States {
		if d.States[i].IsStart {
			return &d.States[i]
		}
	}
	return nil
}

// State 按名称查找状态。
func (d *Definition) State(name string) (*StateSpec, bool) {
	for i := range d.States {
		if d.States[i].Name == name {
			return &d.States[i], true
		}
	}
	return nil, false
}

// AgentType 返回声明的 agent 类型。
func (d *Definition) AgentType(name string) (string, bool) {
	for _, a := range d.Agents {
		if a.Name == name {
			return a.Type, true
		}
	}
	return "", false
}
