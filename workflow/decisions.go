package workflow

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/BaSui01/stateflow/types"
)

// DecisionKind discriminates the scalar type carried by a DecisionValue.
type DecisionKind string

const (
	// DecisionBool is a boolean decision value
	DecisionBool DecisionKind = "bool"
	// DecisionString is a string decision value
	DecisionString DecisionKind = "string"
	// DecisionNumber is a numeric decision value
	DecisionNumber DecisionKind = "number"
)

// DecisionValue is a tagged scalar reported by an agent in its decisions
// block. Only booleans, strings, and numbers are admitted; anything else in
// a decisions block is a parse fault, never a silent default.
type DecisionValue struct {
	Kind DecisionKind
	Bool bool
	Str  string
	Num  float64
}

// BoolValue builds a boolean decision value.
func BoolValue(b bool) DecisionValue { return DecisionValue{Kind: DecisionBool, Bool: b} }

// StringValue builds a string decision value.
func StringValue(s string) DecisionValue { return DecisionValue{Kind: DecisionString, Str: s} }

// NumberValue builds a numeric decision value.
func NumberValue(f float64) DecisionValue { return DecisionValue{Kind: DecisionNumber, Num: f} }

// Native returns the underlying scalar for condition evaluation.
func (v DecisionValue) Native() any {
	switch v.Kind {
	case DecisionBool:
		return v.Bool
	case DecisionString:
		return v.Str
	case DecisionNumber:
		return v.Num
	default:
		return nil
	}
}

// MarshalJSON emits the bare scalar, so serialized decisions read the same
// way agents write them: {"done": true, "phase": "final"}.
func (v DecisionValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

// UnmarshalJSON decodes a scalar strictly. Objects, arrays, and null are
// rejected.
func (v *DecisionValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case bool:
		*v = BoolValue(t)
	case string:
		*v = StringValue(t)
	case float64:
		*v = NumberValue(t)
	default:
		return types.NewErrorf(types.ErrDecisionParse,
			"decision value must be bool, string, or number, got %T", raw)
	}
	return nil
}

// Decisions maps decision keys to their values for one turn.
type Decisions map[string]DecisionValue

// Keys returns the decision keys in sorted order.
func (d Decisions) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AgentOutput is one turn's parsed agent response: free-form content plus
// the structured decisions block that drives transitions.
type AgentOutput struct {
	Content   string    `json:"content"`
	Decisions Decisions `json:"decisions"`
}

// ParseAgentOutput extracts and strictly decodes the decisions block from a
// raw agent response. The block is the outermost JSON object in the text
// (agents typically wrap it in prose or a code fence); it must parse and
// must carry a "decisions" field. Any failure is a DECISION_PARSE error,
// which callers treat as retryable.
func ParseAgentOutput(raw string) (*AgentOutput, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, types.NewError(types.ErrDecisionParse,
			"agent output contains no decisions block")
	}
	blob := raw[start : end+1]

	var envelope struct {
		Content   string          `json:"content"`
		Decisions json.RawMessage `json:"decisions"`
	}
	if err := json.Unmarshal([]byte(blob), &envelope); err != nil {
		return nil, types.NewError(types.ErrDecisionParse,
			"agent output decisions block is not valid JSON").WithCause(err)
	}
	if envelope.Decisions == nil {
		return nil, types.NewError(types.ErrDecisionParse,
			"agent output is missing the decisions field")
	}

	decisions := make(Decisions)
	if err := json.Unmarshal(envelope.Decisions, &decisions); err != nil {
		return nil, types.NewError(types.ErrDecisionParse,
			"agent output decisions block failed strict decode").WithCause(err)
	}

	// Content falls back to the prose around the block, then to the whole
	// response, so downstream prompts always have something to relay.
	content := envelope.Content
	if content == "" {
		content = strings.TrimSpace(strings.Replace(raw, blob, "", 1))
	}
	if content == "" {
		content = raw
	}

	return &AgentOutput{Content: content, Decisions: decisions}, nil
}

// Machine-derived fact keys available to condition expressions and prompt
// templates alongside decision keys.
const (
	FactTurnCount        = "turn_count"
	FactMaxTurnsExceeded = "max_turns_exceeded"
	FactErrorOccurred    = "error_occurred"
	FactLastAgentName    = "last_agent_name"
	FactLastAgentContent = "last_agent_content"
	FactCurrentState     = "current_state"
)

// DecisionContext is the lookup scope for one evaluation pass: machine
// facts merged over a single turn's decisions. It is rebuilt fresh each
// turn and never retained across turns except inside the ExecutionRecord.
type DecisionContext struct {
	decisions Decisions
	facts     map[string]any
}

// NewDecisionContext builds a context from one turn's decisions and the
// machine facts of the moment. Either argument may be nil.
func NewDecisionContext(decisions Decisions, facts map[string]any) *DecisionContext {
	if decisions == nil {
		decisions = Decisions{}
	}
	if facts == nil {
		facts = map[string]any{}
	}
	return &DecisionContext{decisions: decisions, facts: facts}
}

// Lookup resolves an identifier. Machine facts win over decision keys so an
// agent cannot shadow facts like max_turns_exceeded.
func (c *DecisionContext) Lookup(key string) (any, bool) {
	if v, ok := c.facts[key]; ok {
		return v, true
	}
	if v, ok := c.decisions[key]; ok {
		return v.Native(), true
	}
	return nil, false
}

// Decisions returns the turn's decisions.
func (c *DecisionContext) Decisions() Decisions { return c.decisions }

// Fact returns a machine fact by key.
func (c *DecisionContext) Fact(key string) (any, bool) {
	v, ok := c.facts[key]
	return v, ok
}
