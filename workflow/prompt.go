package workflow

import (
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ============================================================
// Prompt Rendering
// ============================================================

// Template placeholders substituted into state prompts. Substitution is
// literal: placeholders not listed here are left intact rather than
// treated as errors.
const (
	VarInitialMessage     = "{{initial_message}}"
	VarTurnCount          = "{{turn_count}}"
	VarCollaborationGuide = "{{COLLABORATION_GUIDE}}"
	VarLastAgentName      = "{{last_agent_name}}"
	VarLastAgentContent   = "{{last_agent_content}}"
	VarLastAgentDecisions = "{{last_agent_decisions}}"
)

// CollaborationGuide is the shared-workspace contract expanded in place of
// {{COLLABORATION_GUIDE}}. It tells each agent how to hand work to the
// others and how to report decisions.
const CollaborationGuide = `
WORKSPACE RULES
- Your working directory is private; the shared "collab" directory inside it
  is visible to every agent in this workflow.
- Deliver your work as files under collab/. One file per deliverable, named
  for its content. Do not delete another agent's files; revise them in place.
- Read the existing collab/ files before writing: they are the authoritative
  state of the collaboration, not the conversation history.

OUTPUT FORMAT
- End every reply with a single JSON object of the form
  {"content": "<short summary of what you did>", "decisions": {...}}.
- The decisions object holds only boolean, string, or number values. These
  values drive the workflow's state transitions, so report them truthfully.
`

// PromptVars carries the per-turn values substituted into a state's prompt
// template. LastAgentDecisions is the previous turn's decisions object as
// JSON text; on the first turn it is "{}" and the other relay values are
// empty.
type PromptVars struct {
	InitialMessage     string
	TurnCount          int
	LastAgentName      string
	LastAgentContent   string
	LastAgentDecisions string
}

// RenderPrompt substitutes {{variable}} placeholders and then resolves
// conditional blocks. Only the incremental relay from the previous turn is
// passed forward; full history stays in the ExecutionRecord.
func RenderPrompt(template string, vars PromptVars) string {
	prompt := template

	prompt = strings.ReplaceAll(prompt, VarInitialMessage, vars.InitialMessage)
	prompt = strings.ReplaceAll(prompt, VarTurnCount, strconv.Itoa(vars.TurnCount))
	prompt = strings.ReplaceAll(prompt, VarCollaborationGuide, strings.TrimSpace(CollaborationGuide))

	decisions := vars.LastAgentDecisions
	if decisions == "" {
		decisions = "{}"
	}
	prompt = strings.ReplaceAll(prompt, VarLastAgentName, vars.LastAgentName)
	prompt = strings.ReplaceAll(prompt, VarLastAgentContent, vars.LastAgentContent)
	prompt = strings.ReplaceAll(prompt, VarLastAgentDecisions, decisions)

	return resolveConditionals(prompt, vars.LastAgentName)
}

// condBlockRe matches {% if last_agent_name == "x" %}...{% else %}...{% endif %}.
// Blocks without an else branch are left intact, consistent with the
// literal-substitution model.
var condBlockRe = regexp.MustCompile(
	`(?s)\{%\s*if\s+last_agent_name\s*==\s*["'](\w+)["']\s*%\}(.*?)\{%\s*else\s*%\}(.*?)\{%\s*endif\s*%\}`)

func resolveConditionals(prompt, lastAgent string) string {
	return condBlockRe.ReplaceAllStringFunc(prompt, func(block string) string {
		m := condBlockRe.FindStringSubmatch(block)
		if m == nil {
			return block
		}
		if lastAgent == m[1] {
			return m[2]
		}
		return m[3]
	})
}

// ============================================================
// Token Accounting
// ============================================================

// TokenCounter reports the token footprint of rendered text.
type TokenCounter interface {
	CountTokens(text string) (int, error)
}

// Renderer renders state prompts and, when a counter is configured, checks
// each rendered prompt against a token budget. An over-budget prompt is a
// warning, never a failure: the executor owns the real context limit.
type Renderer struct {
	counter   TokenCounter
	maxTokens int
	logger    *zap.Logger
}

// NewRenderer creates a prompt renderer. counter may be nil to disable
// token accounting; maxTokens <= 0 disables the budget check.
func NewRenderer(counter TokenCounter, maxTokens int, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{
		counter:   counter,
		maxTokens: maxTokens,
		logger:    logger.With(zap.String("component", "prompt_renderer")),
	}
}

// Render renders template with vars and applies token accounting.
func (r *Renderer) Render(template string, vars PromptVars) string {
	prompt := RenderPrompt(template, vars)

	if r.counter != nil {
		n, err := r.counter.CountTokens(prompt)
		switch {
		case err != nil:
			r.logger.Debug("token accounting unavailable", zap.Error(err))
		case r.maxTokens > 0 && n > r.maxTokens:
			r.logger.Warn("rendered prompt exceeds token budget",
				zap.Int("tokens", n),
				zap.Int("max_tokens", r.maxTokens),
			)
		}
	}
	return prompt
}
