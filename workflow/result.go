package workflow

import (
	"time"

	"github.com/BaSui01/stateflow/types"
)

// TerminationReason explains why a run stopped.
type TerminationReason string

const (
	// ReasonExitCondition means a declared global exit condition matched
	ReasonExitCondition TerminationReason = "exit_condition"
	// ReasonMaxTurnsExceeded means the turn budget ran out
	ReasonMaxTurnsExceeded TerminationReason = "max_turns_exceeded"
	// ReasonNoTransition means a state had no matching transition and no
	// terminating exit condition rescued the turn
	ReasonNoTransition TerminationReason = "no_transition_matched"
	// ReasonFatalError means the retry budget was exhausted or the executor
	// reported an unrecoverable fault
	ReasonFatalError TerminationReason = "fatal_error"
	// ReasonCancelled means the caller cancelled the run mid-turn
	ReasonCancelled TerminationReason = "cancelled"
)

// ErrorKind classifies a recorded failure.
type ErrorKind string

const (
	// ErrorKindTransient failures were retried
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindConfiguration failures surface immediately and are never retried
	ErrorKindConfiguration ErrorKind = "configuration"
	// ErrorKindFatal failures terminate the run
	ErrorKindFatal ErrorKind = "fatal"
)

// ErrorEntry is one classified failure with enough context to reconstruct
// it without re-running the workflow.
type ErrorEntry struct {
	Turn      int             `json:"turn"`
	State     string          `json:"state"`
	Kind      ErrorKind       `json:"kind"`
	Code      types.ErrorCode `json:"code"`
	Message   string          `json:"message"`
	Attempt   int             `json:"attempt,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Metadata carries the audit side of a result.
type Metadata struct {
	History           *ExecutionRecord  `json:"history"`
	TerminationReason TerminationReason `json:"termination_reason"`
	ExitExpression    string            `json:"exit_expression,omitempty"`
	ExitAction        ExitAction        `json:"exit_action,omitempty"`
	Errors            []ErrorEntry      `json:"errors,omitempty"`
	TotalTime         time.Duration     `json:"total_time"`
	Workspace         string            `json:"workspace,omitempty"`
}

// Result is what every run returns, success or not. Failures are encoded
// here rather than raised, so batch callers can branch on Success without
// wrapping the call.
type Result struct {
	Success      bool     `json:"success"`
	TotalTurns   int      `json:"total_turns"`
	AgentsUsed   []string `json:"agents_used"`
	FinalContent string   `json:"final_content"`
	Metadata     Metadata `json:"metadata"`
}

// HasErrors reports whether any classified failure occurred during the run,
// including transient ones that were recovered by retry.
func (r *Result) HasErrors() bool {
	return len(r.Metadata.Errors) > 0
}

// CountErrors returns how many recorded failures have the given kind.
func (r *Result) CountErrors(kind ErrorKind) int {
	n := 0
	for _, e := range r.Metadata.Errors {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
