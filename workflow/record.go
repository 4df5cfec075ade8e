package workflow

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TurnRecord is one completed turn in the audit trail: which state ran
// which agent, what the agent said, and which decisions it reported.
// Entries are immutable once appended.
type TurnRecord struct {
	TurnIndex int           `json:"turn_index"`
	State     string        `json:"state"`
	Agent     string        `json:"agent"`
	RawOutput string        `json:"raw_output"`
	Content   string        `json:"content"`
	Decisions Decisions     `json:"decisions"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// ExecutionRecord is the append-only turn log of one run. It is owned
// exclusively by the running machine; everyone else reads snapshots.
type ExecutionRecord struct {
	RunID     string        `json:"run_id"`
	Workflow  string        `json:"workflow"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Turns     []*TurnRecord `json:"turns"`

	mu sync.RWMutex
}

// NewExecutionRecord starts a fresh record for one run of a workflow.
func NewExecutionRecord(workflow string) *ExecutionRecord {
	return &ExecutionRecord{
		RunID:     uuid.NewString(),
		Workflow:  workflow,
		StartTime: time.Now(),
		Turns:     make([]*TurnRecord, 0),
	}
}

// Append adds a completed turn. The entry must not be mutated afterwards.
func (r *ExecutionRecord) Append(turn *TurnRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Turns = append(r.Turns, turn)
}

// Complete stamps the record's end time.
func (r *ExecutionRecord) Complete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)
}

// Len returns the number of recorded turns.
func (r *ExecutionRecord) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.Turns)
}

// Snapshot returns a copy of the turn slice.
func (r *ExecutionRecord) Snapshot() []*TurnRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	turns := make([]*TurnRecord, len(r.Turns))
	copy(turns, r.Turns)
	return turns
}

// LastTurn returns the most recent turn, or nil for an empty record.
func (r *ExecutionRecord) LastTurn() *TurnRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.Turns) == 0 {
		return nil
	}
	return r.Turns[len(r.Turns)-1]
}

// AgentsUsed returns agent names in order of first appearance.
func (r *ExecutionRecord) AgentsUsed() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var agents []string
	for _, turn := range r.Turns {
		if !seen[turn.Agent] {
			seen[turn.Agent] = true
			agents = append(agents, turn.Agent)
		}
	}
	return agents
}

// VisitedStates returns the state sequence in turn order.
func (r *ExecutionRecord) VisitedStates() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make([]string, len(r.Turns))
	for i, turn := range r.Turns {
		states[i] = turn.State
	}
	return states
}
