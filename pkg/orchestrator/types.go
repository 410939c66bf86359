package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/fanout/pkg/agent"
)

// Priority orders agents within a run. Lower rank runs first.
type Priority int

const (
	PriorityUnset Priority = iota // resolves to PriorityMedium
	PriorityCritical
	PriorityHigh
	PriorityMedium
	PriorityLow
)

var priorityNames = map[Priority]string{
	PriorityCritical: "critical",
	PriorityHigh:     "high",
	PriorityMedium:   "medium",
	PriorityLow:      "low",
}

// Rank returns the sort key for a priority
func (p Priority) Rank() int {
	if p == PriorityUnset {
		return int(PriorityMedium)
	}
	return int(p)
}

func (p Priority) Valid() bool {
	return p >= PriorityUnset && p <= PriorityLow
}

func (p Priority) String() string {
	if p == PriorityUnset {
		return priorityNames[PriorityMedium]
	}
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts "critical", "high", "medium" or "low". An empty
// string yields PriorityUnset.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityUnset, nil
	}
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return PriorityUnset, fmt.Errorf("invalid priority: %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// AgentConfig describes one agent to fork. It is not modified by the executor.
type AgentConfig struct {
	ID           string
	Type         string
	Task         string
	Capabilities []string
	Priority     Priority
	Timeout      time.Duration // overrides ParallelOptions.Timeout when set
}

// Validate validates the agent configuration
func (c AgentConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("agent ID is required")
	}
	if strings.TrimSpace(c.Task) == "" {
		return fmt.Errorf("agent %s: task is required", c.ID)
	}
	if !c.Priority.Valid() {
		return fmt.Errorf("agent %s: invalid priority %d", c.ID, int(c.Priority))
	}
	if c.Timeout < 0 {
		return fmt.Errorf("agent %s: timeout cannot be negative", c.ID)
	}
	return nil
}

// AgentStatus is the lifecycle status of a forked session
type AgentStatus string

const (
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed    AgentStatus = "failed"
)

// ForkedSession is the executor's record of one spawned session
type ForkedSession struct {
	SessionID string
	AgentID   string
	AgentType string
	Handle    agent.SessionHandle
	Messages  []agent.Message
	Status    AgentStatus
	StartTime time.Time
	EndTime   *time.Time
	Err       error
}

// snapshot returns a copy that does not share the message slice
func (s *ForkedSession) snapshot() ForkedSession {
	cp := *s
	cp.Messages = append([]agent.Message(nil), s.Messages...)
	if s.EndTime != nil {
		end := *s.EndTime
		cp.EndTime = &end
	}
	return cp
}

// AgentRunResult is the per-agent outcome of a run
type AgentRunResult struct {
	AgentID   string          `json:"agent_id"`
	SessionID string          `json:"session_id,omitempty"`
	Output    string          `json:"output"`
	Messages  []agent.Message `json:"messages,omitempty"`
	Duration  time.Duration   `json:"duration"`
	Status    AgentStatus     `json:"status"`
	Error     string          `json:"error,omitempty"`
}

// ParallelOptions configures one SpawnParallelAgents call
type ParallelOptions struct {
	MaxParallelAgents int
	BaseSessionID     string // fork every agent from this session's transcript
	ResumeAt          string // message ID within BaseSessionID
	SharedMemory      bool
	Timeout           time.Duration
	Model             string
	MaxTurns          int
	CWD               string
	ServerBindings    map[string]agent.ServerBinding
}

// ExecutionMetrics aggregates timing across runs of one executor
type ExecutionMetrics struct {
	TotalRuns        int           `json:"total_runs"`
	TotalAgents      int           `json:"total_agents"`
	Batches          int           `json:"batches"`
	AverageSpawnTime time.Duration `json:"average_spawn_time"`
	ThroughputGain   float64       `json:"throughput_gain"`
}

// ParallelExecutionResult is returned by SpawnParallelAgents. Success is true
// only when no agent failed.
type ParallelExecutionResult struct {
	RunID            string                    `json:"run_id"`
	Success          bool                      `json:"success"`
	AgentResults     map[string]AgentRunResult `json:"agent_results"`
	TotalDuration    time.Duration             `json:"total_duration"`
	FailedAgents     []string                  `json:"failed_agents"`
	SuccessfulAgents []string                  `json:"successful_agents"`
	Metrics          ExecutionMetrics          `json:"metrics"`
	StartedAt        time.Time                 `json:"started_at"`
}
