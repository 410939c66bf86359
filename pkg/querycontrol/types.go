package querycontrol

import (
	"fmt"
	"time"

	"github.com/harun/fanout/pkg/agent"
)

// QueryStatus represents the control state of a registered session
type QueryStatus string

const (
	StatusRunning    QueryStatus = "running"
	StatusPaused     QueryStatus = "paused"
	StatusTerminated QueryStatus = "terminated"
	StatusCompleted  QueryStatus = "completed"
	StatusFailed     QueryStatus = "failed"
)

// IsTerminal returns true if no further pause, resume or change is possible
func (s QueryStatus) IsTerminal() bool {
	return s == StatusTerminated || s == StatusCompleted || s == StatusFailed
}

// ControlledQuery is the controller's record of one forked session.
//
// Pause is logical: pausing interrupts the underlying session and marks the
// record paused. Resuming only flips the record back to running; the stream
// that was interrupted does not continue, so a resumed query is not equivalent
// to one that was never paused.
type ControlledQuery struct {
	SessionID      string               `json:"session_id"`
	AgentID        string               `json:"agent_id"`
	Status         QueryStatus          `json:"status"`
	IsPaused       bool                 `json:"is_paused"`
	CanControl     bool                 `json:"can_control"`
	CurrentModel   string               `json:"current_model,omitempty"`
	PermissionMode agent.PermissionMode `json:"permission_mode,omitempty"`
	Reason         string               `json:"reason,omitempty"`
	Error          string               `json:"error,omitempty"`
	StartTime      time.Time            `json:"start_time"`
	PausedAt       *time.Time           `json:"paused_at,omitempty"`
	ResumedAt      *time.Time           `json:"resumed_at,omitempty"`
	TerminatedAt   *time.Time           `json:"terminated_at,omitempty"`
	EndedAt        *time.Time           `json:"ended_at,omitempty"`

	handle agent.SessionHandle
}

// Handle returns the capability reference the query was registered with
func (q ControlledQuery) Handle() agent.SessionHandle {
	return q.handle
}

// Elapsed returns the time since registration, frozen once the query ends
func (q ControlledQuery) Elapsed(now time.Time) time.Duration {
	if end := q.terminalSince(); end != nil {
		return end.Sub(q.StartTime)
	}
	return now.Sub(q.StartTime)
}

// terminalSince returns when the query last entered a terminal state
func (q ControlledQuery) terminalSince() *time.Time {
	if q.TerminatedAt != nil {
		return q.TerminatedAt
	}
	return q.EndedAt
}

func (q *ControlledQuery) snapshot() ControlledQuery {
	cp := *q
	cp.PausedAt = copyTime(q.PausedAt)
	cp.ResumedAt = copyTime(q.ResumedAt)
	cp.TerminatedAt = copyTime(q.TerminatedAt)
	cp.EndedAt = copyTime(q.EndedAt)
	return cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CommandKind identifies a control command
type CommandKind string

const (
	CommandPause             CommandKind = "pause"
	CommandResume            CommandKind = "resume"
	CommandTerminate         CommandKind = "terminate"
	CommandChangeModel       CommandKind = "changeModel"
	CommandChangePermissions CommandKind = "changePermissions"
)

// Valid reports whether the kind is a known command
func (k CommandKind) Valid() bool {
	switch k {
	case CommandPause, CommandResume, CommandTerminate, CommandChangeModel, CommandChangePermissions:
		return true
	}
	return false
}

// Command is a control request addressed to one session
type Command struct {
	Kind           CommandKind          `json:"kind"`
	SessionID      string               `json:"session_id"`
	Model          string               `json:"model,omitempty"`
	PermissionMode agent.PermissionMode `json:"permission_mode,omitempty"`
	Reason         string               `json:"reason,omitempty"`
}

// Validate checks the command is addressable and complete
func (c Command) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, c.Kind)
	}
	if c.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	switch c.Kind {
	case CommandChangeModel:
		if c.Model == "" {
			return fmt.Errorf("model is required for %s", c.Kind)
		}
	case CommandChangePermissions:
		if !c.PermissionMode.Valid() {
			return fmt.Errorf("invalid permission mode: %s", c.PermissionMode)
		}
	}
	return nil
}

// DrainReport summarizes one ProcessQueuedCommands call
type DrainReport struct {
	SessionID string `json:"session_id"`
	Executed  int    `json:"executed"`
	Rejected  int    `json:"rejected"`
	Failed    int    `json:"failed"`
	Dropped   int    `json:"dropped"`
}

// Options toggles controller capabilities
type Options struct {
	EnablePause            bool          `json:"enable_pause"`
	EnableModelChange      bool          `json:"enable_model_change"`
	EnablePermissionChange bool          `json:"enable_permission_change"`
	StatusInterval         time.Duration `json:"status_interval"`
}

// DefaultStatusInterval is the period between status events for a live query
const DefaultStatusInterval = time.Second

// DefaultOptions enables every capability with a one second status interval
func DefaultOptions() Options {
	return Options{
		EnablePause:            true,
		EnableModelChange:      true,
		EnablePermissionChange: true,
		StatusInterval:         DefaultStatusInterval,
	}
}

// Metrics is a point-in-time count of controller state
type Metrics struct {
	TotalQueries     int `json:"total_queries"`
	Running          int `json:"running"`
	Paused           int `json:"paused"`
	Terminated       int `json:"terminated"`
	Completed        int `json:"completed"`
	Failed           int `json:"failed"`
	QueuedCommands   int `json:"queued_commands"`
	CommandsExecuted int `json:"commands_executed"`
	CommandsRejected int `json:"commands_rejected"`
	CommandsFailed   int `json:"commands_failed"`
}
