package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/harun/fanout/internal/config"
	"github.com/harun/fanout/pkg/agent"
	"github.com/harun/fanout/pkg/orchestrator"
	"github.com/harun/fanout/pkg/querycontrol"
	"github.com/xeipuuv/gojsonschema"
)

const batchSchema = `{
	"type": "object",
	"required": ["agents"],
	"additionalProperties": false,
	"properties": {
		"agents": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "task"],
				"additionalProperties": false,
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"type": {"type": "string"},
					"task": {"type": "string", "minLength": 1},
					"capabilities": {"type": "array", "items": {"type": "string"}},
					"priority": {"type": "string", "enum": ["", "critical", "high", "medium", "low"]},
					"timeout_seconds": {"type": "integer", "minimum": 0}
				}
			}
		},
		"options": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"max_parallel_agents": {"type": "integer", "minimum": 1},
				"base_session_id": {"type": "string"},
				"resume_at": {"type": "string"},
				"shared_memory": {"type": "boolean"},
				"timeout_seconds": {"type": "integer", "minimum": 0},
				"model": {"type": "string"},
				"max_turns": {"type": "integer", "minimum": 0},
				"cwd": {"type": "string"},
				"server_bindings": {
					"type": "object",
					"additionalProperties": {
						"type": "object",
						"properties": {
							"command": {"type": "string"},
							"args": {"type": "array", "items": {"type": "string"}},
							"url": {"type": "string"},
							"env": {"type": "object", "additionalProperties": {"type": "string"}}
						}
					}
				}
			}
		},
		"commands": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["agent_id", "kind"],
				"additionalProperties": false,
				"properties": {
					"agent_id": {"type": "string", "minLength": 1},
					"kind": {"type": "string", "enum": ["pause", "resume", "terminate", "changeModel", "changePermissions"]},
					"model": {"type": "string"},
					"permission_mode": {"type": "string", "enum": ["default", "acceptEdits", "bypassPermissions", "plan"]},
					"reason": {"type": "string"}
				}
			}
		}
	}
}`

// Batch is the file format accepted by run and validate
type Batch struct {
	Agents   []BatchAgent   `json:"agents"`
	Options  BatchOptions   `json:"options"`
	Commands []BatchCommand `json:"commands,omitempty"`
}

// BatchAgent describes one agent to fork
type BatchAgent struct {
	ID             string                `json:"id"`
	Type           string                `json:"type,omitempty"`
	Task           string                `json:"task"`
	Capabilities   []string              `json:"capabilities,omitempty"`
	Priority       orchestrator.Priority `json:"priority,omitempty"`
	TimeoutSeconds int                   `json:"timeout_seconds,omitempty"`
}

// BatchOptions overrides executor defaults from the config file
type BatchOptions struct {
	MaxParallelAgents int                            `json:"max_parallel_agents,omitempty"`
	BaseSessionID     string                         `json:"base_session_id,omitempty"`
	ResumeAt          string                         `json:"resume_at,omitempty"`
	SharedMemory      bool                           `json:"shared_memory,omitempty"`
	TimeoutSeconds    int                            `json:"timeout_seconds,omitempty"`
	Model             string                         `json:"model,omitempty"`
	MaxTurns          int                            `json:"max_turns,omitempty"`
	CWD               string                         `json:"cwd,omitempty"`
	ServerBindings    map[string]agent.ServerBinding `json:"server_bindings,omitempty"`
}

// BatchCommand is a control command queued against an agent's session as soon
// as it is forked
type BatchCommand struct {
	AgentID        string `json:"agent_id"`
	Kind           string `json:"kind"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// LoadBatch reads and validates a batch file
func LoadBatch(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	return ParseBatch(data)
}

// ParseBatch validates data against the batch schema, decodes it and checks
// the constraints the schema cannot express
func ParseBatch(data []byte) (*Batch, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(batchSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid batch JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, fmt.Errorf("batch does not match schema: %s", strings.Join(msgs, "; "))
	}

	var batch Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("failed to decode batch: %w", err)
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return &batch, nil
}

// Validate checks agent IDs are unique and every command targets a known agent
func (b *Batch) Validate() error {
	seen := make(map[string]bool, len(b.Agents))
	var errs []error
	for _, cfg := range b.AgentConfigs() {
		if err := cfg.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[cfg.ID] {
			errs = append(errs, fmt.Errorf("duplicate agent id: %s", cfg.ID))
		}
		seen[cfg.ID] = true
	}

	if b.Options.ResumeAt != "" && b.Options.BaseSessionID == "" {
		errs = append(errs, errors.New("options.resume_at requires options.base_session_id"))
	}

	for i, bc := range b.Commands {
		if !seen[bc.AgentID] {
			errs = append(errs, fmt.Errorf("command %d: unknown agent %s", i, bc.AgentID))
			continue
		}
		cmd := bc.command("pending")
		if err := cmd.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("command %d: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// AgentConfigs converts the batch into executor agent configs
func (b *Batch) AgentConfigs() []orchestrator.AgentConfig {
	configs := make([]orchestrator.AgentConfig, 0, len(b.Agents))
	for _, a := range b.Agents {
		configs = append(configs, orchestrator.AgentConfig{
			ID:           a.ID,
			Type:         a.Type,
			Task:         a.Task,
			Capabilities: a.Capabilities,
			Priority:     a.Priority,
			Timeout:      time.Duration(a.TimeoutSeconds) * time.Second,
		})
	}
	return configs
}

// ParallelOptions merges batch options over the config defaults
func (b *Batch) ParallelOptions(cfg *config.Config) orchestrator.ParallelOptions {
	opts := orchestrator.ParallelOptions{
		MaxParallelAgents: cfg.Executor.MaxParallelAgents,
		BaseSessionID:     b.Options.BaseSessionID,
		ResumeAt:          b.Options.ResumeAt,
		SharedMemory:      b.Options.SharedMemory,
		Timeout:           cfg.ExecutorTimeout(),
		Model:             b.Options.Model,
		MaxTurns:          cfg.Executor.MaxTurns,
		CWD:               b.Options.CWD,
		ServerBindings:    b.Options.ServerBindings,
	}
	if b.Options.MaxParallelAgents > 0 {
		opts.MaxParallelAgents = b.Options.MaxParallelAgents
	}
	if b.Options.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(b.Options.TimeoutSeconds) * time.Second
	}
	if b.Options.MaxTurns > 0 {
		opts.MaxTurns = b.Options.MaxTurns
	}
	return opts
}

// commandsByAgent groups queued commands by the agent they target, in file order
func (b *Batch) commandsByAgent() map[string][]BatchCommand {
	grouped := make(map[string][]BatchCommand)
	for _, bc := range b.Commands {
		grouped[bc.AgentID] = append(grouped[bc.AgentID], bc)
	}
	return grouped
}

func (bc BatchCommand) command(sessionID string) querycontrol.Command {
	return querycontrol.Command{
		Kind:           querycontrol.CommandKind(bc.Kind),
		SessionID:      sessionID,
		Model:          bc.Model,
		PermissionMode: agent.PermissionMode(bc.PermissionMode),
		Reason:         bc.Reason,
	}
}
