package agent

import (
	"context"
	"fmt"
	"time"
)

// MessageType identifies the variant of a streamed session message
type MessageType string

const (
	MessageTypeAssistant MessageType = "assistant" // Assistant-authored text
	MessageTypeUser      MessageType = "user"      // Prompt or continuation sent to the model
	MessageTypeSystem    MessageType = "system"    // Session bookkeeping (model/permission changes)
	MessageTypeResult    MessageType = "result"    // Final summary emitted when the session finishes
	MessageTypeError     MessageType = "error"     // Non-fatal error surfaced in the stream
)

// Message is one typed entry in a session's result stream
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Text      string      `json:"text,omitempty"`
	Model     string      `json:"model,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// PermissionMode controls how much autonomy a session has
type PermissionMode string

const (
	PermissionModeDefault           PermissionMode = "default"
	PermissionModeAcceptEdits       PermissionMode = "acceptEdits"
	PermissionModeBypassPermissions PermissionMode = "bypassPermissions"
	PermissionModePlan              PermissionMode = "plan"
)

// Valid reports whether the mode is one of the known permission modes
func (m PermissionMode) Valid() bool {
	switch m {
	case PermissionModeDefault, PermissionModeAcceptEdits, PermissionModeBypassPermissions, PermissionModePlan:
		return true
	}
	return false
}

// ParsePermissionMode converts a string into a PermissionMode
func ParsePermissionMode(s string) (PermissionMode, error) {
	mode := PermissionMode(s)
	if !mode.Valid() {
		return "", fmt.Errorf("invalid permission mode: %s", s)
	}
	return mode, nil
}

// ModelInfo describes a model the capability can switch to
type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Provider    string `json:"provider,omitempty"`
}

// ServerBinding is a capability-specific tool server made available to forked sessions
type ServerBinding struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ForkOptions carries per-fork settings forwarded from the executor
type ForkOptions struct {
	SessionID       string                   `json:"session_id,omitempty"`
	ResumeFrom      string                   `json:"resume_from,omitempty"`
	ResumeAtMessage string                   `json:"resume_at_message,omitempty"`
	Model           string                   `json:"model,omitempty"`
	Timeout         time.Duration            `json:"timeout,omitempty"`
	MaxTurns        int                      `json:"max_turns,omitempty"`
	CWD             string                   `json:"cwd,omitempty"`
	ServerBindings  map[string]ServerBinding `json:"server_bindings,omitempty"`
}

// Forker creates new, independently controllable execution sessions.
type Forker interface {
	Fork(ctx context.Context, prompt string, opts ForkOptions) (SessionHandle, error)
}

// SessionHandle is the capability reference to one forked execution.
//
// Messages is closed when the underlying work finishes or is interrupted; Err
// reports the terminal error (nil on a clean finish) once the channel is closed.
// Interrupt only stops the session; there is no way to freeze and later continue it.
type SessionHandle interface {
	Messages() <-chan Message
	Err() error
	Interrupt(ctx context.Context) error
	SetModel(ctx context.Context, model string) error
	SetPermissionMode(ctx context.Context, mode PermissionMode) error
	SupportedModels(ctx context.Context) ([]ModelInfo, error)
}

// AgentMessage represents a message in a provider conversation
type AgentMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AuthProfile represents authentication credentials for LLM providers
type AuthProfile struct {
	Provider string `json:"provider"` // "anthropic", "openai"
	APIKey   string `json:"api_key"`
}
