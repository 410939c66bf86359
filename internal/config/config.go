package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/fanout/internal/logger"
	"github.com/harun/fanout/pkg/querycontrol"
)

// Config represents the complete fanout configuration
type Config struct {
	Executor   ExecutorConfig   `json:"executor" mapstructure:"executor"`
	Controller ControllerConfig `json:"controller" mapstructure:"controller"`
	Provider   ProviderConfig   `json:"provider" mapstructure:"provider"`
	Gateway    GatewayConfig    `json:"gateway" mapstructure:"gateway"`
	Logging    logger.Config    `json:"logging" mapstructure:"logging"`
	DataDir    string           `json:"data_dir" mapstructure:"data_dir"`
}

// ExecutorConfig holds defaults for parallel runs. A batch file may override them.
type ExecutorConfig struct {
	MaxParallelAgents int    `json:"max_parallel_agents" mapstructure:"max_parallel_agents"`
	TimeoutSeconds    int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Model             string `json:"model" mapstructure:"model"`
	MaxTurns          int    `json:"max_turns" mapstructure:"max_turns"`
	// BaselineSeconds is the per-agent cost assumed when reporting throughput gain
	BaselineSeconds int `json:"baseline_seconds" mapstructure:"baseline_seconds"`
}

// ControllerConfig holds query controller toggles and housekeeping settings
type ControllerConfig struct {
	EnablePause            bool   `json:"enable_pause" mapstructure:"enable_pause"`
	EnableModelChange      bool   `json:"enable_model_change" mapstructure:"enable_model_change"`
	EnablePermissionChange bool   `json:"enable_permission_change" mapstructure:"enable_permission_change"`
	StatusIntervalMs       int    `json:"status_interval_ms" mapstructure:"status_interval_ms"`
	CleanupRetentionMs     int    `json:"cleanup_retention_ms" mapstructure:"cleanup_retention_ms"`
	CleanupSchedule        string `json:"cleanup_schedule" mapstructure:"cleanup_schedule"` // cron spec; empty disables
}

// ProviderConfig selects the LLM backend
type ProviderConfig struct {
	Name      string `json:"name" mapstructure:"name"` // anthropic, openai
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	Model     string `json:"model" mapstructure:"model"`
	MaxTokens int    `json:"max_tokens" mapstructure:"max_tokens"`
}

// GatewayConfig holds control-plane server settings
type GatewayConfig struct {
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
	Host           string `json:"host" mapstructure:"host"`
	Port           int    `json:"port" mapstructure:"port"`
	SharedSecret   string `json:"shared_secret" mapstructure:"shared_secret"`
	TickIntervalMs int    `json:"tick_interval_ms" mapstructure:"tick_interval_ms"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Executor: ExecutorConfig{
			MaxParallelAgents: 10,
			TimeoutSeconds:    300,
			MaxTurns:          1,
			BaselineSeconds:   5,
		},
		Controller: ControllerConfig{
			EnablePause:            true,
			EnableModelChange:      true,
			EnablePermissionChange: true,
			StatusIntervalMs:       1000,
			CleanupRetentionMs:     300000,
			CleanupSchedule:        "@every 1m",
		},
		Provider: ProviderConfig{
			Name:      "anthropic",
			Model:     "claude-sonnet-4-5",
			MaxTokens: 4096,
		},
		Gateway: GatewayConfig{
			Enabled:        false,
			Host:           "127.0.0.1",
			Port:           18790,
			TickIntervalMs: 30000,
		},
		Logging: logger.Config{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
	}
}

// ControllerOptions converts the controller section into querycontrol options
func (c *Config) ControllerOptions() querycontrol.Options {
	return querycontrol.Options{
		EnablePause:            c.Controller.EnablePause,
		EnableModelChange:      c.Controller.EnableModelChange,
		EnablePermissionChange: c.Controller.EnablePermissionChange,
		StatusInterval:         time.Duration(c.Controller.StatusIntervalMs) * time.Millisecond,
	}
}

// CleanupRetention is how long a finished query is kept before cleanup removes it
func (c *Config) CleanupRetention() time.Duration {
	return time.Duration(c.Controller.CleanupRetentionMs) * time.Millisecond
}

// ExecutorTimeout is the default per-agent timeout; zero means none
func (c *Config) ExecutorTimeout() time.Duration {
	return time.Duration(c.Executor.TimeoutSeconds) * time.Second
}

// DefaultModel is the model used when neither the batch nor the agent names one
func (c *Config) DefaultModel() string {
	if c.Executor.Model != "" {
		return c.Executor.Model
	}
	return c.Provider.Model
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration can be used for a run
func (c *Config) Validate() error {
	switch c.Provider.Name {
	case "anthropic", "openai":
	case "":
		return fmt.Errorf("provider name is required")
	default:
		return fmt.Errorf("invalid provider %s (must be: anthropic, openai)", c.Provider.Name)
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider %s: api_key is required", c.Provider.Name)
	}
	if c.DefaultModel() == "" {
		return fmt.Errorf("a default model is required (executor.model or provider.model)")
	}
	if c.Executor.MaxParallelAgents <= 0 {
		return fmt.Errorf("executor.max_parallel_agents must be positive")
	}
	if c.Gateway.Enabled && c.Gateway.SharedSecret == "" {
		return fmt.Errorf("gateway.shared_secret is required when the gateway is enabled")
	}
	return nil
}
