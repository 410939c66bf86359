package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

const maxParallelAgentsLimit = 100

// Validator validates configuration values
type Validator struct {
	parser cron.Parser
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidateProvider validates a provider name
func (v *Validator) ValidateProvider(name string) error {
	switch name {
	case "anthropic", "openai":
		return nil
	}
	return fmt.Errorf("invalid provider: %s (must be one of: anthropic, openai)", name)
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateMaxParallelAgents validates the batch size bound
func (v *Validator) ValidateMaxParallelAgents(n int) error {
	if n < 1 || n > maxParallelAgentsLimit {
		return fmt.Errorf("max_parallel_agents must be between 1 and %d, got %d", maxParallelAgentsLimit, n)
	}
	return nil
}

// ValidateSchedule validates a cron spec, including descriptors like @every 1m
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return nil // Cleanup schedule disabled
	}
	if _, err := v.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}
	return nil
}

// ValidatePort validates a TCP port; 0 picks an ephemeral port
func (v *Validator) ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	// Provider
	if err := v.ValidateProvider(cfg.Provider.Name); err != nil {
		errors = append(errors, err)
	} else if cfg.Provider.APIKey != "" {
		if err := v.ValidateAPIKey(cfg.Provider.APIKey, cfg.Provider.Name); err != nil {
			errors = append(errors, err)
		}
	}
	if err := v.ValidateModel(cfg.DefaultModel()); err != nil {
		errors = append(errors, fmt.Errorf("provider.model: %w", err))
	}
	if cfg.Provider.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Provider.MaxTokens); err != nil {
			errors = append(errors, fmt.Errorf("provider.max_tokens: %w", err))
		}
	}

	// Executor
	if err := v.ValidateMaxParallelAgents(cfg.Executor.MaxParallelAgents); err != nil {
		errors = append(errors, fmt.Errorf("executor: %w", err))
	}
	if cfg.Executor.TimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("executor.timeout_seconds must be >= 0"))
	}
	if cfg.Executor.MaxTurns < 0 {
		errors = append(errors, fmt.Errorf("executor.max_turns must be >= 0"))
	}
	if cfg.Executor.BaselineSeconds < 0 {
		errors = append(errors, fmt.Errorf("executor.baseline_seconds must be >= 0"))
	}

	// Controller
	if cfg.Controller.StatusIntervalMs < 0 {
		errors = append(errors, fmt.Errorf("controller.status_interval_ms must be >= 0"))
	}
	if cfg.Controller.CleanupRetentionMs < 0 {
		errors = append(errors, fmt.Errorf("controller.cleanup_retention_ms must be >= 0"))
	}
	if err := v.ValidateSchedule(cfg.Controller.CleanupSchedule); err != nil {
		errors = append(errors, fmt.Errorf("controller: %w", err))
	}

	// Gateway
	if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
		errors = append(errors, fmt.Errorf("gateway: %w", err))
	}
	if cfg.Gateway.Enabled && cfg.Gateway.SharedSecret == "" {
		errors = append(errors, fmt.Errorf("gateway.shared_secret is required when the gateway is enabled"))
	}
	if cfg.Gateway.TickIntervalMs < 0 {
		errors = append(errors, fmt.Errorf("gateway.tick_interval_ms must be >= 0"))
	}

	// Logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
