package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	t.Run("valid anthropic key", func(t *testing.T) {
		assert.NoError(t, v.ValidateAPIKey("sk-ant-test123", "anthropic"))
	})

	t.Run("invalid anthropic key", func(t *testing.T) {
		assert.Error(t, v.ValidateAPIKey("invalid-key", "anthropic"))
	})

	t.Run("valid openai key", func(t *testing.T) {
		assert.NoError(t, v.ValidateAPIKey("sk-test123", "openai"))
	})

	t.Run("invalid openai key", func(t *testing.T) {
		assert.Error(t, v.ValidateAPIKey("invalid-key", "openai"))
	})

	t.Run("empty key", func(t *testing.T) {
		assert.Error(t, v.ValidateAPIKey("", "anthropic"))
	})
}

func TestValidateProvider(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateProvider("anthropic"))
	assert.NoError(t, v.ValidateProvider("openai"))
	assert.Error(t, v.ValidateProvider("gemini"))
	assert.Error(t, v.ValidateProvider(""))
}

func TestValidateSchedule(t *testing.T) {
	v := NewValidator()

	t.Run("descriptors", func(t *testing.T) {
		assert.NoError(t, v.ValidateSchedule("@every 1m"))
		assert.NoError(t, v.ValidateSchedule("@hourly"))
	})

	t.Run("standard spec", func(t *testing.T) {
		assert.NoError(t, v.ValidateSchedule("*/5 * * * *"))
	})

	t.Run("empty disables", func(t *testing.T) {
		assert.NoError(t, v.ValidateSchedule(""))
	})

	t.Run("invalid spec", func(t *testing.T) {
		assert.Error(t, v.ValidateSchedule("every minute"))
		assert.Error(t, v.ValidateSchedule("@every soon"))
	})
}

func TestValidateRanges(t *testing.T) {
	v := NewValidator()

	t.Run("max parallel agents", func(t *testing.T) {
		assert.NoError(t, v.ValidateMaxParallelAgents(1))
		assert.NoError(t, v.ValidateMaxParallelAgents(100))
		assert.Error(t, v.ValidateMaxParallelAgents(0))
		assert.Error(t, v.ValidateMaxParallelAgents(101))
	})

	t.Run("max tokens", func(t *testing.T) {
		assert.NoError(t, v.ValidateMaxTokens(4096))
		assert.Error(t, v.ValidateMaxTokens(0))
		assert.Error(t, v.ValidateMaxTokens(300000))
	})

	t.Run("port", func(t *testing.T) {
		assert.NoError(t, v.ValidatePort(0))
		assert.NoError(t, v.ValidatePort(18790))
		assert.Error(t, v.ValidatePort(-1))
		assert.Error(t, v.ValidatePort(70000))
	})
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	assert.Error(t, v.ValidateLogLevel("trace"))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("valid config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Provider.APIKey = "sk-ant-test123"

		assert.Empty(t, v.ValidateConfig(cfg))
	})

	t.Run("missing key is not a format error", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(DefaultConfig()))
	})

	t.Run("multiple errors", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Provider.APIKey = "wrong"
		cfg.Executor.MaxParallelAgents = 0
		cfg.Controller.CleanupSchedule = "not a schedule"
		cfg.Controller.StatusIntervalMs = -1
		cfg.Logging.Level = "loud"

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 5)
	})
}
