// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, ProviderOpenAI, cfg.LLM().Provider)
	assert.Equal(t, 1000, cfg.Agent().TargetLongestEdge)
	assert.Equal(t, time.Second, cfg.Agent().ScreenshotDelay)
	assert.Equal(t, time.Second, cfg.Agent().PreToolDelay)
	assert.Equal(t, time.Second, cfg.Agent().InterToolDelay)
	assert.Equal(t, 800*time.Millisecond, cfg.Agent().FocusSettleDelay)
	assert.Equal(t, 200*time.Millisecond, cfg.Agent().SwipeDuration)
	assert.Equal(t, 20, cfg.Agent().TruncateThreshold)
	assert.Equal(t, 10, cfg.Agent().KeepRecent)
	assert.Equal(t, "adb", cfg.Device().ADBPath)
	assert.Equal(t, "memory", cfg.Store().Type)
	assert.Equal(t, DefaultSystemPrompt, cfg.Agent().SystemPrompt)

	require.NoError(t, cfg.Validate(), "defaults must validate")
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SetDeviceSerial("emulator-5554")
	cfg.SetLLMModel("gpt-4o")
	cfg.SetServerAddress(":9999")

	assert.Equal(t, "emulator-5554", cfg.Device().Serial)
	assert.Equal(t, "gpt-4o", cfg.LLM().Model)
	assert.Equal(t, ":9999", cfg.Server().Address)
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("LLM Validation", func(t *testing.T) {
		valid := NewDefaultConfig().LLM()
		assert.NoError(t, valid.Validate())

		unknown := valid
		unknown.Provider = "anthropic"
		err := unknown.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown provider")

		noModel := valid
		noModel.Model = ""
		assert.ErrorContains(t, noModel.Validate(), "model is required")

		noURL := valid
		noURL.BaseURL = ""
		assert.ErrorContains(t, noURL.Validate(), "base_url is required")

		gemini := noURL
		gemini.Provider = ProviderGemini
		assert.NoError(t, gemini.Validate(), "gemini does not need a base url")

		hot := valid
		hot.Temperature = 2.5
		assert.ErrorContains(t, hot.Validate(), "temperature")

		topP := valid
		topP.TopP = 1.5
		assert.ErrorContains(t, topP.Validate(), "top_p")
	})

	t.Run("Agent Validation", func(t *testing.T) {
		valid := NewDefaultConfig().Agent()
		assert.NoError(t, valid.Validate())

		zeroDelays := valid
		zeroDelays.ScreenshotDelay = 0
		zeroDelays.PreToolDelay = 0
		zeroDelays.InterToolDelay = 0
		zeroDelays.FocusSettleDelay = 0
		assert.NoError(t, zeroDelays.Validate(), "zero delays are allowed for tests")

		negative := valid
		negative.InterToolDelay = -time.Second
		assert.ErrorContains(t, negative.Validate(), "delays must not be negative")

		edge := valid
		edge.TargetLongestEdge = 0
		assert.ErrorContains(t, edge.Validate(), "target_longest_edge")

		window := valid
		window.TruncateThreshold = 5
		assert.ErrorContains(t, window.Validate(), "truncate_threshold must be at least keep_recent")

		turns := valid
		turns.MaxTurns = -1
		assert.ErrorContains(t, turns.Validate(), "max_turns")
	})

	t.Run("Store Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.StoreCfg.Type = "postgres"
		assert.ErrorContains(t, cfg.Validate(), "store.postgres.url is required")

		cfg.StoreCfg.Postgres.URL = "postgres://localhost/cooperate"
		assert.NoError(t, cfg.Validate())

		cfg.StoreCfg.Type = "redis"
		assert.ErrorContains(t, cfg.Validate(), "unknown store.type")
	})
}

// -- Loading Tests --

func TestNewConfigFromViper(t *testing.T) {
	yamlConfig := []byte(`
llm:
  provider: gemini
  model: gemini-2.5-flash
  temperature: 0.5
agent:
  screenshot_delay: 0s
  pre_tool_delay: 0s
  inter_tool_delay: 250ms
  max_turns: 30
device:
  serial: R58M12345
`)
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

	t.Setenv("COOPERATE_LLM_API_KEY", "secret-key")

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, ProviderGemini, cfg.LLM().Provider)
	assert.Equal(t, "gemini-2.5-flash", cfg.LLM().Model)
	assert.InDelta(t, 0.5, cfg.LLM().Temperature, 1e-6)
	assert.Equal(t, "secret-key", cfg.LLM().APIKey)
	assert.Equal(t, time.Duration(0), cfg.Agent().ScreenshotDelay)
	assert.Equal(t, 250*time.Millisecond, cfg.Agent().InterToolDelay)
	assert.Equal(t, 30, cfg.Agent().MaxTurns)
	assert.Equal(t, "R58M12345", cfg.Device().Serial)
	// Untouched values keep their defaults.
	assert.Equal(t, 800*time.Millisecond, cfg.Agent().FocusSettleDelay)
}

func TestNewConfigFromViper_Invalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("agent.keep_recent", 0)

	_, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}
