// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	LLM() LLMConfig
	Agent() AgentConfig
	Device() DeviceConfig
	Server() ServerConfig
	Metrics() MetricsConfig
	Store() StoreConfig

	// Setters used by CLI flags.
	SetDeviceSerial(serial string)
	SetLLMModel(model string)
	SetServerAddress(addr string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	LLMCfg     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	AgentCfg   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	DeviceCfg  DeviceConfig  `mapstructure:"device" yaml:"device"`
	ServerCfg  ServerConfig  `mapstructure:"server" yaml:"server"`
	MetricsCfg MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	StoreCfg   StoreConfig   `mapstructure:"store" yaml:"store"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) LLM() LLMConfig         { return c.LLMCfg }
func (c *Config) Agent() AgentConfig     { return c.AgentCfg }
func (c *Config) Device() DeviceConfig   { return c.DeviceCfg }
func (c *Config) Server() ServerConfig   { return c.ServerCfg }
func (c *Config) Metrics() MetricsConfig { return c.MetricsCfg }
func (c *Config) Store() StoreConfig     { return c.StoreCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetDeviceSerial(serial string) { c.DeviceCfg.Serial = serial }
func (c *Config) SetLLMModel(model string)      { c.LLMCfg.Model = model }
func (c *Config) SetServerAddress(addr string)  { c.ServerCfg.Address = addr }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// LLMProvider defines the supported model endpoint flavours.
type LLMProvider string

const (
	ProviderOpenAI LLMProvider = "openai" // Any OpenAI-compatible chat completions endpoint.
	ProviderGemini LLMProvider = "gemini"
)

// LLMConfig configures the model endpoint.
type LLMConfig struct {
	Provider          LLMProvider   `mapstructure:"provider" yaml:"provider"`
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey            string        `mapstructure:"api_key" yaml:"-"`
	Model             string        `mapstructure:"model" yaml:"model"`
	Temperature       float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP              float32       `mapstructure:"top_p" yaml:"top_p"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Referer           string        `mapstructure:"referer" yaml:"referer"`
	Title             string        `mapstructure:"title" yaml:"title"`
}

// AgentConfig holds the control loop policy. Every delay may be zero.
type AgentConfig struct {
	SystemPrompt      string        `mapstructure:"system_prompt" yaml:"system_prompt"`
	TargetLongestEdge int           `mapstructure:"target_longest_edge" yaml:"target_longest_edge"`
	ScreenshotDelay   time.Duration `mapstructure:"screenshot_delay" yaml:"screenshot_delay"`
	PreToolDelay      time.Duration `mapstructure:"pre_tool_delay" yaml:"pre_tool_delay"`
	InterToolDelay    time.Duration `mapstructure:"inter_tool_delay" yaml:"inter_tool_delay"`
	FocusSettleDelay  time.Duration `mapstructure:"focus_settle_delay" yaml:"focus_settle_delay"`
	SwipeDuration     time.Duration `mapstructure:"swipe_duration" yaml:"swipe_duration"`
	TruncateThreshold int           `mapstructure:"truncate_threshold" yaml:"truncate_threshold"`
	KeepRecent        int           `mapstructure:"keep_recent" yaml:"keep_recent"`
	MaxTurns          int           `mapstructure:"max_turns" yaml:"max_turns"`
}

// DeviceConfig selects and tunes the ADB-attached phone.
type DeviceConfig struct {
	ADBPath        string        `mapstructure:"adb_path" yaml:"adb_path"`
	Serial         string        `mapstructure:"serial" yaml:"serial"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Address         string        `mapstructure:"address" yaml:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MetricsConfig toggles Prometheus instrumentation.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// StoreConfig specifies the backend for the task journal.
type StoreConfig struct {
	Type     string         `mapstructure:"type" yaml:"type"` // "memory" or "postgres"
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// PostgresConfig holds the connection details for a PostgreSQL database.
type PostgresConfig struct {
	URL string `mapstructure:"url" yaml:"-"`
}

// DefaultSystemPrompt is the preamble placed before the user's goal.
const DefaultSystemPrompt = `You are operating an Android phone on behalf of the user.
After every action you receive a fresh screenshot of the screen. Coordinates are pixels in that screenshot, with 0,0 at the top left.
Use the provided tools to act: click, swipe, textEnter, goBack and goHome. Perform one step at a time and check the next screenshot before continuing.
When the task is complete, reply with a short summary and do not call any tool.`

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "cooperate")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- LLM --
	v.SetDefault("llm.provider", string(ProviderOpenAI))
	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.model", "anthropic/claude-sonnet-4")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.top_p", 1.0)
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.requests_per_minute", 0)
	v.SetDefault("llm.referer", "https://github.com/coreply/cooperate")
	v.SetDefault("llm.title", "Cooperate: Android Control Using Claude")

	// -- Agent --
	v.SetDefault("agent.system_prompt", DefaultSystemPrompt)
	v.SetDefault("agent.target_longest_edge", 1000)
	v.SetDefault("agent.screenshot_delay", "1s")
	v.SetDefault("agent.pre_tool_delay", "1s")
	v.SetDefault("agent.inter_tool_delay", "1s")
	v.SetDefault("agent.focus_settle_delay", "800ms")
	v.SetDefault("agent.swipe_duration", "200ms")
	v.SetDefault("agent.truncate_threshold", 20)
	v.SetDefault("agent.keep_recent", 10)
	v.SetDefault("agent.max_turns", 0)

	// -- Device --
	v.SetDefault("device.adb_path", "adb")
	v.SetDefault("device.serial", "")
	v.SetDefault("device.command_timeout", "15s")

	// -- Server --
	v.SetDefault("server.address", "127.0.0.1:8080")
	v.SetDefault("server.shutdown_timeout", "10s")

	// -- Metrics --
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "cooperate")

	// -- Store --
	v.SetDefault("store.type", "memory")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("llm.api_key", "COOPERATE_LLM_API_KEY")
	_ = v.BindEnv("store.postgres.url", "COOPERATE_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the key if Unmarshal didn't pick it up
	if cfg.LLMCfg.APIKey == "" {
		cfg.LLMCfg.APIKey = os.Getenv("COOPERATE_LLM_API_KEY")
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in user supplied paths.
func (c *Config) expandPaths() error {
	logFile, err := homedir.Expand(c.LoggerCfg.LogFile)
	if err != nil {
		return fmt.Errorf("invalid logger.log_file: %w", err)
	}
	c.LoggerCfg.LogFile = logFile

	adbPath, err := homedir.Expand(c.DeviceCfg.ADBPath)
	if err != nil {
		return fmt.Errorf("invalid device.adb_path: %w", err)
	}
	c.DeviceCfg.ADBPath = adbPath
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.LLMCfg.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	if err := c.AgentCfg.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	if c.DeviceCfg.ADBPath == "" {
		return fmt.Errorf("device.adb_path is required")
	}
	switch strings.ToLower(c.StoreCfg.Type) {
	case "memory", "":
	case "postgres":
		if c.StoreCfg.Postgres.URL == "" {
			return fmt.Errorf("store.postgres.url is required when store.type is postgres")
		}
	default:
		return fmt.Errorf("unknown store.type: %s", c.StoreCfg.Type)
	}
	return nil
}

// Validate checks the model endpoint settings.
func (l *LLMConfig) Validate() error {
	switch l.Provider {
	case ProviderOpenAI:
		if l.BaseURL == "" {
			return fmt.Errorf("base_url is required for the openai provider")
		}
	case ProviderGemini:
	default:
		return fmt.Errorf("unknown provider '%s'. Supported: [%s, %s]", l.Provider, ProviderOpenAI, ProviderGemini)
	}
	if l.Model == "" {
		return fmt.Errorf("model is required")
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	if l.TopP < 0 || l.TopP > 1 {
		return fmt.Errorf("top_p must be between 0.0 and 1.0")
	}
	if l.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute must not be negative")
	}
	return nil
}

// Validate checks the control loop policy.
func (a *AgentConfig) Validate() error {
	if a.TargetLongestEdge <= 0 {
		return fmt.Errorf("target_longest_edge must be a positive integer")
	}
	if a.ScreenshotDelay < 0 || a.PreToolDelay < 0 || a.InterToolDelay < 0 || a.FocusSettleDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if a.SwipeDuration <= 0 {
		return fmt.Errorf("swipe_duration must be a positive duration")
	}
	if a.KeepRecent <= 0 {
		return fmt.Errorf("keep_recent must be a positive integer")
	}
	if a.TruncateThreshold < a.KeepRecent {
		return fmt.Errorf("truncate_threshold must be at least keep_recent")
	}
	if a.MaxTurns < 0 {
		return fmt.Errorf("max_turns must not be negative")
	}
	return nil
}
