// Package config provides configuration for the task runner.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
)

// Backend providers.
const (
	ProviderMock      = "mock"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderRemote    = "remote"
)

const (
	defaultOpenAIEndpoint = "https://api.openai.com"
	defaultOpenAIModel    = "gpt-4o-mini"
	defaultAnthropicModel = "claude-3-5-haiku-latest"
)

// Config holds the task runner configuration.
type Config struct {
	// Backend
	Provider     string
	Endpoint     string
	APIKey       string
	Model        string
	Instructions string
	LLMTimeout   time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration

	// Sessions
	RetentionWindow    time.Duration
	SweepInterval      time.Duration
	MaxSessionsPerUser int
	AutoCleanup        bool
	PollInterval       time.Duration
	MaxWait            time.Duration

	// Database, empty disables persistence
	DatabaseURL string

	// Server settings
	HTTPPort       int
	InternalPort   int
	InternalAPIKey string

	// Tools
	// EnabledTools restricts sessions to the named tools, empty enables all.
	EnabledTools  []string
	ToolCacheSize int
	ToolCacheTTL  time.Duration
	WeatherAPIKey string
	PolicyFile    string

	// Logging
	LogLevel  string
	LogPretty bool
}

// keys maps every setting to its environment variables, first match wins.
var keys = map[string][]string{
	"backend.provider":          {"BACKEND_PROVIDER"},
	"backend.endpoint":          {"BACKEND_ENDPOINT", "OPENAI_API_BASE"},
	"backend.api_key":           {"BACKEND_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY"},
	"backend.model":             {"MODEL_DEPLOYMENT_NAME"},
	"backend.instructions":      {"SYSTEM_INSTRUCTIONS"},
	"backend.llm_timeout":       {"LLM_TIMEOUT"},
	"backend.max_attempts":      {"BACKEND_MAX_ATTEMPTS"},
	"backend.retry_backoff":     {"BACKEND_RETRY_BACKOFF"},
	"sessions.retention_window": {"RETENTION_WINDOW"},
	"sessions.retention_days":   {"THREAD_RETENTION_DAYS"},
	"sessions.sweep_interval":   {"SWEEP_INTERVAL"},
	"sessions.max_per_user":     {"MAX_SESSIONS_PER_USER", "MAX_THREADS_PER_USER"},
	"sessions.auto_cleanup":     {"AUTO_CLEANUP", "AUTO_CLEANUP_ENABLED"},
	"sessions.poll_interval":    {"POLL_INTERVAL"},
	"sessions.max_wait":         {"MAX_WAIT"},
	"database.url":              {"DATABASE_URL"},
	"server.http_port":          {"HTTP_PORT"},
	"server.internal_port":      {"INTERNAL_PORT"},
	"server.internal_api_key":   {"INTERNAL_API_KEY"},
	"tools.enabled":             {"TOOLS", "ENABLED_TOOLS"},
	"tools.cache_size":          {"TOOL_CACHE_SIZE"},
	"tools.cache_ttl":           {"TOOL_CACHE_TTL"},
	"tools.weather_api_key":     {"OPENWEATHERMAP_API_KEY"},
	"policy.file":               {"POLICY_FILE"},
	"log.level":                 {"LOG_LEVEL"},
	"log.pretty":                {"LOG_PRETTY"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.provider", ProviderMock)
	v.SetDefault("backend.instructions", "You are a helpful assistant.")
	v.SetDefault("backend.llm_timeout", 60*time.Second)
	v.SetDefault("backend.max_attempts", 3)
	v.SetDefault("backend.retry_backoff", 500*time.Millisecond)
	v.SetDefault("sessions.retention_days", 30)
	v.SetDefault("sessions.sweep_interval", time.Minute)
	v.SetDefault("sessions.max_per_user", 5)
	v.SetDefault("sessions.auto_cleanup", true)
	v.SetDefault("sessions.poll_interval", time.Second)
	v.SetDefault("sessions.max_wait", time.Duration(0))
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.internal_port", 8081)
	v.SetDefault("tools.cache_size", 256)
	v.SetDefault("tools.cache_ttl", 5*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads configuration from the environment and, when configFile is
// set, from that file. Environment variables take precedence.
func Load(configFile string) (*Config, error) {
	return LoadWith(viper.New(), configFile)
}

// LoadWith is Load over a caller-supplied viper instance.
func LoadWith(v *viper.Viper, configFile string) (*Config, error) {
	setDefaults(v)
	for key, envs := range keys {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, &domain.ConfigurationError{Key: "config", Msg: fmt.Sprintf("cannot read %s: %v", configFile, err)}
		}
	}

	cfg := &Config{
		Provider:           strings.ToLower(strings.TrimSpace(v.GetString("backend.provider"))),
		Endpoint:           strings.TrimRight(v.GetString("backend.endpoint"), "/"),
		APIKey:             v.GetString("backend.api_key"),
		Model:              v.GetString("backend.model"),
		Instructions:       v.GetString("backend.instructions"),
		LLMTimeout:         v.GetDuration("backend.llm_timeout"),
		MaxAttempts:        v.GetInt("backend.max_attempts"),
		RetryBackoff:       v.GetDuration("backend.retry_backoff"),
		RetentionWindow:    v.GetDuration("sessions.retention_window"),
		SweepInterval:      v.GetDuration("sessions.sweep_interval"),
		MaxSessionsPerUser: v.GetInt("sessions.max_per_user"),
		AutoCleanup:        v.GetBool("sessions.auto_cleanup"),
		PollInterval:       v.GetDuration("sessions.poll_interval"),
		MaxWait:            v.GetDuration("sessions.max_wait"),
		DatabaseURL:        v.GetString("database.url"),
		HTTPPort:           v.GetInt("server.http_port"),
		InternalPort:       v.GetInt("server.internal_port"),
		InternalAPIKey:     v.GetString("server.internal_api_key"),
		EnabledTools:       splitList(v.GetStringSlice("tools.enabled")),
		ToolCacheSize:      v.GetInt("tools.cache_size"),
		ToolCacheTTL:       v.GetDuration("tools.cache_ttl"),
		WeatherAPIKey:      v.GetString("tools.weather_api_key"),
		PolicyFile:         v.GetString("policy.file"),
		LogLevel:           v.GetString("log.level"),
		LogPretty:          v.GetBool("log.pretty"),
	}
	if cfg.RetentionWindow == 0 {
		cfg.RetentionWindow = time.Duration(v.GetInt("sessions.retention_days")) * 24 * time.Hour
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills provider defaults and checks required settings. Failures
// are returned as *domain.ConfigurationError.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderMock:
	case ProviderOpenAI:
		if c.Endpoint == "" {
			c.Endpoint = defaultOpenAIEndpoint
		}
		if c.APIKey == "" {
			return &domain.ConfigurationError{Key: "BACKEND_API_KEY", Msg: "required for the openai provider"}
		}
		if c.Model == "" {
			c.Model = defaultOpenAIModel
		}
	case ProviderAnthropic:
		if c.APIKey == "" {
			return &domain.ConfigurationError{Key: "BACKEND_API_KEY", Msg: "required for the anthropic provider"}
		}
		if c.Model == "" {
			c.Model = defaultAnthropicModel
		}
	case ProviderRemote:
		if c.Endpoint == "" {
			return &domain.ConfigurationError{Key: "BACKEND_ENDPOINT", Msg: "required for the remote provider"}
		}
	default:
		return &domain.ConfigurationError{Key: "BACKEND_PROVIDER", Msg: fmt.Sprintf("unsupported provider %q", c.Provider)}
	}
	if c.Model == "" {
		c.Model = defaultOpenAIModel
	}

	var result *multierror.Error
	if c.PollInterval <= 0 {
		result = multierror.Append(result, &domain.ConfigurationError{Key: "POLL_INTERVAL", Msg: "must be positive"})
	}
	if c.MaxWait < 0 {
		result = multierror.Append(result, &domain.ConfigurationError{Key: "MAX_WAIT", Msg: "must not be negative"})
	}
	if c.RetentionWindow <= 0 {
		result = multierror.Append(result, &domain.ConfigurationError{Key: "RETENTION_WINDOW", Msg: "must be positive"})
	}
	if c.MaxSessionsPerUser < 0 {
		result = multierror.Append(result, &domain.ConfigurationError{Key: "MAX_SESSIONS_PER_USER", Msg: "must not be negative"})
	}
	if c.MaxAttempts < 1 {
		result = multierror.Append(result, &domain.ConfigurationError{Key: "BACKEND_MAX_ATTEMPTS", Msg: "must be at least 1"})
	}
	if !validPort(c.HTTPPort) {
		result = multierror.Append(result, &domain.ConfigurationError{Key: "HTTP_PORT", Msg: fmt.Sprintf("invalid port %d", c.HTTPPort)})
	}
	if !validPort(c.InternalPort) {
		result = multierror.Append(result, &domain.ConfigurationError{Key: "INTERNAL_PORT", Msg: fmt.Sprintf("invalid port %d", c.InternalPort)})
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, &domain.ConfigurationError{Key: "LOG_LEVEL", Msg: err.Error()})
	}
	return result.ErrorOrNil()
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

// splitList accepts both list values and comma separated strings.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}
