// Package app wires the task runner components from configuration.
package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/rsanchezec/AzureAIAgentService/internal/adapter/llm"
	"github.com/rsanchezec/AzureAIAgentService/internal/backend"
	"github.com/rsanchezec/AzureAIAgentService/internal/config"
	"github.com/rsanchezec/AzureAIAgentService/internal/conversation"
	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
	"github.com/rsanchezec/AzureAIAgentService/internal/logger"
	"github.com/rsanchezec/AzureAIAgentService/internal/metrics"
	"github.com/rsanchezec/AzureAIAgentService/internal/policy"
	"github.com/rsanchezec/AzureAIAgentService/internal/repository"
	"github.com/rsanchezec/AzureAIAgentService/internal/service"
	"github.com/rsanchezec/AzureAIAgentService/internal/session"
	"github.com/rsanchezec/AzureAIAgentService/internal/tools"
)

// App holds the wired components.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Registry *tools.Registry
	Backend  backend.Backend
	Store    *repository.SQLiteStore
	Manager  *session.Manager
	Service  *service.Service

	async *backend.AsyncBackend
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	logOutput io.Writer
	completer backend.Completer
}

// WithLogOutput sends logs to w instead of stderr.
func WithLogOutput(w io.Writer) Option {
	return func(o *buildOptions) { o.logOutput = w }
}

// WithCompleter replaces the provider completer of a local backend.
func WithCompleter(c backend.Completer) Option {
	return func(o *buildOptions) { o.completer = c }
}

// Build creates every component described by cfg. The returned App must be
// closed.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Output: bo.logOutput})
	a := &App{
		Config:  cfg,
		Logger:  log,
		Metrics: metrics.New(),
	}

	registry := tools.NewRegistry(tools.WithResultCache(tools.CacheConfig{
		MaxSize: cfg.ToolCacheSize,
		TTL:     cfg.ToolCacheTTL,
	}))
	if err := tools.RegisterBuiltins(registry, tools.BuiltinConfig{WeatherAPIKey: cfg.WeatherAPIKey}); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	sub, err := registry.Subset(cfg.EnabledTools...)
	if err != nil {
		return nil, &domain.ConfigurationError{Key: "TOOLS", Msg: err.Error()}
	}
	a.Registry = sub

	engine, err := policy.NewEngineFromFile(ctx, cfg.PolicyFile)
	if err != nil {
		return nil, &domain.ConfigurationError{Key: "POLICY_FILE", Msg: err.Error()}
	}

	a.Backend, a.async, err = newBackend(cfg, bo.completer, log)
	if err != nil {
		return nil, err
	}

	managerOpts := []session.Option{
		session.WithLogger(log),
		session.WithMetrics(a.Metrics),
	}
	if cfg.DatabaseURL != "" {
		store, err := repository.NewSQLiteStore(sqliteDSN(cfg.DatabaseURL))
		if err != nil {
			a.closeBackend()
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		a.Store = store
		managerOpts = append(managerOpts, session.WithStore(store))
	}

	convOpts := conversation.Options{
		PollInterval: cfg.PollInterval,
		MaxWait:      cfg.MaxWait,
		MaxAttempts:  cfg.MaxAttempts,
		RetryBackoff: cfg.RetryBackoff,
		Logger:       &a.Logger,
		Metrics:      a.Metrics,
		Gate:         engine,
	}
	maxSessions := cfg.MaxSessionsPerUser
	if maxSessions == 0 {
		maxSessions = -1
	}
	a.Manager = session.NewManager(a.Backend, a.Registry, session.Config{
		MaxSessionsPerUser: maxSessions,
		RetentionWindow:    cfg.RetentionWindow,
		SweepInterval:      cfg.SweepInterval,
		Conversation:       convOpts,
	}, managerOpts...)

	a.Service = service.New(a.Manager, a.Backend, a.Registry, service.Options{
		AutoCleanup:  cfg.AutoCleanup,
		Conversation: convOpts,
	}, log)

	log.Info().
		Str("provider", cfg.Provider).
		Str("model", cfg.Model).
		Int("tools", a.Registry.Len()).
		Bool("persistence", a.Store != nil).
		Msg("task runner initialized")
	return a, nil
}

func newBackend(cfg *config.Config, completer backend.Completer, log zerolog.Logger) (backend.Backend, *backend.AsyncBackend, error) {
	if cfg.Provider == config.ProviderRemote {
		return backend.NewRemoteBackend(cfg.Endpoint, cfg.APIKey, cfg.LLMTimeout), nil, nil
	}

	if completer == nil {
		switch cfg.Provider {
		case config.ProviderMock, config.ProviderOpenAI:
			client := llm.NewLLMClient(cfg.Provider == config.ProviderMock, cfg.Endpoint, cfg.APIKey, cfg.LLMTimeout)
			completer = backend.NewChatCompleter(client, cfg.Model)
		case config.ProviderAnthropic:
			clientOpts := []option.RequestOption{
				option.WithAPIKey(cfg.APIKey),
				option.WithRequestTimeout(cfg.LLMTimeout),
			}
			if cfg.Endpoint != "" {
				clientOpts = append(clientOpts, option.WithBaseURL(cfg.Endpoint))
			}
			client := anthropic.NewClient(clientOpts...)
			completer = backend.NewAnthropicCompleter(&client, cfg.Model)
		default:
			return nil, nil, &domain.ConfigurationError{Key: "BACKEND_PROVIDER", Msg: fmt.Sprintf("unsupported provider %q", cfg.Provider)}
		}
	}

	async := backend.NewAsyncBackend(completer,
		backend.WithInstructions(cfg.Instructions),
		backend.WithStepTimeout(cfg.LLMTimeout),
		backend.WithLogger(log.With().Str("component", "backend").Logger()),
	)
	return async, async, nil
}

// sqliteDSN accepts a bare path or a sqlite:// URL.
func sqliteDSN(url string) string {
	return strings.TrimPrefix(url, "sqlite://")
}

// Close shuts the session manager down and releases the backend and store.
func (a *App) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := a.Manager.Close(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close sessions: %w", err))
	}
	a.closeBackend()
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close database: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func (a *App) closeBackend() {
	if a.async != nil {
		a.async.Close()
	}
}
