// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/coreply/cooperate/api/schemas"
	"github.com/coreply/cooperate/internal/agent"
	"github.com/coreply/cooperate/internal/config"
	"github.com/coreply/cooperate/internal/device"
	"github.com/coreply/cooperate/internal/server"
	"github.com/coreply/cooperate/internal/store"
	"github.com/coreply/cooperate/internal/worker"
)

// ComponentFactory builds a Runtime from configuration. Commands depend on
// this interface so their wiring can be replaced in tests.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Runtime, error)
}

// FactoryOption configures the production factory.
type FactoryOption func(*concreteFactory)

// WithEventHub makes the runtime publish listener notifications to a
// websocket hub. The HTTP server is then responsible for running the hub.
func WithEventHub() FactoryOption {
	return func(f *concreteFactory) { f.withHub = true }
}

// WithLLMClientFunc replaces how the model client is created.
func WithLLMClientFunc(fn func(context.Context, config.LLMConfig, *zap.Logger) (schemas.LLMClient, error)) FactoryOption {
	return func(f *concreteFactory) { f.newLLM = fn }
}

// WithRunnerFunc replaces how adb commands are executed.
func WithRunnerFunc(fn func(config.DeviceConfig) device.Runner) FactoryOption {
	return func(f *concreteFactory) { f.newRunner = fn }
}

// WithJournalFunc replaces how the task journal is opened.
func WithJournalFunc(fn func(context.Context, config.StoreConfig, *zap.Logger) (store.Journal, func(), error)) FactoryOption {
	return func(f *concreteFactory) { f.newJournal = fn }
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	withHub    bool
	newLLM     func(context.Context, config.LLMConfig, *zap.Logger) (schemas.LLMClient, error)
	newRunner  func(config.DeviceConfig) device.Runner
	newJournal func(context.Context, config.StoreConfig, *zap.Logger) (store.Journal, func(), error)
}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory(opts ...FactoryOption) ComponentFactory {
	f := &concreteFactory{
		newLLM:     InitializeLLMClient,
		newRunner:  device.NewExecRunner,
		newJournal: InitializeJournal,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create handles the full dependency injection and initialization of the
// agent runtime. Loops started by the returned session stop when ctx ends.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Runtime, error) {
	rt := &Runtime{logger: logger}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			rt.Shutdown()
		}
	}()

	// 1. Metrics
	metrics, registry, err := InitializeMetrics(cfg.Metrics())
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	rt.Metrics = metrics
	rt.Registry = registry

	// 2. Journal
	journal, cleanup, err := f.newJournal(ctx, cfg.Store(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize task journal: %w", err)
		return nil, initializationErr
	}
	rt.Journal = journal
	rt.journalCleanup = cleanup
	logger.Debug("Task journal initialized.")

	// 3. Model client
	llm, err := f.newLLM(ctx, cfg.LLM(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	rt.LLM = llm
	logger.Debug("LLM client initialized.", zap.String("provider", string(cfg.LLM().Provider)), zap.String("model", cfg.LLM().Model))

	// 4. Device and the foreground worker its actions run on.
	rt.Device = device.NewADB(f.newRunner(cfg.Device()), logger)
	rt.Foreground = worker.NewForeground(logger)
	rt.Foreground.Start()
	logger.Debug("Device executor initialized.", zap.String("serial", cfg.Device().Serial))

	// 5. Tools
	agentCfg := cfg.Agent()
	mapper := agent.NewCoordinateMapper()
	rt.Tools = agent.NewToolRegistry(logger, agent.WithRegistryMetrics(metrics))
	timings := agent.DeviceToolTimings{
		FocusSettleDelay: agentCfg.FocusSettleDelay,
		SwipeDuration:    agentCfg.SwipeDuration,
	}
	if err := agent.RegisterDeviceTools(rt.Tools, rt.Device, mapper, rt.Foreground, timings, logger); err != nil {
		initializationErr = fmt.Errorf("failed to register device tools: %w", err)
		return nil, initializationErr
	}

	// 6. Listeners
	listeners := agent.MultiListener{agent.LogListener{Logger: logger.Named("listener")}}
	if f.withHub {
		rt.Hub = server.NewEventHub(logger)
		listeners = append(listeners, rt.Hub)
	}

	// 7. Session
	session, err := agent.NewSession(ctx,
		agent.NewSessionConfig(cfg.LLM(), agentCfg),
		agent.Dependencies{
			LLM:          llm,
			Capturer:     rt.Device,
			Tools:        rt.Tools,
			Mapper:       mapper,
			Conversation: agent.NewConversationState(agentCfg.SystemPrompt, agentCfg.TruncateThreshold),
		},
		logger,
		agent.WithListener(listeners),
		agent.WithRecorder(journal),
		agent.WithMetrics(metrics),
	)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create session: %w", err)
		return nil, initializationErr
	}
	rt.Session = session

	logger.Info("Agent runtime initialized.", zap.Strings("tools", rt.Tools.Names()))
	return rt, nil
}
