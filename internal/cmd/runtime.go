package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/virtengine/openfleet-sub013/internal/ai"
	"github.com/virtengine/openfleet-sub013/internal/assess"
	"github.com/virtengine/openfleet-sub013/internal/config"
	"github.com/virtengine/openfleet-sub013/internal/cooldown"
	"github.com/virtengine/openfleet-sub013/internal/event"
	"github.com/virtengine/openfleet-sub013/internal/logging"
	"github.com/virtengine/openfleet-sub013/internal/orchestrator"
	"github.com/virtengine/openfleet-sub013/internal/pool"
	"github.com/virtengine/openfleet-sub013/internal/registry"
)

// runtime is the component graph shared by every command that talks to a
// backend or the registry.
type runtime struct {
	cfg          *config.Config
	logger       *logging.Logger
	bus          *event.Bus
	store        *registry.Store
	cooldowns    *cooldown.Coordinator
	pool         *pool.Manager
	engine       *assess.Engine
	orchestrator *orchestrator.Orchestrator
}

// loadConfig reads and validates the active configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger opens the rotating JSON log under the data directory. A disabled
// logging section yields a nil logger, which every component accepts.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return nil, nil
	}
	dir := cfg.Paths.LogDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return logging.NewLoggerWithRotation(dir, cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
}

// openStore opens the registry only, for commands that never call a backend.
func openStore(cfg *config.Config, logger *logging.Logger) (*registry.Store, error) {
	if err := os.MkdirAll(cfg.Paths.ResolveDataDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := registry.Open(cfg.Paths.RegistryFile(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session registry: %w", err)
	}
	return store, nil
}

func newRuntime(cfg *config.Config) (*runtime, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		cfg:    cfg,
		logger: logger,
		bus:    event.NewBusWithLogger(logger),
	}

	rt.cooldowns = cooldown.New(
		cooldown.WithDefaultCooldown(cfg.Pool.DefaultCooldown()),
		cooldown.WithLogger(logger),
		cooldown.WithNotify(func(backend string, until time.Time, reason string) {
			rt.bus.Publish(event.NewBackendCooldownEvent(backend, until, reason))
		}),
	)

	if rt.store, err = openStore(cfg, logger); err != nil {
		rt.Close()
		return nil, err
	}

	backends, err := ai.NewSetFromConfig(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	poolOpts := append(pool.OptionsFromConfig(cfg), pool.WithLogger(logger), pool.WithEventBus(rt.bus))
	rt.pool, err = pool.NewManager(pool.Config{
		Backends:  backends,
		Store:     rt.store,
		Cooldowns: rt.cooldowns,
	}, poolOpts...)
	if err != nil {
		rt.Close()
		return nil, err
	}

	assessOpts, err := assess.OptionsFromConfig(cfg.Assessment)
	if err != nil {
		rt.Close()
		return nil, err
	}
	assessOpts = append(assessOpts,
		assess.WithEventBus(rt.bus),
		assess.WithLogger(logger),
		assess.WithNotifier(func(summary string) { logger.Info("assessment", "summary", summary) }),
	)
	rt.engine = assess.NewEngine(assessOpts...)

	orchOpts := append(orchestrator.OptionsFromConfig(cfg), orchestrator.WithEventBus(rt.bus), orchestrator.WithLogger(logger))
	rt.orchestrator = orchestrator.New(rt.engine, rt.pool, orchOpts...)
	return rt, nil
}

// Close releases the log file.
func (rt *runtime) Close() {
	if rt.logger != nil {
		_ = rt.logger.Close()
	}
}
