package pool

import (
	"time"

	"github.com/virtengine/openfleet-sub013/internal/ai"
	"github.com/virtengine/openfleet-sub013/internal/config"
	"github.com/virtengine/openfleet-sub013/internal/event"
	"github.com/virtengine/openfleet-sub013/internal/logging"
	"github.com/virtengine/openfleet-sub013/internal/registry"
)

// Defaults used when no option overrides them.
const (
	DefaultTimeout           = 90 * time.Minute
	DefaultPrivilegedTaskKey = "monitor-monitor"
)

// managerConfig holds optional configuration for a Manager.
type managerConfig struct {
	limits        registry.Limits
	timeout       time.Duration
	chain         []ai.BackendName
	privilegedKey string
	logger        *logging.Logger
	bus           *event.Bus
	now           func() time.Time
}

// Option configures a Manager.
type Option func(*managerConfig)

// WithLimits sets the resume eligibility limits.
func WithLimits(l registry.Limits) Option {
	return func(c *managerConfig) { c.limits = l }
}

// WithDefaultTimeout bounds calls that do not set Options.Timeout.
// A value of 0 keeps DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *managerConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithFailoverChain sets the backend preference order. The first entry is the
// default backend for launches.
func WithFailoverChain(chain ...ai.BackendName) Option {
	return func(c *managerConfig) {
		if len(chain) > 0 {
			c.chain = append([]ai.BackendName(nil), chain...)
		}
	}
}

// WithPrivilegedTaskKey sets the self-monitoring task key that ignores
// cooldowns unless the caller says otherwise. An empty key disables the
// override.
func WithPrivilegedTaskKey(key string) Option {
	return func(c *managerConfig) { c.privilegedKey = key }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *managerConfig) { c.logger = l }
}

// WithEventBus publishes session lifecycle events to bus.
func WithEventBus(bus *event.Bus) Option {
	return func(c *managerConfig) { c.bus = bus }
}

// WithClock injects the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *managerConfig) { c.now = now }
}

// OptionsFromConfig translates the pool section of cfg into options.
func OptionsFromConfig(cfg *config.Config) []Option {
	chain := make([]ai.BackendName, 0, len(cfg.Pool.FailoverChain))
	for _, name := range cfg.Pool.FailoverChain {
		if b, err := ai.ParseBackendName(name); err == nil {
			chain = append(chain, b)
		}
	}
	return []Option{
		WithLimits(registry.Limits{MaxTurns: cfg.Pool.MaxTurns, MaxAge: cfg.Pool.MaxAge()}),
		WithDefaultTimeout(cfg.Pool.DefaultTimeout()),
		WithFailoverChain(chain...),
		WithPrivilegedTaskKey(cfg.Pool.PrivilegedTaskKey),
	}
}
