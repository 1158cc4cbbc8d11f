// Package cooldown tracks per-backend unavailability windows and decides which
// backend errors should be retried on the next backend of a failover chain.
package cooldown

import (
	"strings"
	"time"

	"github.com/virtengine/openfleet-sub013/internal/logging"
	"github.com/virtengine/openfleet-sub013/internal/ttlmap"
)

// DefaultCooldown is how long a backend stays unavailable when a retryable
// failure carries no retry hint.
const DefaultCooldown = 60 * time.Second

// Coordinator holds the cooldown table for all backends. It is safe for
// concurrent use.
type Coordinator struct {
	windows         *ttlmap.Map[string, string]
	defaultCooldown time.Duration
	logger          *logging.Logger
	now             func() time.Time
	onCooldown      func(backend string, until time.Time, reason string)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDefaultCooldown overrides DefaultCooldown.
func WithDefaultCooldown(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.defaultCooldown = d
		}
	}
}

// WithLogger sets the logger used to report cooldown transitions.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = l.WithComponent("cooldown") }
}

// WithClock injects the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithNotify registers a hook called each time a backend enters cooldown.
func WithNotify(fn func(backend string, until time.Time, reason string)) Option {
	return func(c *Coordinator) { c.onCooldown = fn }
}

// New creates a Coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		defaultCooldown: DefaultCooldown,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.windows = ttlmap.NewWithClock[string, string](c.now)
	return c
}

// IsOnCooldown reports whether backend is unavailable right now.
func (c *Coordinator) IsOnCooldown(backend string) bool {
	return c.windows.Has(backend)
}

// SetCooldown marks backend unavailable until the given instant. A later call
// replaces the window; an instant in the past clears it.
func (c *Coordinator) SetCooldown(backend string, until time.Time) {
	c.setCooldown(backend, until, "")
}

func (c *Coordinator) setCooldown(backend string, until time.Time, reason string) {
	c.windows.SetUntil(backend, reason, until)
	if !until.After(c.now()) {
		return
	}
	c.logger.WithBackend(backend).Warn("backend on cooldown",
		"until", until.Format(time.RFC3339),
		"reason", reason,
	)
	if c.onCooldown != nil {
		c.onCooldown(backend, until, reason)
	}
}

// CoolDownFor records a retryable failure for backend. The window length comes
// from a retry hint in message when one exists, otherwise the default.
func (c *Coordinator) CoolDownFor(backend, message string) time.Time {
	d := c.defaultCooldown
	if hint, ok := RetryAfter(message); ok {
		d = hint
	}
	until := c.now().Add(d)
	c.setCooldown(backend, until, Classify(message).Kind.String())
	return until
}

// Clear removes any cooldown for backend.
func (c *Coordinator) Clear(backend string) {
	c.windows.Delete(backend)
}

// Until returns the end of backend's cooldown window, if it has one.
func (c *Coordinator) Until(backend string) (time.Time, bool) {
	_, until, ok := c.windows.GetWithExpiry(backend)
	return until, ok
}

// Active returns every backend currently on cooldown with its deadline.
func (c *Coordinator) Active() map[string]time.Time {
	return c.windows.Snapshot()
}

// Next returns the first backend after current in chain that is not on
// cooldown, wrapping around. It returns "" when every other backend is cooling
// down. current itself is never returned.
func (c *Coordinator) Next(chain []string, current string) string {
	return next(chain, current, c.IsOnCooldown)
}

// NextAny returns the backend after current in chain whether or not it is
// cooling down. It is used for calls that bypass cooldowns.
func NextAny(chain []string, current string) string {
	return next(chain, current, func(string) bool { return false })
}

func next(chain []string, current string, skip func(string) bool) string {
	start := 0
	for i, b := range chain {
		if b == current {
			start = i + 1
			break
		}
	}
	for i := range chain {
		candidate := chain[(start+i)%len(chain)]
		if candidate == current || skip(candidate) {
			continue
		}
		return candidate
	}
	return ""
}

// Kind names the class of a retryable failure.
type Kind int

const (
	KindNone Kind = iota
	KindRateLimit
	KindGateway
	KindNoBackend
	KindCooldown
)

func (k Kind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindGateway:
		return "gateway"
	case KindNoBackend:
		return "no_backend"
	case KindCooldown:
		return "cooldown"
	default:
		return "none"
	}
}

// Classification is the result of Classify.
type Classification struct {
	RetryableViaFailover bool
	Kind                 Kind
}

var failoverPatterns = []struct {
	pattern string
	kind    Kind
}{
	{"429", KindRateLimit},
	{"rate limit", KindRateLimit},
	{"rate_limit", KindRateLimit},
	{"ratelimit", KindRateLimit},
	{"too many requests", KindRateLimit},
	{"quota exceeded", KindRateLimit},

	{"gateway timeout", KindGateway},
	{"504", KindGateway},
	{"502", KindGateway},
	{"bad gateway", KindGateway},
	{"upstream", KindGateway},

	{"no backend available", KindNoBackend},

	{"cooldown", KindCooldown},
	{"cooling down", KindCooldown},
}

// Classify decides whether an error message should be retried on another
// backend. Matching is a case-insensitive substring search; the first pattern
// that matches determines the kind.
func Classify(message string) Classification {
	lower := strings.ToLower(message)
	for _, p := range failoverPatterns {
		if strings.Contains(lower, p.pattern) {
			return Classification{RetryableViaFailover: true, Kind: p.kind}
		}
	}
	return Classification{}
}
