package assess

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/virtengine/openfleet-sub013/internal/config"
	"github.com/virtengine/openfleet-sub013/internal/event"
	"github.com/virtengine/openfleet-sub013/internal/logging"
	"github.com/virtengine/openfleet-sub013/internal/ttlmap"
)

// Engine defaults.
const (
	DefaultDedupWindow = 5 * time.Minute
	DefaultTimeout     = 5 * time.Minute
)

// Reasons used for decisions the engine makes on its own.
const (
	ReasonDedup       = "dedup"
	ReasonParseFailed = "Could not parse decision"
)

// Engine runs the fast path and, when it has no answer, asks a backend.
// Repeated deep assessments of the same task inside the dedup window are
// answered with a noop, and concurrent ones share a single backend call.
type Engine struct {
	mu          sync.RWMutex
	quick       *QuickAssessor
	dedupWindow time.Duration
	maxDesc     int
	timeout     time.Duration

	dedup    *ttlmap.Map[string, string]
	inflight singleflight.Group

	notifier Notifier
	bus      *event.Bus
	logger   *logging.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithQuickAssessor replaces the default fast-path rules.
func WithQuickAssessor(q *QuickAssessor) Option {
	return func(e *Engine) {
		if q != nil {
			e.quick = q
		}
	}
}

// WithDedupWindow sets how long a deep decision suppresses repeats.
func WithDedupWindow(d time.Duration) Option {
	return func(e *Engine) { e.dedupWindow = d }
}

// WithMaxDescriptionChars caps the description embedded in prompts.
func WithMaxDescriptionChars(n int) Option {
	return func(e *Engine) { e.maxDesc = n }
}

// WithTimeout bounds each backend caller invocation.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithNotifier registers the summary sink for deep decisions.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithEventBus publishes an assessment.completed event per decision.
func WithEventBus(bus *event.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l.WithComponent("assess") }
}

// WithClock injects the time source for the dedup window.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// OptionsFromConfig translates the assessment config section into options.
func OptionsFromConfig(cfg config.AssessmentConfig) ([]Option, error) {
	q, err := NewQuickAssessor(QuickRulesFromConfig(cfg))
	if err != nil {
		return nil, err
	}
	opts := []Option{
		WithQuickAssessor(q),
		WithMaxDescriptionChars(cfg.MaxDescriptionChars),
		WithTimeout(cfg.Timeout()),
	}
	if cfg.DedupWindowSeconds > 0 {
		opts = append(opts, WithDedupWindow(cfg.DedupWindow()))
	}
	return opts, nil
}

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		quick:       defaultQuick,
		dedupWindow: DefaultDedupWindow,
		maxDesc:     DefaultMaxDescriptionChars,
		timeout:     DefaultTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dedup = ttlmap.NewWithClock[string, string](e.now)
	return e
}

// Reload applies a new assessment config to a running engine. Existing dedup
// entries keep their original expiry.
func (e *Engine) Reload(cfg config.AssessmentConfig) error {
	q, err := NewQuickAssessor(QuickRulesFromConfig(cfg))
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quick = q
	if cfg.DedupWindowSeconds > 0 {
		e.dedupWindow = cfg.DedupWindow()
	}
	if cfg.MaxDescriptionChars > 0 {
		e.maxDesc = cfg.MaxDescriptionChars
	}
	if cfg.TimeoutMinutes > 0 {
		e.timeout = cfg.Timeout()
	}
	e.logger.Info("assessment rules reloaded",
		"lock_files", len(q.Rules().LockFiles),
		"max_attempts", q.Rules().MaxAttempts,
		"max_session_retries", q.Rules().MaxSessionRetries,
	)
	return nil
}

// Quick runs only the fast path.
func (e *Engine) Quick(tc TaskContext) *Decision {
	e.mu.RLock()
	q := e.quick
	e.mu.RUnlock()
	return q.Assess(tc)
}

// Assess tries the fast path first and falls back to AssessTask.
func (e *Engine) Assess(ctx context.Context, tc TaskContext, caller Caller) Decision {
	start := e.now()
	if d := e.Quick(tc); d != nil {
		e.logger.WithTask(tc.TaskID).Info("quick assessment",
			"trigger", string(tc.Trigger),
			"action", string(d.Action),
			"reason", d.Reason,
		)
		e.publish(tc, *d, start)
		return *d
	}
	return e.AssessTask(ctx, tc, caller)
}

// AssessTask asks caller for a decision about tc.
//
// Expected failures come back as decisions: a caller error yields an
// unsuccessful noop whose reason is the error text, and unparseable output
// yields an unsuccessful manual_review.
func (e *Engine) AssessTask(ctx context.Context, tc TaskContext, caller Caller) Decision {
	start := e.now()
	key := dedupKey(tc.TaskID)

	if e.dedup.Has(key) {
		d := dedupDecision()
		e.logger.WithTask(tc.TaskID).Debug("deep assessment deduplicated")
		e.publish(tc, d, start)
		return d
	}

	// The shared call outlives any one caller's context; each caller stops
	// waiting on its own cancellation. e.timeout still bounds the call.
	shared := context.WithoutCancel(ctx)
	ch := e.inflight.DoChan(key, func() (any, error) {
		if e.dedup.Has(key) {
			return dedupDecision(), nil
		}
		return e.deep(shared, tc, caller), nil
	})

	var d Decision
	select {
	case res := <-ch:
		d = res.Val.(Decision)
		if res.Shared {
			e.logger.WithTask(tc.TaskID).Debug("joined in-flight assessment")
		}
	case <-ctx.Done():
		e.logger.WithTask(tc.TaskID).Debug("stopped waiting for assessment", "error", ctx.Err().Error())
		d = Decision{Action: ActionNoop, Reason: ctx.Err().Error(), Source: SourceDeep}
	}
	e.publish(tc, d, start)
	return d
}

// ClearDedup forgets the dedup entry for taskID. An empty id clears all.
func (e *Engine) ClearDedup(taskID string) {
	if taskID == "" {
		e.dedup.Clear()
		return
	}
	e.dedup.Delete(dedupKey(taskID))
}

// DedupExpiry returns when the dedup entry for taskID lapses.
func (e *Engine) DedupExpiry(taskID string) (time.Time, bool) {
	_, until, ok := e.dedup.GetWithExpiry(dedupKey(taskID))
	return until, ok
}

func (e *Engine) deep(ctx context.Context, tc TaskContext, caller Caller) Decision {
	log := e.logger.WithTask(tc.TaskID)

	e.mu.RLock()
	maxDesc, timeout, window := e.maxDesc, e.timeout, e.dedupWindow
	e.mu.RUnlock()

	prompt, err := BuildPrompt(tc, maxDesc)
	if err != nil {
		log.Error("failed to build assessment prompt", "error", err.Error())
		return Decision{Action: ActionNoop, Reason: err.Error(), Source: SourceDeep}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := caller(callCtx, prompt)
	if err == nil && resp == nil {
		err = fmt.Errorf("backend returned no response")
	}
	if err != nil {
		log.Warn("assessment call failed", "error", err.Error())
		return Decision{Action: ActionNoop, Reason: err.Error(), Source: SourceDeep}
	}

	d, err := ParseDecision(resp.FinalResponse)
	if err != nil {
		log.Warn("could not parse decision", "error", err.Error())
		return Decision{Action: ActionManualReview, Reason: ReasonParseFailed, Source: SourceDeep}
	}
	d.Source = SourceDeep

	if window > 0 {
		e.dedup.Set(dedupKey(tc.TaskID), decisionHash(d), window)
	}
	log.Info("deep assessment",
		"trigger", string(tc.Trigger),
		"action", string(d.Action),
		"reason", d.Reason,
	)
	if e.notifier != nil {
		e.notifier(d.Summary(tc.TaskID))
	}
	return d
}

func (e *Engine) publish(tc TaskContext, d Decision, start time.Time) {
	if e.bus == nil {
		return
	}
	ev := event.NewAssessmentCompletedEvent(tc.TaskID, string(tc.Trigger), string(d.Action), d.Reason, string(d.Source), d.Success)
	ev.Duration = e.now().Sub(start)
	e.bus.Publish(ev)
}

func dedupKey(taskID string) string {
	return "task:" + taskID
}

func dedupDecision() Decision {
	return Decision{Action: ActionNoop, Reason: ReasonDedup, Success: true, Source: SourceDedup}
}

// decisionHash fingerprints the fields that make two decisions equivalent.
func decisionHash(d Decision) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s\x00%s\x00%s\x00%d\x00%s", d.Action, d.Reason, d.Prompt, d.WaitSeconds, d.AgentType))
	return hex.EncodeToString(sum[:8])
}
