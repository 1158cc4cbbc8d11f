// Package pool decides, for a task key and a prompt, whether to resume the
// task's existing agent session or launch a fresh one, and keeps the session
// registry in step with what the backends report.
//
// A Manager never returns Go errors for expected failures. Every call yields a
// Result whose Success, Error and Err fields describe what happened, leaving
// retry and escalation to the caller.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/virtengine/openfleet-sub013/internal/ai"
	"github.com/virtengine/openfleet-sub013/internal/assess"
	"github.com/virtengine/openfleet-sub013/internal/cooldown"
	"github.com/virtengine/openfleet-sub013/internal/errors"
	"github.com/virtengine/openfleet-sub013/internal/event"
	"github.com/virtengine/openfleet-sub013/internal/logging"
	"github.com/virtengine/openfleet-sub013/internal/registry"
)

// Options are per-call settings for LaunchOrResume and RunOnce.
type Options struct {
	WorkDir string
	// Timeout bounds each backend call. Zero uses the manager default.
	Timeout time.Duration
	// Backend selects the launch backend. Empty means the head of the
	// failover chain. Resumes always use the record's backend.
	Backend ai.BackendName
	// IgnoreCooldown is passed to the backend untouched, except for the
	// privileged task key where nil becomes true.
	IgnoreCooldown *bool
}

// Result is the outcome of LaunchOrResume or RunOnce.
type Result struct {
	Success    bool           `json:"success"`
	Resumed    bool           `json:"resumed"`
	Output     string         `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	Backend    ai.BackendName `json:"backend,omitempty"`
	FailedOver bool           `json:"failedOver,omitempty"`
	// Err is the underlying error for failed calls.
	Err error `json:"-"`
}

// Config holds required dependencies for creating a Manager.
type Config struct {
	Backends  *ai.Set
	Store     *registry.Store
	Cooldowns *cooldown.Coordinator
}

// Manager owns launch-or-resume decisions for all task keys.
// It is safe for concurrent use.
type Manager struct {
	backends      *ai.Set
	store         *registry.Store
	cooldowns     *cooldown.Coordinator
	limits        registry.Limits
	timeout       time.Duration
	chain         []ai.BackendName
	privilegedKey string
	logger        *logging.Logger
	bus           *event.Bus
	now           func() time.Time
}

// NewManager creates a Manager. Backends are wrapped in cooldown guards, so the
// set passed in should be the raw adapters.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Backends == nil {
		return nil, errors.New("pool: Backends is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("pool: Store is required")
	}
	if cfg.Cooldowns == nil {
		cfg.Cooldowns = cooldown.New()
	}

	mc := &managerConfig{
		limits:        registry.DefaultLimits(),
		timeout:       DefaultTimeout,
		chain:         []ai.BackendName{ai.BackendCodex, ai.BackendClaude},
		privilegedKey: DefaultPrivilegedTaskKey,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(mc)
	}
	for _, name := range mc.chain {
		if _, err := cfg.Backends.Get(name); err != nil {
			return nil, fmt.Errorf("pool: failover chain: %w", err)
		}
	}

	// Record timestamps written by the store and by the manager share a clock.
	cfg.Store.SetClock(mc.now)

	logger := mc.logger.WithComponent("pool")
	return &Manager{
		backends:      cfg.Backends.Guarded(cfg.Cooldowns, mc.logger),
		store:         cfg.Store,
		cooldowns:     cfg.Cooldowns,
		limits:        mc.limits,
		timeout:       mc.timeout,
		chain:         mc.chain,
		privilegedKey: mc.privilegedKey,
		logger:        logger,
		bus:           mc.bus,
		now:           mc.now,
	}, nil
}

// Registry returns the session store the manager writes to.
func (m *Manager) Registry() *registry.Store { return m.store }

// Cooldowns returns the cooldown coordinator shared by the guarded backends.
func (m *Manager) Cooldowns() *cooldown.Coordinator { return m.cooldowns }

// FailoverChain returns the backend preference order.
func (m *Manager) FailoverChain() []ai.BackendName {
	return append([]ai.BackendName(nil), m.chain...)
}

// LaunchOrResume runs prompt in the session for taskKey. An eligible session
// is resumed on its own backend. A poisoned session is marked dead and
// replaced by a fresh launch in the same call. Any other resume failure is
// returned as is. Launches fail over to the next backend in the chain once
// when the first attempt fails with a retryable error.
func (m *Manager) LaunchOrResume(ctx context.Context, taskKey, prompt string, opts Options) *Result {
	opts = m.applyPrivilege(taskKey, opts)
	log := m.logger.WithTask(taskKey)
	start := m.now()

	if rec, ok := m.store.Get(taskKey); ok {
		if m.limits.Eligible(rec, m.now()) {
			res, relaunch := m.resume(ctx, rec, prompt, opts, log)
			if !relaunch {
				m.publishOutcome(taskKey, res, start)
				return res
			}
		} else {
			log.Debug("session not eligible for resume",
				"session_id", rec.SessionID,
				"alive", rec.Alive,
				"turn_count", rec.TurnCount,
				"age", rec.Age(m.now()).Round(time.Second).String(),
			)
		}
	}

	res := m.launch(ctx, prompt, opts, func(sessionID string, backend ai.BackendName) {
		m.register(taskKey, sessionID, backend, opts.WorkDir, 0, log)
	})
	if res.Success {
		m.register(taskKey, res.SessionID, res.Backend, opts.WorkDir, 1, log)
		log.Info("session launched",
			"session_id", res.SessionID,
			"backend", string(res.Backend),
			"failed_over", res.FailedOver,
		)
	} else {
		log.Warn("launch failed", "backend", string(res.Backend), "error", res.Error)
	}
	m.publishOutcome(taskKey, res, start)
	return res
}

// RunOnce launches a fresh session for a one-shot prompt, with the same
// cooldown and failover policy as LaunchOrResume, and writes nothing to the
// registry.
func (m *Manager) RunOnce(ctx context.Context, prompt string, opts Options) *Result {
	return m.launch(ctx, prompt, opts, nil)
}

// Caller adapts RunOnce to the assessment engine's backend caller contract.
func (m *Manager) Caller(opts Options) assess.Caller {
	return func(ctx context.Context, prompt string) (*assess.CallerResponse, error) {
		res := m.RunOnce(ctx, prompt, opts)
		if !res.Success {
			if res.Err != nil {
				return nil, res.Err
			}
			return nil, errors.New(res.Error)
		}
		return &assess.CallerResponse{FinalResponse: res.Output}, nil
	}
}

// Invalidate marks the session for taskKey as not resumable, so the next
// LaunchOrResume starts fresh. A missing record is not an error.
func (m *Manager) Invalidate(taskKey, reason string) error {
	if err := m.store.MarkDead(taskKey, reason); err != nil {
		return err
	}
	m.logger.WithTask(taskKey).Info("session invalidated", "reason", reason)
	return nil
}

// applyPrivilege injects IgnoreCooldown=true for the privileged task when the
// caller left it unset. Other keys pass through unchanged.
func (m *Manager) applyPrivilege(taskKey string, opts Options) Options {
	if m.privilegedKey != "" && taskKey == m.privilegedKey && opts.IgnoreCooldown == nil {
		opts.IgnoreCooldown = ai.Bool(true)
	}
	return opts
}

// resume runs one turn on rec's session. relaunch is true when the session is
// dead for good and a fresh launch should follow.
func (m *Manager) resume(ctx context.Context, rec registry.Record, prompt string, opts Options, log *logging.Logger) (res *Result, relaunch bool) {
	log = log.WithBackend(string(rec.Backend))

	backend, err := m.backends.Get(rec.Backend)
	if err != nil {
		// A record written for a backend that no longer exists can never resume.
		m.poison(rec, err, log)
		return nil, true
	}

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = rec.WorkDir
	}
	out, err := backend.Resume(ctx, rec.SessionID, m.request(prompt, workDir, opts, nil))
	err = callError(rec.Backend, out, err)

	switch {
	case err == nil:
		sessionID := rec.SessionID
		if out.SessionID != "" {
			sessionID = out.SessionID
		}
		updated, perr := m.store.Touch(rec.TaskKey, sessionID)
		if perr != nil {
			log.Error("failed to persist resumed session", "error", perr.Error())
			updated = rec
			updated.TurnCount++
		}
		log.Info("session resumed", "session_id", sessionID, "turn_count", updated.TurnCount)
		return &Result{
			Success:   true,
			Resumed:   true,
			Output:    out.Output,
			SessionID: sessionID,
			Backend:   rec.Backend,
		}, false

	case backend.IsPoisoned(err):
		m.poison(rec, err, log)
		return nil, true

	default:
		log.Warn("resume failed", "session_id", rec.SessionID, "error", err.Error())
		return &Result{
			Resumed:   true,
			Output:    outputOf(out),
			Error:     err.Error(),
			SessionID: rec.SessionID,
			Backend:   rec.Backend,
			Err:       err,
		}, false
	}
}

// poison marks rec dead so the caller launches fresh.
func (m *Manager) poison(rec registry.Record, cause error, log *logging.Logger) {
	reason := cause.Error()
	err := errors.NewSessionError("session poisoned", cause).
		WithTaskKey(rec.TaskKey).
		WithSessionID(rec.SessionID).
		WithBackend(string(rec.Backend))
	log.Log(levelFor(cause), "session poisoned, launching fresh", "error", err.Error())
	if err := m.store.MarkDead(rec.TaskKey, reason); err != nil {
		log.Error("failed to mark session dead", "error", err.Error())
	}
	if m.bus != nil {
		m.bus.Publish(event.NewSessionPoisonedEvent(rec.TaskKey, rec.SessionID, string(rec.Backend), reason))
	}
}

// levelFor maps an error's severity onto a log level.
func levelFor(err error) slog.Level {
	switch errors.GetSeverity(err) {
	case errors.SeverityDebug:
		return slog.LevelDebug
	case errors.SeverityInfo:
		return slog.LevelInfo
	case errors.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// launch starts a fresh session on the requested backend, failing over once.
// onReady may be nil.
func (m *Manager) launch(ctx context.Context, prompt string, opts Options, onReady func(string, ai.BackendName)) *Result {
	primary := opts.Backend
	if primary == "" {
		primary = m.chain[0]
	}

	res := m.launchOn(ctx, primary, prompt, opts, onReady)
	if res.Success || !errors.IsRetryable(res.Err) {
		return res
	}

	var next string
	if opts.IgnoreCooldown != nil && *opts.IgnoreCooldown {
		next = cooldown.NextAny(m.chainNames(), string(primary))
	} else {
		next = m.cooldowns.Next(m.chainNames(), string(primary))
	}
	if next == "" {
		m.logger.Warn("no backend to fail over to",
			"backend", string(primary),
			"error", res.Error,
		)
		return res
	}
	m.logger.Info("failing over",
		"from", string(primary),
		"to", next,
		"error", res.Error,
	)
	retry := m.launchOn(ctx, ai.BackendName(next), prompt, opts, onReady)
	retry.FailedOver = true
	return retry
}

func (m *Manager) launchOn(ctx context.Context, name ai.BackendName, prompt string, opts Options, onReady func(string, ai.BackendName)) *Result {
	backend, err := m.backends.Get(name)
	if err != nil {
		return &Result{Backend: name, Error: err.Error(), Err: err}
	}
	out, err := backend.Launch(ctx, m.request(prompt, opts.WorkDir, opts, onReady))
	if err = callError(name, out, err); err != nil {
		res := &Result{Backend: name, Output: outputOf(out), Error: err.Error(), Err: err}
		if out != nil {
			res.SessionID = out.SessionID
		}
		return res
	}
	return &Result{
		Success:   true,
		Output:    out.Output,
		SessionID: out.SessionID,
		Backend:   name,
	}
}

func (m *Manager) request(prompt, workDir string, opts Options, onReady func(string, ai.BackendName)) ai.Request {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}
	return ai.Request{
		Prompt:  prompt,
		WorkDir: workDir,
		Timeout: timeout,
		Options: ai.Options{
			IgnoreCooldown: opts.IgnoreCooldown,
			OnSessionReady: onReady,
		},
	}
}

// register writes a live record for a freshly launched session, replacing any
// previous record for the task.
func (m *Manager) register(taskKey, sessionID string, backend ai.BackendName, workDir string, turns int, log *logging.Logger) {
	if sessionID == "" {
		return
	}
	now := m.now()
	rec := registry.Record{
		TaskKey:    taskKey,
		SessionID:  sessionID,
		Backend:    backend,
		Alive:      true,
		TurnCount:  turns,
		CreatedAt:  now,
		LastUsedAt: now,
		WorkDir:    workDir,
	}
	// The ready callback already wrote this session; keep its creation time.
	if prev, ok := m.store.Get(taskKey); ok && prev.SessionID == sessionID && prev.Alive {
		rec.CreatedAt = prev.CreatedAt
	}
	if err := m.store.Upsert(rec); err != nil {
		log.Error("failed to persist session", "session_id", sessionID, "error", err.Error())
	}
}

func (m *Manager) publishOutcome(taskKey string, res *Result, start time.Time) {
	if m.bus == nil {
		return
	}
	elapsed := m.now().Sub(start)
	switch {
	case !res.Success:
		e := event.NewSessionFailedEvent(taskKey, string(res.Backend), res.Error)
		e.Duration = elapsed
		m.bus.Publish(e)
	case res.Resumed:
		turns := 0
		if rec, ok := m.store.Get(taskKey); ok {
			turns = rec.TurnCount
		}
		e := event.NewSessionResumedEvent(taskKey, res.SessionID, string(res.Backend), turns)
		e.Duration = elapsed
		m.bus.Publish(e)
	default:
		e := event.NewSessionLaunchedEvent(taskKey, res.SessionID, string(res.Backend), res.FailedOver)
		e.Duration = elapsed
		m.bus.Publish(e)
	}
}

func (m *Manager) chainNames() []string {
	names := make([]string, len(m.chain))
	for i, b := range m.chain {
		names[i] = string(b)
	}
	return names
}

// callError folds a result that reports failure without an error into one.
func callError(backend ai.BackendName, out *ai.Result, err error) error {
	if err != nil {
		return err
	}
	if out == nil {
		return errors.NewBackendError(string(backend), "backend returned no result", nil)
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "backend reported failure"
		}
		return errors.NewBackendError(string(backend), msg, nil)
	}
	return nil
}

func outputOf(out *ai.Result) string {
	if out == nil {
		return ""
	}
	return out.Output
}
