// Package orchestrator turns a task trigger into a decision and, for decisions
// that need an agent session, runs that session through the pool.
//
// Decisions that imply git or PR mutations (merge, close_and_replan) and the
// passive ones (wait, manual_review, noop) are returned unexecuted; the caller
// owns every external side effect.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/virtengine/openfleet-sub013/internal/ai"
	"github.com/virtengine/openfleet-sub013/internal/assess"
	"github.com/virtengine/openfleet-sub013/internal/config"
	"github.com/virtengine/openfleet-sub013/internal/event"
	"github.com/virtengine/openfleet-sub013/internal/logging"
	"github.com/virtengine/openfleet-sub013/internal/pool"
)

// Assessor produces a decision for a task.
type Assessor interface {
	Assess(ctx context.Context, tc assess.TaskContext, caller assess.Caller) assess.Decision
}

// SessionRunner runs agent sessions for tasks.
type SessionRunner interface {
	LaunchOrResume(ctx context.Context, taskKey, prompt string, opts pool.Options) *pool.Result
	Invalidate(taskKey, reason string) error
	Caller(opts pool.Options) assess.Caller
}

// Outcome is the result of handling one trigger.
type Outcome struct {
	Decision assess.Decision `json:"decision"`
	// Session is set when the decision was executed.
	Session *pool.Result `json:"session,omitempty"`
}

// Executed reports whether a session was run for the decision.
func (o Outcome) Executed() bool { return o.Session != nil }

// Orchestrator wires the assessor to the session pool.
type Orchestrator struct {
	assessor      Assessor
	sessions      SessionRunner
	assessBackend ai.BackendName
	assessTimeout time.Duration
	autoExecute   atomic.Bool
	bus           *event.Bus
	logger        *logging.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAssessmentBackend pins deep assessment calls to one backend. Empty uses
// the head of the pool's failover chain.
func WithAssessmentBackend(b ai.BackendName) Option {
	return func(o *Orchestrator) { o.assessBackend = b }
}

// WithAssessmentTimeout bounds each deep assessment backend call.
func WithAssessmentTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.assessTimeout = d }
}

// WithAutoExecute enables or disables running session-bearing decisions.
func WithAutoExecute(enabled bool) Option {
	return func(o *Orchestrator) { o.autoExecute.Store(enabled) }
}

// WithEventBus publishes a decision.executed event per executed decision.
func WithEventBus(bus *event.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l.WithComponent("orchestrator") }
}

// OptionsFromConfig translates cfg into options.
func OptionsFromConfig(cfg *config.Config) []Option {
	opts := []Option{
		WithAutoExecute(cfg.Orchestrator.AutoExecute),
		WithAssessmentTimeout(cfg.Assessment.Timeout()),
	}
	if b, err := ai.ParseBackendName(cfg.Assessment.Backend); err == nil {
		opts = append(opts, WithAssessmentBackend(b))
	}
	return opts
}

// New creates an Orchestrator. Auto-execution is on unless an option turns
// it off.
func New(assessor Assessor, sessions SessionRunner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		assessor:      assessor,
		sessions:      sessions,
		assessTimeout: assess.DefaultTimeout,
	}
	o.autoExecute.Store(true)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetAutoExecute switches auto-execution at runtime.
func (o *Orchestrator) SetAutoExecute(enabled bool) { o.autoExecute.Store(enabled) }

// AutoExecute reports whether session-bearing decisions are executed.
func (o *Orchestrator) AutoExecute() bool { return o.autoExecute.Load() }

// HandleTrigger assesses tc and executes the decision when it needs a
// session. The error is non-nil only for an invalid TaskContext; every
// expected failure is reported inside the Outcome.
func (o *Orchestrator) HandleTrigger(ctx context.Context, tc assess.TaskContext) (Outcome, error) {
	if err := tc.Validate(); err != nil {
		return Outcome{}, err
	}
	log := o.logger.WithTask(tc.TaskID)

	caller := o.sessions.Caller(pool.Options{
		WorkDir: tc.WorkDir,
		Timeout: o.assessTimeout,
		Backend: o.assessBackend,
	})
	decision := o.assessor.Assess(ctx, tc, caller)
	out := Outcome{Decision: decision}

	if !decision.Success || !decision.Action.NeedsSession() {
		return out, nil
	}
	if !o.AutoExecute() {
		log.Info("auto-execute disabled, returning decision", "action", string(decision.Action))
		return out, nil
	}

	out.Session = o.execute(ctx, tc, decision, log)
	o.publish(tc.TaskID, decision.Action, out.Session)
	return out, nil
}

func (o *Orchestrator) execute(ctx context.Context, tc assess.TaskContext, d assess.Decision, log *logging.Logger) *pool.Result {
	opts := pool.Options{WorkDir: tc.WorkDir}
	prompt := d.Prompt

	switch d.Action {
	case assess.ActionRepromptSame:
		if prompt == "" {
			prompt = continuePrompt(d)
		}

	case assess.ActionRepromptNewSession:
		if prompt == "" {
			prompt = freshPrompt(tc, d)
		}
		if b, err := ai.ParseBackendName(tc.Backend); err == nil {
			opts.Backend = b
		}
		if res := o.invalidate(tc.TaskID, d, opts.Backend, log); res != nil {
			return res
		}

	case assess.ActionNewAttempt:
		if prompt == "" {
			prompt = freshPrompt(tc, d)
		}
		if b, err := ai.ParseBackendName(d.AgentType); err == nil {
			opts.Backend = b
		}
		if res := o.invalidate(tc.TaskID, d, opts.Backend, log); res != nil {
			return res
		}
	}

	log.Info("executing decision",
		"action", string(d.Action),
		"backend", string(opts.Backend),
	)
	return o.sessions.LaunchOrResume(ctx, tc.TaskID, prompt, opts)
}

// invalidate retires the task's session. It returns a failed result when the
// registry could not be updated, since launching anyway could resume the
// session the decision asked to abandon.
func (o *Orchestrator) invalidate(taskKey string, d assess.Decision, backend ai.BackendName, log *logging.Logger) *pool.Result {
	err := o.sessions.Invalidate(taskKey, fmt.Sprintf("%s: %s", d.Action, d.Reason))
	if err == nil {
		return nil
	}
	log.Error("failed to invalidate session", "error", err.Error())
	return &pool.Result{Backend: backend, Error: err.Error(), Err: err}
}

func (o *Orchestrator) publish(taskID string, action assess.Action, res *pool.Result) {
	if o.bus == nil || res == nil {
		return
	}
	o.bus.Publish(event.NewDecisionExecutedEvent(taskID, string(action), res.Success, res.Error))
}

func continuePrompt(d assess.Decision) string {
	if d.Reason == "" {
		return "Continue working on the task."
	}
	return fmt.Sprintf("Continue working on the task. Reviewer note: %s", d.Reason)
}

func freshPrompt(tc assess.TaskContext, d assess.Decision) string {
	var b strings.Builder
	if tc.Title != "" {
		fmt.Fprintf(&b, "Task: %s\n\n", tc.Title)
	}
	if desc := strings.TrimSpace(tc.Description); desc != "" {
		b.WriteString(desc)
		b.WriteString("\n\n")
	}
	if tc.Branch != "" {
		fmt.Fprintf(&b, "Work on branch %s.\n", tc.Branch)
	}
	if d.Reason != "" {
		fmt.Fprintf(&b, "A previous attempt was abandoned: %s\n", d.Reason)
	}
	b.WriteString("Start from a clean understanding of the task and complete it.")
	return b.String()
}
