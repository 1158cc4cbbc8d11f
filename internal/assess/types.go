package assess

import (
	"context"
	"fmt"
	"strings"

	"github.com/virtengine/openfleet-sub013/internal/errors"
)

// Action is what should happen next to a task.
type Action string

const (
	ActionMerge              Action = "merge"
	ActionRepromptSame       Action = "reprompt_same"
	ActionRepromptNewSession Action = "reprompt_new_session"
	ActionNewAttempt         Action = "new_attempt"
	ActionWait               Action = "wait"
	ActionManualReview       Action = "manual_review"
	ActionCloseAndReplan     Action = "close_and_replan"
	ActionNoop               Action = "noop"
)

// Actions returns every valid action in schema order.
func Actions() []Action {
	return []Action{
		ActionMerge,
		ActionRepromptSame,
		ActionRepromptNewSession,
		ActionNewAttempt,
		ActionWait,
		ActionManualReview,
		ActionCloseAndReplan,
		ActionNoop,
	}
}

// Valid reports whether a is one of the fixed actions.
func (a Action) Valid() bool {
	for _, known := range Actions() {
		if a == known {
			return true
		}
	}
	return false
}

// NeedsSession reports whether executing a requires an agent session.
func (a Action) NeedsSession() bool {
	switch a {
	case ActionRepromptSame, ActionRepromptNewSession, ActionNewAttempt:
		return true
	default:
		return false
	}
}

// ParseAction normalizes s and checks it against the fixed action set.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", errors.NewValidationError("unknown action").WithField("action").WithValue(s)
	}
	return a, nil
}

// Source records which stage produced a decision.
type Source string

const (
	SourceQuick Source = "quick"
	SourceDeep  Source = "deep"
	SourceDedup Source = "dedup"
)

// Decision is the assessor's verdict for one task.
//
// Success reports whether the decision itself is well formed. It says nothing
// about whether the recommended action is a good outcome for the task.
type Decision struct {
	Action      Action `json:"action"`
	Reason      string `json:"reason"`
	Prompt      string `json:"prompt,omitempty"`
	WaitSeconds int    `json:"waitSeconds,omitempty"`
	AgentType   string `json:"agentType,omitempty"`
	Success     bool   `json:"success"`
	Source      Source `json:"source,omitempty"`
}

// Summary is a one-line human readable form of d, used for notifications.
func (d Decision) Summary(taskID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", taskID, d.Action)
	if d.AgentType != "" {
		fmt.Fprintf(&b, " on %s", d.AgentType)
	}
	if d.Action == ActionWait && d.WaitSeconds > 0 {
		fmt.Fprintf(&b, " for %ds", d.WaitSeconds)
	}
	if d.Reason != "" {
		fmt.Fprintf(&b, ": %s", d.Reason)
	}
	return b.String()
}

// TriggerKind is the event that prompted an assessment.
type TriggerKind string

const (
	TriggerAgentCompleted     TriggerKind = "agent_completed"
	TriggerAgentFailed        TriggerKind = "agent_failed"
	TriggerRebaseFailed       TriggerKind = "rebase_failed"
	TriggerCIFailed           TriggerKind = "ci_failed"
	TriggerPRMergedDownstream TriggerKind = "pr_merged_downstream"
	TriggerIdleDetected       TriggerKind = "idle_detected"
	TriggerConflictDetected   TriggerKind = "conflict_detected"
	TriggerManual             TriggerKind = "manual"
)

// TaskContext is everything the assessor knows about a task at trigger time.
// It is built fresh for every call. Zero values mean "not known".
type TaskContext struct {
	TaskID         string      `json:"taskId" yaml:"task_id"`
	Trigger        TriggerKind `json:"trigger" yaml:"trigger"`
	Title          string      `json:"title,omitempty" yaml:"title,omitempty"`
	Description    string      `json:"description,omitempty" yaml:"description,omitempty"`
	Branch         string      `json:"branch,omitempty" yaml:"branch,omitempty"`
	UpstreamBranch string      `json:"upstreamBranch,omitempty" yaml:"upstream_branch,omitempty"`
	AttemptCount   int         `json:"attemptCount" yaml:"attempt_count"`
	SessionRetries int         `json:"sessionRetries" yaml:"session_retries"`

	ConflictFiles []string `json:"conflictFiles,omitempty" yaml:"conflict_files,omitempty"`
	RebaseError   string   `json:"rebaseError,omitempty" yaml:"rebase_error,omitempty"`

	PRNumber int    `json:"prNumber,omitempty" yaml:"pr_number,omitempty"`
	PRState  string `json:"prState,omitempty" yaml:"pr_state,omitempty"`
	CIStatus string `json:"ciStatus,omitempty" yaml:"ci_status,omitempty"`

	CommitsAhead  int    `json:"commitsAhead,omitempty" yaml:"commits_ahead,omitempty"`
	CommitsBehind int    `json:"commitsBehind,omitempty" yaml:"commits_behind,omitempty"`
	DiffStat      string `json:"diffStat,omitempty" yaml:"diff_stat,omitempty"`

	LastAgentMessage string `json:"lastAgentMessage,omitempty" yaml:"last_agent_message,omitempty"`

	// Backend ran the last attempt.
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`
	WorkDir string `json:"workDir,omitempty" yaml:"work_dir,omitempty"`
}

// Validate checks the fields every assessment needs.
func (tc TaskContext) Validate() error {
	if strings.TrimSpace(tc.TaskID) == "" {
		return errors.NewValidationError("task id required").WithField("taskId")
	}
	if tc.Trigger == "" {
		return errors.NewValidationError("trigger required").WithField("trigger")
	}
	if tc.AttemptCount < 0 {
		return errors.NewValidationError("attempt count must be >= 0").WithField("attemptCount").WithValue(tc.AttemptCount)
	}
	if tc.SessionRetries < 0 {
		return errors.NewValidationError("session retries must be >= 0").WithField("sessionRetries").WithValue(tc.SessionRetries)
	}
	return nil
}

// CallerResponse is what a backend caller returns.
type CallerResponse struct {
	FinalResponse string
}

// Caller sends a prompt to a backend and returns its final text. A failed or
// timed out call returns an error.
type Caller func(ctx context.Context, prompt string) (*CallerResponse, error)

// Notifier receives a short summary of every completed deep assessment.
type Notifier func(summary string)
