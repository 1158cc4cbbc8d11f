package assess

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"

	"github.com/virtengine/openfleet-sub013/internal/ai"
	"github.com/virtengine/openfleet-sub013/internal/config"
)

// Default fast-path thresholds.
const (
	DefaultMaxAttempts       = 4
	DefaultMaxSessionRetries = 3
)

// QuickRules are the tunables of the fast-path assessor.
type QuickRules struct {
	// LockFiles are base-name glob patterns of conflict files an agent can
	// always regenerate.
	LockFiles []string
	// MaxAttempts escalates to manual review at this attempt count.
	MaxAttempts int
	// MaxSessionRetries switches backend at this per-session retry count.
	MaxSessionRetries int
}

// DefaultQuickRules returns the built-in thresholds and lock-file list.
func DefaultQuickRules() QuickRules {
	return QuickRules{
		LockFiles:         config.DefaultLockFiles(),
		MaxAttempts:       DefaultMaxAttempts,
		MaxSessionRetries: DefaultMaxSessionRetries,
	}
}

// QuickRulesFromConfig reads the fast-path section of the assessment config.
// Zero thresholds keep their defaults.
func QuickRulesFromConfig(cfg config.AssessmentConfig) QuickRules {
	rules := DefaultQuickRules()
	if len(cfg.LockFiles) > 0 {
		rules.LockFiles = append([]string(nil), cfg.LockFiles...)
	}
	if cfg.MaxAttempts > 0 {
		rules.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.MaxSessionRetries > 0 {
		rules.MaxSessionRetries = cfg.MaxSessionRetries
	}
	return rules
}

// QuickAssessor resolves common situations without calling a backend.
// It holds no mutable state and is safe for concurrent use.
type QuickAssessor struct {
	rules     QuickRules
	lockFiles []glob.Glob
}

// NewQuickAssessor compiles the lock-file patterns in rules.
func NewQuickAssessor(rules QuickRules) (*QuickAssessor, error) {
	q := &QuickAssessor{rules: rules}
	for _, pattern := range rules.LockFiles {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid lock file pattern %q: %w", pattern, err)
		}
		q.lockFiles = append(q.lockFiles, g)
	}
	return q, nil
}

var defaultQuick = func() *QuickAssessor {
	q, err := NewQuickAssessor(DefaultQuickRules())
	if err != nil {
		panic(err)
	}
	return q
}()

// QuickAssess runs the fast path with the default rules.
func QuickAssess(tc TaskContext) *Decision {
	return defaultQuick.Assess(tc)
}

// Rules returns the rules the assessor was built from.
func (q *QuickAssessor) Rules() QuickRules { return q.rules }

// IsLockFile reports whether the base name of file matches the allow-list.
func (q *QuickAssessor) IsLockFile(file string) bool {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(file), "\\", "/"))
	for _, g := range q.lockFiles {
		if g.Match(base) {
			return true
		}
	}
	return false
}

// Assess returns a decision for tc, or nil when the deep assessor must decide.
// Rules are tried in priority order and the first match wins.
func (q *QuickAssessor) Assess(tc TaskContext) *Decision {
	if tc.Trigger == TriggerRebaseFailed && q.onlyLockFiles(tc.ConflictFiles) {
		return quick(ActionRepromptSame,
			"Rebase conflicts are limited to regenerable lock files",
			lockFilePrompt(tc),
		)
	}

	if q.rules.MaxAttempts > 0 && tc.AttemptCount >= q.rules.MaxAttempts {
		return quick(ActionManualReview,
			fmt.Sprintf("Task has been attempted %d times (limit %d)", tc.AttemptCount, q.rules.MaxAttempts),
			"",
		)
	}

	if q.rules.MaxSessionRetries > 0 && tc.SessionRetries >= q.rules.MaxSessionRetries {
		next := alternateBackend(tc.Backend)
		d := quick(ActionNewAttempt,
			fmt.Sprintf("Session retried %d times on %s; starting a new attempt on %s",
				tc.SessionRetries, backendLabel(tc.Backend), next),
			"",
		)
		d.AgentType = string(next)
		return d
	}

	if tc.Trigger == TriggerPRMergedDownstream && strings.TrimSpace(tc.RebaseError) == "" {
		return quick(ActionRepromptSame,
			"A pull request merged into the upstream branch; rebase to pick it up",
			upstreamRebasePrompt(tc),
		)
	}

	return nil
}

func (q *QuickAssessor) onlyLockFiles(files []string) bool {
	if len(files) == 0 {
		return false
	}
	for _, f := range files {
		if !q.IsLockFile(f) {
			return false
		}
	}
	return true
}

func quick(action Action, reason, prompt string) *Decision {
	return &Decision{
		Action:  action,
		Reason:  reason,
		Prompt:  prompt,
		Success: true,
		Source:  SourceQuick,
	}
}

// alternateBackend flips between codex and claude. Anything else gets codex.
func alternateBackend(current string) ai.BackendName {
	name, err := ai.ParseBackendName(current)
	if err == nil && name == ai.BackendCodex {
		return ai.BackendClaude
	}
	return ai.BackendCodex
}

func backendLabel(b string) string {
	if b == "" {
		return "the current backend"
	}
	return b
}

func lockFilePrompt(tc TaskContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The rebase onto %s stopped on conflicts in lock files only: %s.\n\n",
		upstreamLabel(tc), strings.Join(tc.ConflictFiles, ", "))
	b.WriteString("Do not hand-merge them. For each file, take the upstream version and regenerate it ")
	b.WriteString("with its package manager (for example `pnpm install`, `npm install`, `yarn install`, ")
	b.WriteString("`go mod tidy`, `bun install`, `cargo generate-lockfile`, `poetry lock`).\n")
	b.WriteString("Then `git add` the regenerated files and continue the rebase with `git rebase --continue`. ")
	b.WriteString("Run the tests once the rebase completes and push the branch.")
	return b.String()
}

func upstreamRebasePrompt(tc TaskContext) string {
	upstream := upstreamLabel(tc)
	return fmt.Sprintf("A pull request was just merged into %s. Fetch the latest changes and rebase this branch onto it "+
		"(`git fetch origin && git rebase origin/%s`). Resolve any conflicts, re-run the tests, and push the branch.",
		upstream, strings.TrimPrefix(upstream, "origin/"))
}

func upstreamLabel(tc TaskContext) string {
	if tc.UpstreamBranch != "" {
		return tc.UpstreamBranch
	}
	return "main"
}
