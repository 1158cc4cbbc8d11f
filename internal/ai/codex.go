package ai

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/virtengine/openfleet-sub013/internal/config"
	"github.com/virtengine/openfleet-sub013/internal/cooldown"
	"github.com/virtengine/openfleet-sub013/internal/errors"
	"github.com/virtengine/openfleet-sub013/internal/logging"
)

// codexPoisonPatterns are the messages `codex exec resume` prints for a thread
// whose rollout is gone.
var codexPoisonPatterns = []string{
	"thread not found",
	"no rollout found",
	"conversation not found",
}

// CodexBackend implements Backend for the Codex CLI.
type CodexBackend struct {
	command      string
	approvalMode string
	extraArgs    []string
	poison       poisonMatcher
	logger       *logging.Logger
}

// NewCodexBackend creates a Codex backend from config.
func NewCodexBackend(cfg config.CodexBackendConfig, logger *logging.Logger) *CodexBackend {
	command := cfg.Command
	if command == "" {
		command = "codex"
	}
	mode := cfg.ApprovalMode
	if mode == "" {
		mode = "full-auto"
	}
	return &CodexBackend{
		command:      command,
		approvalMode: mode,
		extraArgs:    append([]string(nil), cfg.ExtraArgs...),
		poison:       newPoisonMatcher(codexPoisonPatterns, cfg.PoisonPatterns),
		logger:       logger,
	}
}

func (c *CodexBackend) Name() BackendName { return BackendCodex }

func (c *CodexBackend) DisplayName() string { return "Codex" }

func (c *CodexBackend) IsPoisoned(err error) bool { return c.poison.match(err) }

// Launch starts a new thread. Codex assigns the id and reports it in the
// thread.started event.
func (c *CodexBackend) Launch(ctx context.Context, req Request) (*Result, error) {
	args := append(c.baseArgs(), "-")
	return c.run(ctx, args, "", req)
}

// Resume continues an existing thread.
func (c *CodexBackend) Resume(ctx context.Context, sessionID string, req Request) (*Result, error) {
	if sessionID == "" {
		return &Result{Backend: BackendCodex, Error: "session id required for resume"},
			errors.NewValidationError("session id required for resume").WithField("session_id")
	}
	args := append(c.baseArgs(), "resume", sessionID, "-")
	res, err := c.run(ctx, args, sessionID, req)
	if err != nil && c.IsPoisoned(err) {
		return res, errors.NewPoisonedSessionError(string(BackendCodex), sessionID, err)
	}
	return res, err
}

func (c *CodexBackend) baseArgs() []string {
	args := []string{"exec", "--json", "--skip-git-repo-check"}
	args = append(args, c.approvalFlags()...)
	return append(args, c.extraArgs...)
}

func (c *CodexBackend) approvalFlags() []string {
	switch strings.ToLower(c.approvalMode) {
	case "bypass":
		return []string{"--dangerously-bypass-approvals-and-sandbox"}
	case "full-auto":
		return []string{"--full-auto"}
	default:
		return nil
	}
}

// codexEvent covers the `codex exec --json` events openfleet reads.
type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
	Item     struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *CodexBackend) run(ctx context.Context, args []string, sessionID string, req Request) (*Result, error) {
	ready := sessionNotifier(req.Options, BackendCodex)
	res := &Result{Backend: BackendCodex, SessionID: sessionID}
	if sessionID != "" {
		ready(sessionID)
	}

	var (
		lastMessage string
		failure     string
	)
	runner := streamRunner{command: c.command, backend: BackendCodex, logger: c.logger}
	out, err := runner.run(ctx, args, req, func(ev streamEvent) {
		var ce codexEvent
		if json.Unmarshal(ev.Raw, &ce) != nil {
			return
		}
		switch ce.Type {
		case "thread.started":
			if ce.ThreadID != "" {
				res.SessionID = ce.ThreadID
				ready(ce.ThreadID)
			}
		case "item.completed":
			if ce.Item.Type == "agent_message" && strings.TrimSpace(ce.Item.Text) != "" {
				lastMessage = ce.Item.Text
			}
		case "turn.failed":
			failure = ce.Error.Message
		case "error":
			failure = ce.Message
		}
	})

	res.Output = strings.TrimSpace(lastMessage)
	if res.Output == "" {
		res.Output = out.plain
	}

	if err == nil && failure != "" {
		err = errors.NewBackendError(string(BackendCodex), "turn failed", errors.New(failure)).
			WithOutput(out.stderr).
			WithRetryable(cooldown.Classify(failure + " " + out.stderr).RetryableViaFailover)
	}
	if err != nil {
		res.Error = err.Error()
		return res, err
	}

	res.Success = true
	return res, nil
}
