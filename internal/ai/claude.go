package ai

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/virtengine/openfleet-sub013/internal/config"
	"github.com/virtengine/openfleet-sub013/internal/cooldown"
	"github.com/virtengine/openfleet-sub013/internal/errors"
	"github.com/virtengine/openfleet-sub013/internal/logging"
)

// claudePoisonPatterns are the messages the Claude CLI prints when --resume
// points at a conversation it no longer has.
var claudePoisonPatterns = []string{
	"no conversation found",
	"session not found",
	"invalid session",
}

// ClaudeBackend implements Backend for Claude Code.
type ClaudeBackend struct {
	command         string
	skipPermissions bool
	extraArgs       []string
	poison          poisonMatcher
	logger          *logging.Logger
	newSessionID    func() string
}

// NewClaudeBackend creates a Claude backend from config.
func NewClaudeBackend(cfg config.ClaudeBackendConfig, logger *logging.Logger) *ClaudeBackend {
	command := cfg.Command
	if command == "" {
		command = "claude"
	}
	return &ClaudeBackend{
		command:         command,
		skipPermissions: cfg.SkipPermissions,
		extraArgs:       append([]string(nil), cfg.ExtraArgs...),
		poison:          newPoisonMatcher(claudePoisonPatterns, cfg.PoisonPatterns),
		logger:          logger,
		newSessionID:    uuid.NewString,
	}
}

func (c *ClaudeBackend) Name() BackendName { return BackendClaude }

func (c *ClaudeBackend) DisplayName() string { return "Claude" }

func (c *ClaudeBackend) IsPoisoned(err error) bool { return c.poison.match(err) }

// Launch starts a session with an id chosen up front, so the id is known even
// if the CLI dies before printing anything.
func (c *ClaudeBackend) Launch(ctx context.Context, req Request) (*Result, error) {
	id := c.newSessionID()
	return c.run(ctx, append(c.baseArgs(), "--session-id", id), id, req)
}

// Resume continues an existing conversation.
func (c *ClaudeBackend) Resume(ctx context.Context, sessionID string, req Request) (*Result, error) {
	if sessionID == "" {
		return &Result{Backend: BackendClaude, Error: "session id required for resume"},
			errors.NewValidationError("session id required for resume").WithField("session_id")
	}
	res, err := c.run(ctx, append(c.baseArgs(), "--resume", sessionID), sessionID, req)
	if err != nil && c.IsPoisoned(err) {
		return res, errors.NewPoisonedSessionError(string(BackendClaude), sessionID, err)
	}
	return res, err
}

func (c *ClaudeBackend) baseArgs() []string {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if c.skipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	return append(args, c.extraArgs...)
}

// claudeEvent covers the stream-json events openfleet reads.
type claudeEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

func (c *ClaudeBackend) run(ctx context.Context, args []string, sessionID string, req Request) (*Result, error) {
	ready := sessionNotifier(req.Options, BackendClaude)
	res := &Result{Backend: BackendClaude, SessionID: sessionID}

	var (
		final     string
		sawResult bool
		isError   bool
		lastText  string
	)
	runner := streamRunner{command: c.command, backend: BackendClaude, logger: c.logger}
	out, err := runner.run(ctx, args, req, func(ev streamEvent) {
		var ce claudeEvent
		if json.Unmarshal(ev.Raw, &ce) != nil {
			return
		}
		if ce.SessionID != "" {
			res.SessionID = ce.SessionID
			ready(ce.SessionID)
		}
		switch ce.Type {
		case "assistant":
			for _, part := range ce.Message.Content {
				if part.Type == "text" && strings.TrimSpace(part.Text) != "" {
					lastText = part.Text
				}
			}
		case "result":
			sawResult = true
			final = ce.Result
			isError = ce.IsError || (ce.Subtype != "" && ce.Subtype != "success")
		}
	})

	res.Output = strings.TrimSpace(final)
	if res.Output == "" {
		res.Output = strings.TrimSpace(lastText)
	}
	if res.Output == "" {
		res.Output = out.plain
	}

	if err == nil && isError {
		detail := res.Output
		if detail == "" {
			detail = out.stderr
		}
		err = errors.NewBackendError(string(BackendClaude), "session reported an error", errors.New(detail)).
			WithOutput(out.stderr).
			WithRetryable(cooldown.Classify(detail + " " + out.stderr).RetryableViaFailover)
	}
	if err == nil && !sawResult && res.Output == "" {
		err = errors.NewBackendError(string(BackendClaude), "stream ended without a result", nil).WithOutput(out.stderr)
	}
	if err != nil {
		res.Error = err.Error()
		return res, err
	}

	res.Success = true
	return res, nil
}
