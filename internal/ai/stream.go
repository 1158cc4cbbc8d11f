package ai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/virtengine/openfleet-sub013/internal/cooldown"
	"github.com/virtengine/openfleet-sub013/internal/errors"
	"github.com/virtengine/openfleet-sub013/internal/logging"
)

const (
	// maxEventLine bounds a single NDJSON event; tool outputs can be large.
	maxEventLine = 16 * 1024 * 1024
	// stderrTail is how much stderr is kept for error reporting.
	stderrTail = 8 * 1024
	// pipeGrace lets the runner return even if a grandchild keeps stdout open.
	pipeGrace = 2 * time.Second
)

// streamEvent is the subset of fields both CLIs put on every event line.
type streamEvent struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// streamRunner runs one CLI invocation and feeds each NDJSON stdout line to a
// handler. Lines that are not JSON are collected as plain output.
type streamRunner struct {
	command string
	backend BackendName
	logger  *logging.Logger
}

// streamOutcome is what the runner saw besides the parsed events.
type streamOutcome struct {
	plain  string
	stderr string
}

func (r streamRunner) run(ctx context.Context, args []string, req Request, onEvent func(streamEvent)) (streamOutcome, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.WaitDelay = pipeGrace

	stderr := &tailBuffer{limit: stderrTail}
	cmd.Stderr = stderr
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	log := r.logger.WithBackend(string(r.backend))
	log.Debug("starting backend process", "command", r.command, "args", strings.Join(args, " "), "work_dir", req.WorkDir)

	if err := cmd.Start(); err != nil {
		pw.Close()
		return streamOutcome{}, errors.NewBackendError(string(r.backend), "failed to start process", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waitErr <- err
	}()

	var plain strings.Builder
	sc := bufio.NewScanner(pr)
	sc.Buffer(make([]byte, 64*1024), maxEventLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type == "" {
			plain.WriteString(line)
			plain.WriteString("\n")
			continue
		}
		ev.Raw = json.RawMessage(line)
		onEvent(ev)
	}
	scanErr := sc.Err()
	// Keep the stdout copier moving so Wait can return.
	_, _ = io.Copy(io.Discard, pr)
	err := <-waitErr

	out := streamOutcome{
		plain:  strings.TrimSpace(plain.String()),
		stderr: strings.TrimSpace(stderr.String()),
	}

	if ctx.Err() == context.DeadlineExceeded {
		return out, errors.NewTimeoutError(fmt.Sprintf("%s call", r.backend), req.Timeout).WithCause(ctx.Err())
	}
	if ctx.Err() != nil {
		return out, errors.NewBackendError(string(r.backend), "call cancelled", ctx.Err())
	}
	if err != nil {
		return out, r.failure("process exited with error", err, out.stderr)
	}
	if scanErr != nil {
		return out, r.failure("failed to read event stream", scanErr, out.stderr)
	}
	return out, nil
}

// failure builds a BackendError whose retryable flag follows the cooldown
// classifier applied to everything the backend said.
func (r streamRunner) failure(message string, cause error, output string) *errors.BackendError {
	detail := cause.Error()
	if output != "" {
		detail += " " + output
	}
	return errors.NewBackendError(string(r.backend), message, cause).
		WithOutput(output).
		WithRetryable(cooldown.Classify(detail).RetryableViaFailover)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
