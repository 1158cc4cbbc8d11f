package ai

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/virtengine/openfleet-sub013/internal/config"
	"github.com/virtengine/openfleet-sub013/internal/errors"
)

// writeScript writes an executable shell script standing in for a backend CLI.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake CLIs are shell scripts")
	}
	path := filepath.Join(t.TempDir(), "fake-cli")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

type readyCall struct {
	id      string
	backend BackendName
}

func recordReady(calls *[]readyCall) func(string, BackendName) {
	return func(id string, b BackendName) { *calls = append(*calls, readyCall{id, b}) }
}

func TestParseBackendName(t *testing.T) {
	tests := []struct {
		in      string
		want    BackendName
		wantErr bool
	}{
		{"claude", BackendClaude, false},
		{"Codex", BackendCodex, false},
		{"  CLAUDE ", BackendClaude, false},
		{"gemini", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBackendName(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBackendName(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnknownBackend) {
				t.Errorf("error should wrap ErrUnknownBackend, got %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseBackendName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewSetFromConfig(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		set, err := NewSetFromConfig(config.Default(), nil)
		if err != nil {
			t.Fatalf("NewSetFromConfig() error = %v", err)
		}
		for _, name := range []BackendName{BackendClaude, BackendCodex} {
			b, err := set.Get(name)
			if err != nil {
				t.Fatalf("Get(%q) error = %v", name, err)
			}
			if b.Name() != name {
				t.Errorf("Get(%q).Name() = %q", name, b.Name())
			}
		}
		if len(set.Names()) != 2 {
			t.Errorf("Names() = %v, want 2 backends", set.Names())
		}
	})

	t.Run("nil config", func(t *testing.T) {
		if _, err := NewSetFromConfig(nil, nil); err == nil || !strings.Contains(err.Error(), "missing config") {
			t.Errorf("NewSetFromConfig(nil) error = %v, want missing config", err)
		}
	})

	t.Run("unknown backend in chain", func(t *testing.T) {
		cfg := config.Default()
		cfg.Pool.FailoverChain = []string{"codex", "unknown-backend"}
		if _, err := NewSetFromConfig(cfg, nil); !errors.Is(err, ErrUnknownBackend) {
			t.Errorf("error = %v, want ErrUnknownBackend", err)
		}
	})
}

func TestSet_GetUnknown(t *testing.T) {
	set := NewSet()
	if _, err := set.Get(BackendCodex); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("Get() on empty set error = %v, want ErrUnknownBackend", err)
	}
}

func TestSessionNotifier_FiresOnce(t *testing.T) {
	var calls []readyCall
	notify := sessionNotifier(Options{OnSessionReady: recordReady(&calls)}, BackendCodex)

	notify("")
	notify("a")
	notify("b")

	if len(calls) != 1 || calls[0].id != "a" || calls[0].backend != BackendCodex {
		t.Errorf("calls = %+v, want single call with id a", calls)
	}

	// A nil callback is fine.
	sessionNotifier(Options{}, BackendClaude)("x")
}

func TestPoisonMatcher(t *testing.T) {
	m := newPoisonMatcher(claudePoisonPatterns, []string{"  Conversation Expired ", ""})

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"default pattern", errors.New("No conversation found with session ID: abc"), true},
		{"extra pattern", errors.New("error: conversation expired"), true},
		{"typed poisoned", errors.NewPoisonedSessionError("claude", "abc", nil), true},
		{"transient", errors.New("429 too many requests"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.match(tt.err); got != tt.want {
				t.Errorf("match(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func newTestClaude(t *testing.T, script string) *ClaudeBackend {
	t.Helper()
	b := NewClaudeBackend(config.ClaudeBackendConfig{Command: writeScript(t, script), SkipPermissions: true}, nil)
	b.newSessionID = func() string { return "sess-fixed" }
	return b
}

func TestClaudeBackend_Launch(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	stdinFile := filepath.Join(t.TempDir(), "stdin")
	b := newTestClaude(t, `echo "$@" > `+argsFile+`
cat > `+stdinFile+`
echo '{"type":"system","subtype":"init","session_id":"sess-fixed"}'
echo 'not json progress line'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}'
echo '{"type":"result","subtype":"success","is_error":false,"result":"all done","session_id":"sess-fixed"}'
`)

	var calls []readyCall
	res, err := b.Launch(context.Background(), Request{
		Prompt:  "fix the build",
		WorkDir: t.TempDir(),
		Timeout: 10 * time.Second,
		Options: Options{OnSessionReady: recordReady(&calls)},
	})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if !res.Success || res.Output != "all done" || res.SessionID != "sess-fixed" || res.Backend != BackendClaude {
		t.Errorf("Launch() = %+v", res)
	}
	if len(calls) != 1 || calls[0].id != "sess-fixed" {
		t.Errorf("OnSessionReady calls = %+v, want exactly one", calls)
	}

	args, _ := os.ReadFile(argsFile)
	for _, want := range []string{"--print", "--output-format stream-json", "--verbose", "--dangerously-skip-permissions", "--session-id sess-fixed"} {
		if !strings.Contains(string(args), want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
	stdin, _ := os.ReadFile(stdinFile)
	if string(stdin) != "fix the build" {
		t.Errorf("stdin = %q, want prompt", stdin)
	}
}

func TestClaudeBackend_ResumePoisoned(t *testing.T) {
	b := newTestClaude(t, `cat > /dev/null
echo "No conversation found with session ID: dead-1" >&2
exit 1
`)

	res, err := b.Resume(context.Background(), "dead-1", Request{Prompt: "continue", Timeout: 10 * time.Second})
	if err == nil {
		t.Fatal("Resume() should fail")
	}
	if !b.IsPoisoned(err) || !errors.IsPoisoned(err) {
		t.Errorf("error should be poisoned: %v", err)
	}
	if errors.IsRetryable(err) {
		t.Error("poisoned error must not be retryable")
	}
	if res == nil || res.Success || res.SessionID != "dead-1" {
		t.Errorf("Resume() result = %+v", res)
	}
}

func TestClaudeBackend_ResumeArgs(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	b := newTestClaude(t, `echo "$@" > `+argsFile+`
cat > /dev/null
echo '{"type":"result","subtype":"success","result":"resumed","session_id":"sess-2"}'
`)

	res, err := b.Resume(context.Background(), "sess-1", Request{Prompt: "again"})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if res.SessionID != "sess-2" {
		t.Errorf("SessionID = %q, want the id reported by the stream", res.SessionID)
	}
	args, _ := os.ReadFile(argsFile)
	if !strings.Contains(string(args), "--resume sess-1") {
		t.Errorf("args %q missing --resume", args)
	}
}

func TestClaudeBackend_ResumeRequiresID(t *testing.T) {
	b := newTestClaude(t, "exit 0\n")
	_, err := b.Resume(context.Background(), "", Request{})
	if !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Resume(\"\") error = %v, want ErrInvalidInput", err)
	}
}

func TestClaudeBackend_ErrorResultIsRetryable(t *testing.T) {
	b := newTestClaude(t, `cat > /dev/null
echo '{"type":"result","subtype":"error_during_execution","is_error":true,"result":"API Error: 429 rate limit, retry in 30s"}'
`)

	res, err := b.Launch(context.Background(), Request{Prompt: "x"})
	if err == nil {
		t.Fatal("Launch() should fail on an error result")
	}
	if !errors.IsRetryable(err) {
		t.Errorf("rate limit error should be retryable: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "429") {
		t.Errorf("result = %+v", res)
	}
}

func TestCodexBackend_Launch(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	stdinFile := filepath.Join(t.TempDir(), "stdin")
	b := NewCodexBackend(config.CodexBackendConfig{Command: writeScript(t, `echo "$@" > `+argsFile+`
cat > `+stdinFile+`
echo '{"type":"thread.started","thread_id":"th-1"}'
echo '{"type":"turn.started"}'
echo '{"type":"item.completed","item":{"id":"item_0","type":"agent_message","text":"first"}}'
echo '{"type":"item.completed","item":{"id":"item_1","type":"command_execution","text":""}}'
echo '{"type":"item.completed","item":{"id":"item_2","type":"agent_message","text":"final answer"}}'
echo '{"type":"turn.completed","usage":{"input_tokens":10}}'
`)}, nil)

	var calls []readyCall
	res, err := b.Launch(context.Background(), Request{
		Prompt:  "ship it",
		Timeout: 10 * time.Second,
		Options: Options{OnSessionReady: recordReady(&calls)},
	})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if !res.Success || res.Output != "final answer" || res.SessionID != "th-1" {
		t.Errorf("Launch() = %+v", res)
	}
	if len(calls) != 1 || calls[0].id != "th-1" || calls[0].backend != BackendCodex {
		t.Errorf("OnSessionReady calls = %+v", calls)
	}

	args, _ := os.ReadFile(argsFile)
	if got := strings.TrimSpace(string(args)); got != "exec --json --skip-git-repo-check --full-auto -" {
		t.Errorf("args = %q", got)
	}
	stdin, _ := os.ReadFile(stdinFile)
	if string(stdin) != "ship it" {
		t.Errorf("stdin = %q", stdin)
	}
}

func TestCodexBackend_Resume(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	b := NewCodexBackend(config.CodexBackendConfig{
		Command:      writeScript(t, `echo "$@" > `+argsFile+"\ncat > /dev/null\necho '{\"type\":\"item.completed\",\"item\":{\"type\":\"agent_message\",\"text\":\"ok\"}}'\n"),
		ApprovalMode: "bypass",
	}, nil)

	res, err := b.Resume(context.Background(), "th-9", Request{Prompt: "more"})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if res.SessionID != "th-9" || res.Output != "ok" {
		t.Errorf("Resume() = %+v", res)
	}
	args, _ := os.ReadFile(argsFile)
	if got := strings.TrimSpace(string(args)); got != "exec --json --skip-git-repo-check --dangerously-bypass-approvals-and-sandbox resume th-9 -" {
		t.Errorf("args = %q", got)
	}
}

func TestCodexBackend_Failures(t *testing.T) {
	tests := []struct {
		name      string
		script    string
		poisoned  bool
		retryable bool
	}{
		{
			name:   "turn failed",
			script: "cat > /dev/null\necho '{\"type\":\"turn.failed\",\"error\":{\"message\":\"model refused\"}}'\n",
		},
		{
			name:      "stream error rate limited",
			script:    "cat > /dev/null\necho '{\"type\":\"error\",\"message\":\"exceeded retry limit, last status: 429 Too Many Requests\"}'\n",
			retryable: true,
		},
		{
			name:     "thread gone",
			script:   "cat > /dev/null\necho 'Error: thread not found: th-1' >&2\nexit 1\n",
			poisoned: true,
		},
		{
			name:      "bad gateway exit",
			script:    "cat > /dev/null\necho 'stream error: 502 Bad Gateway' >&2\nexit 2\n",
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewCodexBackend(config.CodexBackendConfig{Command: writeScript(t, tt.script)}, nil)
			res, err := b.Resume(context.Background(), "th-1", Request{Prompt: "x", Timeout: 10 * time.Second})
			if err == nil {
				t.Fatal("Resume() should fail")
			}
			if res.Success || res.Error == "" {
				t.Errorf("result = %+v", res)
			}
			if got := errors.IsPoisoned(err); got != tt.poisoned {
				t.Errorf("IsPoisoned = %v, want %v (%v)", got, tt.poisoned, err)
			}
			if got := errors.IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v (%v)", got, tt.retryable, err)
			}
		})
	}
}

func TestStreamRunner_Timeout(t *testing.T) {
	b := NewCodexBackend(config.CodexBackendConfig{Command: writeScript(t, "exec sleep 10\n")}, nil)

	start := time.Now()
	res, err := b.Launch(context.Background(), Request{Prompt: "x", Timeout: 200 * time.Millisecond})
	if !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("Launch() error = %v, want timeout", err)
	}
	if res.Success {
		t.Error("timed out call must not succeed")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestStreamRunner_MissingCommand(t *testing.T) {
	b := NewCodexBackend(config.CodexBackendConfig{Command: filepath.Join(t.TempDir(), "does-not-exist")}, nil)
	res, err := b.Launch(context.Background(), Request{Prompt: "x"})
	if err == nil || res.Success {
		t.Fatalf("Launch() = %+v, %v; want failure", res, err)
	}
	if !errors.Is(err, &errors.BackendError{}) {
		t.Errorf("error should be a BackendError: %v", err)
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 5}
	b.Write([]byte("abc"))
	b.Write([]byte("defgh"))
	if got := b.String(); got != "defgh" {
		t.Errorf("String() = %q, want %q", got, "defgh")
	}
}
