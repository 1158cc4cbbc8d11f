// Package ai adapts coding-agent CLIs to a single Backend interface.
//
// Every backend can start a fresh session or resume an existing one from an
// opaque session id. Sessions are driven non-interactively: the prompt is fed
// on stdin and the CLI's NDJSON event stream is read from stdout, so the
// session id can be reported to the caller before the call completes.
package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/virtengine/openfleet-sub013/internal/config"
	"github.com/virtengine/openfleet-sub013/internal/errors"
	"github.com/virtengine/openfleet-sub013/internal/logging"
)

// BackendName identifies a supported AI backend.
type BackendName string

const (
	BackendClaude BackendName = "claude"
	BackendCodex  BackendName = "codex"
)

// ErrUnknownBackend is returned when a backend name is not supported.
var ErrUnknownBackend = errors.ErrUnknownBackend

// ParseBackendName normalizes s and checks that it names a known backend.
func ParseBackendName(s string) (BackendName, error) {
	switch name := BackendName(strings.ToLower(strings.TrimSpace(s))); name {
	case BackendClaude, BackendCodex:
		return name, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownBackend, s)
	}
}

// Options are per-call knobs shared by Launch and Resume.
type Options struct {
	// IgnoreCooldown bypasses the cooldown check for this call. nil means the
	// caller did not choose; it is not the same as false.
	IgnoreCooldown *bool
	// OnSessionReady is called at most once, as soon as the session id is
	// known and before the call completes.
	OnSessionReady func(sessionID string, backend BackendName)
}

// Bool returns a pointer to b, for Options.IgnoreCooldown.
func Bool(b bool) *bool { return &b }

// Request describes one backend call.
type Request struct {
	Prompt  string
	WorkDir string
	// Timeout bounds the call. Zero means no deadline beyond ctx.
	Timeout time.Duration
	Options Options
}

// Result is the outcome of a backend call. It is returned for failures too,
// alongside the error, so partial output and the session id are not lost.
type Result struct {
	Success   bool
	Output    string
	Error     string
	SessionID string
	Backend   BackendName
}

// Backend runs agent sessions on one execution provider.
type Backend interface {
	Name() BackendName
	DisplayName() string
	Launch(ctx context.Context, req Request) (*Result, error)
	Resume(ctx context.Context, sessionID string, req Request) (*Result, error)
	// IsPoisoned reports whether err means the session can never be resumed.
	IsPoisoned(err error) bool
}

// Set is a lookup table of backends keyed by name.
type Set struct {
	backends map[BackendName]Backend
	order    []BackendName
}

// NewSet builds a Set. Later backends with a duplicate name replace earlier ones.
func NewSet(backends ...Backend) *Set {
	s := &Set{backends: make(map[BackendName]Backend, len(backends))}
	for _, b := range backends {
		if _, dup := s.backends[b.Name()]; !dup {
			s.order = append(s.order, b.Name())
		}
		s.backends[b.Name()] = b
	}
	return s
}

// Get returns the backend registered under name.
func (s *Set) Get(name BackendName) (Backend, error) {
	b, ok := s.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return b, nil
}

// Names returns the registered backend names in registration order.
func (s *Set) Names() []BackendName {
	return append([]BackendName(nil), s.order...)
}

// Wrap returns a new Set with every backend passed through fn.
func (s *Set) Wrap(fn func(Backend) Backend) *Set {
	wrapped := make([]Backend, 0, len(s.order))
	for _, name := range s.order {
		wrapped = append(wrapped, fn(s.backends[name]))
	}
	return NewSet(wrapped...)
}

// NewSetFromConfig builds the Claude and Codex backends from configuration.
func NewSetFromConfig(cfg *config.Config, logger *logging.Logger) (*Set, error) {
	if cfg == nil {
		return nil, fmt.Errorf("missing config")
	}
	for _, name := range cfg.Pool.FailoverChain {
		if _, err := ParseBackendName(name); err != nil {
			return nil, err
		}
	}
	return NewSet(
		NewClaudeBackend(cfg.Backends.Claude, logger),
		NewCodexBackend(cfg.Backends.Codex, logger),
	), nil
}

// sessionNotifier wraps OnSessionReady so it fires at most once and never for
// an empty id.
func sessionNotifier(opts Options, backend BackendName) func(string) {
	var once sync.Once
	return func(id string) {
		if id == "" || opts.OnSessionReady == nil {
			return
		}
		once.Do(func() { opts.OnSessionReady(id, backend) })
	}
}

// poisonMatcher decides poisoning by case-insensitive substring match.
type poisonMatcher struct {
	patterns []string
}

func newPoisonMatcher(defaults, extra []string) poisonMatcher {
	patterns := make([]string, 0, len(defaults)+len(extra))
	for _, p := range append(append([]string{}, defaults...), extra...) {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, strings.ToLower(p))
		}
	}
	return poisonMatcher{patterns: patterns}
}

func (m poisonMatcher) match(err error) bool {
	if err == nil {
		return false
	}
	if errors.IsPoisoned(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range m.patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
