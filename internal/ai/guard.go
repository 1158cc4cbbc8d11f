package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/virtengine/openfleet-sub013/internal/cooldown"
	"github.com/virtengine/openfleet-sub013/internal/errors"
	"github.com/virtengine/openfleet-sub013/internal/logging"
)

// Guard wraps a Backend with cooldown enforcement. Calls are refused while the
// backend is cooling down unless the request sets IgnoreCooldown, and a call
// that fails with a retryable-via-failover error starts a new cooldown window.
type Guard struct {
	Backend
	cooldowns *cooldown.Coordinator
	logger    *logging.Logger
}

// NewGuard wraps b.
func NewGuard(b Backend, cooldowns *cooldown.Coordinator, logger *logging.Logger) *Guard {
	return &Guard{
		Backend:   b,
		cooldowns: cooldowns,
		logger:    logger.WithComponent("guard").WithBackend(string(b.Name())),
	}
}

// Guarded returns a copy of s with every backend wrapped in a Guard.
func (s *Set) Guarded(cooldowns *cooldown.Coordinator, logger *logging.Logger) *Set {
	return s.Wrap(func(b Backend) Backend { return NewGuard(b, cooldowns, logger) })
}

func (g *Guard) Launch(ctx context.Context, req Request) (*Result, error) {
	if res, err := g.admit(req.Options); err != nil {
		return res, err
	}
	res, err := g.Backend.Launch(ctx, req)
	g.observe(err)
	return res, err
}

func (g *Guard) Resume(ctx context.Context, sessionID string, req Request) (*Result, error) {
	if res, err := g.admit(req.Options); err != nil {
		res.SessionID = sessionID
		return res, err
	}
	res, err := g.Backend.Resume(ctx, sessionID, req)
	g.observe(err)
	return res, err
}

func (g *Guard) admit(opts Options) (*Result, error) {
	if opts.IgnoreCooldown != nil && *opts.IgnoreCooldown {
		return nil, nil
	}
	until, cooling := g.cooldowns.Until(string(g.Name()))
	if !cooling {
		return nil, nil
	}
	err := errors.NewBackendError(
		string(g.Name()),
		fmt.Sprintf("cooldown until %s", until.Format(time.RFC3339)),
		errors.ErrBackendOnCooldown,
	).WithRetryable(true).WithSeverity(errors.SeverityWarning)
	g.logger.Debug("call refused during cooldown", "until", until)
	return &Result{Backend: g.Name(), Error: err.Error()}, err
}

func (g *Guard) observe(err error) {
	if err == nil || !errors.IsRetryable(err) || errors.Is(err, errors.ErrBackendOnCooldown) {
		return
	}
	g.cooldowns.CoolDownFor(string(g.Name()), err.Error())
}
