// Package registry is the durable map from task key to agent session.
//
// The registry is a single JSON document, read fully when a Store is opened
// and rewritten atomically after every mutation. At most one record exists per
// task key; a record is replaced, never duplicated, when a fresh session is
// launched for the same task.
package registry

import (
	"time"

	"github.com/virtengine/openfleet-sub013/internal/ai"
)

// Default resume limits.
const (
	DefaultMaxTurns = 30
	DefaultMaxAge   = 8 * time.Hour
)

// Record is the session metadata kept for one task key.
type Record struct {
	TaskKey    string         `json:"taskKey"`
	SessionID  string         `json:"sessionId"`
	Backend    ai.BackendName `json:"backend"`
	Alive      bool           `json:"alive"`
	TurnCount  int            `json:"turnCount"`
	CreatedAt  time.Time      `json:"createdAt"`
	LastUsedAt time.Time      `json:"lastUsedAt"`
	LastError  string         `json:"lastError,omitempty"`
	WorkDir    string         `json:"workingDirectory,omitempty"`
}

// Limits decide when a session is too old or too long to resume.
type Limits struct {
	MaxTurns int
	MaxAge   time.Duration
}

// DefaultLimits returns the default resume limits.
func DefaultLimits() Limits {
	return Limits{MaxTurns: DefaultMaxTurns, MaxAge: DefaultMaxAge}
}

// Eligible reports whether rec may be resumed at now.
func (l Limits) Eligible(rec Record, now time.Time) bool {
	if !rec.Alive || rec.SessionID == "" {
		return false
	}
	if l.MaxTurns > 0 && rec.TurnCount >= l.MaxTurns {
		return false
	}
	if l.MaxAge > 0 && now.Sub(rec.CreatedAt) >= l.MaxAge {
		return false
	}
	return true
}

// Age returns how long ago the session was created.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// LastActivity returns the later of LastUsedAt and CreatedAt.
func (r Record) LastActivity() time.Time {
	if r.LastUsedAt.After(r.CreatedAt) {
		return r.LastUsedAt
	}
	return r.CreatedAt
}
