package event

import "time"

// Event is the interface that all events must implement.
// It provides a common way to identify and timestamp events.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "session.launched", "assessment.completed")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypeSessionLaunched     = "session.launched"
	TypeSessionResumed      = "session.resumed"
	TypeSessionPoisoned     = "session.poisoned"
	TypeSessionFailed       = "session.failed"
	TypeBackendCooldown     = "backend.cooldown"
	TypeAssessmentCompleted = "assessment.completed"
	TypeDecisionExecuted    = "decision.executed"
)

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Session Events
// -----------------------------------------------------------------------------

// SessionLaunchedEvent is emitted when a fresh session completes a turn.
type SessionLaunchedEvent struct {
	baseEvent
	TaskKey    string
	SessionID  string
	Backend    string
	FailedOver bool // The launch ran on the next backend after a retryable failure
	Duration   time.Duration
}

// NewSessionLaunchedEvent creates a SessionLaunchedEvent.
func NewSessionLaunchedEvent(taskKey, sessionID, backend string, failedOver bool) SessionLaunchedEvent {
	return SessionLaunchedEvent{
		baseEvent:  newBaseEvent(TypeSessionLaunched),
		TaskKey:    taskKey,
		SessionID:  sessionID,
		Backend:    backend,
		FailedOver: failedOver,
	}
}

// SessionResumedEvent is emitted when an existing session completes a turn.
type SessionResumedEvent struct {
	baseEvent
	TaskKey   string
	SessionID string
	Backend   string
	TurnCount int
	Duration  time.Duration
}

// NewSessionResumedEvent creates a SessionResumedEvent.
func NewSessionResumedEvent(taskKey, sessionID, backend string, turnCount int) SessionResumedEvent {
	return SessionResumedEvent{
		baseEvent: newBaseEvent(TypeSessionResumed),
		TaskKey:   taskKey,
		SessionID: sessionID,
		Backend:   backend,
		TurnCount: turnCount,
	}
}

// SessionPoisonedEvent is emitted when a backend rejects a session handle for good.
type SessionPoisonedEvent struct {
	baseEvent
	TaskKey   string
	SessionID string
	Backend   string
	Reason    string
}

// NewSessionPoisonedEvent creates a SessionPoisonedEvent.
func NewSessionPoisonedEvent(taskKey, sessionID, backend, reason string) SessionPoisonedEvent {
	return SessionPoisonedEvent{
		baseEvent: newBaseEvent(TypeSessionPoisoned),
		TaskKey:   taskKey,
		SessionID: sessionID,
		Backend:   backend,
		Reason:    reason,
	}
}

// SessionFailedEvent is emitted when launch-or-resume gives up.
type SessionFailedEvent struct {
	baseEvent
	TaskKey  string
	Backend  string
	Error    string
	Duration time.Duration
}

// NewSessionFailedEvent creates a SessionFailedEvent.
func NewSessionFailedEvent(taskKey, backend, errMsg string) SessionFailedEvent {
	return SessionFailedEvent{
		baseEvent: newBaseEvent(TypeSessionFailed),
		TaskKey:   taskKey,
		Backend:   backend,
		Error:     errMsg,
	}
}

// BackendCooldownEvent is emitted when a backend enters a cooldown window.
type BackendCooldownEvent struct {
	baseEvent
	Backend string
	Until   time.Time
	Reason  string // Classifier kind, e.g. "rate_limit"
}

// NewBackendCooldownEvent creates a BackendCooldownEvent.
func NewBackendCooldownEvent(backend string, until time.Time, reason string) BackendCooldownEvent {
	return BackendCooldownEvent{
		baseEvent: newBaseEvent(TypeBackendCooldown),
		Backend:   backend,
		Until:     until,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Assessment Events
// -----------------------------------------------------------------------------

// AssessmentCompletedEvent is emitted for every decision the assessor returns.
type AssessmentCompletedEvent struct {
	baseEvent
	TaskID   string
	Trigger  string
	Action   string
	Reason   string
	Source   string // "quick", "deep" or "dedup"
	Success  bool
	Duration time.Duration
}

// NewAssessmentCompletedEvent creates an AssessmentCompletedEvent.
func NewAssessmentCompletedEvent(taskID, trigger, action, reason, source string, success bool) AssessmentCompletedEvent {
	return AssessmentCompletedEvent{
		baseEvent: newBaseEvent(TypeAssessmentCompleted),
		TaskID:    taskID,
		Trigger:   trigger,
		Action:    action,
		Reason:    reason,
		Source:    source,
		Success:   success,
	}
}

// DecisionExecutedEvent is emitted after the orchestrator acts on a decision.
type DecisionExecutedEvent struct {
	baseEvent
	TaskID  string
	Action  string
	Success bool
	Error   string
}

// NewDecisionExecutedEvent creates a DecisionExecutedEvent.
func NewDecisionExecutedEvent(taskID, action string, success bool, errMsg string) DecisionExecutedEvent {
	return DecisionExecutedEvent{
		baseEvent: newBaseEvent(TypeDecisionExecuted),
		TaskID:    taskID,
		Action:    action,
		Success:   success,
		Error:     errMsg,
	}
}
