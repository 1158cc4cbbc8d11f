// Package event provides a pub-sub event bus for decoupled inter-component
// communication in openfleet.
//
// The session pool, the cooldown coordinator, the assessment engine and the
// orchestrator publish events; the metrics recorder subscribes to all of them.
// No publisher knows who is listening.
//
// # Main Types
//
//   - [Event]: Interface that all events must implement, providing EventType() and Timestamp()
//   - [Bus]: Synchronous pub-sub event dispatcher with thread-safe operations
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Event Categories
//
// Session Lifecycle:
//   - [SessionLaunchedEvent], [SessionResumedEvent]
//   - [SessionPoisonedEvent]: the backend rejected a session handle permanently
//   - [SessionFailedEvent]: launch-or-resume returned a failure
//
// Backend Availability:
//   - [BackendCooldownEvent]: a backend entered a cooldown window
//
// Assessment:
//   - [AssessmentCompletedEvent]: a decision was produced
//   - [DecisionExecutedEvent]: the orchestrator acted on a decision
//
// # Thread Safety
//
// The [Bus] type is safe for concurrent use. Handlers are called synchronously
// on the publishing goroutine and protected against panics.
//
// # Basic Usage
//
//	bus := event.NewBus()
//
//	event.On(bus, event.TypeAssessmentCompleted, func(done event.AssessmentCompletedEvent) {
//	    log.Printf("task %s -> %s", done.TaskID, done.Action)
//	})
//
//	bus.Publish(event.NewSessionLaunchedEvent("task-1", "sess-1", "codex", false))
package event
