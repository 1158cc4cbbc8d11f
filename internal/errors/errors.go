// Package errors provides the error taxonomy shared by the session pool and the
// assessment engine.
//
// # Error Types
//
// Domain errors describe where a failure happened:
//   - SessionError: registry and session lifecycle failures (task key, session id)
//   - BackendError: a backend call failed (backend name, retryable via failover)
//   - PoisonedSessionError: the remote session is permanently unusable
//
// Semantic errors describe what went wrong:
//   - TimeoutError: a backend call exceeded its deadline
//   - ValidationError: invalid input or an action outside the allowed set
//   - ParseError: a decision could not be extracted from backend output
//
// # Usage
//
//	err := errors.NewBackendError("codex", "launch failed", cause).WithRetryable(true)
//	if errors.IsRetryable(err) { ... rotate to the next backend ... }
//
//	var poisoned *errors.PoisonedSessionError
//	if errors.As(err, &poisoned) { ... launch fresh ... }
//
// The pool and the assessment engine never return these to their callers as
// Go errors for expected failure modes; they are carried inside result values
// so callers can still inspect them with Is/As.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/virtengine/openfleet-sub013/internal/util"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that no registry record exists for a task key.
	ErrSessionNotFound = New("session not found")
	// ErrPoisonedSession indicates that a remote session can never be resumed.
	ErrPoisonedSession = New("session is poisoned")
	// ErrRegistryCorrupted indicates that the registry file could not be decoded.
	ErrRegistryCorrupted = New("registry data corrupted")
)

// Backend-related sentinel errors
var (
	// ErrBackendUnavailable indicates that no backend in the failover chain can take the call.
	ErrBackendUnavailable = New("no backend available")
	// ErrBackendOnCooldown indicates that the backend is inside a cooldown window.
	ErrBackendOnCooldown = New("backend on cooldown")
	// ErrUnknownBackend indicates that a backend name is not registered.
	ErrUnknownBackend = New("unknown backend")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrParse indicates that structured output could not be extracted.
	ErrParse = New("could not parse output")
)

// -----------------------------------------------------------------------------
// Base Error
// -----------------------------------------------------------------------------

// FleetError is implemented by every error type in this package.
type FleetError interface {
	error
	Unwrap() error
	Is(target error) bool
	Severity() Severity
	// IsRetryable reports whether the failed call should be retried on the next
	// backend of the failover chain.
	IsRetryable() bool
}

type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error { return e.cause }

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity { return e.severity }

func (e *baseError) IsRetryable() bool { return e.retryable }

// formatWithContext renders "<kind> [k=v, ...]: message: cause".
func formatWithContext(kind string, parts []string, message string, cause error) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// SessionError represents failures in the session registry or pool.
//
// Example:
//
//	err := errors.NewSessionError("resume failed", cause).WithTaskKey("task-42")
//	fmt.Println(err) // "session error [task=task-42]: resume failed: ..."
type SessionError struct {
	baseError
	TaskKey   string
	SessionID string
	Backend   string
}

// NewSessionError creates a new SessionError.
func NewSessionError(message string, cause error) *SessionError {
	return &SessionError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithTaskKey adds the task key to the error context.
func (e *SessionError) WithTaskKey(key string) *SessionError {
	e.TaskKey = key
	return e
}

// WithSessionID adds the backend session id to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// WithBackend adds the backend name to the error context.
func (e *SessionError) WithBackend(backend string) *SessionError {
	e.Backend = backend
	return e
}

func (e *SessionError) Error() string {
	var parts []string
	if e.TaskKey != "" {
		parts = append(parts, "task="+e.TaskKey)
	}
	if e.SessionID != "" {
		parts = append(parts, "session="+e.SessionID)
	}
	if e.Backend != "" {
		parts = append(parts, "backend="+e.Backend)
	}
	return formatWithContext("session error", parts, e.message, e.cause)
}

func (e *SessionError) Is(target error) bool {
	if _, ok := target.(*SessionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// BackendError represents a failed launch or resume call on a backend.
//
// Retryable backend errors (rate limits, gateway timeouts, cooldowns) are
// eligible for exactly one failover to the next backend in the chain.
type BackendError struct {
	baseError
	Backend string
	Output  string // Captured stderr or error payload from the backend
}

// NewBackendError creates a new BackendError.
func NewBackendError(backend, message string, cause error) *BackendError {
	return &BackendError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
		Backend: backend,
	}
}

// WithRetryable sets whether the error is retryable via failover.
func (e *BackendError) WithRetryable(r bool) *BackendError {
	e.retryable = r
	return e
}

// WithOutput attaches captured backend output.
func (e *BackendError) WithOutput(output string) *BackendError {
	e.Output = output
	return e
}

// WithSeverity sets the error severity.
func (e *BackendError) WithSeverity(s Severity) *BackendError {
	e.severity = s
	return e
}

func (e *BackendError) Error() string {
	var parts []string
	if e.Backend != "" {
		parts = append(parts, "backend="+e.Backend)
	}
	msg := formatWithContext("backend error", parts, e.message, e.cause)
	if e.Output != "" {
		msg = fmt.Sprintf("%s\noutput: %s", msg, e.Output)
	}
	return msg
}

func (e *BackendError) Is(target error) bool {
	if _, ok := target.(*BackendError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// PoisonedSessionError reports that a backend rejected a session handle
// permanently. The pool reacts by launching a fresh session.
type PoisonedSessionError struct {
	baseError
	Backend   string
	SessionID string
}

// NewPoisonedSessionError creates a new PoisonedSessionError.
func NewPoisonedSessionError(backend, sessionID string, cause error) *PoisonedSessionError {
	return &PoisonedSessionError{
		baseError: baseError{
			message:  "session can no longer be resumed",
			cause:    cause,
			severity: SeverityWarning,
		},
		Backend:   backend,
		SessionID: sessionID,
	}
}

func (e *PoisonedSessionError) Error() string {
	parts := []string{"backend=" + e.Backend}
	if e.SessionID != "" {
		parts = append(parts, "session="+e.SessionID)
	}
	return formatWithContext("poisoned session", parts, e.message, e.cause)
}

func (e *PoisonedSessionError) Is(target error) bool {
	if _, ok := target.(*PoisonedSessionError); ok {
		return true
	}
	if target == ErrPoisonedSession {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// TimeoutError represents a backend call that exceeded its deadline.
//
// Example:
//
//	err := errors.NewTimeoutError("codex launch", 90*time.Minute)
//	fmt.Println(err) // "timeout error: codex launch (timeout: 1h30m0s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError. Timeouts are not retried via
// failover; the caller decides what to do next.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:  operation,
			severity: SeverityWarning,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("unknown action").WithField("action").WithValue("ship_it")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			severity: SeverityWarning,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatWithContext("validation error", parts, e.message, e.cause)
}

func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// ParseError reports that no decision object could be extracted from text.
type ParseError struct {
	baseError
	Input string // Truncated raw input, for logs
}

// NewParseError creates a new ParseError.
func NewParseError(message string, input string) *ParseError {
	const maxInput = 200
	input = util.TruncateString(input, maxInput+len(util.Ellipsis))
	return &ParseError{
		baseError: baseError{
			message:  message,
			severity: SeverityWarning,
		},
		Input: input,
	}
}

func (e *ParseError) Error() string {
	return formatWithContext("parse error", nil, e.message, e.cause)
}

func (e *ParseError) Is(target error) bool {
	if _, ok := target.(*ParseError); ok {
		return true
	}
	if target == ErrParse {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error should trigger a failover retry.
// A timed out call is a normal failure and is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fleetErr FleetError
	if As(err, &fleetErr) {
		return fleetErr.IsRetryable()
	}
	return Is(err, ErrBackendUnavailable) || Is(err, ErrBackendOnCooldown)
}

// IsPoisoned returns true if the error reports a permanently dead session.
func IsPoisoned(err error) bool {
	if err == nil {
		return false
	}
	var poisoned *PoisonedSessionError
	return As(err, &poisoned) || Is(err, ErrPoisonedSession)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement FleetError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var fleetErr FleetError
	if As(err, &fleetErr) {
		return fleetErr.Severity()
	}
	return SeverityError
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
