package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "pool.max_turns")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateBackends()...)
	errors = append(errors, c.validatePool()...)
	errors = append(errors, c.validateAssessment()...)
	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validatePaths()...)

	return errors
}

// validateBackends validates the BackendsConfig
func (c *Config) validateBackends() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Backends.Claude.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "backends.claude.command",
			Value:   c.Backends.Claude.Command,
			Message: "must not be empty",
		})
	}
	if strings.TrimSpace(c.Backends.Codex.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "backends.codex.command",
			Value:   c.Backends.Codex.Command,
			Message: "must not be empty",
		})
	}
	if c.Backends.Codex.ApprovalMode != "" && !slices.Contains(ValidApprovalModes(), c.Backends.Codex.ApprovalMode) {
		errors = append(errors, ValidationError{
			Field:   "backends.codex.approval_mode",
			Value:   c.Backends.Codex.ApprovalMode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidApprovalModes(), ", ")),
		})
	}

	return errors
}

// validatePool validates the PoolConfig
func (c *Config) validatePool() []ValidationError {
	var errors []ValidationError

	if c.Pool.MaxTurns <= 0 {
		errors = append(errors, ValidationError{
			Field:   "pool.max_turns",
			Value:   c.Pool.MaxTurns,
			Message: "must be positive",
		})
	}
	if c.Pool.MaxAgeHours <= 0 {
		errors = append(errors, ValidationError{
			Field:   "pool.max_age_hours",
			Value:   c.Pool.MaxAgeHours,
			Message: "must be positive",
		})
	}
	if c.Pool.DefaultTimeoutMinutes <= 0 {
		errors = append(errors, ValidationError{
			Field:   "pool.default_timeout_minutes",
			Value:   c.Pool.DefaultTimeoutMinutes,
			Message: "must be positive",
		})
	}
	if c.Pool.DefaultCooldownSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "pool.default_cooldown_seconds",
			Value:   c.Pool.DefaultCooldownSeconds,
			Message: "must be non-negative",
		})
	}

	if len(c.Pool.FailoverChain) == 0 {
		errors = append(errors, ValidationError{
			Field:   "pool.failover_chain",
			Value:   c.Pool.FailoverChain,
			Message: "must name at least one backend",
		})
	}
	seen := make(map[string]bool, len(c.Pool.FailoverChain))
	for i, name := range c.Pool.FailoverChain {
		field := fmt.Sprintf("pool.failover_chain[%d]", i)
		if !slices.Contains(ValidBackends(), name) {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   name,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidBackends(), ", ")),
			})
			continue
		}
		if seen[name] {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   name,
				Message: "duplicate backend in failover chain",
			})
		}
		seen[name] = true
	}

	return errors
}

// validateAssessment validates the AssessmentConfig
func (c *Config) validateAssessment() []ValidationError {
	var errors []ValidationError

	if c.Assessment.Backend != "" && !slices.Contains(ValidBackends(), c.Assessment.Backend) {
		errors = append(errors, ValidationError{
			Field:   "assessment.backend",
			Value:   c.Assessment.Backend,
			Message: fmt.Sprintf("must be empty or one of: %s", strings.Join(ValidBackends(), ", ")),
		})
	}
	if c.Assessment.DedupWindowSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "assessment.dedup_window_seconds",
			Value:   c.Assessment.DedupWindowSeconds,
			Message: "must be non-negative",
		})
	}
	if c.Assessment.MaxDescriptionChars <= 0 {
		errors = append(errors, ValidationError{
			Field:   "assessment.max_description_chars",
			Value:   c.Assessment.MaxDescriptionChars,
			Message: "must be positive",
		})
	}
	if c.Assessment.TimeoutMinutes <= 0 {
		errors = append(errors, ValidationError{
			Field:   "assessment.timeout_minutes",
			Value:   c.Assessment.TimeoutMinutes,
			Message: "must be positive",
		})
	}
	if c.Assessment.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "assessment.max_attempts",
			Value:   c.Assessment.MaxAttempts,
			Message: "must be at least 1",
		})
	}
	if c.Assessment.MaxSessionRetries < 1 {
		errors = append(errors, ValidationError{
			Field:   "assessment.max_session_retries",
			Value:   c.Assessment.MaxSessionRetries,
			Message: "must be at least 1",
		})
	}

	// Lock file patterns must compile; a bad pattern would silently never match
	for i, pattern := range c.Assessment.LockFiles {
		if _, err := glob.Compile(pattern); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("assessment.lock_files[%d]", i),
				Value:   pattern,
				Message: fmt.Sprintf("invalid glob pattern: %v", err),
			})
		}
	}

	return errors
}

// validateServer validates the ServerConfig
func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if c.Server.Listen != "" && !strings.Contains(c.Server.Listen, ":") {
		errors = append(errors, ValidationError{
			Field:   "server.listen",
			Value:   c.Server.Listen,
			Message: "must be host:port or :port",
		})
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "server.shutdown_timeout_seconds",
			Value:   c.Server.ShutdownTimeoutSeconds,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	// Max backups must be non-negative
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validatePaths validates the PathsConfig
func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	if c.Paths.DataDir != "" {
		path := c.Paths.DataDir

		// Check for null bytes which are invalid in paths
		if strings.ContainsRune(path, '\x00') {
			errors = append(errors, ValidationError{
				Field:   "paths.data_dir",
				Value:   path,
				Message: "path contains invalid null character",
			})
		}

		// Reasonable path length limit (most filesystems have limits around 4096)
		const maxPathLength = 4096
		if len(path) > maxPathLength {
			errors = append(errors, ValidationError{
				Field:   "paths.data_dir",
				Value:   path,
				Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
			})
		}
	}

	return errors
}
