package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config represents the complete openfleet configuration
type Config struct {
	Backends     BackendsConfig     `mapstructure:"backends"`
	Pool         PoolConfig         `mapstructure:"pool"`
	Assessment   AssessmentConfig   `mapstructure:"assessment"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Server       ServerConfig       `mapstructure:"server"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Paths        PathsConfig        `mapstructure:"paths"`
}

// BackendsConfig holds per-backend command settings
type BackendsConfig struct {
	Claude ClaudeBackendConfig `mapstructure:"claude"`
	Codex  CodexBackendConfig  `mapstructure:"codex"`
}

// ClaudeBackendConfig configures the Claude Code CLI backend
type ClaudeBackendConfig struct {
	// Command is the executable to run (default: "claude")
	Command string `mapstructure:"command"`
	// SkipPermissions passes --dangerously-skip-permissions (default: true)
	SkipPermissions bool `mapstructure:"skip_permissions"`
	// ExtraArgs are appended to every invocation
	ExtraArgs []string `mapstructure:"extra_args"`
	// PoisonPatterns are additional case-insensitive substrings that mark a
	// resumed session as permanently unusable
	PoisonPatterns []string `mapstructure:"poison_patterns"`
}

// CodexBackendConfig configures the Codex CLI backend
type CodexBackendConfig struct {
	// Command is the executable to run (default: "codex")
	Command string `mapstructure:"command"`
	// ApprovalMode controls --full-auto / --dangerously-bypass-approvals-and-sandbox
	// Options: "default", "full-auto", "bypass" (default: "full-auto")
	ApprovalMode string `mapstructure:"approval_mode"`
	// ExtraArgs are appended to every invocation
	ExtraArgs []string `mapstructure:"extra_args"`
	// PoisonPatterns are additional case-insensitive substrings that mark a
	// resumed thread as permanently unusable
	PoisonPatterns []string `mapstructure:"poison_patterns"`
}

// PoolConfig controls the session pool
type PoolConfig struct {
	// MaxTurns is the number of turns after which a session is no longer resumed (default: 30)
	MaxTurns int `mapstructure:"max_turns"`
	// MaxAgeHours is the absolute session age after which a fresh session is launched (default: 8)
	MaxAgeHours int `mapstructure:"max_age_hours"`
	// DefaultTimeoutMinutes bounds every backend call made by the pool (default: 90)
	DefaultTimeoutMinutes int `mapstructure:"default_timeout_minutes"`
	// FailoverChain is the backend preference order; the first entry is the default backend
	FailoverChain []string `mapstructure:"failover_chain"`
	// PrivilegedTaskKey is the self-monitoring task that ignores cooldowns by default
	PrivilegedTaskKey string `mapstructure:"privileged_task_key"`
	// DefaultCooldownSeconds is used when a retryable failure carries no retry hint (default: 60)
	DefaultCooldownSeconds int `mapstructure:"default_cooldown_seconds"`
}

// AssessmentConfig controls the quick and deep assessors
type AssessmentConfig struct {
	// Backend runs deep assessment calls; empty means the head of the failover chain
	Backend string `mapstructure:"backend"`
	// DedupWindowSeconds suppresses repeated deep assessments of the same task (default: 300)
	DedupWindowSeconds int `mapstructure:"dedup_window_seconds"`
	// MaxDescriptionChars truncates task descriptions in the prompt (default: 3000)
	MaxDescriptionChars int `mapstructure:"max_description_chars"`
	// TimeoutMinutes bounds a deep assessment call (default: 5)
	TimeoutMinutes int `mapstructure:"timeout_minutes"`
	// LockFiles are base-name glob patterns of auto-resolvable conflict files
	LockFiles []string `mapstructure:"lock_files"`
	// MaxAttempts escalates to manual review at this attempt count (default: 4)
	MaxAttempts int `mapstructure:"max_attempts"`
	// MaxSessionRetries switches backend at this per-session retry count (default: 3)
	MaxSessionRetries int `mapstructure:"max_session_retries"`
}

// OrchestratorConfig controls how decisions are acted on
type OrchestratorConfig struct {
	// AutoExecute runs session-bearing decisions through the pool (default: true)
	AutoExecute bool `mapstructure:"auto_execute"`
}

// ServerConfig controls `openfleet serve`
type ServerConfig struct {
	// Listen is the HTTP listen address (default: "127.0.0.1:7420")
	Listen string `mapstructure:"listen"`
	// ShutdownTimeoutSeconds bounds graceful shutdown (default: 10)
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// MetricsConfig controls metrics export
type MetricsConfig struct {
	// Enabled exposes /metrics on the server (default: true)
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether logging is active (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level sets the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum size of a log file before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated log files (default: false)
	Compress bool `mapstructure:"compress"`
}

// PathsConfig controls file system paths used by openfleet
type PathsConfig struct {
	// DataDir holds registry.json and logs.
	// Supports absolute paths and ~ expansion. Empty means ConfigDir().
	DataDir string `mapstructure:"data_dir"`
}

// DefaultLockFiles are conflict files an agent can always regenerate.
func DefaultLockFiles() []string {
	return []string{
		"pnpm-lock.yaml",
		"package-lock.json",
		"yarn.lock",
		"go.sum",
		"bun.lockb",
		"Cargo.lock",
		"poetry.lock",
	}
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Backends: BackendsConfig{
			Claude: ClaudeBackendConfig{
				Command:         "claude",
				SkipPermissions: true,
				ExtraArgs:       []string{},
				PoisonPatterns:  []string{},
			},
			Codex: CodexBackendConfig{
				Command:        "codex",
				ApprovalMode:   "full-auto",
				ExtraArgs:      []string{},
				PoisonPatterns: []string{},
			},
		},
		Pool: PoolConfig{
			MaxTurns:               30,
			MaxAgeHours:            8,
			DefaultTimeoutMinutes:  90,
			FailoverChain:          []string{"codex", "claude"},
			PrivilegedTaskKey:      "monitor-monitor",
			DefaultCooldownSeconds: 60,
		},
		Assessment: AssessmentConfig{
			Backend:             "", // Head of the failover chain
			DedupWindowSeconds:  300,
			MaxDescriptionChars: 3000,
			TimeoutMinutes:      5,
			LockFiles:           DefaultLockFiles(),
			MaxAttempts:         4,
			MaxSessionRetries:   3,
		},
		Orchestrator: OrchestratorConfig{
			AutoExecute: true,
		},
		Server: ServerConfig{
			Listen:                 "127.0.0.1:7420",
			ShutdownTimeoutSeconds: 10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Paths: PathsConfig{
			DataDir: "", // Empty means ConfigDir()
		},
	}
}

// MaxAge returns the absolute session age limit as a time.Duration
func (c *PoolConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeHours) * time.Hour
}

// DefaultTimeout returns the pool call timeout as a time.Duration
func (c *PoolConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMinutes) * time.Minute
}

// DefaultCooldown returns the fallback cooldown window as a time.Duration
func (c *PoolConfig) DefaultCooldown() time.Duration {
	return time.Duration(c.DefaultCooldownSeconds) * time.Second
}

// DedupWindow returns the dedup window as a time.Duration
func (c *AssessmentConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}

// Timeout returns the deep assessment timeout as a time.Duration
func (c *AssessmentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// ShutdownTimeout returns the graceful shutdown bound as a time.Duration
func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// ResolveDataDir returns the resolved data directory.
// If DataDir is empty, it returns ConfigDir().
// If DataDir starts with ~, it expands to the user's home directory.
func (p *PathsConfig) ResolveDataDir() string {
	if p.DataDir == "" {
		return ConfigDir()
	}

	path := p.DataDir
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}
	return path
}

// RegistryFile returns the path of the session registry document
func (p *PathsConfig) RegistryFile() string {
	return filepath.Join(p.ResolveDataDir(), "registry.json")
}

// LogDir returns the directory openfleet.log is written to
func (p *PathsConfig) LogDir() string {
	return filepath.Join(p.ResolveDataDir(), "logs")
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Backend defaults
	viper.SetDefault("backends.claude.command", defaults.Backends.Claude.Command)
	viper.SetDefault("backends.claude.skip_permissions", defaults.Backends.Claude.SkipPermissions)
	viper.SetDefault("backends.claude.extra_args", defaults.Backends.Claude.ExtraArgs)
	viper.SetDefault("backends.claude.poison_patterns", defaults.Backends.Claude.PoisonPatterns)
	viper.SetDefault("backends.codex.command", defaults.Backends.Codex.Command)
	viper.SetDefault("backends.codex.approval_mode", defaults.Backends.Codex.ApprovalMode)
	viper.SetDefault("backends.codex.extra_args", defaults.Backends.Codex.ExtraArgs)
	viper.SetDefault("backends.codex.poison_patterns", defaults.Backends.Codex.PoisonPatterns)

	// Pool defaults
	viper.SetDefault("pool.max_turns", defaults.Pool.MaxTurns)
	viper.SetDefault("pool.max_age_hours", defaults.Pool.MaxAgeHours)
	viper.SetDefault("pool.default_timeout_minutes", defaults.Pool.DefaultTimeoutMinutes)
	viper.SetDefault("pool.failover_chain", defaults.Pool.FailoverChain)
	viper.SetDefault("pool.privileged_task_key", defaults.Pool.PrivilegedTaskKey)
	viper.SetDefault("pool.default_cooldown_seconds", defaults.Pool.DefaultCooldownSeconds)

	// Assessment defaults
	viper.SetDefault("assessment.backend", defaults.Assessment.Backend)
	viper.SetDefault("assessment.dedup_window_seconds", defaults.Assessment.DedupWindowSeconds)
	viper.SetDefault("assessment.max_description_chars", defaults.Assessment.MaxDescriptionChars)
	viper.SetDefault("assessment.timeout_minutes", defaults.Assessment.TimeoutMinutes)
	viper.SetDefault("assessment.lock_files", defaults.Assessment.LockFiles)
	viper.SetDefault("assessment.max_attempts", defaults.Assessment.MaxAttempts)
	viper.SetDefault("assessment.max_session_retries", defaults.Assessment.MaxSessionRetries)

	// Orchestrator defaults
	viper.SetDefault("orchestrator.auto_execute", defaults.Orchestrator.AutoExecute)

	// Server defaults
	viper.SetDefault("server.listen", defaults.Server.Listen)
	viper.SetDefault("server.shutdown_timeout_seconds", defaults.Server.ShutdownTimeoutSeconds)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Paths defaults
	viper.SetDefault("paths.data_dir", defaults.Paths.DataDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// Watch re-reads the config file whenever it changes on disk and hands every
// valid result to onChange. Invalid edits are reported through onError and the
// previous configuration stays in effect.
func Watch(onChange func(*Config), onError func(error)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := Load()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	viper.WatchConfig()
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "openfleet")
	}
	// Fall back to ~/.config/openfleet
	home, err := os.UserHomeDir()
	if err != nil {
		return ".openfleet"
	}
	return filepath.Join(home, ".config", "openfleet")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidBackends returns the backend names openfleet can drive
func ValidBackends() []string {
	return []string{"claude", "codex"}
}

// ValidApprovalModes returns the list of valid codex approval modes
func ValidApprovalModes() []string {
	return []string{"default", "full-auto", "bypass"}
}
