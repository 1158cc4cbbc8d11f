package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}

	// Verify default backend config
	if cfg.Backends.Claude.Command != "claude" {
		t.Errorf("Backends.Claude.Command = %q, want %q", cfg.Backends.Claude.Command, "claude")
	}
	if cfg.Backends.Codex.Command != "codex" {
		t.Errorf("Backends.Codex.Command = %q, want %q", cfg.Backends.Codex.Command, "codex")
	}

	// Verify default pool config
	if cfg.Pool.MaxTurns != 30 {
		t.Errorf("Pool.MaxTurns = %d, want 30", cfg.Pool.MaxTurns)
	}
	if cfg.Pool.PrivilegedTaskKey != "monitor-monitor" {
		t.Errorf("Pool.PrivilegedTaskKey = %q, want %q", cfg.Pool.PrivilegedTaskKey, "monitor-monitor")
	}
	if !slices.Equal(cfg.Pool.FailoverChain, []string{"codex", "claude"}) {
		t.Errorf("Pool.FailoverChain = %v, want [codex claude]", cfg.Pool.FailoverChain)
	}

	// Verify default assessment config
	if cfg.Assessment.MaxDescriptionChars != 3000 {
		t.Errorf("Assessment.MaxDescriptionChars = %d, want 3000", cfg.Assessment.MaxDescriptionChars)
	}
	if cfg.Assessment.MaxAttempts != 4 {
		t.Errorf("Assessment.MaxAttempts = %d, want 4", cfg.Assessment.MaxAttempts)
	}
	if cfg.Assessment.MaxSessionRetries != 3 {
		t.Errorf("Assessment.MaxSessionRetries = %d, want 3", cfg.Assessment.MaxSessionRetries)
	}
	for _, want := range []string{"pnpm-lock.yaml", "package-lock.json", "go.sum"} {
		if !slices.Contains(cfg.Assessment.LockFiles, want) {
			t.Errorf("Assessment.LockFiles missing %q", want)
		}
	}

	if !cfg.Orchestrator.AutoExecute {
		t.Error("Orchestrator.AutoExecute should be true by default")
	}
}

func TestDurations(t *testing.T) {
	cfg := Default()

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"pool max age", cfg.Pool.MaxAge(), 8 * time.Hour},
		{"pool timeout", cfg.Pool.DefaultTimeout(), 90 * time.Minute},
		{"pool cooldown", cfg.Pool.DefaultCooldown(), time.Minute},
		{"dedup window", cfg.Assessment.DedupWindow(), 5 * time.Minute},
		{"assessment timeout", cfg.Assessment.Timeout(), 5 * time.Minute},
		{"shutdown timeout", cfg.Server.ShutdownTimeout(), 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
		if got, want := ConfigDir(), filepath.Join("/tmp/xdg", "openfleet"); got != want {
			t.Errorf("ConfigDir() = %q, want %q", got, want)
		}
	})

	t.Run("home fallback", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		home, err := os.UserHomeDir()
		if err != nil {
			t.Skip("no home directory")
		}
		if got, want := ConfigDir(), filepath.Join(home, ".config", "openfleet"); got != want {
			t.Errorf("ConfigDir() = %q, want %q", got, want)
		}
	})
}

func TestPathsConfig_ResolveDataDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	home, _ := os.UserHomeDir()

	tests := []struct {
		name    string
		dataDir string
		want    string
	}{
		{"empty uses config dir", "", "/tmp/xdg/openfleet"},
		{"absolute", "/var/lib/openfleet", "/var/lib/openfleet"},
		{"tilde", "~/fleet", filepath.Join(home, "fleet")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := PathsConfig{DataDir: tt.dataDir}
			if got := p.ResolveDataDir(); got != tt.want {
				t.Errorf("ResolveDataDir() = %q, want %q", got, tt.want)
			}
		})
	}

	p := PathsConfig{DataDir: "/data"}
	if got := p.RegistryFile(); got != "/data/registry.json" {
		t.Errorf("RegistryFile() = %q", got)
	}
	if got := p.LogDir(); got != "/data/logs" {
		t.Errorf("LogDir() = %q", got)
	}
}

func TestLoad_FromFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `pool:
  max_turns: 12
  failover_chain: [claude, codex]
assessment:
  lock_files: ["*.lock", "go.sum"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	SetDefaults()
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig() error = %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pool.MaxTurns != 12 {
		t.Errorf("Pool.MaxTurns = %d, want 12", cfg.Pool.MaxTurns)
	}
	if !slices.Equal(cfg.Pool.FailoverChain, []string{"claude", "codex"}) {
		t.Errorf("Pool.FailoverChain = %v", cfg.Pool.FailoverChain)
	}
	if !slices.Equal(cfg.Assessment.LockFiles, []string{"*.lock", "go.sum"}) {
		t.Errorf("Assessment.LockFiles = %v", cfg.Assessment.LockFiles)
	}
	// Untouched sections keep their defaults
	if cfg.Assessment.TimeoutMinutes != 5 {
		t.Errorf("Assessment.TimeoutMinutes = %d, want 5", cfg.Assessment.TimeoutMinutes)
	}
}

func TestLoad_Invalid(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	SetDefaults()
	viper.Set("pool.max_turns", 0)

	_, err := Load()
	if err == nil {
		t.Fatal("Load() should reject max_turns = 0")
	}
	var verrs ValidationErrors
	if !asValidationErrors(err, &verrs) || verrs[0].Field != "pool.max_turns" {
		t.Errorf("Load() error = %v, want pool.max_turns validation error", err)
	}

	// Get falls back to defaults
	if got := Get(); got.Pool.MaxTurns != 30 {
		t.Errorf("Get().Pool.MaxTurns = %d, want 30", got.Pool.MaxTurns)
	}
}

func asValidationErrors(err error, target *ValidationErrors) bool {
	v, ok := err.(ValidationErrors)
	if ok {
		*target = v
	}
	return ok
}
