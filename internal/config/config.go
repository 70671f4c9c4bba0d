// Package config loads host configuration from the config file, environment
// variables (VESSEL_ prefix), and command-line flags, in ascending
// precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// StateDir holds saved session states.
	StateDir string
	// AuditDB is the SQLite file behind the capability call log. Empty
	// disables auditing.
	AuditDB string
	// WorkspaceDir roots the built-in workspace capability.
	WorkspaceDir string
	// Embedded runs the execution environment in-process instead of as a
	// subprocess. No isolation; meant for tests and constrained hosts.
	Embedded bool
	// ApprovalTimeout bounds call-by-call permission decisions.
	ApprovalTimeout time.Duration
	// MaxExecutionSteps caps the computation of a single snippet. Zero
	// means unlimited.
	MaxExecutionSteps uint64
	Debug             bool
}

// SetDefaults registers the default values on the global viper instance.
// Called once from command initialization, before flags are bound.
func SetDefaults() {
	viper.SetDefault("state_dir", defaultDataPath("states"))
	viper.SetDefault("audit_db", defaultDataPath("audit.db"))
	viper.SetDefault("workspace_dir", defaultDataPath("workspace"))
	viper.SetDefault("embedded", false)
	viper.SetDefault("approval_timeout", "120s")
	viper.SetDefault("max_execution_steps", 0)
	viper.SetDefault("debug", false)
}

// Load materializes the configuration from viper's merged sources.
func Load() (*Config, error) {
	timeout := viper.GetDuration("approval_timeout")
	if timeout <= 0 {
		return nil, fmt.Errorf("approval_timeout must be positive, got %q", viper.GetString("approval_timeout"))
	}
	cfg := &Config{
		StateDir:          viper.GetString("state_dir"),
		AuditDB:           viper.GetString("audit_db"),
		WorkspaceDir:      viper.GetString("workspace_dir"),
		Embedded:          viper.GetBool("embedded"),
		ApprovalTimeout:   timeout,
		MaxExecutionSteps: viper.GetUint64("max_execution_steps"),
		Debug:             viper.GetBool("debug"),
	}
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("state_dir must not be empty")
	}
	return cfg, nil
}

func defaultDataPath(name string) string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return name
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "vessel", name)
}
