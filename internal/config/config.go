// Package config resolves the core's launch configuration from CLI flags
// and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the resolved launch configuration.
type Config struct {
	// Port is the requested listen port. 0 lets the server pick.
	Port int

	// LogLevel is the textual log level (debug|info|warn|error).
	LogLevel string

	// StateDir holds state.json, the managed worktrees, the port file
	// and the logs directory.
	StateDir string
}

// Load builds the configuration. Flag values (already parsed by cobra)
// take precedence over environment variables, which take precedence over
// defaults. The state directory is TIDYFLOW_STATE_DIR or ~/.tidyflow.
func Load(port int, logLevel string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TIDYFLOW")
	v.AutomaticEnv()

	v.SetDefault("state_dir", "")
	v.SetDefault("log_level", "info")

	stateDir := v.GetString("state_dir")
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate home directory: %w", err)
		}
		stateDir = filepath.Join(home, ".tidyflow")
	}
	absStateDir, err := filepath.Abs(stateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state directory: %w", err)
	}

	if logLevel == "" {
		logLevel = v.GetString("log_level")
	}

	return &Config{
		Port:     port,
		LogLevel: logLevel,
		StateDir: absStateDir,
	}, nil
}

// WorktreesDir returns the managed worktree area root.
func (c *Config) WorktreesDir() string {
	return filepath.Join(c.StateDir, "worktrees")
}

// LogsDir returns the directory holding core.log.
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// PortFile returns the path of the bound-port file.
func (c *Config) PortFile() string {
	return filepath.Join(c.StateDir, "port")
}

// StateFile returns the path of the state document.
func (c *Config) StateFile() string {
	return filepath.Join(c.StateDir, "state.json")
}
