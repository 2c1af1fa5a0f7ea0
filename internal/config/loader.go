package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. ORCH_MAX_CONCURRENCY
// or ORCH_ENRICHMENT_URL.
const EnvPrefix = "ORCH"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): environment, project config,
// global config, defaults. Missing files are not errors; malformed JSON
// returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("json")

	if globalPath != "" {
		if err := mergeConfigFile(v, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(v, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.orchestrator/config.json
// Project: .orchestrator/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, ProjectPath("."))
}

// GlobalPath returns the per-user config file path.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".orchestrator", "config.json"), nil
}

// ProjectPath returns the config file path inside a repository.
func ProjectPath(repoRoot string) string {
	return filepath.Join(repoRoot, ".orchestrator", "config.json")
}

// Validate rejects values no component can work with. MaxConcurrency is
// not checked here.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("store_timeout must be positive, got %s", c.StoreTimeout))
	}
	if c.VCSTimeout <= 0 {
		errs = append(errs, fmt.Errorf("vcs_timeout must be positive, got %s", c.VCSTimeout))
	}
	if c.Enrichment.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("enrichment.timeout must be positive, got %s", c.Enrichment.Timeout))
	}
	if c.StateDir == "" || c.WorktreeDir == "" {
		errs = append(errs, errors.New("state_dir and worktree_dir are required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// mergeConfigFile merges a JSON config file into v.
// Missing files are silently skipped.
func mergeConfigFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_concurrency", "")
	v.SetDefault("database_path", filepath.Join(".orchestrator", "tasks.db"))
	v.SetDefault("state_dir", filepath.Join(".orchestrator", "parallel-state"))
	v.SetDefault("worktree_dir", ".worktrees")
	v.SetDefault("base_branch", "")
	v.SetDefault("branch_prefix", "task/")
	v.SetDefault("max_retries", 2)
	v.SetDefault("auto_continue", true)
	v.SetDefault("store_timeout", "5s")
	v.SetDefault("vcs_timeout", "30s")

	v.SetDefault("enrichment.url", "")
	v.SetDefault("enrichment.timeout", "10s")

	v.SetDefault("audit.nats_url", "")
	v.SetDefault("audit.nats_subject", "orchestrator.audit")

	v.SetDefault("metrics.textfile", "")
}

// Default returns the built-in configuration, ignoring files and the
// environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("decoding built-in config: %v", err))
	}
	return cfg
}
