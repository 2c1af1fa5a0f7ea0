package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Save persists the configuration to a JSON file.
// Creates parent directories if they don't exist.
func Save(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.Set("max_concurrency", cfg.MaxConcurrency)
	v.Set("database_path", cfg.DatabasePath)
	v.Set("state_dir", cfg.StateDir)
	v.Set("worktree_dir", cfg.WorktreeDir)
	v.Set("base_branch", cfg.BaseBranch)
	v.Set("branch_prefix", cfg.BranchPrefix)
	v.Set("max_retries", cfg.MaxRetries)
	v.Set("auto_continue", cfg.AutoContinue)
	v.Set("store_timeout", cfg.StoreTimeout.String())
	v.Set("vcs_timeout", cfg.VCSTimeout.String())
	v.Set("enrichment.url", cfg.Enrichment.URL)
	v.Set("enrichment.timeout", cfg.Enrichment.Timeout.String())
	v.Set("audit.nats_url", cfg.Audit.NATSURL)
	v.Set("audit.nats_subject", cfg.Audit.NATSSubject)
	v.Set("metrics.textfile", cfg.Metrics.Textfile)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}
