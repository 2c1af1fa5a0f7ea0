package config

import "time"

// Config is the planner configuration. Durations are written as Go duration
// strings ("5s", "1m30s").
type Config struct {
	// MaxConcurrency is kept raw; the planner validates it and warns once
	// per instance when it is not a positive integer.
	MaxConcurrency string `mapstructure:"max_concurrency" json:"max_concurrency"`
	DatabasePath   string `mapstructure:"database_path" json:"database_path"`
	StateDir       string `mapstructure:"state_dir" json:"state_dir"`
	WorktreeDir    string `mapstructure:"worktree_dir" json:"worktree_dir"`
	BaseBranch     string `mapstructure:"base_branch" json:"base_branch"`
	BranchPrefix   string `mapstructure:"branch_prefix" json:"branch_prefix"`
	MaxRetries     int    `mapstructure:"max_retries" json:"max_retries"`
	AutoContinue   bool   `mapstructure:"auto_continue" json:"auto_continue"`

	StoreTimeout time.Duration `mapstructure:"store_timeout" json:"store_timeout"`
	VCSTimeout   time.Duration `mapstructure:"vcs_timeout" json:"vcs_timeout"`

	Enrichment EnrichmentConfig `mapstructure:"enrichment" json:"enrichment"`
	Audit      AuditConfig      `mapstructure:"audit" json:"audit"`
	Metrics    MetricsConfig    `mapstructure:"metrics" json:"metrics"`
}

// EnrichmentConfig points at the knowledge service. An empty URL disables
// enrichment.
type EnrichmentConfig struct {
	URL     string        `mapstructure:"url" json:"url"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// AuditConfig controls remote audit fan-out. Events always go to the task
// store; NATS is used only when NATSURL is set.
type AuditConfig struct {
	NATSURL     string `mapstructure:"nats_url" json:"nats_url"`
	NATSSubject string `mapstructure:"nats_subject" json:"nats_subject"`
}

// MetricsConfig controls metrics export.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" json:"textfile"` // Prometheus textfile-collector output
}
