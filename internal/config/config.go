// Package config provides configuration management for tide.
//
// Configuration is layered: built-in defaults, the global config
// (~/.tide/config.yaml), the project config (.tide/config.yaml),
// TIDE_* environment variables, and finally CLI flag overrides.
package config

import (
	"slices"
	"time"

	"github.com/mrz1836/tide/internal/constants"
)

// Config is the root configuration structure.
type Config struct {
	// Orchestrator controls wave scheduling.
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`

	// Worker controls the scripted worker.
	Worker WorkerConfig `yaml:"worker" mapstructure:"worker"`

	// Review controls the review gate and its polling.
	Review ReviewConfig `yaml:"review" mapstructure:"review"`

	// VCS configures the git/GitHub workspace collaborator.
	VCS VCSConfig `yaml:"vcs" mapstructure:"vcs"`

	// Store configures the persistent task store.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Verify configures artifact verification.
	Verify VerifyConfig `yaml:"verify" mapstructure:"verify"`

	// Session configures the per-spec session record.
	Session SessionConfig `yaml:"session" mapstructure:"session"`
}

// OrchestratorConfig controls wave scheduling.
type OrchestratorConfig struct {
	// MaxConcurrentWorkers caps concurrent workers inside one parallel wave.
	MaxConcurrentWorkers int `yaml:"max_concurrent_workers" mapstructure:"max_concurrent_workers"`

	// PartialPolicy is one of pause, halt, proceed.
	PartialPolicy constants.PartialPolicy `yaml:"partial_policy" mapstructure:"partial_policy"`
}

// WorkerConfig controls the scripted worker.
type WorkerConfig struct {
	// MaxAttempts bounds GREEN attempts per subtask.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`

	// TestCommand is the regression suite run after every GREEN and REFACTOR.
	// Empty skips the regression check.
	TestCommand string `yaml:"test_command" mapstructure:"test_command"`

	// FeedbackCommand addresses a review comment. It runs once per feedback
	// task with TIDE_FEEDBACK set to the comment text.
	FeedbackCommand string `yaml:"feedback_command" mapstructure:"feedback_command"`

	// CommandTimeout bounds a single shell command.
	CommandTimeout time.Duration `yaml:"command_timeout" mapstructure:"command_timeout"`
}

// ReviewConfig controls the review gate.
type ReviewConfig struct {
	// Granularity is "wave" (review after each wave) or "spec" (one review at the end).
	Granularity constants.ReviewGranularity `yaml:"granularity" mapstructure:"granularity"`

	// PollInterval is the fixed pause between decision polls.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`

	// MaxDuration bounds one polling window.
	MaxDuration time.Duration `yaml:"max_duration" mapstructure:"max_duration"`
}

// VCSConfig configures the git/GitHub collaborator.
type VCSConfig struct {
	// RepoPath is the repository tide works in. Empty means the current directory.
	RepoPath string `yaml:"repo_path" mapstructure:"repo_path"`

	// BaseBranch is the trunk wave branches start from and reviews target.
	BaseBranch string `yaml:"base_branch" mapstructure:"base_branch"`

	// Remote is the remote branches are pushed to.
	Remote string `yaml:"remote" mapstructure:"remote"`

	// ProtectedBranches are never handed to a worker.
	ProtectedBranches []string `yaml:"protected_branches" mapstructure:"protected_branches"`

	// MergeMethod is passed to gh pr merge: merge, squash or rebase.
	MergeMethod string `yaml:"merge_method" mapstructure:"merge_method"`

	// WorktreeDir is where wave worktrees are created. Empty means <home>/worktrees.
	WorktreeDir string `yaml:"worktree_dir" mapstructure:"worktree_dir"`
}

// IsProtected reports whether branch must never be written by a worker.
func (c VCSConfig) IsProtected(branch string) bool {
	return branch == c.BaseBranch || slices.Contains(c.ProtectedBranches, branch)
}

// StoreConfig configures the persistent task store.
type StoreConfig struct {
	// Home is the data directory. Empty means ~/.tide.
	Home string `yaml:"home" mapstructure:"home"`

	// SnapshotRetention is how many prior revisions are kept for recovery.
	SnapshotRetention int `yaml:"snapshot_retention" mapstructure:"snapshot_retention"`

	// LockTimeout bounds lock acquisition.
	LockTimeout time.Duration `yaml:"lock_timeout" mapstructure:"lock_timeout"`
}

// VerifyConfig configures artifact verification.
type VerifyConfig struct {
	// CacheSize is the number of parsed source files kept in memory.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size"`

	// CacheTTL expires cached parses.
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// SessionConfig configures the per-spec session record.
type SessionConfig struct {
	// TTL is how long a session stays valid without an invocation.
	TTL time.Duration `yaml:"ttl" mapstructure:"ttl"`
}
