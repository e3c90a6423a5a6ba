// Package constants provides centralized constant values used throughout tide.
// This package is the single source of truth for all shared constants and MUST NOT
// import any other internal packages.
package constants

import "time"

// File names used by tide for state persistence.
const (
	// StateFileName is the name of the checksummed JSON envelope holding a spec's state.
	StateFileName = "state.json"

	// LockFileName is the name of the lock file guarding a spec's state.
	// It is separate from the state file so that atomic renames never
	// invalidate a held lock.
	LockFileName = "state.json.lock"

	// ManifestFileName is the name of the YAML task manifest stored alongside
	// a spec's state. Recover re-initializes a spec from this file.
	ManifestFileName = "manifest.yaml"

	// EventsFileName is the JSON-lines event log for a spec.
	EventsFileName = "events.log"

	// SnapshotPrefix prefixes every retained state snapshot file.
	SnapshotPrefix = "state-"
)

// Directory names and paths used by tide for organizing data.
const (
	// TideHome is the hidden directory name where tide stores all its data.
	// This directory is created in the user's home directory.
	TideHome = ".tide"

	// SpecsDir is the directory name where per-spec state is stored.
	SpecsDir = "specs"

	// SnapshotsDir is the directory inside a spec holding prior state revisions.
	SnapshotsDir = "snapshots"

	// LogsDir is the directory name where log files are stored.
	LogsDir = "logs"

	// WorktreesDir is the directory name under the data home where wave
	// branches are checked out.
	WorktreesDir = "worktrees"
)

// Timing defaults.
const (
	// DefaultLockTimeout bounds how long a store operation waits for the spec lock.
	DefaultLockTimeout = 5 * time.Second

	// LockRetryInterval is the pause between lock acquisition attempts.
	LockRetryInterval = 50 * time.Millisecond

	// DefaultReviewPollInterval is the fixed interval between review decision polls.
	DefaultReviewPollInterval = 2 * time.Minute

	// DefaultReviewMaxDuration bounds a single polling window.
	DefaultReviewMaxDuration = 30 * time.Minute

	// DefaultCommandTimeout bounds a single worker shell command.
	DefaultCommandTimeout = 10 * time.Minute

	// DefaultSessionTTL is how long a session record stays valid between invocations.
	DefaultSessionTTL = 4 * time.Hour

	// DefaultVerifyCacheTTL is how long a parsed export table stays cached.
	DefaultVerifyCacheTTL = 10 * time.Minute
)

// Sizing defaults.
const (
	// DefaultMaxConcurrentWorkers caps concurrent workers inside one wave.
	DefaultMaxConcurrentWorkers = 4

	// DefaultMaxAttempts bounds GREEN attempts per subtask.
	DefaultMaxAttempts = 3

	// DefaultSnapshotRetention is how many prior state revisions are kept on disk.
	DefaultSnapshotRetention = 5

	// DefaultVerifyCacheSize is the number of parsed source files kept in memory.
	DefaultVerifyCacheSize = 256
)

// Schema version constants for data migration support.
const (
	// StateSchemaVersion is the current version of the spec state JSON schema.
	StateSchemaVersion = "1.0"
)

// Environment variables exported to worker subprocesses.
const (
	EnvTDDPhase  = "TIDE_TDD_PHASE"
	EnvTaskID    = "TIDE_TASK_ID"
	EnvSubtaskID = "TIDE_SUBTASK_ID"
	EnvFeedback  = "TIDE_FEEDBACK"
	EnvWorkspace = "TIDE_WORKSPACE"
)
