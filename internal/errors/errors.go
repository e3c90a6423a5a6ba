// Package errors provides centralized error handling for tide.
//
// This package defines sentinel errors used for programmatic error categorization
// throughout the application. All error types can be checked using errors.Is().
//
// IMPORTANT: This package MUST NOT import any other internal packages.
// Only standard library imports are allowed.
package errors

import "errors"

// Orchestration taxonomy. Each maps to one failure class of the engine.
var (
	// ErrCyclicDependency indicates the task graph contains a cycle.
	// It is fatal to planning for the whole spec.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrBlockedDependency indicates a task could not start because a
	// predecessor artifact it requires is missing.
	ErrBlockedDependency = errors.New("blocked dependency")

	// ErrUnverifiedArtifact indicates a claimed artifact does not exist in the
	// output tree. It demotes the claim and never fails a wave by itself.
	ErrUnverifiedArtifact = errors.New("unverified artifact")

	// ErrWorkerFailure indicates a task's subtask cycle could not reach GREEN.
	ErrWorkerFailure = errors.New("worker failure")

	// ErrReviewTimeout indicates review polling exceeded its window.
	// The spec stays in AWAITING_REVIEW and can be resumed.
	ErrReviewTimeout = errors.New("review polling timeout")

	// ErrStateCorruption indicates the state file and every snapshot are unreadable.
	ErrStateCorruption = errors.New("state corrupted")

	// ErrConcurrentWriteConflict indicates a transaction was built against a
	// stale revision and must be retried against fresh state.
	ErrConcurrentWriteConflict = errors.New("concurrent write conflict")
)

// Store and lifecycle errors.
var (
	// ErrSpecNotFound indicates no state exists for the spec id.
	ErrSpecNotFound = errors.New("spec not found")

	// ErrSpecExists indicates an attempt to initialize a spec that already has state.
	ErrSpecExists = errors.New("spec already exists")

	// ErrLockTimeout indicates a file lock could not be acquired within the timeout period.
	ErrLockTimeout = errors.New("lock acquisition timeout")

	// ErrInvalidTransition indicates an attempt to make an invalid state transition.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidMutation indicates a transaction mutation referenced unknown
	// records or would break a state invariant.
	ErrInvalidMutation = errors.New("invalid mutation")

	// ErrWaveInterrupted indicates tasks were left in progress by a crashed run.
	ErrWaveInterrupted = errors.New("wave interrupted")

	// ErrWavePartial indicates some tasks in the wave did not complete.
	ErrWavePartial = errors.New("wave partially completed")

	// ErrWaveBlocked indicates every task in the wave was blocked.
	ErrWaveBlocked = errors.New("wave blocked")

	// ErrWaveOrder indicates an attempt to run a wave while an earlier wave
	// still has tasks in progress.
	ErrWaveOrder = errors.New("earlier wave still in progress")

	// ErrSpecTerminal indicates advance was called on a completed or failed spec.
	ErrSpecTerminal = errors.New("spec is in a terminal phase")
)

// Workspace and review collaborator errors.
var (
	// ErrProtectedBranch indicates a worker was handed the protected trunk.
	ErrProtectedBranch = errors.New("workspace is a protected branch")

	// ErrMergeConflict indicates a review could not be merged cleanly.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrGitOperation indicates that a git command failed.
	ErrGitOperation = errors.New("git operation failed")

	// ErrGitHubOperation indicates that a gh CLI operation failed.
	ErrGitHubOperation = errors.New("github operation failed")

	// ErrCommandFailed indicates that a command execution failed.
	ErrCommandFailed = errors.New("command failed")

	// ErrCommandTimeout indicates that a command exceeded its time limit.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrWorkDirMissing indicates a command's working directory does not exist.
	ErrWorkDirMissing = errors.New("work directory missing")

	// ErrWorktreeExists indicates the worktree path already exists.
	ErrWorktreeExists = errors.New("worktree already exists")
)

// Input and configuration errors.
var (
	// ErrEmptyValue indicates that a required value was empty.
	ErrEmptyValue = errors.New("value cannot be empty")

	// ErrManifestInvalid indicates the task manifest failed validation.
	ErrManifestInvalid = errors.New("invalid task manifest")

	// ErrUnknownTask indicates a reference to a task id that does not exist.
	ErrUnknownTask = errors.New("unknown task")

	// ErrPathTraversal indicates a path escaping its root directory.
	ErrPathTraversal = errors.New("path traversal detected")

	// ErrConfigNil indicates that a nil config was passed to validation.
	ErrConfigNil = errors.New("config is nil")

	// ErrConfigNotFound indicates that the configuration file was not found.
	ErrConfigNotFound = errors.New("config file not found")

	// ErrValueOutOfRange indicates that a value is outside the allowed range.
	ErrValueOutOfRange = errors.New("value out of range")

	// ErrInvalidOutputFormat indicates an invalid output format was specified.
	ErrInvalidOutputFormat = errors.New("invalid output format")

	// ErrJSONErrorOutput indicates that an error has already been output as JSON.
	// Used to signal that the error was handled but the command should exit non-zero.
	ErrJSONErrorOutput = errors.New("error output as JSON")
)
