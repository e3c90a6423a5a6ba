package errors

import "errors"

// ErrorInfo holds user-facing message and suggested action for an error.
type ErrorInfo struct {
	// Message is the user-friendly error description.
	Message string
	// Action is a suggested action to resolve the issue (empty if none).
	Action string
}

// errorEntry pairs a sentinel error with its user-facing info.
type errorEntry struct {
	err  error
	info ErrorInfo
}

// errorInfoEntries maps sentinel errors to their user-facing messages.
// Using a slice (not a map) because errors.Is() requires proper error chain traversal.
//
//nolint:gochecknoglobals // Pre-built mapping for efficiency
var errorInfoEntries = []errorEntry{
	{
		err: ErrCyclicDependency,
		info: ErrorInfo{
			Message: "The task graph contains a dependency cycle.",
			Action:  "Break the cycle listed above in the task manifest and run 'tide recover'.",
		},
	},
	{
		err: ErrBlockedDependency,
		info: ErrorInfo{
			Message: "A task is blocked on a missing predecessor artifact.",
			Action:  "Fix the producing task, then run 'tide reset' and 'tide advance'.",
		},
	},
	{
		err: ErrUnverifiedArtifact,
		info: ErrorInfo{
			Message: "A claimed artifact was not found in the output tree.",
			Action:  "Check the task's produces list against what it actually writes.",
		},
	},
	{
		err: ErrWorkerFailure,
		info: ErrorInfo{
			Message: "A task could not reach a passing state.",
			Action:  "Inspect the failing subtask output, then run 'tide reset' to retry the wave.",
		},
	},
	{
		err: ErrReviewTimeout,
		info: ErrorInfo{
			Message: "No review decision arrived within the polling window.",
			Action:  "Run 'tide advance' again to keep polling.",
		},
	},
	{
		err: ErrStateCorruption,
		info: ErrorInfo{
			Message: "Spec state is corrupted and no valid snapshot exists.",
			Action:  "Run 'tide recover' to re-initialize from the stored manifest.",
		},
	},
	{
		err: ErrConcurrentWriteConflict,
		info: ErrorInfo{
			Message: "Another process changed the spec state concurrently.",
			Action:  "Retry the command; only one tide process should drive a spec.",
		},
	},
	{
		err: ErrSpecNotFound,
		info: ErrorInfo{
			Message: "No state exists for this spec.",
			Action:  "Run 'tide init <spec> --tasks <file>' first.",
		},
	},
	{
		err: ErrSpecExists,
		info: ErrorInfo{
			Message: "This spec is already initialized.",
			Action:  "Use 'tide advance' to continue it or 'tide recover' to start over.",
		},
	},
	{
		err: ErrLockTimeout,
		info: ErrorInfo{
			Message: "Timed out waiting for the spec lock.",
			Action:  "Check for another running tide process on this spec.",
		},
	},
	{
		err: ErrInvalidTransition,
		info: ErrorInfo{
			Message: "The requested phase change is not allowed.",
			Action:  "Run 'tide status' to see the current phase.",
		},
	},
	{
		err: ErrWaveInterrupted,
		info: ErrorInfo{
			Message: "The current wave was interrupted with tasks still in progress.",
			Action:  "Run 'tide reset' to retry the interrupted wave.",
		},
	},
	{
		err: ErrWavePartial,
		info: ErrorInfo{
			Message: "Some tasks in the wave did not complete.",
			Action:  "Run 'tide reset' to retry them, or 'tide advance --allow-partial' to continue.",
		},
	},
	{
		err: ErrWaveBlocked,
		info: ErrorInfo{
			Message: "Every task in the wave was blocked.",
			Action:  "Resolve the blockers listed above, then run 'tide reset'.",
		},
	},
	{
		err: ErrWaveOrder,
		info: ErrorInfo{
			Message: "An earlier wave still has tasks in progress.",
			Action:  "Run 'tide reset' to clear the interrupted wave.",
		},
	},
	{
		err: ErrSpecTerminal,
		info: ErrorInfo{
			Message: "The spec has already finished.",
			Action:  "Run 'tide reset' on a failed spec or 'tide recover' to start over.",
		},
	},
	{
		err: ErrProtectedBranch,
		info: ErrorInfo{
			Message: "Refusing to work directly on a protected branch.",
			Action:  "Check vcs.protected_branches and the wave branch configuration.",
		},
	},
	{
		err: ErrMergeConflict,
		info: ErrorInfo{
			Message: "The review could not be merged cleanly.",
			Action:  "Resolve the conflict on the review branch, then run 'tide advance'.",
		},
	},
	{
		err: ErrGitOperation,
		info: ErrorInfo{
			Message: "A git command failed.",
			Action:  "Check the repository state and the git output in the log.",
		},
	},
	{
		err: ErrGitHubOperation,
		info: ErrorInfo{
			Message: "A GitHub operation failed.",
			Action:  "Check 'gh auth status' and your network connection.",
		},
	},
	{
		err: ErrManifestInvalid,
		info: ErrorInfo{
			Message: "The task manifest is invalid.",
			Action:  "Fix the manifest errors listed above and run 'tide plan' to check it.",
		},
	},
	{
		err: ErrConfigNotFound,
		info: ErrorInfo{
			Message: "Configuration file not found.",
		},
	},
	{
		err: ErrValueOutOfRange,
		info: ErrorInfo{
			Message: "A configuration value is out of range.",
			Action:  "Check the configuration value named above.",
		},
	},
}

// errorInfoMap provides O(1) lookup for direct sentinel error matches.
//
//nolint:gochecknoglobals // Pre-built mapping for O(1) lookup performance
var errorInfoMap = buildErrorInfoMap()

func buildErrorInfoMap() map[error]ErrorInfo {
	m := make(map[error]ErrorInfo, len(errorInfoEntries))
	for _, entry := range errorInfoEntries {
		m[entry.err] = entry.info
	}
	return m
}

// getErrorInfo looks up the ErrorInfo for a given error.
// It first tries a direct map lookup for unwrapped sentinel errors,
// then falls back to errors.Is() traversal for wrapped errors.
// Returns an ErrorInfo with the original error message if not found.
func getErrorInfo(err error) ErrorInfo {
	if info, ok := errorInfoMap[err]; ok {
		return info
	}
	for _, entry := range errorInfoEntries {
		if errors.Is(err, entry.err) {
			return entry.info
		}
	}
	return ErrorInfo{Message: err.Error()}
}

// UserMessage returns a user-friendly message for common errors.
// For unrecognized errors, it returns the error's original message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	return getErrorInfo(err).Message
}

// Actionable returns a user-friendly error message along with a suggested
// action. A remediation attached through OrchestrationError takes precedence
// over the generic action of the sentinel, since it names the exact wave or task.
func Actionable(err error) (message, action string) {
	if err == nil {
		return "", ""
	}
	info := getErrorInfo(err)
	if r := Remediation(err); r != "" {
		return info.Message, r
	}
	return info.Message, info.Action
}
