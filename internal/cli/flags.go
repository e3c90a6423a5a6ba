package cli

import (
	stderrors "errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mrz1836/tide/internal/constants"
)

// Exit codes for the CLI. Invalid input exits with ExitFailed so that
// ExitWaiting always means a spec is waiting on something outside tide.
const (
	// ExitSuccess indicates the spec completed or the command succeeded.
	ExitSuccess = 0
	// ExitFailed indicates a failed spec or any error.
	ExitFailed = 1
	// ExitWaiting indicates a spec waiting on a review, a timeout or a paused wave.
	ExitWaiting = 2
)

// Output format constants.
const (
	// OutputText is the default human-readable output format.
	OutputText = "text"
	// OutputJSON is the machine-readable JSON output format.
	OutputJSON = "json"
)

// GlobalFlags holds flags available to all commands.
type GlobalFlags struct {
	// Output specifies the output format (text or json).
	Output string
	// Verbose enables debug-level logging.
	Verbose bool
	// Quiet suppresses non-essential output (warn level only).
	Quiet bool
	// Home overrides the data directory.
	Home string
	// Repo overrides the repository tide works in.
	Repo string
}

// AddGlobalFlags adds global flags to a command.
// These flags are available to all subcommands via PersistentFlags.
func AddGlobalFlags(cmd *cobra.Command, flags *GlobalFlags) {
	cmd.PersistentFlags().StringVarP(&flags.Output, "output", "o", OutputText, "output format (text|json)")
	cmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable verbose output")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress non-essential output")
	cmd.PersistentFlags().StringVar(&flags.Home, "home", "", "data directory (default ~/.tide)")
	cmd.PersistentFlags().StringVar(&flags.Repo, "repo", "", "repository to work in (default current directory)")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}

// BindGlobalFlags binds global flags to Viper for environment variable
// support. The TIDE_ prefix is used (e.g., TIDE_OUTPUT, TIDE_VERBOSE).
func BindGlobalFlags(v *viper.Viper, cmd *cobra.Command) error {
	rootFlags := cmd.Root().PersistentFlags()
	for _, name := range []string{"output", "verbose", "quiet"} {
		if err := v.BindPFlag(name, rootFlags.Lookup(name)); err != nil {
			return err
		}
	}
	v.SetEnvPrefix("TIDE")
	v.AutomaticEnv()
	return nil
}

// ValidOutputFormats returns the list of valid output format values.
func ValidOutputFormats() []string {
	return []string{OutputText, OutputJSON}
}

// IsValidOutputFormat checks if the given format is a valid output format.
func IsValidOutputFormat(format string) bool {
	return slices.Contains(ValidOutputFormats(), format)
}

// ExitCodeError carries a specific exit code out of a command. A nil Err
// means the command already reported everything it had to say.
type ExitCodeError struct {
	Code int
	Err  error
}

// Error implements error.
func (e *ExitCodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *ExitCodeError) Unwrap() error {
	return e.Err
}

// ExitCodeForError returns the process exit code for the error a command returned.
func ExitCodeForError(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitCodeError
	if stderrors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailed
}

// PhaseExitCode maps a spec phase onto an exit code: completed specs exit 0,
// failed specs 1, and anything still in flight 2.
func PhaseExitCode(phase constants.Phase) int {
	switch phase {
	case constants.PhaseCompleted:
		return ExitSuccess
	case constants.PhaseFailed:
		return ExitFailed
	default:
		return ExitWaiting
	}
}
