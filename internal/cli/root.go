// Package cli provides the command-line interface for tide.
package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mrz1836/tide/internal/errors"
	"github.com/mrz1836/tide/internal/tui"
)

// BuildInfo contains version information set at build time via ldflags.
type BuildInfo struct {
	// Version is the semantic version (e.g., "1.0.0").
	Version string
	// Commit is the git commit hash.
	Commit string
	// Date is the build date.
	Date string
}

// newRootCmd creates the root command wired to the production stack.
func newRootCmd(flags *GlobalFlags, info BuildInfo) *cobra.Command {
	return newRootCmdWith(flags, info, buildApp)
}

// newRootCmdWith creates the root command with the given app builder.
// This function-based approach avoids package-level globals, so tests can
// build the command tree over fakes.
func newRootCmdWith(flags *GlobalFlags, info BuildInfo, build appBuilder) *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "tide",
		Short: "tide - wave-based task orchestration",
		Long: `tide executes a spec's task graph in dependency-ordered waves.

Each wave runs its tasks through a test-first worker, verifies what the
tasks claim to have produced, and waits for review before merging.
Progress is persisted after every step, so an interrupted run resumes
where it stopped.

Exit codes:
  0  the spec completed (or the command succeeded)
  1  the spec failed, or the command failed
  2  the spec is waiting on a review, timed out polling, or paused`,
		Version: formatVersion(info),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := BindGlobalFlags(v, cmd); err != nil {
				return fmt.Errorf("failed to bind flags: %w", err)
			}
			if !IsValidOutputFormat(flags.Output) {
				return fmt.Errorf("%w: %q must be one of %v", errors.ErrInvalidOutputFormat, flags.Output, ValidOutputFormats())
			}
			tui.CheckNoColor()
			return nil
		},
		// Errors are reported by Execute, in the selected output format.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	AddGlobalFlags(cmd, flags)

	cmds := &commands{flags: flags, build: build}
	AddInitCommand(cmd, cmds)
	AddStatusCommand(cmd, cmds)
	AddAdvanceCommand(cmd, cmds)
	AddResetCommand(cmd, cmds)
	AddRecoverCommand(cmd, cmds)
	AddPlanCommand(cmd, cmds)

	return cmd
}

// commands carries what every subcommand shares.
type commands struct {
	flags *GlobalFlags
	build appBuilder
}

// withApp builds an app, runs fn and releases the app.
func (c *commands) withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := c.build(ctx, c.flags)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(a)
}

// output returns the writer for the selected output format.
func (c *commands) output(cmd *cobra.Command) tui.Output {
	return tui.NewOutput(cmd.OutOrStdout(), c.flags.Output)
}

// formatVersion creates the version string from build info.
func formatVersion(info BuildInfo) string {
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.Commit == "" {
		info.Commit = "none"
	}
	if info.Date == "" {
		info.Date = "unknown"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.Date)
}

// Execute runs the root command with the provided context and build info.
// Errors are printed to stderr; the returned error still carries the exit
// code for ExitCodeForError.
func Execute(ctx context.Context, info BuildInfo) error {
	flags := &GlobalFlags{}
	//nolint:contextcheck // Cobra command pattern uses cmd.Context() internally
	cmd := newRootCmd(flags, info)
	return run(ctx, cmd, flags)
}

func run(ctx context.Context, cmd *cobra.Command, flags *GlobalFlags) error {
	err := cmd.ExecuteContext(ctx)
	reportError(cmd.ErrOrStderr(), flags.Output, err)
	return err
}

// reportError prints err unless the command already reported it.
func reportError(w io.Writer, format string, err error) {
	if err == nil {
		return
	}
	var exitErr *ExitCodeError
	if stderrors.As(err, &exitErr) && exitErr.Err == nil {
		return
	}
	if !IsValidOutputFormat(format) {
		format = OutputText
	}
	tui.NewOutput(w, format).Error(err)
}
