package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mrz1836/tide/internal/domain"
	"github.com/mrz1836/tide/internal/tui"
)

// AddResetCommand adds the reset command to the root command.
func AddResetCommand(parent *cobra.Command, c *commands) {
	cmd := &cobra.Command{
		Use:   "reset <spec>",
		Short: "Retry the failed, blocked or interrupted tasks of a spec",
		Long: `Return failed, blocked and interrupted tasks of the current and later
waves to pending and clear the last error. A failed spec goes back to
the phase it failed from. Completed work and verified artifacts are kept.

Examples:
  tide reset auth && tide advance auth`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				state, err := a.engine.Reset(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return c.reportRestored(cmd, "Reset", state)
			})
		},
	}
	parent.AddCommand(cmd)
}

// AddRecoverCommand adds the recover command to the root command.
func AddRecoverCommand(parent *cobra.Command, c *commands) {
	cmd := &cobra.Command{
		Use:   "recover <spec>",
		Short: "Rebuild a spec from its stored manifest",
		Long: `Discard the spec's state and snapshots, then re-plan it from the task
manifest stored by 'tide init'. Use it when the state is corrupted
beyond the snapshots, or to start a completed spec over.
The event log is kept.

Examples:
  tide recover auth`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				state, err := a.engine.Recover(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return c.reportRestored(cmd, "Recovered", state)
			})
		},
	}
	parent.AddCommand(cmd)
}

func (c *commands) reportRestored(cmd *cobra.Command, verb string, state *domain.SpecState) error {
	out := c.output(cmd)
	if c.flags.Output == OutputJSON {
		return out.JSON(state)
	}
	exec := state.Execution
	out.Success(fmt.Sprintf("%s %s: phase %s, wave %d of %d",
		verb, state.SpecID, tui.Title(string(exec.Phase)), exec.CurrentWave, exec.TotalWaves))
	out.Info("Run 'tide advance " + state.SpecID + "' to continue.")
	return nil
}
