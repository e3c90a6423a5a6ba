package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mrz1836/tide/internal/manifest"
)

// AddInitCommand adds the init command to the root command.
func AddInitCommand(parent *cobra.Command, c *commands) {
	var tasksFile string

	cmd := &cobra.Command{
		Use:   "init <spec> --tasks <file>",
		Short: "Plan a spec's tasks into waves and persist it",
		Long: `Read a task manifest, plan its tasks into dependency-ordered waves
and persist the spec at phase INIT. The manifest is stored with the
spec so 'tide recover' can rebuild it later.

Examples:
  tide init auth --tasks tasks.yaml
  tide init auth --tasks tasks.json --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runInit(cmd, args[0], tasksFile)
		},
	}
	cmd.Flags().StringVarP(&tasksFile, "tasks", "t", "", "task manifest file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("tasks")

	parent.AddCommand(cmd)
}

func (c *commands) runInit(cmd *cobra.Command, specID, tasksFile string) error {
	m, raw, err := manifest.Load(tasksFile)
	if err != nil {
		return err
	}

	return c.withApp(cmd.Context(), func(a *app) error {
		out := c.output(cmd)
		if m.Spec != specID {
			a.logger.Warn().
				Str("spec_id", specID).
				Str("manifest_spec", m.Spec).
				Msg("manifest names another spec; using the command line id")
		}

		state, err := a.engine.Init(cmd.Context(), specID, m.BuildTasks(), raw)
		if err != nil {
			return err
		}
		if c.flags.Output == OutputJSON {
			return out.JSON(state)
		}
		out.Success(fmt.Sprintf("Initialized %s: %d tasks in %d waves", specID, len(state.TopLevel()), len(state.Waves)))
		renderWaves(out, state)
		out.Info("Run 'tide advance " + specID + "' to start.")
		return nil
	})
}
