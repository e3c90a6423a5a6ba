package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrz1836/tide/internal/domain"
	"github.com/mrz1836/tide/internal/tui"
)

// AddStatusCommand adds the status command to the root command.
func AddStatusCommand(parent *cobra.Command, c *commands) {
	var events int
	cmd := &cobra.Command{
		Use:   "status [spec]",
		Short: "Show a spec's phase, waves and tasks",
		Long: `Show the persisted state of a spec without changing it: the phase,
the current wave, every wave with its outcome and review, and every
task with its status and blocker.

Without a spec id, list every known spec.

The exit code reflects the phase: 0 completed, 1 failed, 2 anything
still in flight.

Examples:
  tide status
  tide status auth
  tide status auth --output json
  tide status auth --events 20`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return c.runList(cmd)
			}
			return c.runStatus(cmd, args[0], events)
		},
	}
	cmd.Flags().IntVar(&events, "events", 0, "also show the spec's last N event log entries")
	parent.AddCommand(cmd)
}

// statusView is the JSON status of a spec that asked for its events.
type statusView struct {
	*domain.SpecState

	Events []json.RawMessage `json:"events"`
}

func (c *commands) runStatus(cmd *cobra.Command, specID string, events int) error {
	return c.withApp(cmd.Context(), func(a *app) error {
		state, err := a.engine.Status(cmd.Context(), specID)
		if err != nil {
			return err
		}
		var recent []json.RawMessage
		if events > 0 {
			all, err := a.store.Events(cmd.Context(), specID)
			if err != nil {
				return err
			}
			recent = all[max(0, len(all)-events):]
		}

		out := c.output(cmd)
		switch {
		case c.flags.Output == OutputJSON && events > 0:
			if err := out.JSON(statusView{SpecState: state, Events: recent}); err != nil {
				return err
			}
		case c.flags.Output == OutputJSON:
			if err := out.JSON(state); err != nil {
				return err
			}
		default:
			renderState(out, state, time.Now())
			if events > 0 {
				renderEvents(out, recent)
			}
		}
		if code := PhaseExitCode(state.Execution.Phase); code != ExitSuccess {
			return &ExitCodeError{Code: code}
		}
		return nil
	})
}

// specSummary is one line of the spec list.
type specSummary struct {
	SpecID      string    `json:"spec_id"`
	Phase       string    `json:"phase"`
	CurrentWave int       `json:"current_wave"`
	TotalWaves  int       `json:"total_waves"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (c *commands) runList(cmd *cobra.Command) error {
	return c.withApp(cmd.Context(), func(a *app) error {
		summaries, err := listSpecs(cmd.Context(), a)
		if err != nil {
			return err
		}
		out := c.output(cmd)
		if c.flags.Output == OutputJSON {
			return out.JSON(summaries)
		}
		if len(summaries) == 0 {
			out.Info("No specs yet. Run 'tide init <spec> --tasks <file>' to create one.")
			return nil
		}
		now := time.Now()
		rows := make([][]string, 0, len(summaries))
		for _, s := range summaries {
			rows = append(rows, []string{
				s.SpecID,
				s.Phase,
				fmt.Sprintf("%d/%d", s.CurrentWave, s.TotalWaves),
				tui.Ago(s.UpdatedAt, now),
			})
		}
		out.Table([]string{"SPEC", "PHASE", "WAVE", "UPDATED"}, rows)
		return nil
	})
}

// listSpecs loads every spec. A spec that cannot be loaded is listed with
// its error in place of the phase.
func listSpecs(ctx context.Context, a *app) ([]specSummary, error) {
	ids, err := a.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]specSummary, 0, len(ids))
	for _, id := range ids {
		state, err := a.store.Load(ctx, id)
		if err != nil {
			a.logger.Warn().Err(err).Str("spec", id).Msg("failed to load spec")
			out = append(out, specSummary{SpecID: id, Phase: "unreadable: " + strconv.Quote(err.Error())})
			continue
		}
		out = append(out, specSummary{
			SpecID:      id,
			Phase:       string(state.Execution.Phase),
			CurrentWave: state.Execution.CurrentWave,
			TotalWaves:  state.Execution.TotalWaves,
			UpdatedAt:   state.UpdatedAt,
		})
	}
	return out, nil
}
