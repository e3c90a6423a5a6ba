package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mrz1836/tide/internal/lifecycle"
	"github.com/mrz1836/tide/internal/signal"
	"github.com/mrz1836/tide/internal/tui"
)

// AddAdvanceCommand adds the advance command to the root command.
func AddAdvanceCommand(parent *cobra.Command, c *commands) {
	var allowPartial bool

	cmd := &cobra.Command{
		Use:   "advance <spec>",
		Short: "Drive a spec forward from its persisted phase",
		Long: `Run waves, open reviews, poll for decisions and merge until the spec
completes, fails, times out waiting for a review, or pauses on a
partially completed wave. Every step is persisted before the next one
starts, so running advance again resumes where the last run stopped.

Ctrl+C stops review polling at once; running workers finish their task
first. Press Ctrl+C again to exit immediately.

Exit codes: 0 completed, 1 failed, 2 waiting (review timeout or pause).

Examples:
  tide advance auth
  tide advance auth --allow-partial`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runAdvance(cmd, args[0], lifecycle.AdvanceOptions{AllowPartial: allowPartial})
		},
	}
	cmd.Flags().BoolVar(&allowPartial, "allow-partial", false, "continue past a paused, partially completed wave")

	parent.AddCommand(cmd)
}

func (c *commands) runAdvance(cmd *cobra.Command, specID string, opts lifecycle.AdvanceOptions) error {
	h := signal.NewHandler(cmd.Context())
	defer h.Stop()
	ctx := h.Context()

	return c.withApp(ctx, func(a *app) error {
		go func() {
			select {
			case <-h.Interrupted():
				a.logger.Warn().Str("spec_id", specID).
					Msg("interrupted; finishing running tasks, press Ctrl+C again to exit now")
			case <-ctx.Done():
			}
		}()

		outcome, err := a.engine.Advance(ctx, specID, opts)
		if err != nil {
			if errors.Is(err, context.Canceled) && h.Received() > 0 {
				return fmt.Errorf("advance of %s interrupted; progress is saved, run 'tide advance %s' to resume: %w", specID, specID, err)
			}
			return err
		}
		return reportOutcome(c.output(cmd), c.flags.Output, outcome)
	})
}

// outcomeView is the JSON form of an advance outcome.
type outcomeView struct {
	SpecID   string `json:"spec_id"`
	Signal   string `json:"signal"`
	Phase    string `json:"phase"`
	Wave     int    `json:"wave"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
	Reports  any    `json:"reports,omitempty"`
}

// reportOutcome prints what advance achieved and turns its signal into the exit code.
func reportOutcome(out tui.Output, format string, o *lifecycle.Outcome) error {
	code := o.Signal.ExitCode()
	if format == OutputJSON {
		view := outcomeView{
			SpecID: o.SpecID, Signal: string(o.Signal), Phase: string(o.Phase),
			Wave: o.Wave, ExitCode: code, Reports: o.Reports,
		}
		if o.Err != nil {
			view.Error = o.Err.Error()
		}
		if err := out.JSON(view); err != nil {
			return err
		}
	} else {
		for _, r := range o.Reports {
			renderReport(out, r)
		}
		switch o.Signal {
		case lifecycle.SignalCompleted:
			out.Success(fmt.Sprintf("Spec %s completed", o.SpecID))
		case lifecycle.SignalTimeout:
			out.Warning(fmt.Sprintf("Spec %s is still awaiting review on wave %d", o.SpecID, o.Wave))
		case lifecycle.SignalPaused:
			out.Warning(fmt.Sprintf("Spec %s paused on wave %d", o.SpecID, o.Wave))
		case lifecycle.SignalFailed:
			out.Warning(fmt.Sprintf("Spec %s failed in wave %d", o.SpecID, o.Wave))
		}
		if o.Err != nil {
			out.Error(o.Err)
		}
	}
	if code != ExitSuccess {
		return &ExitCodeError{Code: code}
	}
	return nil
}
