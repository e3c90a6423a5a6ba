package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mrz1836/tide/internal/domain"
	"github.com/mrz1836/tide/internal/manifest"
	"github.com/mrz1836/tide/internal/planner"
)

// AddPlanCommand adds the plan command to the root command.
func AddPlanCommand(parent *cobra.Command, c *commands) {
	cmd := &cobra.Command{
		Use:   "plan <file>",
		Short: "Show the waves a task manifest would be planned into",
		Long: `Validate a task manifest and print the waves it plans into, with each
wave's parallelism and isolation score. Nothing is persisted; use it to
check a manifest before 'tide init'.

Examples:
  tide plan tasks.yaml
  tide plan tasks.yaml --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPlan(cmd, args[0])
		},
	}
	parent.AddCommand(cmd)
}

// planView is the JSON form of a dry-run plan.
type planView struct {
	Spec  string        `json:"spec"`
	Tasks int           `json:"tasks"`
	Waves []domain.Wave `json:"waves"`
}

func (c *commands) runPlan(cmd *cobra.Command, path string) error {
	m, _, err := manifest.Load(path)
	if err != nil {
		return err
	}
	var top []*domain.Task
	for _, t := range m.BuildTasks() {
		if !t.IsSubtask() {
			top = append(top, t)
		}
	}
	waves, err := planner.Plan(top)
	if err != nil {
		return err
	}
	if err := planner.Check(waves, top); err != nil {
		return err
	}

	out := c.output(cmd)
	if c.flags.Output == OutputJSON {
		return out.JSON(planView{Spec: m.Spec, Tasks: len(top), Waves: waves})
	}

	out.Success(fmt.Sprintf("%s: %d tasks plan into %d waves", m.Spec, len(top), len(waves)))
	rows := make([][]string, 0, len(waves))
	for _, w := range waves {
		mode := "serial"
		if w.CanParallelize {
			mode = "parallel"
		}
		overlaps := strings.Join(w.Overlaps, ", ")
		if overlaps == "" {
			overlaps = "-"
		}
		rows = append(rows, []string{
			strconv.Itoa(w.ID),
			strings.Join(w.TaskIDs, ", "),
			mode,
			strconv.FormatFloat(w.IsolationScore, 'f', 2, 64),
			overlaps,
		})
	}
	out.Table([]string{"WAVE", "TASKS", "MODE", "ISOLATION", "SHARED FILES"}, rows)
	return nil
}
