package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/coordinator"
	"github.com/mrz1836/tide/internal/domain"
	"github.com/mrz1836/tide/internal/tui"
)

// blockerWidth bounds the blocker column of the task table.
const blockerWidth = 60

var (
	waveHeaders   = []string{"WAVE", "TASKS", "MODE", "ISOLATION", "OUTCOME", "REVIEW"} //nolint:gochecknoglobals // table layout
	taskHeaders   = []string{"TASK", "WAVE", "STATUS", "SUBTASKS", "BLOCKER"}           //nolint:gochecknoglobals // table layout
	reportHeaders = []string{"TASK", "RESULT", "CLAIMS", "BLOCKER"}                     //nolint:gochecknoglobals // table layout
	eventHeaders  = []string{"TIME", "LEVEL", "EVENT", "REASON"}                        //nolint:gochecknoglobals // table layout
)

// renderState prints the full text status of a spec.
func renderState(out tui.Output, state *domain.SpecState, now time.Time) {
	exec := state.Execution
	out.Info(fmt.Sprintf("Spec:  %s (revision %d)", state.SpecID, state.Revision))
	out.Info("Phase: " + tui.RenderPhase(exec.Phase))
	if exec.CurrentWave > 0 {
		out.Info(fmt.Sprintf("Wave:  %d of %d", exec.CurrentWave, exec.TotalWaves))
	}
	if exec.ResumeStep != constants.ResumeStepNone {
		out.Info("Resume after: " + tui.Title(string(exec.ResumeStep)))
	}
	if exec.PollDeadline != nil {
		out.Info("Review poll window closes " + tui.Until(*exec.PollDeadline, now))
	}
	if exec.LastError != "" {
		out.Warning("Last error: " + exec.LastError)
	}
	if s := state.Session; s != nil {
		out.Info(fmt.Sprintf("Session: %s, last seen %s", s.ID, tui.Ago(s.LastSeenAt, now)))
	}

	renderWaves(out, state)
	out.Table(taskHeaders, taskRows(state))

	out.Info(fmt.Sprintf("Verified artifacts: %d", state.Verified.Len()))
	for _, w := range state.Warnings {
		out.Warning(fmt.Sprintf("wave %d: %s (%s)", w.Wave, w.Claim.Ref(), w.Reason))
	}
	for _, r := range state.Roadmap {
		out.Info("Roadmap: " + r.Title)
	}
}

// eventLine holds the event log fields the status table shows.
type eventLine struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// renderEvents prints event log entries; unparseable lines are shown raw.
func renderEvents(out tui.Output, events []json.RawMessage) {
	if len(events) == 0 {
		out.Info("No events recorded.")
		return
	}
	rows := make([][]string, 0, len(events))
	for _, raw := range events {
		var e eventLine
		if err := json.Unmarshal(raw, &e); err != nil {
			rows = append(rows, []string{"", "", string(raw), ""})
			continue
		}
		rows = append(rows, []string{e.Time, e.Level, e.Message, e.Reason})
	}
	out.Table(eventHeaders, rows)
}

// renderWaves prints the wave table.
func renderWaves(out tui.Output, state *domain.SpecState) {
	rows := make([][]string, 0, len(state.Waves))
	for _, w := range state.Waves {
		rows = append(rows, waveRow(w))
	}
	out.Table(waveHeaders, rows)
}

func waveRow(w domain.Wave) []string {
	mode := "serial"
	if w.CanParallelize {
		mode = "parallel"
	}
	review := w.ReviewID
	if review == "" {
		review = "-"
	}
	return []string{
		strconv.Itoa(w.ID),
		strings.Join(w.TaskIDs, ", "),
		mode,
		strconv.FormatFloat(w.IsolationScore, 'f', 2, 64),
		tui.RenderOutcome(w.Outcome),
		review,
	}
}

func taskRows(state *domain.SpecState) [][]string {
	top := state.TopLevel()
	rows := make([][]string, 0, len(top))
	for _, t := range top {
		done := 0
		children := state.Children(t)
		for _, c := range children {
			if c.Status == constants.TaskStatusCompleted {
				done++
			}
		}
		blocker := t.Blocker
		if blocker == "" {
			blocker = "-"
		}
		rows = append(rows, []string{
			t.ID,
			strconv.Itoa(t.Wave),
			tui.RenderTaskStatus(t.Status),
			fmt.Sprintf("%d/%d", done, len(children)),
			tui.Truncate(blocker, blockerWidth),
		})
	}
	return rows
}

// renderReport prints what one wave run did.
func renderReport(out tui.Output, r *coordinator.WaveReport) {
	out.Info(fmt.Sprintf("Wave %d: %s", r.Wave, tui.RenderOutcome(r.Outcome)))
	rows := make([][]string, 0, len(r.Results))
	for _, res := range r.Results {
		blocker := res.Blocker
		if blocker == "" {
			blocker = "-"
		}
		rows = append(rows, []string{
			res.TaskID,
			tui.Title(string(res.Status)),
			strconv.Itoa(len(res.Claims)),
			tui.Truncate(blocker, blockerWidth),
		})
	}
	out.Table(reportHeaders, rows)
	if n := len(r.Rejected); n > 0 {
		out.Warning(fmt.Sprintf("%d artifact claim(s) could not be verified", n))
	}
}
