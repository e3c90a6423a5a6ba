package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/domain"
	tideerrors "github.com/mrz1836/tide/internal/errors"
)

// Step identifies one phase of one subtask.
type Step struct {
	Workspace domain.Workspace
	TaskID    string
	SubtaskID string
	Phase     constants.TDDPhase
	Attempt   int
	Script    *domain.Script
	Feedback  string
}

// Outcome is the result of a test run. A failing test is an Outcome with
// Passed false, not an error.
type Outcome struct {
	Passed bool
	Output string
}

// Driver produces a subtask's content. The Contract decides the order in
// which its methods run and what their results mean.
type Driver interface {
	// Run performs the step's phase: write the test for RED, the code for
	// GREEN, the cleanup for REFACTOR.
	Run(ctx context.Context, step Step) error

	// Test runs the subtask's own test.
	Test(ctx context.Context, step Step) (Outcome, error)

	// Regression runs the whole suite. It reports Passed when no suite is configured.
	Regression(ctx context.Context, step Step) (Outcome, error)
}

// ScriptDriver runs the shell commands declared on each subtask.
type ScriptDriver struct {
	runner          CommandRunner
	testCommand     string
	feedbackCommand string
	timeout         time.Duration
	logger          zerolog.Logger
}

// ScriptOption configures a ScriptDriver.
type ScriptOption func(*ScriptDriver)

// WithRunner replaces the shell runner.
func WithRunner(r CommandRunner) ScriptOption {
	return func(d *ScriptDriver) {
		d.runner = r
	}
}

// WithTestCommand sets the regression suite command.
func WithTestCommand(cmd string) ScriptOption {
	return func(d *ScriptDriver) {
		d.testCommand = strings.TrimSpace(cmd)
	}
}

// WithFeedbackCommand sets the command that addresses review feedback.
func WithFeedbackCommand(cmd string) ScriptOption {
	return func(d *ScriptDriver) {
		d.feedbackCommand = strings.TrimSpace(cmd)
	}
}

// WithCommandTimeout bounds each command.
func WithCommandTimeout(timeout time.Duration) ScriptOption {
	return func(d *ScriptDriver) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithDriverLogger sets the logger.
func WithDriverLogger(l zerolog.Logger) ScriptOption {
	return func(d *ScriptDriver) {
		d.logger = l
	}
}

// NewScriptDriver creates a ScriptDriver.
func NewScriptDriver(opts ...ScriptOption) *ScriptDriver {
	d := &ScriptDriver{
		runner:  &ShellRunner{},
		timeout: constants.DefaultCommandTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run implements Driver. An empty RED or REFACTOR command is a no-op.
// Feedback subtasks without a script run the configured feedback command
// as their GREEN step.
func (d *ScriptDriver) Run(ctx context.Context, step Step) error {
	command := d.commandFor(step)
	if command == "" {
		if step.Phase != constants.TDDGreen {
			return nil
		}
		return fmt.Errorf("subtask %s has no %s command: %w", step.SubtaskID, step.Phase, tideerrors.ErrCommandFailed)
	}
	_, err := d.exec(ctx, step, command)
	return err
}

func (d *ScriptDriver) commandFor(step Step) string {
	if step.Script == nil {
		if step.Phase == constants.TDDGreen && step.Feedback != "" {
			return d.feedbackCommand
		}
		return ""
	}
	switch step.Phase {
	case constants.TDDRed:
		return step.Script.Red
	case constants.TDDGreen:
		return step.Script.Green
	case constants.TDDRefactor:
		return step.Script.Refactor
	}
	return ""
}

// Test implements Driver.
func (d *ScriptDriver) Test(ctx context.Context, step Step) (Outcome, error) {
	if step.Script == nil || strings.TrimSpace(step.Script.Test) == "" {
		return Outcome{Passed: true}, nil
	}
	return d.outcome(ctx, step, step.Script.Test)
}

// Regression implements Driver.
func (d *ScriptDriver) Regression(ctx context.Context, step Step) (Outcome, error) {
	if d.testCommand == "" {
		return Outcome{Passed: true}, nil
	}
	return d.outcome(ctx, step, d.testCommand)
}

func (d *ScriptDriver) outcome(ctx context.Context, step Step, command string) (Outcome, error) {
	out, err := d.exec(ctx, step, command)
	switch {
	case err == nil:
		return Outcome{Passed: true, Output: out}, nil
	case errors.Is(err, tideerrors.ErrCommandFailed):
		return Outcome{Passed: false, Output: out}, nil
	default:
		return Outcome{Output: out}, err
	}
}

// exec runs one command and returns its combined output. A non-zero exit
// wraps ErrCommandFailed; timeouts, cancellation and a missing workspace
// are returned as they are.
func (d *ScriptDriver) exec(ctx context.Context, step Step, command string) (string, error) {
	dir := step.Workspace.Dir
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("%s: %w", dir, tideerrors.ErrWorkDirMissing)
	}

	env := []string{
		constants.EnvTDDPhase + "=" + string(step.Phase),
		constants.EnvTaskID + "=" + step.TaskID,
		constants.EnvSubtaskID + "=" + step.SubtaskID,
		constants.EnvWorkspace + "=" + dir,
	}
	if step.Feedback != "" {
		env = append(env, constants.EnvFeedback+"="+step.Feedback)
	}

	log := d.logger.With().
		Str("task_id", step.TaskID).
		Str("subtask_id", step.SubtaskID).
		Str("tdd_phase", string(step.Phase)).
		Logger()

	cmdCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, runErr := d.runner.Run(cmdCtx, dir, command, env)
	output := strings.TrimSpace(stdout + "\n" + stderr)

	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		log.Error().Str("command", command).Dur("timeout", d.timeout).Msg("command timed out")
		return output, fmt.Errorf("%s: %w", command, tideerrors.ErrCommandTimeout)
	}
	if err := ctx.Err(); err != nil {
		return output, err
	}
	if runErr != nil || exitCode != 0 {
		log.Debug().
			Str("command", command).
			Int("exit_code", exitCode).
			Dur("duration", time.Since(start)).
			Msg("command exited non-zero")
		return output, fmt.Errorf("%s: exit code %d: %w", command, exitCode, tideerrors.ErrCommandFailed)
	}

	log.Debug().Str("command", command).Dur("duration", time.Since(start)).Msg("command completed")
	return output, nil
}

var _ Driver = (*ScriptDriver)(nil)
