package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"
)

// waitDelay bounds how long a killed command's children may hold its output pipes.
const waitDelay = 2 * time.Second

// CommandRunner executes one shell command in a working directory.
// Tests inject fakes.
type CommandRunner interface {
	// Run executes command with extra environment variables appended to the
	// process environment. A non-zero exit is reported through exitCode and
	// err together.
	Run(ctx context.Context, workDir, command string, env []string) (stdout, stderr string, exitCode int, err error)
}

// ShellRunner implements CommandRunner with sh -c.
//
// Commands come from the task manifest and the tide configuration, the same
// trust level as a Makefile. The shell is used so scripts can rely on pipes
// and redirects.
type ShellRunner struct {
	// LiveOutput, when set, receives stdout and stderr as they are produced.
	LiveOutput io.Writer
}

// Run implements CommandRunner.
func (r *ShellRunner) Run(ctx context.Context, workDir, command string, env []string) (stdout, stderr string, exitCode int, err error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command) //#nosec G204 -- commands are trusted manifest input
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), env...)
	cmd.WaitDelay = waitDelay

	var outBuf, errBuf bytes.Buffer
	if r.LiveOutput != nil {
		cmd.Stdout = io.MultiWriter(&outBuf, r.LiveOutput)
		cmd.Stderr = io.MultiWriter(&errBuf, r.LiveOutput)
	} else {
		cmd.Stdout = &outBuf
		cmd.Stderr = &errBuf
	}

	err = cmd.Run()
	stdout = outBuf.String()
	stderr = errBuf.String()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}
	return stdout, stderr, exitCode, err
}

var _ CommandRunner = (*ShellRunner)(nil)
