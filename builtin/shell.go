package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/martinemde/harness/agentloop"
	"github.com/martinemde/harness/permission"
)

// Shell timeouts in milliseconds.
const (
	DefaultShellTimeoutMs = 120_000
	MaxShellTimeoutMs     = 600_000
)

type shellArgs struct {
	Command     string `json:"command" jsonschema:"description=The command to run with sh -c,minLength=1"`
	TimeoutMs   int    `json:"timeout_ms,omitempty" jsonschema:"description=Timeout in milliseconds. Default: 120000,minimum=0"`
	Description string `json:"description,omitempty" jsonschema:"description=What the command does in a few words"`
}

// ExecResult is the outcome of one command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Output returns stdout followed by stderr.
func (r ExecResult) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Exec runs command with sh -c in dir. The whole process group is killed
// on timeout or cancellation.
func (w *Workspace) Exec(ctx context.Context, command, dir string, timeout time.Duration) (*ExecResult, error) {
	if dir == "" {
		dir = w.Root
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = commandEnv(nil)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			res.TimedOut = true
			res.ExitCode = -1
		case ctx.Err() != nil:
			return res, ctx.Err()
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		default:
			return nil, errors.Wrap(err, "exec")
		}
	}
	return res, nil
}

func (w *Workspace) shell(ctx context.Context, args shellArgs, rc agentloop.RunContext) (string, error) {
	if strings.TrimSpace(args.Command) == "" {
		return "", errors.New("command is required")
	}
	ms := args.TimeoutMs
	if ms <= 0 {
		ms = DefaultShellTimeoutMs
	}
	if ms > MaxShellTimeoutMs {
		ms = MaxShellTimeoutMs
	}
	dir := rc.CWD
	if dir == "" {
		dir = w.Root
	}
	res, err := w.Exec(ctx, args.Command, dir, time.Duration(ms)*time.Millisecond)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(res.Output())
	if res.TimedOut {
		fmt.Fprintf(&sb, "\n\n[Command timed out after %dms. Partial output is shown above. Retry with a larger timeout_ms if needed.]", ms)
	} else if res.ExitCode != 0 {
		fmt.Fprintf(&sb, "\n\n[Exit code: %d]", res.ExitCode)
	}
	if sb.Len() == 0 {
		return "(no output)", nil
	}
	return sb.String(), nil
}

func shellTool(w *Workspace) (agentloop.Tool, error) {
	return agentloop.NewFuncTool(agentloop.ToolDefinition{
		Name:        "shell",
		Description: "Run a shell command in the working directory. Returns stdout, stderr and the exit code.",
		Category:    permission.CategoryExecute,
		// The command enforces its own timeout; allow a little slack.
		Timeout: time.Duration(MaxShellTimeoutMs)*time.Millisecond + 10*time.Second,
	}, w.shell)
}
