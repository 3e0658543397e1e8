// Package executor wraps the external text-generation CLI behind a strategy
// interface. Execution never surfaces an error to the caller: tool failures
// and timeouts are downgraded into a failed Result so the pipeline always
// acknowledges the message and records the outcome instead of growing a
// poison-message backlog.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// SimulatedResponse is the fixed output of the simulated executor. Its
// presence in an artifact is the only way to tell a simulated run from a
// real one, keep it recognizable.
const SimulatedResponse = "[simulated response] no execution tool is installed on this host; " +
	"the task was accepted and relayed without running the prompt"

const DefaultTimeout = 300 * time.Second

// waitDelay bounds how long Run keeps waiting on the tool's output pipes
// after the deadline kill. A grandchild that survives the group kill still
// holds the inherited pipe fds open; without this, Wait would block on them
// for as long as that process lives.
const waitDelay = 5 * time.Second

// Result is the terminal outcome of one execution attempt.
type Result struct {
	Status    Status
	Output    string
	Detail    string
	Simulated bool
}

func (r Result) Failed() bool {
	return r.Status == StatusFailed
}

// Executor runs a prompt and always terminates in a Result.
type Executor interface {
	Execute(ctx context.Context, prompt string) Result
	// Name identifies the backing tool or strategy for artifacts and logs.
	Name() string
}

// Config describes how to invoke the external tool.
type Config struct {
	Tool         string
	Model        string
	AllowedTools string
	WorkDir      string
	Timeout      time.Duration
}

// Detect probes PATH for the configured tool and returns the real executor
// when it is discoverable, the simulated one otherwise. The choice is made
// once at startup so "is this host actually executing prompts" is visible in
// the type, not buried in a string flag.
func Detect(cfg Config) Executor {
	if cfg.Tool == "" {
		cfg.Tool = "claude"
	}
	if _, err := exec.LookPath(cfg.Tool); err != nil {
		log.WithField("tool", cfg.Tool).Warn("execution tool not found on PATH, falling back to simulated executor")
		return NewSimulatedExecutor(cfg.Model)
	}
	return NewToolExecutor(cfg)
}

// ToolExecutor shells out to the external CLI with a hard wall-clock timeout.
type ToolExecutor struct {
	cfg Config
}

func NewToolExecutor(cfg Config) *ToolExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &ToolExecutor{cfg: cfg}
}

func (t *ToolExecutor) Name() string {
	return t.cfg.Tool
}

// Execute feeds the prompt on stdin and captures stdout as the result text.
// Nonzero exit and timeout both become a failed Result, never an error.
func (t *ToolExecutor) Execute(ctx context.Context, prompt string) Result {
	runCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	args := []string{"--model", t.cfg.Model, "--allowedTools", t.cfg.AllowedTools, "--print"}
	cmd := exec.CommandContext(runCtx, t.cfg.Tool, args...)
	cmd.Dir = t.cfg.WorkDir
	cmd.Stdin = strings.NewReader(prompt)

	// The tool runs in its own process group so the deadline kill reaches the
	// subprocesses it spawned, not just the tool itself.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return Result{
			Status: StatusFailed,
			Detail: fmt.Sprintf("%s timed out after %s", t.cfg.Tool, t.cfg.Timeout),
		}
	}
	if err != nil {
		return Result{
			Status: StatusFailed,
			Detail: fmt.Sprintf("%s exited with error: %v: %s", t.cfg.Tool, err, strings.TrimSpace(stderr.String())),
		}
	}

	return Result{
		Status: StatusCompleted,
		Output: stdout.String(),
	}
}

// SimulatedExecutor stands in when no tool is installed. It reports
// completed so the rest of the pipeline stays exercise-able, but flags the
// result as simulated.
type SimulatedExecutor struct {
	model string
}

func NewSimulatedExecutor(model string) *SimulatedExecutor {
	return &SimulatedExecutor{model: model}
}

func (s *SimulatedExecutor) Name() string {
	return "simulated"
}

func (s *SimulatedExecutor) Execute(_ context.Context, prompt string) Result {
	return Result{
		Status:    StatusCompleted,
		Output:    fmt.Sprintf("%s\n\nprompt was:\n%s", SimulatedResponse, prompt),
		Simulated: true,
	}
}
