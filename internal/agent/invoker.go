// Package agent supervises the external review agent: one process per job,
// prompt on stdin, curated environment, hard timeout.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/config"
	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/logging"
)

// MCPConfigFile is the name the MCP config is copied to inside the working copy.
const MCPConfigFile = ".mcp.json"

// DefaultGracePeriod is how long the agent gets between SIGTERM and SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// Invocation describes a single agent run.
type Invocation struct {
	JobID   string
	Prompt  string
	Dir     string // working copy the agent runs in
	Model   string
	Timeout time.Duration
}

// Result is the captured output of a finished run.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Truncated bool
}

// Invoker runs the agent command.
type Invoker struct {
	Command        string
	Home           string
	Path           string
	Shell          string
	EnvPassthrough []string
	MaxOutputBytes int
	MCPConfigPath  string

	// TempDir holds per-job prompt files. Empty means os.TempDir().
	TempDir     string
	GracePeriod time.Duration
	Logger      *slog.Logger

	lookupEnv func(string) (string, bool)
}

// NewInvoker creates an Invoker from the service configuration.
func NewInvoker(cfg *config.Config, logger *slog.Logger) *Invoker {
	return &Invoker{
		Command:        cfg.AgentCommand,
		Home:           cfg.Agent.Home,
		Path:           cfg.Agent.Path,
		Shell:          cfg.Agent.Shell,
		EnvPassthrough: cfg.Agent.EnvPassthrough,
		MaxOutputBytes: cfg.MaxOutputBytes,
		MCPConfigPath:  cfg.MCPConfigPath,
		GracePeriod:    DefaultGracePeriod,
		Logger:         logging.OrDefault(logger, logging.SubsystemAgent),
	}
}

// buildArgs returns the agent's argument vector. The prompt is never part
// of it.
func (iv *Invoker) buildArgs(inv Invocation, withMCP bool) []string {
	args := []string{"--print"}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	args = append(args, "--dangerously-skip-permissions")
	if withMCP {
		args = append(args, "--mcp-config", MCPConfigFile)
	}
	return args
}

// Invoke runs the agent once. A run that exceeds inv.Timeout has its whole
// process group terminated and returns *TimeoutError; a non-zero exit returns
// *ProcessError. The prompt file is removed on every path.
func (iv *Invoker) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	logger := logging.OrDefault(iv.Logger, logging.SubsystemAgent).With("job", inv.JobID)

	promptFile, err := iv.writePrompt(inv.Prompt)
	if err != nil {
		return nil, fmt.Errorf("write prompt: %w", err)
	}
	defer func() {
		promptFile.Close()
		os.Remove(promptFile.Name())
	}()

	withMCP, err := iv.installMCPConfig(inv.Dir)
	if err != nil {
		logger.Warn("could not copy MCP config", "error", err)
	}

	command, err := iv.resolveCommand()
	if err != nil {
		return nil, &ProcessError{ExitCode: -1, Err: err}
	}

	cmd := exec.Command(command, iv.buildArgs(inv, withMCP)...)
	cmd.Dir = inv.Dir
	cmd.Env = iv.environ()
	cmd.Stdin = promptFile

	stdout := newTailBuffer(iv.MaxOutputBytes)
	stderr := newTailBuffer(iv.MaxOutputBytes)
	outLog := newLineLogger(logger, "stdout")
	errLog := newLineLogger(logger, "stderr")
	cmd.Stdout = io.MultiWriter(stdout, outLog)
	cmd.Stderr = io.MultiWriter(stderr, errLog)

	grace := iv.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	// Bounds Wait when a straggler keeps the output pipes open.
	cmd.WaitDelay = grace
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{ExitCode: -1, Err: fmt.Errorf("start %s: %w", iv.Command, err)}
	}
	logger.Info("agent started", "pid", cmd.Process.Pid, "dir", inv.Dir, "timeout", inv.Timeout)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if inv.Timeout > 0 {
		timer := time.NewTimer(inv.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var waitErr error
	var timedOut, canceled bool
	select {
	case waitErr = <-done:
	case <-timeout:
		timedOut = true
		logger.Warn("agent timed out, terminating", "timeout", inv.Timeout)
		waitErr = iv.stop(cmd, done, grace, logger)
	case <-ctx.Done():
		canceled = true
		logger.Warn("agent canceled, terminating")
		waitErr = iv.stop(cmd, done, grace, logger)
	}
	// Nothing the agent started may outlive the run and touch the working
	// copy of the next job.
	if err := killProcessGroup(cmd); err != nil {
		logger.Debug("reaping process group failed", "error", err)
	}
	outLog.Flush()
	errLog.Flush()

	res := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode(waitErr),
		Duration:  time.Since(start),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}
	logger.Info("agent finished", "exit_code", res.ExitCode, "duration", res.Duration.Round(time.Millisecond))

	switch {
	case timedOut:
		return res, &TimeoutError{Timeout: inv.Timeout, Stdout: res.Stdout, Stderr: res.Stderr}
	case canceled:
		return res, &ProcessError{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr, Err: ctx.Err()}
	case waitErr != nil:
		return res, &ProcessError{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr, Err: waitErr}
	}
	return res, nil
}

// stop sends SIGTERM to the process group, then SIGKILL once the grace
// period runs out, and returns the Wait result.
func (iv *Invoker) stop(cmd *exec.Cmd, done <-chan error, grace time.Duration, logger *slog.Logger) error {
	if err := terminateProcessGroup(cmd); err != nil {
		logger.Debug("SIGTERM failed", "error", err)
	}
	select {
	case err := <-done:
		return err
	case <-time.After(grace):
	}
	logger.Warn("agent ignored SIGTERM, killing", "grace", grace)
	if err := killProcessGroup(cmd); err != nil {
		logger.Debug("SIGKILL failed", "error", err)
	}
	return <-done
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// writePrompt stores the prompt in a temp file outside the working copy.
func (iv *Invoker) writePrompt(prompt string) (*os.File, error) {
	f, err := os.CreateTemp(iv.TempDir, "pullwarden-prompt-*.txt")
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteString(prompt); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return f, nil
}

// installMCPConfig copies the configured MCP file into dir. It reports
// whether the agent should be pointed at it.
func (iv *Invoker) installMCPConfig(dir string) (bool, error) {
	if iv.MCPConfigPath == "" {
		return false, nil
	}
	data, err := os.ReadFile(iv.MCPConfigPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(filepath.Join(dir, MCPConfigFile), data, 0600); err != nil {
		return false, err
	}
	return true, nil
}

// environ builds the agent's environment from scratch. Only the shell, PATH,
// home directory and the pass-through allow-list are set.
func (iv *Invoker) environ() []string {
	lookup := iv.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	home := iv.Home
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	env := []string{
		"SHELL=" + iv.Shell,
		"PATH=" + iv.Path,
		"HOME=" + home,
	}
	for _, name := range iv.EnvPassthrough {
		switch name {
		case "", "SHELL", "PATH", "HOME":
			continue
		}
		if v, ok := lookup(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

// resolveCommand finds the agent binary on the curated PATH first, then on
// the daemon's own PATH.
func (iv *Invoker) resolveCommand() (string, error) {
	if iv.Command == "" {
		return "", errors.New("no agent command configured")
	}
	if strings.ContainsRune(iv.Command, filepath.Separator) {
		return iv.Command, nil
	}
	for _, dir := range filepath.SplitList(iv.Path) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, iv.Command)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(iv.Command)
	if err != nil {
		return "", fmt.Errorf("agent command %q not found: %w", iv.Command, err)
	}
	return path, nil
}
