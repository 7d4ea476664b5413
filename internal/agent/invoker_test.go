package agent

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/config"
	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/logging"
)

// writeScript creates an executable shell script acting as the agent.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

// newTestInvoker returns an Invoker running script, with its prompt files
// kept in a directory the test can inspect.
func newTestInvoker(t *testing.T, script string) (*Invoker, string) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.AgentCommand = writeScript(t, script)
	cfg.Agent.Home = t.TempDir()

	iv := NewInvoker(cfg, logging.Discard())
	iv.TempDir = t.TempDir()
	iv.GracePeriod = 200 * time.Millisecond
	return iv, iv.TempDir
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected %s to be empty, found %d entries (first: %s)", dir, len(entries), entries[0].Name())
	}
}

func TestInvokeDeliversPromptOnStdin(t *testing.T) {
	iv, tmp := newTestInvoker(t, `cat`)
	prompt := "Review this.\nIt has `backticks`, $VARS and 'quotes'; rm -rf /\n"

	res, err := iv.Invoke(context.Background(), Invocation{
		JobID: "job-1", Prompt: prompt, Dir: t.TempDir(), Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res.Stdout != prompt {
		t.Errorf("Expected stdout to echo prompt, got %q", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", res.ExitCode)
	}
	assertEmptyDir(t, tmp)
}

func TestInvokePassesArgumentVector(t *testing.T) {
	iv, _ := newTestInvoker(t, `for a in "$@"; do echo "arg:$a"; done; pwd`)
	dir := t.TempDir()

	res, err := iv.Invoke(context.Background(), Invocation{
		Prompt: "p", Dir: dir, Model: "opus", Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	for _, want := range []string{"arg:--print", "arg:--model", "arg:opus", "arg:--dangerously-skip-permissions"} {
		if !strings.Contains(res.Stdout, want+"\n") {
			t.Errorf("Expected %q in output:\n%s", want, res.Stdout)
		}
	}
	if strings.Contains(res.Stdout, "arg:p\n") {
		t.Error("Prompt leaked into the argument vector")
	}
	resolved, _ := filepath.EvalSymlinks(dir)
	if !strings.Contains(res.Stdout, resolved) && !strings.Contains(res.Stdout, dir) {
		t.Errorf("Expected agent to run in %s:\n%s", dir, res.Stdout)
	}
}

func TestInvokeCuratesEnvironment(t *testing.T) {
	t.Setenv("PULLWARDEN_TEST_LEAK", "should-not-pass")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	iv, _ := newTestInvoker(t, `env`)
	res, err := iv.Invoke(context.Background(), Invocation{Prompt: "p", Dir: t.TempDir(), Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	env := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if k, v, ok := strings.Cut(line, "="); ok {
			env[k] = v
		}
	}
	if env["PATH"] != iv.Path {
		t.Errorf("Expected PATH %q, got %q", iv.Path, env["PATH"])
	}
	if env["HOME"] != iv.Home {
		t.Errorf("Expected HOME %q, got %q", iv.Home, env["HOME"])
	}
	if env["SHELL"] != "/bin/bash" {
		t.Errorf("Expected SHELL /bin/bash, got %q", env["SHELL"])
	}
	if env["ANTHROPIC_API_KEY"] != "sk-test" {
		t.Error("Expected pass-through variable to reach the agent")
	}
	if _, ok := env["PULLWARDEN_TEST_LEAK"]; ok {
		t.Error("Unlisted variable leaked into agent environment")
	}
}

func TestInvokeNonZeroExit(t *testing.T) {
	iv, tmp := newTestInvoker(t, `echo partial; echo "boom: bad things" >&2; exit 3`)

	res, err := iv.Invoke(context.Background(), Invocation{Prompt: "p", Dir: t.TempDir(), Timeout: 10 * time.Second})
	var procErr *ProcessError
	if !errors.As(err, &procErr) {
		t.Fatalf("Expected ProcessError, got %v", err)
	}
	if procErr.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", procErr.ExitCode)
	}
	if !strings.Contains(procErr.Stderr, "boom") || !strings.Contains(procErr.Stdout, "partial") {
		t.Errorf("Expected captured output in error, got stdout=%q stderr=%q", procErr.Stdout, procErr.Stderr)
	}
	if !strings.Contains(procErr.Error(), "boom: bad things") {
		t.Errorf("Expected stderr tail in message, got %q", procErr.Error())
	}
	if res == nil || res.ExitCode != 3 {
		t.Errorf("Expected result with exit code 3, got %+v", res)
	}
	assertEmptyDir(t, tmp)
}

func TestInvokeTimeout(t *testing.T) {
	iv, tmp := newTestInvoker(t, `echo started; sleep 30`)

	start := time.Now()
	_, err := iv.Invoke(context.Background(), Invocation{Prompt: "p", Dir: t.TempDir(), Timeout: 300 * time.Millisecond})
	elapsed := time.Since(start)

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected TimeoutError, got %v", err)
	}
	if timeoutErr.Timeout != 300*time.Millisecond {
		t.Errorf("Expected configured timeout in error, got %s", timeoutErr.Timeout)
	}
	if !strings.Contains(timeoutErr.Stdout, "started") {
		t.Errorf("Expected output captured before timeout, got %q", timeoutErr.Stdout)
	}
	if elapsed > 5*time.Second {
		t.Errorf("Invoke took %s, expected the process to be killed promptly", elapsed)
	}
	assertEmptyDir(t, tmp)
}

func TestInvokeTimeoutEscalatesToKill(t *testing.T) {
	iv, _ := newTestInvoker(t, `trap '' TERM; echo ready; while :; do sleep 1; done`)

	start := time.Now()
	_, err := iv.Invoke(context.Background(), Invocation{Prompt: "p", Dir: t.TempDir(), Timeout: 300 * time.Millisecond})
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected TimeoutError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Invoke took %s, expected SIGKILL after the grace period", elapsed)
	}
}

func TestInvokeBoundsOutput(t *testing.T) {
	iv, _ := newTestInvoker(t, `i=0; while [ $i -lt 200 ]; do echo "line $i"; i=$((i+1)); done; echo TAIL`)
	iv.MaxOutputBytes = 64

	res, err := iv.Invoke(context.Background(), Invocation{Prompt: "p", Dir: t.TempDir(), Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if len(res.Stdout) > 64 {
		t.Errorf("Expected at most 64 bytes, got %d", len(res.Stdout))
	}
	if !res.Truncated {
		t.Error("Expected Truncated to be set")
	}
	if !strings.HasSuffix(res.Stdout, "TAIL\n") {
		t.Errorf("Expected the tail of the output to be kept, got %q", res.Stdout)
	}
}

func TestInvokeCopiesMCPConfig(t *testing.T) {
	iv, _ := newTestInvoker(t, `cat .mcp.json; echo; echo "$@"`)
	mcp := filepath.Join(t.TempDir(), "mcp.json")
	if err := os.WriteFile(mcp, []byte(`{"mcpServers":{}}`), 0644); err != nil {
		t.Fatal(err)
	}
	iv.MCPConfigPath = mcp

	res, err := iv.Invoke(context.Background(), Invocation{Prompt: "p", Dir: t.TempDir(), Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !strings.Contains(res.Stdout, `{"mcpServers":{}}`) {
		t.Errorf("Expected MCP config in working copy, got %q", res.Stdout)
	}
	if !strings.Contains(res.Stdout, "--mcp-config .mcp.json") {
		t.Errorf("Expected --mcp-config argument, got %q", res.Stdout)
	}
}

func TestInvokeMissingMCPConfigIsSkipped(t *testing.T) {
	iv, _ := newTestInvoker(t, `echo "$@"`)
	iv.MCPConfigPath = filepath.Join(t.TempDir(), "absent.json")

	res, err := iv.Invoke(context.Background(), Invocation{Prompt: "p", Dir: t.TempDir(), Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if strings.Contains(res.Stdout, "--mcp-config") {
		t.Errorf("Expected no --mcp-config without a config file, got %q", res.Stdout)
	}
}

func TestInvokeMissingCommand(t *testing.T) {
	iv, tmp := newTestInvoker(t, `true`)
	iv.Command = "pullwarden-no-such-agent"

	_, err := iv.Invoke(context.Background(), Invocation{Prompt: "p", Dir: t.TempDir(), Timeout: time.Second})
	var procErr *ProcessError
	if !errors.As(err, &procErr) || procErr.ExitCode != -1 {
		t.Fatalf("Expected ProcessError with exit -1, got %v", err)
	}
	assertEmptyDir(t, tmp)
}

func TestInvokeForwardsOutputToLog(t *testing.T) {
	var logs bytes.Buffer
	iv, _ := newTestInvoker(t, `echo hello-from-agent; echo warn-from-agent >&2`)
	iv.Logger = slog.New(slog.NewTextHandler(&logs, nil))

	if _, err := iv.Invoke(context.Background(), Invocation{JobID: "j42", Prompt: "p", Dir: t.TempDir(), Timeout: 10 * time.Second}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	out := logs.String()
	for _, want := range []string{"line=hello-from-agent", "line=warn-from-agent", "stream=stderr", "job=j42"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in log output:\n%s", want, out)
		}
	}
}
