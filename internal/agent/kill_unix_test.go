//go:build !windows

package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestInvokeTimeoutKillsChildren(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	iv, _ := newTestInvoker(t, `sleep 30 & echo $! > "`+pidFile+`"; wait`)

	_, err := iv.Invoke(context.Background(), Invocation{Prompt: "p", Dir: t.TempDir(), Timeout: 300 * time.Millisecond})
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected TimeoutError, got %v", err)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("Child pid not recorded: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatal(err)
	}

	// The orphaned child may linger briefly as a zombie before it is reaped.
	deadline := time.Now().Add(3 * time.Second)
	for {
		err := syscall.Kill(pid, 0)
		if errors.Is(err, syscall.ESRCH) {
			return
		}
		if isZombie(pid) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Child process %d survived the timeout", pid)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestInvokeSuccessKillsBackgroundChildren(t *testing.T) {
	dir := t.TempDir()
	iv, _ := newTestInvoker(t, `(sleep 1; echo stray > "$PWD/stray.txt") </dev/null >/dev/null 2>&1 &
echo '{"isLgtm":true}'
exit 0`)

	res, err := iv.Invoke(context.Background(), Invocation{Prompt: "p", Dir: dir, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !strings.Contains(res.Stdout, "isLgtm") {
		t.Errorf("Expected agent output, got %q", res.Stdout)
	}

	time.Sleep(2 * time.Second)
	if _, err := os.Stat(filepath.Join(dir, "stray.txt")); err == nil {
		t.Fatal("Background process outlived Invoke and wrote into the working copy")
	}
}

// isZombie reports whether pid is a zombie on Linux. Elsewhere it reports
// false and the test relies on ESRCH.
func isZombie(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// Format: pid (comm) state ...
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	return i >= 0 && i+2 < len(s) && s[i+2] == 'Z'
}
