// Package testutil provides shared test utilities for pullwarden tests.
package testutil

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// AssertStatusCode checks that the response has the expected HTTP status code.
// On failure, it reports the response body for debugging.
func AssertStatusCode(t *testing.T, w *httptest.ResponseRecorder, expected int) {
	t.Helper()

	if w.Code != expected {
		t.Errorf("Expected status %d, got %d: %s", expected, w.Code, w.Body.String())
	}
}

// SignWebhook returns the X-Hub-Signature value Bitbucket sends for body
// under secret.
func SignWebhook(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// WriteScript writes an executable shell script named name into a temp
// directory and returns its path.
func WriteScript(t *testing.T, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
	return path
}

// FakeAgent returns the path of a script that consumes its stdin and
// prints stdout, the way the review agent prints its review.
func FakeAgent(t *testing.T, stdout string) string {
	t.Helper()
	return WriteScript(t, "fake-agent", fmt.Sprintf("cat >/dev/null\ncat <<'__REVIEW__'\n%s\n__REVIEW__", stdout))
}

// MockExecutable puts a script called name that exits with exitCode at the
// front of PATH. Call the returned function to restore PATH.
func MockExecutable(t *testing.T, name string, exitCode int) func() {
	t.Helper()
	return mockExecutable(t, name, exitCode, false)
}

// MockExecutableIsolated is like MockExecutable but replaces PATH entirely,
// so nothing else is reachable.
func MockExecutableIsolated(t *testing.T, name string, exitCode int) func() {
	t.Helper()
	return mockExecutable(t, name, exitCode, true)
}

func mockExecutable(t *testing.T, name string, exitCode int, isolated bool) func() {
	t.Helper()
	script := WriteScript(t, name, fmt.Sprintf("exit %d", exitCode))
	dir := filepath.Dir(script)

	origPath := os.Getenv("PATH")
	newPath := dir
	if !isolated {
		newPath = dir + string(os.PathListSeparator) + origPath
	}
	os.Setenv("PATH", newPath)
	return func() {
		os.Setenv("PATH", origPath)
	}
}
