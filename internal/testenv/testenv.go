// Package testenv provides environment isolation helpers for tests.
// This package intentionally has no dependencies on other internal packages
// to avoid import cycles.
package testenv

import (
	"fmt"
	"os"
	"testing"
)

// DataDirEnv overrides the service data directory.
const DataDirEnv = "PULLWARDEN_DATA_DIR"

// SetDataDir points PULLWARDEN_DATA_DIR at a temp directory to isolate a
// test from the production ~/.pullwarden. Returns the temp directory path.
// Cleanup is automatic via t.Cleanup.
func SetDataDir(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()
	t.Setenv(DataDirEnv, tmpDir)
	return tmpDir
}

// RunIsolatedMain runs a package's tests with PULLWARDEN_DATA_DIR pointed at
// a throwaway directory, then fails the run if anything leaked into the
// production error log anyway. Use it from TestMain:
//
//	func TestMain(m *testing.M) {
//		os.Exit(testenv.RunIsolatedMain(m))
//	}
func RunIsolatedMain(m *testing.M) int {
	barrier := NewProdLogBarrier(DefaultProdDataDir())

	tmpDir, err := os.MkdirTemp("", "pullwarden-test-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testenv: create data dir: %v\n", err)
		return 1
	}
	defer os.RemoveAll(tmpDir)

	orig, had := os.LookupEnv(DataDirEnv)
	os.Setenv(DataDirEnv, tmpDir)
	defer func() {
		if had {
			os.Setenv(DataDirEnv, orig)
		} else {
			os.Unsetenv(DataDirEnv)
		}
	}()

	code := m.Run()
	if msg := barrier.Check(); msg != "" {
		fmt.Fprintln(os.Stderr, msg)
		if code == 0 {
			code = 1
		}
	}
	return code
}
