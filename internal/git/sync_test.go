package git

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/logging"
)

func newTestSynchronizer(t *testing.T) *Synchronizer {
	t.Helper()
	return NewSynchronizer(filepath.Join(t.TempDir(), "repos"), "", "", logging.Discard())
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"demo", "demo", false},
		{"my-repo_v2.js", "my-repo_v2.js", false},
		{"acme/demo", "acme_demo", false},
		{"../escape", "_._escape", false},
		{".hidden", "_hidden", false},
		{"..", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := SanitizeName(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("SanitizeName(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if strings.ContainsAny(got, `/\`) {
			t.Errorf("SanitizeName(%q) = %q contains a path separator", tt.in, got)
		}
	}
}

func TestEnsureRequiresSourceBranch(t *testing.T) {
	s := newTestSynchronizer(t)

	_, err := s.Ensure(context.Background(), "demo", "https://example.invalid/demo.git", "")
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("Expected SyncError, got %v", err)
	}
	if !errors.Is(err, ErrNoSourceBranch) {
		t.Errorf("Expected ErrNoSourceBranch, got %v", err)
	}
	if _, statErr := os.Stat(s.Root); !os.IsNotExist(statErr) {
		t.Errorf("Expected no filesystem access, but %s exists", s.Root)
	}
}

func TestEnsureClonesSourceBranch(t *testing.T) {
	ctx := context.Background()
	origin, author := newRemote(t)
	author.Run("checkout", "-b", "feature/x")
	author.CommitFile("feature.txt", "x\n", "feature")
	author.Run("push", "origin", "feature/x")
	want := author.HeadSHA()

	s := newTestSynchronizer(t)
	path, err := s.Ensure(ctx, "demo", origin.Dir, "feature/x")
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if path != filepath.Join(s.Root, "demo") {
		t.Errorf("Expected path under root, got %s", path)
	}
	if got := runGit(t, path, "rev-parse", "HEAD"); got != want {
		t.Errorf("Expected HEAD %s after clone, got %s", want, got)
	}

	entries, err := os.ReadDir(s.Root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the working copy under root, got %d entries", len(entries))
	}
}

func TestEnsureFailedCloneLeavesNothing(t *testing.T) {
	s := newTestSynchronizer(t)
	missing := filepath.Join(t.TempDir(), "does-not-exist.git")

	_, err := s.Ensure(context.Background(), "demo", missing, "main")
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("Expected SyncError, got %v", err)
	}
	if syncErr.Op != "clone" {
		t.Errorf("Expected op clone, got %s", syncErr.Op)
	}
	entries, _ := os.ReadDir(s.Root)
	if len(entries) != 0 {
		t.Errorf("Expected failed clone to leave root empty, got %d entries", len(entries))
	}
}

func TestEnsureRemovesIgnoredFiles(t *testing.T) {
	ctx := context.Background()
	origin, author := newRemote(t)
	author.Run("checkout", "-b", "feature/build")
	author.CommitFile(".gitignore", "build/\n", "ignore build output")
	author.Run("push", "origin", "feature/build")

	s := newTestSynchronizer(t)
	path, err := s.Ensure(ctx, "demo", origin.Dir, "feature/build")
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	// Output from a previous review that git would otherwise hide.
	ignored := filepath.Join(path, "build", "out.bin")
	if err := os.MkdirAll(filepath.Dir(ignored), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ignored, []byte("stale\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Ensure(ctx, "demo", origin.Dir, "feature/build"); err != nil {
		t.Fatalf("Re-sync failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(path, "build")); !os.IsNotExist(err) {
		t.Error("Expected ignored build output to be removed on re-sync")
	}
}

func TestEnsureResyncMovesToNewCommit(t *testing.T) {
	ctx := context.Background()
	origin, author := newRemote(t)
	author.Run("checkout", "-b", "feature/a")
	author.CommitFile("a.txt", "a\n", "commit A")
	author.Run("push", "origin", "feature/a")
	shaA := author.HeadSHA()

	author.Run("checkout", "main")
	author.Run("checkout", "-b", "feature/b")
	author.CommitFile("b.txt", "b\n", "commit B")
	author.Run("push", "origin", "feature/b")
	shaB := author.HeadSHA()

	s := newTestSynchronizer(t)
	path, err := s.Ensure(ctx, "demo", origin.Dir, "feature/a")
	if err != nil {
		t.Fatalf("Ensure A failed: %v", err)
	}
	if got := runGit(t, path, "rev-parse", "HEAD"); got != shaA {
		t.Fatalf("Expected HEAD at A %s, got %s", shaA, got)
	}

	// Leave stray state behind: a dirty tracked file, an untracked file and
	// a local commit.
	if err := os.WriteFile(filepath.Join(path, "a.txt"), []byte("dirty\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "stray.txt"), []byte("stray\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Ensure(ctx, "demo", origin.Dir, "feature/b"); err != nil {
		t.Fatalf("Ensure B failed: %v", err)
	}
	if got := runGit(t, path, "rev-parse", "HEAD"); got != shaB {
		t.Errorf("Expected HEAD at B %s, got %s", shaB, got)
	}
	if status := runGit(t, path, "status", "--porcelain"); status != "" {
		t.Errorf("Expected clean working copy, got:\n%s", status)
	}
	if _, err := os.Stat(filepath.Join(path, "a.txt")); !os.IsNotExist(err) {
		t.Error("Expected a.txt from branch A to be gone")
	}

	// Re-running with the same branch picks up new commits and is otherwise
	// a no-op.
	author.CommitFile("b2.txt", "b2\n", "commit B2")
	author.Run("push", "origin", "feature/b")
	shaB2 := author.HeadSHA()
	for i := 0; i < 2; i++ {
		if _, err := s.Ensure(ctx, "demo", origin.Dir, "feature/b"); err != nil {
			t.Fatalf("Ensure B2 (%d) failed: %v", i, err)
		}
		if got := runGit(t, path, "rev-parse", "HEAD"); got != shaB2 {
			t.Errorf("Expected HEAD at B2 %s, got %s", shaB2, got)
		}
	}
}

func TestEnsureUnknownBranchKeepsWorkingCopy(t *testing.T) {
	ctx := context.Background()
	origin, _ := newRemote(t)

	s := newTestSynchronizer(t)
	path, err := s.Ensure(ctx, "demo", origin.Dir, "main")
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	before := runGit(t, path, "rev-parse", "HEAD")

	_, err = s.Ensure(ctx, "demo", origin.Dir, "gone")
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("Expected SyncError, got %v", err)
	}
	if got := runGit(t, path, "rev-parse", "HEAD"); got != before {
		t.Errorf("Expected working copy untouched at %s, got %s", before, got)
	}
}

func TestEnsureUpdatesChangedOrigin(t *testing.T) {
	ctx := context.Background()
	origin, author := newRemote(t)

	s := newTestSynchronizer(t)
	path, err := s.Ensure(ctx, "demo", origin.Dir, "main")
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	moved := NewBareTestRepo(t)
	author.Run("remote", "add", "moved", moved.Dir)
	author.CommitFile("moved.txt", "m\n", "after move")
	author.Run("push", "moved", "main")

	if _, err := s.Ensure(ctx, "demo", moved.Dir, "main"); err != nil {
		t.Fatalf("Ensure after move failed: %v", err)
	}
	if got := GetRemoteURL(ctx, path, "origin"); got != moved.Dir {
		t.Errorf("Expected origin %s, got %s", moved.Dir, got)
	}
	if got := runGit(t, path, "rev-parse", "HEAD"); got != author.HeadSHA() {
		t.Errorf("Expected HEAD %s, got %s", author.HeadSHA(), got)
	}
}

func TestEnsureRejectsNonRepository(t *testing.T) {
	s := newTestSynchronizer(t)
	path := filepath.Join(s.Root, "demo")
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(path, "keep.txt")
	if err := os.WriteFile(marker, []byte("keep"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := s.Ensure(context.Background(), "demo", "/nowhere.git", "main")
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("Expected SyncError, got %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("Expected directory left for inspection: %v", err)
	}
}
