package git

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/logging"
)

// syncedPR builds an origin with main and feature/x, then returns a working
// copy synchronized to feature/x.
func syncedPR(t *testing.T) (author *TestRepo, origin *TestRepo, s *Synchronizer, path string) {
	t.Helper()
	origin, author = newRemote(t)
	author.Run("checkout", "-b", "feature/x")
	author.CommitFile("feature.go", "package feature\n\nfunc X() {}\n", "add feature")
	author.Run("push", "origin", "feature/x")

	s = NewSynchronizer(filepath.Join(t.TempDir(), "repos"), "", "", logging.Discard())
	path, err := s.Ensure(context.Background(), "demo", origin.Dir, "feature/x")
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	return author, origin, s, path
}

func TestDiffUsesMergeBase(t *testing.T) {
	ctx := context.Background()
	author, origin, s, path := syncedPR(t)

	// The destination advances with unrelated work after the PR was opened.
	author.Run("checkout", "main")
	base := author.HeadSHA()
	author.CommitFile("unrelated.go", "package other\n", "someone else's change")
	author.Run("push", "origin", "main")
	if _, err := s.Ensure(ctx, "demo", origin.Dir, "feature/x"); err != nil {
		t.Fatalf("re-sync failed: %v", err)
	}

	d := NewDiffExtractor(100*1024, logging.Discard())
	res, err := d.Diff(ctx, path, "feature/x", "main")
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	if res.MergeBase != base {
		t.Errorf("Expected merge-base %s, got %s", base, res.MergeBase)
	}
	if res.Degraded {
		t.Error("Expected non-degraded diff")
	}
	if !strings.Contains(res.Text, "feature.go") {
		t.Errorf("Expected diff to contain feature.go:\n%s", res.Text)
	}
	if strings.Contains(res.Text, "unrelated.go") {
		t.Errorf("Destination-branch commit leaked into diff:\n%s", res.Text)
	}
	if res.Commits != 1 {
		t.Errorf("Expected 1 commit, got %d", res.Commits)
	}
	if res.Stats.Files != 1 || res.Stats.Added != 3 || res.Stats.Deleted != 0 {
		t.Errorf("Unexpected stats: %+v", res.Stats)
	}
	if res.SizeBytes != len(res.Text) {
		t.Errorf("Expected SizeBytes %d, got %d", len(res.Text), res.SizeBytes)
	}
	if res.SizeTooLarge {
		t.Error("Expected diff under threshold")
	}
}

func TestDiffSizeThreshold(t *testing.T) {
	_, _, _, path := syncedPR(t)

	d := NewDiffExtractor(10, logging.Discard())
	res, err := d.Diff(context.Background(), path, "feature/x", "main")
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if !res.SizeTooLarge {
		t.Errorf("Expected SizeTooLarge for %d bytes over a 10 byte limit", res.SizeBytes)
	}
}

func TestDiffDegradesWithoutMergeBase(t *testing.T) {
	ctx := context.Background()
	author, origin, s, path := syncedPR(t)

	author.Run("checkout", "--orphan", "unrelated")
	author.Run("rm", "-rf", "--cached", ".")
	author.CommitFile("other.txt", "other\n", "unrelated root")
	author.Run("push", "origin", "unrelated")
	if _, err := s.Ensure(ctx, "demo", origin.Dir, "feature/x"); err != nil {
		t.Fatalf("re-sync failed: %v", err)
	}

	d := NewDiffExtractor(0, logging.Discard())
	res, err := d.Diff(ctx, path, "feature/x", "unrelated")
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if !res.Degraded {
		t.Error("Expected degraded diff for unrelated histories")
	}
	if res.MergeBase != author.HeadSHA() {
		t.Errorf("Expected destination tip %s as base, got %s", author.HeadSHA(), res.MergeBase)
	}
}

func TestDiffMissingBranch(t *testing.T) {
	_, _, _, path := syncedPR(t)

	d := NewDiffExtractor(0, logging.Discard())
	_, err := d.Diff(context.Background(), path, "feature/x", "release")
	var diffErr *DiffError
	if !errors.As(err, &diffErr) {
		t.Fatalf("Expected DiffError, got %v", err)
	}
	if diffErr.Op != "resolve destination" {
		t.Errorf("Expected resolve destination op, got %s", diffErr.Op)
	}
}

func TestParseStats(t *testing.T) {
	text := `diff --git a/a.txt b/a.txt
index 7898192..6178079 100644
--- a/a.txt
+++ b/a.txt
@@ -1,2 +1,3 @@
 keep
-old
+new
+extra
diff --git a/b.txt b/b.txt
new file mode 100644
index 0000000..e69de29
--- /dev/null
+++ b/b.txt
@@ -0,0 +1 @@
+hello
`
	stats, err := ParseStats(text)
	if err != nil {
		t.Fatalf("ParseStats failed: %v", err)
	}
	if stats.Files != 2 {
		t.Errorf("Expected 2 files, got %d", stats.Files)
	}
	if stats.Added != 3 || stats.Deleted != 1 {
		t.Errorf("Expected +3 -1, got +%d -%d", stats.Added, stats.Deleted)
	}

	empty, err := ParseStats("")
	if err != nil || empty != (DiffStats{}) {
		t.Errorf("Expected zero stats for empty diff, got %+v, %v", empty, err)
	}
}
