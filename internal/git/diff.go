package git

import (
	"context"
	"fmt"
	"log/slog"

	godiff "github.com/sourcegraph/go-diff/diff"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/logging"
)

// DiffError reports a failure to compute a pull request's diff.
type DiffError struct {
	Op  string
	Err error
}

func (e *DiffError) Error() string {
	return fmt.Sprintf("diff %s: %v", e.Op, e.Err)
}

func (e *DiffError) Unwrap() error { return e.Err }

// DiffStats summarizes a diff.
type DiffStats struct {
	Files   int `json:"files"`
	Added   int `json:"added"`
	Deleted int `json:"deleted"`
}

func (s DiffStats) String() string {
	return fmt.Sprintf("%d files changed, %d insertions(+), %d deletions(-)", s.Files, s.Added, s.Deleted)
}

// DiffResult is the change set a pull request introduces.
type DiffResult struct {
	Text         string
	SizeBytes    int
	MergeBase    string
	Head         string
	Commits      int
	Stats        DiffStats
	SizeTooLarge bool
	// Degraded is set when no merge-base exists and the destination tip
	// was used as the base instead.
	Degraded bool
}

// DiffExtractor computes pull-request diffs in a synchronized working copy.
type DiffExtractor struct {
	// MaxBytes is the size above which SizeTooLarge is set. Zero disables
	// the check.
	MaxBytes int
	Logger   *slog.Logger
}

// NewDiffExtractor creates a DiffExtractor with the given size threshold.
func NewDiffExtractor(maxBytes int, logger *slog.Logger) *DiffExtractor {
	logger = logging.OrDefault(logger, logging.SubsystemGit)
	return &DiffExtractor{MaxBytes: maxBytes, Logger: logger}
}

// Diff returns the changes on origin/<source> since it forked from
// origin/<destination>. Commits added to the destination after the fork
// are not part of the result.
func (d *DiffExtractor) Diff(ctx context.Context, repoPath, source, destination string) (*DiffResult, error) {
	head, err := ResolveSHA(ctx, repoPath, remoteRef(source))
	if err != nil {
		return nil, &DiffError{Op: "resolve source", Err: fmt.Errorf("%s: %w", source, err)}
	}
	dest, err := ResolveSHA(ctx, repoPath, remoteRef(destination))
	if err != nil {
		return nil, &DiffError{Op: "resolve destination", Err: fmt.Errorf("%s: %w", destination, err)}
	}

	res := &DiffResult{Head: head}
	base, err := GetMergeBase(ctx, repoPath, dest, head)
	if err != nil || base == "" {
		d.Logger.Warn("no merge-base, diffing against destination tip",
			"source", source, "destination", destination, "error", err)
		base = dest
		res.Degraded = true
	}
	res.MergeBase = base

	text, err := GetDiff(ctx, repoPath, base, head)
	if err != nil {
		return nil, &DiffError{Op: "diff", Err: err}
	}
	res.Text = text
	res.SizeBytes = len(text)
	res.SizeTooLarge = d.MaxBytes > 0 && res.SizeBytes > d.MaxBytes

	if n, err := CountCommits(ctx, repoPath, base, head); err == nil {
		res.Commits = n
	}

	stats, err := ParseStats(text)
	if err != nil {
		d.Logger.Debug("could not parse diff stats", "error", err)
	}
	res.Stats = stats
	return res, nil
}

// ParseStats counts files and changed lines in a unified diff.
func ParseStats(text string) (DiffStats, error) {
	var stats DiffStats
	if text == "" {
		return stats, nil
	}
	files, err := godiff.ParseMultiFileDiff([]byte(text))
	if err != nil {
		return stats, err
	}
	for _, f := range files {
		st := f.Stat()
		stats.Files++
		// go-diff pairs a deletion with an addition as one "changed" line.
		stats.Added += int(st.Added + st.Changed)
		stats.Deleted += int(st.Deleted + st.Changed)
	}
	return stats, nil
}
