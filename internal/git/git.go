// Package git shells out to the git binary to keep per-repository working
// copies in step with their remote and to extract pull-request diffs.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// remoteRef returns the remote-tracking ref for branch. Fully qualified refs
// can't be mistaken for command-line options even if branch starts with '-'.
func remoteRef(branch string) string {
	return "refs/remotes/origin/" + branch
}

// runRaw executes git in dir and returns its stdout untouched. Errors carry
// git's stderr with any embedded credentials redacted.
func runRaw(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Never block on an interactive credential prompt.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(Redact(stderr.String()))
		if msg == "" {
			return "", fmt.Errorf("git %s: %w", args[0], err)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, msg)
	}
	return stdout.String(), nil
}

// run is runRaw with surrounding whitespace trimmed from stdout.
func run(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := runRaw(ctx, dir, args...)
	return strings.TrimSpace(out), err
}

// ResolveSHA resolves a ref to a full commit SHA.
func ResolveSHA(ctx context.Context, repoPath, ref string) (string, error) {
	return run(ctx, repoPath, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
}

// GetMergeBase returns the merge-base commit of two refs.
func GetMergeBase(ctx context.Context, repoPath, ref1, ref2 string) (string, error) {
	return run(ctx, repoPath, "merge-base", ref1, ref2)
}

// CountCommits returns the number of commits reachable from head but not from base.
func CountCommits(ctx context.Context, repoPath, base, head string) (int, error) {
	out, err := run(ctx, repoPath, "rev-list", "--count", base+".."+head)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output: %q", out)
	}
	return n, nil
}

// GetDiff returns the diff from base to head, excluding generated files like
// lock files.
func GetDiff(ctx context.Context, repoPath, base, head string) (string, error) {
	args := []string{"diff", "--no-color", "--no-ext-diff", base, head, "--", "."}
	args = append(args, excludedPathPatterns...)
	return runRaw(ctx, repoPath, args...)
}

// GetRemoteURL returns the configured URL of a remote, or "" if unset.
func GetRemoteURL(ctx context.Context, repoPath, remoteName string) string {
	out, err := run(ctx, repoPath, "remote", "get-url", remoteName)
	if err != nil {
		return ""
	}
	return out
}

// IsWorkTreeRoot reports whether path is the top level of a git work tree.
// A directory nested inside some other repository does not count.
func IsWorkTreeRoot(ctx context.Context, path string) bool {
	top, err := run(ctx, path, "rev-parse", "--show-toplevel")
	if err != nil || top == "" {
		return false
	}
	return samePath(top, path)
}

func samePath(a, b string) bool {
	ra, err := filepath.EvalSymlinks(a)
	if err != nil {
		ra = a
	}
	rb, err := filepath.EvalSymlinks(b)
	if err != nil {
		rb = b
	}
	return filepath.Clean(ra) == filepath.Clean(rb)
}

// excludedPathPatterns contains pathspec patterns for files that should be excluded from diffs.
// These are typically generated files that add noise to reviews.
var excludedPathPatterns = []string{
	":(exclude)uv.lock",
	":(exclude)package-lock.json",
	":(exclude)yarn.lock",
	":(exclude)pnpm-lock.yaml",
	":(exclude)Cargo.lock", // Rust uses capital C
	":(exclude)cargo.lock", // Include lowercase for case-insensitive filesystems
	":(exclude)Gemfile.lock",
	":(exclude)poetry.lock",
	":(exclude)composer.lock",
	":(exclude)go.sum",
	":(exclude).mcp.json", // agent side-channel config copied into the working copy
}
