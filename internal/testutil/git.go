package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// GitHelper runs git commands in a repo directory.
type GitHelper struct {
	t            *testing.T
	dir          string
	resolvedPath string
}

func (g *GitHelper) Run(args ...string) string {
	g.t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = g.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		g.t.Fatalf("git %v: %s: %v", args, out, err)
	}
	return strings.TrimSpace(string(out))
}

func (g *GitHelper) Path() string {
	if g.resolvedPath != "" {
		return g.resolvedPath
	}
	return g.dir
}

func (g *GitHelper) HeadSHA() string {
	g.t.Helper()
	return g.Run("rev-parse", "HEAD")
}

// CommitFile writes name (creating parent directories) and commits it.
func (g *GitHelper) CommitFile(name, content, msg string) {
	g.t.Helper()
	path := filepath.Join(g.dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		g.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		g.t.Fatal(err)
	}
	g.Run("add", name)
	g.Run("commit", "-m", msg)
}

func newHelper(t *testing.T) *GitHelper {
	t.Helper()
	dir := t.TempDir()

	// Resolve symlinks for macOS /var -> /private/var
	resolvedPath, err := filepath.EvalSymlinks(dir)
	if err != nil {
		resolvedPath = dir
	}
	return &GitHelper{t: t, dir: dir, resolvedPath: resolvedPath}
}

func NewGitRepo(t *testing.T) *GitHelper {
	t.Helper()
	g := newHelper(t)
	g.Run("init", "-b", "main")
	g.Run("config", "user.email", "test@test.com")
	g.Run("config", "user.name", "Test")
	return g
}

// NewBareGitRepo creates a bare repository to act as a remote.
func NewBareGitRepo(t *testing.T) *GitHelper {
	t.Helper()
	g := newHelper(t)
	g.Run("init", "--bare", "-b", "main")
	return g
}

// Remote is a bare "origin" plus an authoring clone that pushes to it,
// standing in for a hosted repository.
type Remote struct {
	Origin *GitHelper
	Author *GitHelper
}

// NewRemote returns a remote whose main branch holds one pushed commit.
func NewRemote(t *testing.T) *Remote {
	t.Helper()
	r := &Remote{Origin: NewBareGitRepo(t), Author: NewGitRepo(t)}
	r.Author.CommitFile("README.md", "# fixture\n", "initial")
	r.Author.Run("remote", "add", "origin", r.Origin.Path())
	r.Author.Run("push", "origin", "main")
	return r
}

// URL is what a synchronizer clones from.
func (r *Remote) URL() string {
	return r.Origin.Path()
}

// PushBranch creates branch from base in the authoring clone, commits
// files on it and pushes it. Returns the branch tip.
func (r *Remote) PushBranch(branch, base string, files map[string]string) string {
	r.Author.t.Helper()
	r.Author.Run("checkout", "-B", branch, base)
	for name, content := range files {
		r.Author.CommitFile(name, content, "update "+name)
	}
	r.Author.Run("push", "--force", "origin", branch)
	return r.Author.HeadSHA()
}
