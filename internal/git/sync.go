package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/logging"
)

// ErrNoSourceBranch is returned when a sync request names no source branch.
var ErrNoSourceBranch = errors.New("source branch is required")

// SyncError reports a failed clone, fetch, or reset. The working copy is
// left as it was for inspection.
type SyncError struct {
	Repository string
	Op         string
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %s: %v", e.Repository, e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Synchronizer keeps one working copy per repository under Root, each reset
// to the tip of the branch under review.
type Synchronizer struct {
	Root string

	// Optional credentials for private HTTPS remotes. They are passed to git
	// on the command line for each network operation and never written into
	// the working copy's config.
	User  string
	Token string

	Logger *slog.Logger
}

// NewSynchronizer creates a Synchronizer rooted at root.
func NewSynchronizer(root, user, token string, logger *slog.Logger) *Synchronizer {
	logger = logging.OrDefault(logger, logging.SubsystemGit)
	return &Synchronizer{Root: root, User: user, Token: token, Logger: logger}
}

// SanitizeName maps a repository name to a single safe path component.
func SanitizeName(name string) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	s := b.String()
	if strings.Trim(s, ".") == "" {
		return "", fmt.Errorf("invalid repository name %q", name)
	}
	if strings.HasPrefix(s, ".") {
		s = "_" + s[1:]
	}
	return s, nil
}

// Path returns the working copy location for a repository.
func (s *Synchronizer) Path(name string) (string, error) {
	dir, err := SanitizeName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, dir), nil
}

// Ensure makes sure a working copy of the repository exists and matches
// origin/<sourceBranch>, returning its path. The first call clones; later
// calls fetch, hard reset, and clean.
func (s *Synchronizer) Ensure(ctx context.Context, name, cloneURL, sourceBranch string) (string, error) {
	if sourceBranch == "" {
		return "", &SyncError{Repository: name, Op: "validate", Err: ErrNoSourceBranch}
	}
	path, err := s.Path(name)
	if err != nil {
		return "", &SyncError{Repository: name, Op: "validate", Err: err}
	}

	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		if err := s.clone(ctx, name, path, cloneURL, sourceBranch); err != nil {
			return "", err
		}
		return path, nil
	case err != nil:
		return "", &SyncError{Repository: name, Op: "stat", Err: err}
	case !info.IsDir() || !IsWorkTreeRoot(ctx, path):
		return "", &SyncError{Repository: name, Op: "stat", Err: fmt.Errorf("%s exists but is not a git working copy", path)}
	}

	if err := s.update(ctx, name, path, cloneURL, sourceBranch); err != nil {
		return "", err
	}
	return path, nil
}

// clone checks the source branch out into a temporary sibling and renames it
// into place, so a half-finished clone never occupies the working copy path.
func (s *Synchronizer) clone(ctx context.Context, name, path, cloneURL, sourceBranch string) error {
	authURL, err := WithCredentials(cloneURL, s.User, s.Token)
	if err != nil {
		return &SyncError{Repository: name, Op: "clone", Err: err}
	}
	if err := os.MkdirAll(s.Root, 0755); err != nil {
		return &SyncError{Repository: name, Op: "clone", Err: err}
	}

	tmp := filepath.Join(s.Root, "."+filepath.Base(path)+".clone-"+uuid.NewString())
	s.Logger.Info("cloning repository", "repo", name, "url", Redact(cloneURL), "branch", sourceBranch)

	if _, err := run(ctx, s.Root, "clone", "--branch="+sourceBranch, "--", authURL, tmp); err != nil {
		os.RemoveAll(tmp)
		return &SyncError{Repository: name, Op: "clone", Err: err}
	}
	if authURL != cloneURL {
		if _, err := run(ctx, tmp, "remote", "set-url", "origin", StripCredentials(cloneURL)); err != nil {
			os.RemoveAll(tmp)
			return &SyncError{Repository: name, Op: "clone", Err: err}
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.RemoveAll(tmp)
		return &SyncError{Repository: name, Op: "clone", Err: err}
	}
	return nil
}

func (s *Synchronizer) update(ctx context.Context, name, path, cloneURL, sourceBranch string) error {
	plainURL := StripCredentials(cloneURL)
	if current := GetRemoteURL(ctx, path, "origin"); current != plainURL {
		s.Logger.Info("updating origin url", "repo", name, "url", Redact(plainURL))
		args := []string{"remote", "set-url", "origin", plainURL}
		if current == "" {
			args = []string{"remote", "add", "origin", plainURL}
		}
		if _, err := run(ctx, path, args...); err != nil {
			return &SyncError{Repository: name, Op: "remote", Err: err}
		}
	}

	authURL, err := WithCredentials(plainURL, s.User, s.Token)
	if err != nil {
		return &SyncError{Repository: name, Op: "fetch", Err: err}
	}
	s.Logger.Debug("fetching", "repo", name)
	if _, err := run(ctx, path, "fetch", "--prune", "--", authURL, "+refs/heads/*:refs/remotes/origin/*"); err != nil {
		return &SyncError{Repository: name, Op: "fetch", Err: err}
	}

	ref := remoteRef(sourceBranch)
	if _, err := ResolveSHA(ctx, path, ref); err != nil {
		return &SyncError{Repository: name, Op: "fetch", Err: fmt.Errorf("branch %q not found on origin", sourceBranch)}
	}
	if _, err := run(ctx, path, "checkout", "--force", "--detach", ref); err != nil {
		return &SyncError{Repository: name, Op: "reset", Err: err}
	}
	if _, err := run(ctx, path, "reset", "--hard", ref); err != nil {
		return &SyncError{Repository: name, Op: "reset", Err: err}
	}
	if _, err := run(ctx, path, "clean", "-fdx"); err != nil {
		return &SyncError{Repository: name, Op: "clean", Err: err}
	}
	return nil
}
