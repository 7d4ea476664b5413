package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/agent"
	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/config"
	gitpkg "github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/git"
	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/logging"
	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/metrics"
	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/prompt"
	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/review"
)

// RepoSyncer brings a working copy to the tip of a source branch.
type RepoSyncer interface {
	Ensure(ctx context.Context, name, cloneURL, sourceBranch string) (string, error)
}

// DiffSource computes the change set of a pull request.
type DiffSource interface {
	Diff(ctx context.Context, repoPath, source, destination string) (*gitpkg.DiffResult, error)
}

// AgentRunner runs the review agent.
type AgentRunner interface {
	Invoke(ctx context.Context, inv agent.Invocation) (*agent.Result, error)
}

// Reviewer runs the review pipeline for one job: synchronize, diff, render
// the prompt, invoke the agent, interpret, record. Every failure ends up in
// metrics and the error log; nothing escapes Handle.
type Reviewer struct {
	Syncer    RepoSyncer
	Differ    DiffSource
	Agent     AgentRunner
	Templates TemplateSource
	Metrics   *metrics.Recorder
	ErrorLog  *ErrorLog

	Model   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewReviewer wires the pipeline stages from the service configuration.
func NewReviewer(cfg *config.Config, templates TemplateSource, rec *metrics.Recorder, errorLog *ErrorLog, root *logging.Root) *Reviewer {
	logger := func(subsystem string) *slog.Logger {
		if root == nil {
			return nil
		}
		return root.Logger(subsystem)
	}
	return &Reviewer{
		Syncer:    gitpkg.NewSynchronizer(cfg.ReposDir, cfg.GitAuthUser, cfg.GitAuthToken, logger(logging.SubsystemGit)),
		Differ:    gitpkg.NewDiffExtractor(cfg.MaxDiffSizeKB*1024, logger(logging.SubsystemGit)),
		Agent:     agent.NewInvoker(cfg, logger(logging.SubsystemAgent)),
		Templates: templates,
		Metrics:   rec,
		ErrorLog:  errorLog,
		Model:     cfg.AgentModel,
		Timeout:   time.Duration(cfg.JobTimeoutMinutes) * time.Minute,
		Logger:    logging.OrDefault(logger(logging.SubsystemQueue), logging.SubsystemQueue),
	}
}

// Handle is the queue Handler.
func (r *Reviewer) Handle(ctx context.Context, job *Job) {
	_, _ = r.Process(ctx, job)
}

// stageError tags a pipeline failure with its metrics error type.
type stageError struct {
	errorType string
	err       error
}

func (e *stageError) Error() string { return e.errorType + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// ErrorType returns the metrics error type of an error returned by Process,
// or "" if err is nil.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var se *stageError
	if errors.As(err, &se) {
		return se.errorType
	}
	return classify(err)
}

// classify maps a stage error to its metrics error type.
func classify(err error) string {
	var (
		syncErr    *gitpkg.SyncError
		diffErr    *gitpkg.DiffError
		renderErr  *prompt.RenderError
		timeoutErr *agent.TimeoutError
	)
	switch {
	case errors.As(err, &syncErr):
		return metrics.ErrorTypeSync
	case errors.As(err, &diffErr):
		return metrics.ErrorTypeDiff
	case errors.As(err, &renderErr):
		return metrics.ErrorTypePrompt
	case errors.As(err, &timeoutErr):
		return metrics.ErrorTypeTimeout
	default:
		return metrics.ErrorTypeUnknown
	}
}

// Process reviews one job. The returned error is informational: it has
// already been logged and counted.
func (r *Reviewer) Process(ctx context.Context, job *Job) (verdict *review.Verdict, err error) {
	req := job.Request
	logger := logging.OrDefault(r.Logger, logging.SubsystemQueue).With("job", job.ID, "repo", req.RepositoryName)
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			logger.Error("review panicked", "panic", p, "stack", string(debug.Stack()))
			verdict = nil
			err = &stageError{errorType: metrics.ErrorTypePanic, err: fmt.Errorf("panic: %v", p)}
			r.fail(job, logger, start, err)
		}
	}()

	logger.Info("review started", "source", req.SourceBranch, "destination", req.DestinationBranch,
		"event", req.EventKey, "title", req.Title)

	path, err := r.Syncer.Ensure(ctx, req.RepositoryName, req.CloneURL, req.SourceBranch)
	if err != nil {
		return nil, r.fail(job, logger, start, err)
	}

	diff, err := r.Differ.Diff(ctx, path, req.SourceBranch, req.DestinationBranch)
	if err != nil {
		return nil, r.fail(job, logger, start, err)
	}
	logger.Info("diff computed", "merge_base", diff.MergeBase, "bytes", diff.SizeBytes,
		"stats", diff.Stats.String(), "too_large", diff.SizeTooLarge, "degraded", diff.Degraded)

	var set *prompt.Set
	if r.Templates != nil {
		set = r.Templates.Templates()
	}
	text, err := prompt.Build(set, req, diff)
	if err != nil {
		return nil, r.fail(job, logger, start, err)
	}

	res, err := r.Agent.Invoke(ctx, agent.Invocation{
		JobID:   job.ID,
		Prompt:  text,
		Dir:     path,
		Model:   r.Model,
		Timeout: r.Timeout,
	})
	if err != nil {
		return nil, r.fail(job, logger, start, err)
	}
	if res.Truncated {
		logger.Warn("agent output exceeded the capture limit; kept the tail")
	}

	v := review.Interpret(res.Stdout)
	v.DurationSeconds = time.Since(start).Seconds()
	if !v.Interpreted {
		logger.Warn("could not interpret agent output", "warning", v.Warning)
		r.ErrorLog.LogWarn("worker", v.Warning, job.ID)
	}

	if v.IsFailed {
		err := &stageError{errorType: metrics.ErrorTypeReviewFailed, err: errors.New(v.FailureReason)}
		r.fail(job, logger, start, err)
		return &v, err
	}

	repo := req.RepositoryName
	r.Metrics.RecordSuccess(repo)
	if v.IsApproved {
		r.Metrics.RecordApproval(repo)
	}
	r.Metrics.RecordIssues(repo, v.IssueCount)
	r.Metrics.RecordDuration(repo, metrics.StatusSuccess, v.DurationSeconds)

	logger.Info("review finished", "lgtm", v.IsApproved, "issues", v.IssueCount,
		"interpreted", v.Interpreted, "duration", time.Since(start).Round(time.Millisecond))
	return &v, nil
}

// fail records a failed job and returns err tagged with its error type.
func (r *Reviewer) fail(job *Job, logger *slog.Logger, start time.Time, err error) error {
	errorType := ErrorType(err)
	repo := job.Request.RepositoryName
	r.Metrics.RecordFailure(repo, errorType)
	r.Metrics.RecordDuration(repo, metrics.StatusFailure, time.Since(start).Seconds())

	msg := gitpkg.Redact(err.Error())
	logger.Error("review failed", "error_type", errorType, "error", msg)
	r.ErrorLog.LogJobFailure(job, errorType, msg)

	var se *stageError
	if errors.As(err, &se) {
		return err
	}
	return &stageError{errorType: errorType, err: err}
}
