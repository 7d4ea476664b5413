package daemon

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/logging"
	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/webhook"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("queue closed")

// Job is one queued review.
type Job struct {
	ID         string
	Request    *webhook.ReviewRequest
	EnqueuedAt time.Time
}

// Handler processes a single job. It is never called concurrently.
type Handler func(ctx context.Context, job *Job)

// Queue is a FIFO of review jobs drained by a single goroutine. At most one
// job is processing at any time; a job leaves the queue the moment it starts.
//
// The drain goroutine only exists while there is work: Enqueue starts it when
// the queue is idle, and it exits once the queue is empty.
type Queue struct {
	handler Handler
	logger  *slog.Logger

	mu      sync.Mutex
	pending []*Job
	active  bool
	closed  bool
	drainWG sync.WaitGroup
}

// NewQueue creates an idle queue.
func NewQueue(handler Handler, logger *slog.Logger) *Queue {
	return &Queue{
		handler: handler,
		logger:  logging.OrDefault(logger, logging.SubsystemQueue),
	}
}

// Enqueue appends req and returns the new job together with its position
// among waiting jobs (1 is next in line).
func (q *Queue) Enqueue(req *webhook.ReviewRequest) (*Job, int, error) {
	job := &Job{ID: uuid.NewString(), Request: req, EnqueuedAt: time.Now()}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, 0, ErrQueueClosed
	}
	q.pending = append(q.pending, job)
	position := len(q.pending)
	if !q.active {
		q.active = true
		q.drainWG.Add(1)
		go q.drain()
	}

	q.logger.Info("review queued", "job", job.ID, "repo", req.RepositoryName,
		"source", req.SourceBranch, "position", position)
	return job, position, nil
}

// Len returns the number of waiting jobs, excluding the one in progress.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Active reports whether a job is being processed.
func (q *Queue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// next pops the head, or marks the queue idle when there is nothing to do.
func (q *Queue) next() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 || q.closed {
		q.active = false
		return nil, false
	}
	job := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return job, true
}

func (q *Queue) drain() {
	defer q.drainWG.Done()
	for {
		job, ok := q.next()
		if !ok {
			return
		}
		q.run(job)
	}
}

// run calls the handler, containing any panic so the loop keeps going.
func (q *Queue) run(job *Job) {
	logger := q.logger.With("job", job.ID, "repo", job.Request.RepositoryName)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("review handler panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	logger.Debug("review started", "waited", time.Since(job.EnqueuedAt).Round(time.Millisecond))
	q.handler(context.Background(), job)
}

// Close stops accepting jobs, drops the ones still waiting and waits for the
// job in progress, if any, until ctx is done.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, job := range dropped {
		q.logger.Warn("dropping queued review on shutdown", "job", job.ID,
			"repo", job.Request.RepositoryName, "source", job.Request.SourceBranch)
	}

	done := make(chan struct{})
	go func() {
		q.drainWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
