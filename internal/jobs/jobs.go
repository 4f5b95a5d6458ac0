// Package jobs runs asynchronous enrichment work. Three execution modes
// cover the deployment spectrum: inline for tests and scripts, a bounded
// in-process pool for normal use, and an external hook for callers that
// own a queue.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/MadBomber/htm/internal/errs"
	"github.com/MadBomber/htm/internal/logging"
)

// Kind names a job type.
type Kind string

const (
	KindGenerateEmbedding Kind = "generate_embedding"
	KindGenerateTags      Kind = "generate_tags"
)

// Job is one unit of enrichment work against a node.
type Job struct {
	ID     string
	Kind   Kind
	NodeID int64
}

// NewJob assigns a fresh id.
func NewJob(kind Kind, nodeID int64) Job {
	return Job{ID: uuid.NewString(), Kind: kind, NodeID: nodeID}
}

// Handler executes one job. Handlers must be safe for concurrent use.
type Handler func(ctx context.Context, job Job) error

// Runner accepts jobs for execution.
type Runner interface {
	// Submit hands off a job. Inline runners block until the job
	// finishes; pooled runners return once the job is accepted.
	Submit(ctx context.Context, job Job) error

	// Close drains in-flight work. No Submit may follow.
	Close(ctx context.Context) error
}

// Inline executes each job synchronously in the caller's goroutine.
// Deterministic, which makes it the mode tests use.
type Inline struct {
	handler Handler
}

// NewInline wires a synchronous runner.
func NewInline(handler Handler) *Inline {
	return &Inline{handler: handler}
}

func (r *Inline) Submit(ctx context.Context, job Job) error {
	start := time.Now()
	if err := r.handler(ctx, job); err != nil {
		logging.Warnf(logging.CategoryJobs, "job %s (%s, node %d) failed: %v", job.ID, job.Kind, job.NodeID, err)
		return err
	}
	logging.Debugf(logging.CategoryJobs, "job %s (%s, node %d) done in %s", job.ID, job.Kind, job.NodeID, time.Since(start))
	return nil
}

func (r *Inline) Close(context.Context) error { return nil }

// Pool executes jobs on background goroutines with bounded concurrency.
// Job failures are logged, not returned: enrichment is best-effort and a
// node left unembedded is picked up by the re-embed sweep later.
type Pool struct {
	handler Handler
	sem     *semaphore.Weighted
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool wires a pooled runner running at most workers jobs at once.
func NewPool(handler Handler, workers int) *Pool {
	if workers <= 0 {
		workers = 5
	}
	return &Pool{
		handler: handler,
		sem:     semaphore.NewWeighted(int64(workers)),
	}
}

func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("%w: job runner is closed", errs.ErrValidation)
	}
	p.wg.Add(1)
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.wg.Done()
		return err
	}
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)

		start := time.Now()
		// Jobs run to completion even if the submitter's ctx ends; the
		// pool's own lifecycle governs shutdown.
		if err := p.handler(context.Background(), job); err != nil {
			logging.Warnf(logging.CategoryJobs, "job %s (%s, node %d) failed: %v", job.ID, job.Kind, job.NodeID, err)
			return
		}
		logging.Debugf(logging.CategoryJobs, "job %s (%s, node %d) done in %s", job.ID, job.Kind, job.NodeID, time.Since(start))
	}()
	return nil
}

// Close waits for in-flight jobs, bounded by ctx.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("job drain interrupted: %w", ctx.Err())
	}
}

// EnqueueFunc hands a job to an external queue (Sidekiq-alike, SQS, ...).
type EnqueueFunc func(ctx context.Context, job Job) error

// External delegates execution to caller infrastructure. The caller's
// worker is expected to invoke the same handler the in-process modes use.
type External struct {
	enqueue EnqueueFunc
}

// NewExternal wires an external-queue runner.
func NewExternal(enqueue EnqueueFunc) *External {
	return &External{enqueue: enqueue}
}

func (r *External) Submit(ctx context.Context, job Job) error {
	if r.enqueue == nil {
		return fmt.Errorf("%w: external job mode requires an enqueue function", errs.ErrConfiguration)
	}
	if err := r.enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	logging.Debugf(logging.CategoryJobs, "job %s (%s, node %d) enqueued externally", job.ID, job.Kind, job.NodeID)
	return nil
}

func (r *External) Close(context.Context) error { return nil }
