package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"staffsync/models"
	"staffsync/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type OutcomeKind int

const (
	OutcomeDone OutcomeKind = iota
	OutcomeRetry
	OutcomeDuplicate
	OutcomePermanent
)

// Outcome is a processor's verdict on one claimed job.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

func Done() Outcome               { return Outcome{Kind: OutcomeDone} }
func Retry(err error) Outcome     { return Outcome{Kind: OutcomeRetry, Err: err} }
func Duplicate(err error) Outcome { return Outcome{Kind: OutcomeDuplicate, Err: err} }
func Permanent(err error) Outcome { return Outcome{Kind: OutcomePermanent, Err: err} }

// Processor holds the business logic for one queue. Handle must be safe to
// re-run for the same subject: jobs are delivered at least once.
type Processor interface {
	Name() string
	Handle(ctx context.Context, job models.QueueJob) Outcome
}

// PoolOptions tunes one worker pool.
type PoolOptions struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int64
	JobTimeout   time.Duration
}

// WorkerPool polls one queue, claims batches under a unique worker identity
// and dispatches each job to the processor with bounded concurrency.
type WorkerPool struct {
	store     *JobStore
	processor Processor
	workerID  string
	opts      PoolOptions

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorkerPool(store *JobStore, processor Processor, opts PoolOptions) *WorkerPool {
	return &WorkerPool{
		store:     store,
		processor: processor,
		workerID:  processor.Name() + "-" + uuid.New().String()[:8],
		opts:      opts,
		sem:       semaphore.NewWeighted(opts.Concurrency),
		done:      make(chan struct{}),
	}
}

// Start launches the polling loop. Call Stop to shut down.
func (p *WorkerPool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	utils.Logger.Info("Worker pool started",
		zap.String("queue", p.store.Table()),
		zap.String("worker_id", p.workerID))
	go p.run(ctx)
}

// Stop halts polling, waits for in-flight jobs to finish and releases the
// lease on anything claimed but not yet started. No job is left falsely
// locked by a clean shutdown.
func (p *WorkerPool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.wg.Wait()
	utils.Logger.Info("Worker pool stopped",
		zap.String("queue", p.store.Table()),
		zap.String("worker_id", p.workerID))
}

func (p *WorkerPool) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		p.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *WorkerPool) pollOnce(ctx context.Context) {
	jobs, err := p.store.ClaimBatch(ctx, p.workerID, p.opts.BatchSize, time.Now())
	if err != nil {
		if ctx.Err() == nil {
			utils.Logger.Error("Failed to claim jobs",
				zap.String("queue", p.store.Table()), zap.Error(err))
		}
		return
	}

	for _, job := range jobs {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			// Shutting down: release claimed jobs we never started.
			p.release(job.ID)
			continue
		}
		p.wg.Add(1)
		go func(job models.QueueJob) {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.process(job)
		}(job)
	}
}

func (p *WorkerPool) process(job models.QueueJob) {
	// Detached from the pool context so in-flight jobs run to completion
	// during graceful shutdown, bounded by the per-job timeout.
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.JobTimeout)
	defer cancel()

	outcome := p.processor.Handle(ctx, job)
	p.apply(ctx, job, outcome)
}

func (p *WorkerPool) apply(ctx context.Context, job models.QueueJob, outcome Outcome) {
	var err error
	switch outcome.Kind {
	case OutcomeDone:
		err = p.store.MarkDone(ctx, job.ID)
	case OutcomeRetry:
		utils.Logger.Warn("Job failed, scheduling retry",
			zap.String("queue", p.store.Table()),
			zap.Uint("job_id", job.ID),
			zap.Int("attempts", job.Attempts+1),
			zap.Error(outcome.Err))
		err = p.store.MarkRetry(ctx, job.ID, errString(outcome.Err))
	case OutcomeDuplicate:
		err = p.store.MarkTerminal(ctx, job.ID, models.JobErrorDuplicate, errString(outcome.Err))
	case OutcomePermanent:
		err = p.store.MarkTerminal(ctx, job.ID, models.JobErrorPermanent, errString(outcome.Err))
	default:
		err = fmt.Errorf("unknown outcome kind %d", outcome.Kind)
	}
	if err != nil {
		// The lease stays on the row; the reclaimer will free it.
		utils.Logger.Error("Failed to record job outcome",
			zap.String("queue", p.store.Table()),
			zap.Uint("job_id", job.ID),
			zap.Error(err))
	}
}

func (p *WorkerPool) release(jobID uint) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.ForceUnlock(ctx, jobID); err != nil {
		utils.Logger.Error("Failed to release claimed job on shutdown",
			zap.String("queue", p.store.Table()),
			zap.Uint("job_id", jobID),
			zap.Error(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
