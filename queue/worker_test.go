package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"staffsync/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProcessor returns a fixed outcome per subject and records every
// delivery.
type scriptedProcessor struct {
	mu       sync.Mutex
	outcomes map[string]Outcome
	handled  map[string]int
}

func newScriptedProcessor() *scriptedProcessor {
	return &scriptedProcessor{
		outcomes: make(map[string]Outcome),
		handled:  make(map[string]int),
	}
}

func (p *scriptedProcessor) Name() string { return "scripted" }

func (p *scriptedProcessor) Handle(ctx context.Context, job models.QueueJob) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handled[job.SubjectID]++
	if outcome, ok := p.outcomes[job.SubjectID]; ok {
		return outcome
	}
	return Done()
}

func (p *scriptedProcessor) deliveries(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handled[subject]
}

func testPoolOptions() PoolOptions {
	return PoolOptions{
		PollInterval: 20 * time.Millisecond,
		BatchSize:    10,
		Concurrency:  4,
		JobTimeout:   5 * time.Second,
	}
}

func waitForState(t *testing.T, store *JobStore, jobID uint, want string) *models.QueueJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.FindByID(context.Background(), jobID)
		require.NoError(t, err)
		if job.State == want && job.LockOwner == nil {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %d never reached state %s", jobID, want)
	return nil
}

func TestWorkerPoolAppliesOutcomes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	processor := newScriptedProcessor()
	processor.outcomes["emp-dup"] = Duplicate(errors.New("same email twice"))
	processor.outcomes["emp-perm"] = Permanent(errors.New("subject gone"))

	var ids []uint
	for _, subject := range []string{"emp-ok", "emp-dup", "emp-perm"} {
		_, err := store.Enqueue(ctx, subject, subject+":op")
		require.NoError(t, err)
	}
	jobs, err := store.ClaimBatch(ctx, "probe", 10, time.Now())
	require.NoError(t, err)
	for _, job := range jobs {
		require.NoError(t, store.ForceUnlock(ctx, job.ID))
		ids = append(ids, job.ID)
	}
	require.Len(t, ids, 3)

	pool := NewWorkerPool(store, processor, testPoolOptions())
	pool.Start()
	defer pool.Stop()

	ok := waitForState(t, store, ids[0], models.JobDone)
	assert.Nil(t, ok.LastError)

	dup := waitForState(t, store, ids[1], models.JobErrorDuplicate)
	require.NotNil(t, dup.LastError)
	assert.Equal(t, "same email twice", *dup.LastError)

	perm := waitForState(t, store, ids[2], models.JobErrorPermanent)
	require.NotNil(t, perm.LastError)
}

func TestWorkerPoolRetriesUntilPermanent(t *testing.T) {
	store := newTestStore(t) // MaxAttempts: 3
	ctx := context.Background()

	processor := newScriptedProcessor()
	processor.outcomes["emp-flaky"] = Retry(errors.New("store unavailable"))

	_, err := store.Enqueue(ctx, "emp-flaky", "emp-flaky:op")
	require.NoError(t, err)
	jobs, err := store.ClaimBatch(ctx, "probe", 1, time.Now())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, store.ForceUnlock(ctx, jobs[0].ID))

	// Short backoff so retries are actually due during the test window.
	store.opts.BackoffBase = time.Millisecond
	store.opts.BackoffCap = 2 * time.Millisecond

	pool := NewWorkerPool(store, processor, testPoolOptions())
	pool.Start()
	defer pool.Stop()

	job := waitForState(t, store, jobs[0].ID, models.JobErrorPermanent)
	assert.Equal(t, 3, job.Attempts)
	assert.GreaterOrEqual(t, processor.deliveries("emp-flaky"), 3)
}

func TestWorkerPoolStopLeavesNoLocks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	processor := newScriptedProcessor()
	for i := 0; i < 20; i++ {
		_, err := store.Enqueue(ctx, "emp", "emp:op-"+string(rune('a'+i)))
		require.NoError(t, err)
	}

	pool := NewWorkerPool(store, processor, testPoolOptions())
	pool.Start()
	time.Sleep(60 * time.Millisecond)
	pool.Stop()

	var lockedCount int64
	err := store.db.Table(store.Table()).Where("lock_owner IS NOT NULL").Count(&lockedCount).Error
	require.NoError(t, err)
	assert.Zero(t, lockedCount, "graceful stop must finish or release every claimed job")
}
