package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"staffsync/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestEnqueueDedupe(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Enqueue(ctx, "emp-1", "emp-1:identity_sync")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.Enqueue(ctx, "emp-1", "emp-1:identity_sync")
	require.NoError(t, err)
	assert.False(t, created, "second enqueue for the same dedupe key must be a no-op")

	counts, err := store.CountsByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.JobPending])
}

func TestClaimBatchExclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const jobs = 40
	for i := 0; i < jobs; i++ {
		_, err := store.Enqueue(ctx, "emp", "emp:op-"+string(rune('a'+i%26))+string(rune('0'+i/26)))
		require.NoError(t, err)
	}

	const workers = 4
	var mu sync.Mutex
	seen := make(map[uint]string)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				claimed, err := store.ClaimBatch(ctx, workerID, 5, time.Now())
				assert.NoError(t, err)
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, job := range claimed {
					owner, dup := seen[job.ID]
					assert.False(t, dup, "job %d claimed by both %s and %s", job.ID, owner, workerID)
					seen[job.ID] = workerID
				}
				mu.Unlock()
			}
		}(string(rune('A' + w)))
	}
	wg.Wait()

	assert.Equal(t, jobs, len(seen), "every job claimed exactly once")
}

func TestClaimSkipsLockedAndFutureRetries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.Enqueue(ctx, "emp-1", "emp-1:op")
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "emp-2", "emp-2:op")
	require.NoError(t, err)

	claimed, err := store.ClaimBatch(ctx, "worker-a", 1, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// A locked row must not be claimable by another worker.
	claimedB, err := store.ClaimBatch(ctx, "worker-b", 10, now)
	require.NoError(t, err)
	require.Len(t, claimedB, 1)
	assert.NotEqual(t, claimed[0].ID, claimedB[0].ID)

	// A retry scheduled in the future is not due yet.
	require.NoError(t, store.MarkRetry(ctx, claimedB[0].ID, "transient"))
	claimedC, err := store.ClaimBatch(ctx, "worker-c", 10, now)
	require.NoError(t, err)
	assert.Empty(t, claimedC)

	// Once the retry time passes it becomes claimable again.
	claimedD, err := store.ClaimBatch(ctx, "worker-d", 10, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, claimedD, 1)
	assert.Equal(t, claimedB[0].ID, claimedD[0].ID)
}

func TestClaimOneRechecksRetryTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.Enqueue(ctx, "emp-1", "emp-1:op")
	require.NoError(t, err)
	claimed, err := store.ClaimBatch(ctx, "worker-a", 1, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	jobID := claimed[0].ID

	// Another worker marking the row for retry after this caller selected it
	// as a candidate must not let the stale claim through before the backoff
	// is due.
	require.NoError(t, store.MarkRetry(ctx, jobID, "transient"))
	won, err := store.claimOne(ctx, jobID, "worker-b", now)
	require.NoError(t, err)
	assert.False(t, won)

	job, err := store.FindByID(ctx, jobID)
	require.NoError(t, err)
	assert.Nil(t, job.LockOwner)

	won, err = store.claimOne(ctx, jobID, "worker-b", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, won)
}

func TestMarkRetryExhaustsToPermanent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "emp-1", "emp-1:op")
	require.NoError(t, err)
	claimed, err := store.ClaimBatch(ctx, "worker", 1, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	jobID := claimed[0].ID

	// MaxAttempts is 3 in the test store.
	require.NoError(t, store.MarkRetry(ctx, jobID, "boom 1"))
	job, err := store.FindByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.NotNil(t, job.NextRetryAt)
	assert.Nil(t, job.LockOwner)

	require.NoError(t, store.MarkRetry(ctx, jobID, "boom 2"))
	require.NoError(t, store.MarkRetry(ctx, jobID, "boom 3"))

	job, err = store.FindByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobErrorPermanent, job.State)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "boom 3", *job.LastError)
	assert.Nil(t, job.NextRetryAt)
}

func TestMarkDoneAndTerminalClearLocks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"emp-1:op", "emp-2:op"} {
		_, err := store.Enqueue(ctx, key[:5], key)
		require.NoError(t, err)
	}
	claimed, err := store.ClaimBatch(ctx, "worker", 2, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	require.NoError(t, store.MarkDone(ctx, claimed[0].ID))
	require.NoError(t, store.MarkTerminal(ctx, claimed[1].ID, models.JobErrorDuplicate, "duplicate email"))

	done, err := store.FindByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDone, done.State)
	assert.Nil(t, done.LockOwner)
	assert.Nil(t, done.LockedAt)

	dup, err := store.FindByID(ctx, claimed[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobErrorDuplicate, dup.State)
	require.NotNil(t, dup.LastError)
	assert.Equal(t, "duplicate email", *dup.LastError)
	assert.Nil(t, dup.LockOwner)
}

func TestReclaimStuckHonorsLease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	lease := 10 * time.Minute
	now := time.Now()

	_, err := store.Enqueue(ctx, "emp-1", "emp-1:op")
	require.NoError(t, err)
	claimed, err := store.ClaimBatch(ctx, "dead-worker", 1, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Inside the lease window nothing is reclaimed.
	reclaimed, err := store.ReclaimStuck(ctx, lease, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, reclaimed)

	// Past the lease window the row is freed and claimable again.
	reclaimed, err = store.ReclaimStuck(ctx, lease, now.Add(11*time.Minute))
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, claimed[0].ID, reclaimed[0].ID)

	again, err := store.ClaimBatch(ctx, "live-worker", 1, now.Add(11*time.Minute))
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, claimed[0].ID, again[0].ID)
}

func TestRequeueResetsTerminalRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "emp-1", "emp-1:op")
	require.NoError(t, err)
	claimed, err := store.ClaimBatch(ctx, "worker", 1, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.MarkTerminal(ctx, claimed[0].ID, models.JobErrorDuplicate, "dup"))

	require.NoError(t, store.Requeue(ctx, claimed[0].ID))

	job, err := store.FindByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.State)
	assert.Equal(t, 0, job.Attempts)
	assert.Nil(t, job.NextRetryAt)
	require.NotNil(t, job.LastError, "last error survives requeue for the audit trail")

	assert.Error(t, store.Requeue(ctx, 9999), "requeue of a missing job reports not found")
}

func TestRequeueRefusesInFlightRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "emp-1", "emp-1:op")
	require.NoError(t, err)
	claimed, err := store.ClaimBatch(ctx, "worker", 1, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// The row is PENDING and locked; a requeue here would clear the lease and
	// hand the job to a second worker while the first is still processing.
	err = store.Requeue(ctx, claimed[0].ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	job, err := store.FindByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	require.NotNil(t, job.LockOwner)
	assert.Equal(t, "worker", *job.LockOwner)
}

func TestForceUnlockKeepsState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "emp-1", "emp-1:op")
	require.NoError(t, err)
	claimed, err := store.ClaimBatch(ctx, "worker", 1, time.Now())
	require.NoError(t, err)

	require.NoError(t, store.ForceUnlock(ctx, claimed[0].ID))

	job, err := store.FindByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.State)
	assert.Nil(t, job.LockOwner)
	assert.Nil(t, job.LockedAt)
}

func TestCountsByStateZeroFilled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	counts, err := store.CountsByState(ctx)
	require.NoError(t, err)
	for _, state := range models.JobStates {
		assert.Contains(t, counts, state)
		assert.Equal(t, int64(0), counts[state])
	}
}
