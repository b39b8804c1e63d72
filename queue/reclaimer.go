package queue

import (
	"context"
	"fmt"
	"time"

	"staffsync/utils"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reclaimer periodically frees jobs whose lease expired because the worker
// holding them died. Reclaims are operator-visible warnings, never errors.
type Reclaimer struct {
	stores       []*JobStore
	leaseTimeout time.Duration
	interval     time.Duration
	cron         *cron.Cron
}

func NewReclaimer(leaseTimeout, interval time.Duration, stores ...*JobStore) *Reclaimer {
	return &Reclaimer{
		stores:       stores,
		leaseTimeout: leaseTimeout,
		interval:     interval,
	}
}

func (r *Reclaimer) Start() error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.interval), r.Sweep)
	if err != nil {
		return fmt.Errorf("schedule reclaimer: %w", err)
	}
	r.cron.Start()
	return nil
}

func (r *Reclaimer) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// Sweep runs one reclaim pass over every queue.
func (r *Reclaimer) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()
	for _, store := range r.stores {
		reclaimed, err := store.ReclaimStuck(ctx, r.leaseTimeout, now)
		if err != nil {
			utils.Logger.Error("Lease reclaim sweep failed",
				zap.String("queue", store.Table()), zap.Error(err))
			continue
		}
		for _, job := range reclaimed {
			owner := ""
			if job.LockOwner != nil {
				owner = *job.LockOwner
			}
			utils.Logger.Warn("Reclaimed stuck job",
				zap.String("queue", store.Table()),
				zap.Uint("job_id", job.ID),
				zap.String("subject_id", job.SubjectID),
				zap.String("abandoned_by", owner))
		}
	}
}
