package queue

import (
	"context"
	"fmt"
	"time"

	"staffsync/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Options tunes retry behaviour for one queue.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// JobStore owns every state transition for one queue table. Both automation
// queues share this implementation and differ only in table name.
type JobStore struct {
	db    *gorm.DB
	table string
	opts  Options
}

func NewJobStore(db *gorm.DB, table string, opts Options) *JobStore {
	return &JobStore{db: db, table: table, opts: opts}
}

// Table returns the backing table name (used for migrations and metrics).
func (s *JobStore) Table() string {
	return s.table
}

// Migrate creates the queue table and its indexes. Index names carry the
// table name because both queues migrate the same row shape and SQLite index
// names are database-global.
func (s *JobStore) Migrate() error {
	if err := s.db.Table(s.table).AutoMigrate(&models.QueueJob{}); err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	statements := []string{
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_dedupe_key ON %s(dedupe_key)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_state ON %s(state)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_subject_id ON %s(subject_id)", s.table, s.table),
	}
	for _, stmt := range statements {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("index %s: %w", s.table, err)
		}
	}
	return nil
}

func (s *JobStore) tx(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.table)
}

// Enqueue inserts a PENDING row unless one already exists for the dedupe key.
// The unique index plus insert-ignore keeps this race-safe under concurrent
// callers. Returns true if a row was actually created.
func (s *JobStore) Enqueue(ctx context.Context, subjectID, dedupeKey string) (bool, error) {
	job := models.QueueJob{
		SubjectID: subjectID,
		DedupeKey: dedupeKey,
		State:     models.JobPending,
	}
	result := s.tx(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedupe_key"}},
		DoNothing: true,
	}).Create(&job)
	if result.Error != nil {
		return false, fmt.Errorf("enqueue %s: %w", dedupeKey, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ClaimBatch hands up to limit due jobs to workerID. Each candidate is taken
// with a conditional update that only succeeds while the row is still
// unlocked and PENDING, so two workers can never claim the same row.
func (s *JobStore) ClaimBatch(ctx context.Context, workerID string, limit int, now time.Time) ([]models.QueueJob, error) {
	var candidates []models.QueueJob
	err := s.tx(ctx).
		Where("state = ?", models.JobPending).
		Where("lock_owner IS NULL").
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("id ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}

	claimed := make([]models.QueueJob, 0, len(candidates))
	for _, job := range candidates {
		won, err := s.claimOne(ctx, job.ID, workerID, now)
		if err != nil {
			return claimed, fmt.Errorf("claim job %d: %w", job.ID, err)
		}
		if !won {
			// Another worker won the row between select and update.
			continue
		}
		job.LockOwner = &workerID
		lockedAt := now
		job.LockedAt = &lockedAt
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// claimOne takes a single candidate if it is still claimable as of now. The
// update re-checks next_retry_at: between the candidate select and this write
// another worker can claim the row and mark it for retry, which must not let
// this caller take it before its backoff is due.
func (s *JobStore) claimOne(ctx context.Context, jobID uint, workerID string, now time.Time) (bool, error) {
	result := s.tx(ctx).
		Where("id = ? AND state = ? AND lock_owner IS NULL", jobID, models.JobPending).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Updates(map[string]interface{}{
			"lock_owner": workerID,
			"locked_at":  now,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *JobStore) MarkDone(ctx context.Context, jobID uint) error {
	err := s.tx(ctx).Where("id = ?", jobID).Updates(map[string]interface{}{
		"state":      models.JobDone,
		"lock_owner": nil,
		"locked_at":  nil,
		"updated_at": time.Now(),
	}).Error
	if err != nil {
		return fmt.Errorf("mark done %d: %w", jobID, err)
	}
	return nil
}

// MarkRetry records a transient failure. The row stays PENDING with a
// backoff-delayed next_retry_at until attempts run out, then flips to
// ERROR_PERMANENT.
func (s *JobStore) MarkRetry(ctx context.Context, jobID uint, errMsg string) error {
	job, err := s.FindByID(ctx, jobID)
	if err != nil {
		return err
	}

	now := time.Now()
	attempts := job.Attempts + 1
	updates := map[string]interface{}{
		"attempts":   attempts,
		"last_error": errMsg,
		"lock_owner": nil,
		"locked_at":  nil,
		"updated_at": now,
	}
	if attempts >= s.opts.MaxAttempts {
		updates["state"] = models.JobErrorPermanent
		updates["next_retry_at"] = nil
	} else {
		updates["state"] = models.JobPending
		updates["next_retry_at"] = now.Add(Backoff(s.opts.BackoffBase, s.opts.BackoffCap, attempts))
	}

	if err := s.tx(ctx).Where("id = ?", jobID).Updates(updates).Error; err != nil {
		return fmt.Errorf("mark retry %d: %w", jobID, err)
	}
	return nil
}

// MarkTerminal parks a job in a terminal error state (e.g. ERROR_DUPLICATE).
// Only an operator requeue can move it again.
func (s *JobStore) MarkTerminal(ctx context.Context, jobID uint, kind, errMsg string) error {
	err := s.tx(ctx).Where("id = ?", jobID).Updates(map[string]interface{}{
		"state":      kind,
		"last_error": errMsg,
		"lock_owner": nil,
		"locked_at":  nil,
		"updated_at": time.Now(),
	}).Error
	if err != nil {
		return fmt.Errorf("mark terminal %d: %w", jobID, err)
	}
	return nil
}

// ReclaimStuck frees PENDING rows whose lease expired before the cutoff. The
// worker that held them is assumed dead. Returns the freed rows so the caller
// can log each one.
func (s *JobStore) ReclaimStuck(ctx context.Context, leaseTimeout time.Duration, now time.Time) ([]models.QueueJob, error) {
	cutoff := now.Add(-leaseTimeout)

	var stuck []models.QueueJob
	err := s.tx(ctx).
		Where("state = ?", models.JobPending).
		Where("lock_owner IS NOT NULL").
		Where("locked_at < ?", cutoff).
		Find(&stuck).Error
	if err != nil {
		return nil, fmt.Errorf("find stuck jobs: %w", err)
	}
	if len(stuck) == 0 {
		return nil, nil
	}

	ids := make([]uint, len(stuck))
	for i, job := range stuck {
		ids[i] = job.ID
	}
	err = s.tx(ctx).
		Where("id IN ? AND state = ? AND locked_at < ?", ids, models.JobPending, cutoff).
		Updates(map[string]interface{}{
			"lock_owner": nil,
			"locked_at":  nil,
			"updated_at": now,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("reclaim stuck jobs: %w", err)
	}
	return stuck, nil
}

// Requeue resets a terminal row so workers pick it up again. Operator action;
// last_error is kept for the audit trail. PENDING rows are refused: resetting
// one that is locked would let a second worker claim it while the first is
// still processing (ForceUnlock exists for deliberate lock-breaking).
func (s *JobStore) Requeue(ctx context.Context, jobID uint) error {
	terminal := []string{models.JobDone, models.JobErrorDuplicate, models.JobErrorPermanent}
	result := s.tx(ctx).Where("id = ? AND state IN ?", jobID, terminal).Updates(map[string]interface{}{
		"state":         models.JobPending,
		"attempts":      0,
		"next_retry_at": nil,
		"lock_owner":    nil,
		"locked_at":     nil,
		"updated_at":    time.Now(),
	})
	if result.Error != nil {
		return fmt.Errorf("requeue %d: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ForceUnlock clears the lease without touching state. Used by graceful
// shutdown for claimed-but-unstarted jobs and by operators for manual repair.
func (s *JobStore) ForceUnlock(ctx context.Context, jobID uint) error {
	err := s.tx(ctx).Where("id = ?", jobID).Updates(map[string]interface{}{
		"lock_owner": nil,
		"locked_at":  nil,
		"updated_at": time.Now(),
	}).Error
	if err != nil {
		return fmt.Errorf("force unlock %d: %w", jobID, err)
	}
	return nil
}

// CountsByState returns row counts per state, zero-filled so dashboards always
// see every state.
func (s *JobStore) CountsByState(ctx context.Context) (map[string]int64, error) {
	rows, err := s.tx(ctx).
		Select("state, COUNT(*) AS count").
		Group("state").
		Rows()
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64, len(models.JobStates))
	for _, state := range models.JobStates {
		counts[state] = 0
	}
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[state] = count
	}
	return counts, rows.Err()
}

func (s *JobStore) FindByID(ctx context.Context, jobID uint) (*models.QueueJob, error) {
	var job models.QueueJob
	if err := s.tx(ctx).Where("id = ?", jobID).First(&job).Error; err != nil {
		return nil, fmt.Errorf("find job %d: %w", jobID, err)
	}
	return &job, nil
}
