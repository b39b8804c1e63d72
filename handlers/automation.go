package handlers

import (
	"errors"
	"strconv"
	"time"

	"staffsync/config"
	"staffsync/queue"
	"staffsync/types"
	"staffsync/utils"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type QueueMetrics struct {
	Identity map[string]int64 `json:"identity"`
	Encrypt  map[string]int64 `json:"encrypt"`
}

type OrphanMetrics struct {
	ActiveUnlinked    int64 `json:"active_unlinked"`
	ActiveUnencrypted int64 `json:"active_unencrypted"`
}

type AutomationMetrics struct {
	Queues  QueueMetrics  `json:"queues"`
	Orphans OrphanMetrics `json:"orphans"`
}

// GetAutomationMetrics returns job counts per state for both queues plus the
// drift counters (active employees the pipeline has not caught up with yet).
func GetAutomationMetrics(c *fiber.Ctx) error {
	ctx := c.Context()

	identityCounts, err := IdentityQueue.CountsByState(ctx)
	if err != nil {
		utils.Logger.Error("Failed to count identity queue", zap.Error(err))
		return c.Status(500).JSON(types.APIResponse{
			Success: false,
			Error:   types.ErrDatabaseError,
		})
	}
	encryptCounts, err := EncryptQueue.CountsByState(ctx)
	if err != nil {
		utils.Logger.Error("Failed to count encrypt queue", zap.Error(err))
		return c.Status(500).JSON(types.APIResponse{
			Success: false,
			Error:   types.ErrDatabaseError,
		})
	}

	unlinked, err := Employees.CountActiveUnlinked(ctx)
	if err != nil {
		utils.Logger.Error("Failed to count unlinked employees", zap.Error(err))
		return c.Status(500).JSON(types.APIResponse{
			Success: false,
			Error:   types.ErrDatabaseError,
		})
	}
	unencrypted, err := Employees.CountActiveUnencrypted(ctx)
	if err != nil {
		utils.Logger.Error("Failed to count unencrypted employees", zap.Error(err))
		return c.Status(500).JSON(types.APIResponse{
			Success: false,
			Error:   types.ErrDatabaseError,
		})
	}

	return c.JSON(types.APIResponse{
		Success: true,
		Data: AutomationMetrics{
			Queues:  QueueMetrics{Identity: identityCounts, Encrypt: encryptCounts},
			Orphans: OrphanMetrics{ActiveUnlinked: unlinked, ActiveUnencrypted: unencrypted},
		},
	})
}

func queueByName(name string) *queue.JobStore {
	switch name {
	case "identity":
		return IdentityQueue
	case "encrypt":
		return EncryptQueue
	default:
		return nil
	}
}

func parseJobTarget(c *fiber.Ctx) (*queue.JobStore, uint, error) {
	store := queueByName(c.Params("queue"))
	if store == nil {
		return nil, 0, errors.New("unknown queue, expected identity or encrypt")
	}
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return nil, 0, errors.New("invalid job id")
	}
	return store, uint(id), nil
}

// RequeueJob resets a terminal job so workers pick it up again.
func RequeueJob(c *fiber.Ctx) error {
	store, jobID, err := parseJobTarget(c)
	if err != nil {
		return c.Status(400).JSON(types.APIResponse{
			Success: false,
			Error:   err.Error(),
		})
	}

	if err := store.Requeue(c.Context(), jobID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(404).JSON(types.APIResponse{
				Success: false,
				Error:   types.ErrNotFound,
			})
		}
		utils.Logger.Error("Failed to requeue job",
			zap.String("queue", store.Table()), zap.Uint("job_id", jobID), zap.Error(err))
		return c.Status(500).JSON(types.APIResponse{
			Success: false,
			Error:   types.ErrDatabaseError,
		})
	}

	operator, _ := c.Locals("user_id").(string)
	utils.Logger.Info("Operator requeued job",
		zap.String("queue", store.Table()),
		zap.Uint("job_id", jobID),
		zap.String("operator", operator))
	return c.JSON(types.APIResponse{
		Success: true,
		Message: "Job requeued",
	})
}

// ForceUnlockJob clears a job's lease without changing its state.
func ForceUnlockJob(c *fiber.Ctx) error {
	store, jobID, err := parseJobTarget(c)
	if err != nil {
		return c.Status(400).JSON(types.APIResponse{
			Success: false,
			Error:   err.Error(),
		})
	}

	job, err := store.FindByID(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(404).JSON(types.APIResponse{
				Success: false,
				Error:   types.ErrNotFound,
			})
		}
		utils.Logger.Error("Failed to load job for force unlock",
			zap.String("queue", store.Table()), zap.Uint("job_id", jobID), zap.Error(err))
		return c.Status(500).JSON(types.APIResponse{
			Success: false,
			Error:   types.ErrDatabaseError,
		})
	}
	if job.Locked(time.Now(), config.AppConfig.LeaseTimeout) {
		// The lease has not expired; the holder may still be running.
		operator, _ := c.Locals("user_id").(string)
		utils.Logger.Warn("Force unlock is breaking a live lease",
			zap.String("queue", store.Table()),
			zap.Uint("job_id", jobID),
			zap.Stringp("lock_owner", job.LockOwner),
			zap.String("operator", operator))
	}

	if err := store.ForceUnlock(c.Context(), jobID); err != nil {
		utils.Logger.Error("Failed to force unlock job",
			zap.String("queue", store.Table()), zap.Uint("job_id", jobID), zap.Error(err))
		return c.Status(500).JSON(types.APIResponse{
			Success: false,
			Error:   types.ErrDatabaseError,
		})
	}

	return c.JSON(types.APIResponse{
		Success: true,
		Message: "Lock cleared",
	})
}

// ReleaseStuck runs an immediate lease-reclaim pass over both queues.
func ReleaseStuck(c *fiber.Ctx) error {
	ctx := c.Context()
	now := time.Now()
	released := map[string]int{}

	for _, store := range []*queue.JobStore{IdentityQueue, EncryptQueue} {
		reclaimed, err := store.ReclaimStuck(ctx, config.AppConfig.LeaseTimeout, now)
		if err != nil {
			utils.Logger.Error("Failed to release stuck jobs",
				zap.String("queue", store.Table()), zap.Error(err))
			return c.Status(500).JSON(types.APIResponse{
				Success: false,
				Error:   types.ErrDatabaseError,
			})
		}
		released[store.Table()] = len(reclaimed)
	}

	return c.JSON(types.APIResponse{
		Success: true,
		Data:    released,
	})
}

// Rescan enqueues missing jobs for active employees that have no queue row.
func Rescan(c *fiber.Ctx) error {
	result, err := Enqueuer.Rescan(c.Context(), Employees)
	if err != nil {
		utils.Logger.Error("Rescan failed", zap.Error(err))
		return c.Status(500).JSON(types.APIResponse{
			Success: false,
			Error:   types.ErrDatabaseError,
		})
	}

	return c.JSON(types.APIResponse{
		Success: true,
		Data:    result,
	})
}
