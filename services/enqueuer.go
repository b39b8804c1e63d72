package services

import (
	"context"
	"fmt"

	"staffsync/queue"
	"staffsync/utils"

	"go.uber.org/zap"
)

// Queue operations. The dedupe key guarantees at most one row ever exists per
// (subject, operation), so repeated lifecycle events collapse into it.
const (
	OpIdentitySync = "identity_sync"
	OpEncryptPII   = "pii_encrypt"
)

func DedupeKey(subjectID, operation string) string {
	return subjectID + ":" + operation
}

// Enqueuer turns employee lifecycle events into durable queue rows. It is
// deliberately dumb: eligibility (inactive, already linked, already encrypted)
// is the processor's call, so a row survives transient employee-state flips.
type Enqueuer struct {
	identity *queue.JobStore
	encrypt  *queue.JobStore
}

func NewEnqueuer(identity, encrypt *queue.JobStore) *Enqueuer {
	return &Enqueuer{identity: identity, encrypt: encrypt}
}

func (e *Enqueuer) EmployeeCreated(ctx context.Context, employeeID string) error {
	if err := e.enqueue(ctx, e.identity, employeeID, OpIdentitySync); err != nil {
		return err
	}
	return e.enqueue(ctx, e.encrypt, employeeID, OpEncryptPII)
}

func (e *Enqueuer) EmailChanged(ctx context.Context, employeeID string) error {
	return e.enqueue(ctx, e.identity, employeeID, OpIdentitySync)
}

func (e *Enqueuer) EmployeeReactivated(ctx context.Context, employeeID string) error {
	return e.enqueue(ctx, e.identity, employeeID, OpIdentitySync)
}

func (e *Enqueuer) enqueue(ctx context.Context, store *queue.JobStore, employeeID, operation string) error {
	created, err := store.Enqueue(ctx, employeeID, DedupeKey(employeeID, operation))
	if err != nil {
		return fmt.Errorf("enqueue %s for %s: %w", operation, employeeID, err)
	}
	if created {
		utils.Logger.Info("Enqueued automation job",
			zap.String("queue", store.Table()),
			zap.String("operation", operation),
			zap.String("subject_id", employeeID))
	}
	return nil
}

// RescanResult reports how many missing jobs a rescan added per queue.
type RescanResult struct {
	IdentityAdded int `json:"identity_added"`
	EncryptAdded  int `json:"encrypt_added"`
}

// Rescan re-enqueues jobs for active employees that have no queue row,
// healing the pipeline after a lost enqueue event. Enqueue's insert-if-absent
// makes the pass idempotent.
func (e *Enqueuer) Rescan(ctx context.Context, employees EmployeeStore) (RescanResult, error) {
	var result RescanResult

	ids, err := employees.ListActiveIDs(ctx)
	if err != nil {
		return result, fmt.Errorf("rescan: %w", err)
	}
	for _, id := range ids {
		created, err := e.identity.Enqueue(ctx, id, DedupeKey(id, OpIdentitySync))
		if err != nil {
			return result, fmt.Errorf("rescan identity %s: %w", id, err)
		}
		if created {
			result.IdentityAdded++
		}
		created, err = e.encrypt.Enqueue(ctx, id, DedupeKey(id, OpEncryptPII))
		if err != nil {
			return result, fmt.Errorf("rescan encrypt %s: %w", id, err)
		}
		if created {
			result.EncryptAdded++
		}
	}
	return result, nil
}
