package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"staffsync/models"
	"staffsync/queue"
	"staffsync/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IdentitySyncProcessor links an eligible employee to a platform user
// account. Every branch is written to be safe under redelivery: skips
// complete as DONE, half-finished work from a crashed attempt is adopted, and
// only a genuine email clash with another employee's account goes terminal.
type IdentitySyncProcessor struct {
	employees EmployeeStore
	users     UserStore
	crypto    *CryptoService
}

func NewIdentitySyncProcessor(employees EmployeeStore, users UserStore, crypto *CryptoService) *IdentitySyncProcessor {
	return &IdentitySyncProcessor{employees: employees, users: users, crypto: crypto}
}

func (p *IdentitySyncProcessor) Name() string {
	return "identity"
}

func (p *IdentitySyncProcessor) Handle(ctx context.Context, job models.QueueJob) queue.Outcome {
	emp, err := p.employees.GetByID(ctx, job.SubjectID)
	if errors.Is(err, ErrEmployeeNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return queue.Retry(err)
	}

	// Inactive employees never produce an account. DONE, not retry, so the
	// job can never loop.
	if !emp.IsActive {
		return queue.Done()
	}
	if emp.LinkedUserID != nil {
		return queue.Done()
	}

	email, err := p.employeeEmail(emp)
	if err != nil {
		return queue.Permanent(err)
	}

	existing, err := p.users.FindActiveByEmail(ctx, email)
	if err != nil {
		return queue.Retry(err)
	}
	if existing != nil {
		return p.resolveExisting(ctx, emp, existing)
	}

	user := &models.User{
		ID:       uuid.New().String(),
		Email:    strings.ToLower(email),
		FullName: emp.FullName,
		Role:     "employee",
		Status:   "active",
	}
	if err := p.users.Create(ctx, user); err != nil {
		return queue.Retry(err)
	}
	if err := p.employees.UpdateLinkedUser(ctx, emp.ID, emp.Version, user.ID); err != nil {
		// Version conflict or store hiccup: the next attempt re-reads the
		// employee and adopts the account we just created.
		return queue.Retry(err)
	}

	utils.Logger.Info("Linked employee to new user account",
		zap.String("employee_id", emp.ID),
		zap.String("user_id", user.ID))
	return queue.Done()
}

// resolveExisting decides what an email match against an active user means.
// An account no employee is linked to is our own half-finished work from a
// crashed earlier attempt, so we adopt it. An account held by another
// employee is a real duplicate and needs a human.
func (p *IdentitySyncProcessor) resolveExisting(ctx context.Context, emp *models.Employee, user *models.User) queue.Outcome {
	holder, err := p.employees.FindActiveByLinkedUser(ctx, user.ID)
	if err != nil {
		return queue.Retry(err)
	}
	if holder != nil && holder.ID != emp.ID {
		return queue.Duplicate(fmt.Errorf(
			"active user %s with the same email is already linked to employee %s", user.ID, holder.ID))
	}
	if err := p.employees.UpdateLinkedUser(ctx, emp.ID, emp.Version, user.ID); err != nil {
		return queue.Retry(err)
	}
	utils.Logger.Info("Adopted existing unlinked user account",
		zap.String("employee_id", emp.ID),
		zap.String("user_id", user.ID))
	return queue.Done()
}

// employeeEmail reads the work email, decrypting it when the encryption queue
// already processed this employee. Both queues may touch the same employee
// concurrently.
func (p *IdentitySyncProcessor) employeeEmail(emp *models.Employee) (string, error) {
	if !emp.PiiEncrypted {
		return emp.Email, nil
	}
	email, err := p.crypto.Decrypt(emp.Email, emp.EncryptionVersion)
	if err != nil {
		return "", fmt.Errorf("read email of employee %s: %w", emp.ID, err)
	}
	return email, nil
}
