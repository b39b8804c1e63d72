package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"staffsync/models"
	"staffsync/queue"
	"staffsync/utils"

	"go.uber.org/zap"
)

// EncryptionProcessor replaces an employee's plaintext PII with ciphertext
// and records deterministic lookup hashes. Re-running against an already
// encrypted row is a no-op, which is what makes double-encryption under
// redelivery impossible.
type EncryptionProcessor struct {
	employees EmployeeStore
	crypto    *CryptoService
}

func NewEncryptionProcessor(employees EmployeeStore, crypto *CryptoService) *EncryptionProcessor {
	return &EncryptionProcessor{employees: employees, crypto: crypto}
}

func (p *EncryptionProcessor) Name() string {
	return "encrypt"
}

func (p *EncryptionProcessor) Handle(ctx context.Context, job models.QueueJob) queue.Outcome {
	emp, err := p.employees.GetByID(ctx, job.SubjectID)
	if errors.Is(err, ErrEmployeeNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return queue.Retry(err)
	}

	if emp.PiiEncrypted {
		return queue.Done()
	}

	if err := p.unseal(emp); err != nil {
		// Ciphertext that fails to decrypt will fail the same way on every
		// attempt.
		return queue.Permanent(err)
	}

	idHash := p.crypto.Hash(emp.NationalID)
	emailHash := p.crypto.Hash(emp.Email)

	// A matching hash on another active employee means the same person was
	// entered twice. Terminal; a human has to reconcile the records.
	collisions, err := p.employees.CountActiveByHash(ctx, idHash, emailHash, emp.ID)
	if err != nil {
		return queue.Retry(err)
	}
	if collisions > 0 {
		return queue.Duplicate(fmt.Errorf(
			"employee %s shares a national ID or email with %d other active employee(s)", emp.ID, collisions))
	}

	fields, err := p.sealFields(emp, idHash, emailHash)
	if err != nil {
		return queue.Retry(err)
	}

	if err := p.employees.UpdateEncryptedFields(ctx, emp.ID, emp.Version, fields); err != nil {
		// Includes version conflicts with concurrent CRUD edits; the next
		// attempt re-reads the row and encrypts the fresh values.
		return queue.Retry(err)
	}

	utils.Logger.Info("Encrypted employee PII",
		zap.String("employee_id", emp.ID),
		zap.Int("encryption_version", fields.EncryptionVersion))
	return queue.Done()
}

// unseal restores plaintext for columns a previous run already sealed. The
// only flow that clears pii_encrypted on a sealed row is an email change,
// which writes the new email in plaintext but leaves national_id and salary
// as ciphertext. Hashing or re-encrypting ciphertext would destroy the
// plaintext, so those columns are decrypted first.
func (p *EncryptionProcessor) unseal(emp *models.Employee) error {
	if emp.EncryptedAt == nil {
		return nil
	}
	var err error
	if emp.NationalID, err = p.crypto.Decrypt(emp.NationalID, emp.EncryptionVersion); err != nil {
		return fmt.Errorf("decrypt national id: %w", err)
	}
	if emp.Salary, err = p.crypto.Decrypt(emp.Salary, emp.EncryptionVersion); err != nil {
		return fmt.Errorf("decrypt salary: %w", err)
	}
	return nil
}

func (p *EncryptionProcessor) sealFields(emp *models.Employee, idHash, emailHash string) (EncryptedFields, error) {
	var fields EncryptedFields
	var version int
	var err error

	if fields.NationalID, version, err = p.crypto.Encrypt(emp.NationalID); err != nil {
		return fields, fmt.Errorf("encrypt national id: %w", err)
	}
	if fields.Email, _, err = p.crypto.Encrypt(emp.Email); err != nil {
		return fields, fmt.Errorf("encrypt email: %w", err)
	}
	if fields.Salary, _, err = p.crypto.Encrypt(emp.Salary); err != nil {
		return fields, fmt.Errorf("encrypt salary: %w", err)
	}

	fields.IDHash = idHash
	fields.EmailHash = emailHash
	fields.EncryptionVersion = version
	fields.EncryptedAt = time.Now()
	return fields, nil
}
