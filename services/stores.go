package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"staffsync/models"

	"gorm.io/gorm"
)

// ErrVersionConflict means a version-checked write lost a race against a
// concurrent edit. The caller re-reads and retries.
var ErrVersionConflict = errors.New("employee row changed concurrently")

// ErrEmployeeNotFound means the job's subject does not exist in the employee
// store. Retrying cannot fix it.
var ErrEmployeeNotFound = errors.New("employee not found")

// EncryptedFields is the column set the encryption processor writes back in
// one version-checked update.
type EncryptedFields struct {
	NationalID        string
	Email             string
	Salary            string
	IDHash            string
	EmailHash         string
	EncryptionVersion int
	EncryptedAt       time.Time
}

// EmployeeStore is the pipeline's view of the employee record store.
type EmployeeStore interface {
	GetByID(ctx context.Context, id string) (*models.Employee, error)
	UpdateLinkedUser(ctx context.Context, id string, version int, userID string) error
	UpdateEncryptedFields(ctx context.Context, id string, version int, fields EncryptedFields) error
	FindActiveByLinkedUser(ctx context.Context, userID string) (*models.Employee, error)
	CountActiveByHash(ctx context.Context, idHash, emailHash, excludeID string) (int64, error)
	ListActiveIDs(ctx context.Context) ([]string, error)
	CountActiveUnlinked(ctx context.Context) (int64, error)
	CountActiveUnencrypted(ctx context.Context) (int64, error)
}

// UserStore is the pipeline's view of platform accounts.
type UserStore interface {
	FindActiveByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
}

type GormEmployeeStore struct {
	db *gorm.DB
}

func NewGormEmployeeStore(db *gorm.DB) *GormEmployeeStore {
	return &GormEmployeeStore{db: db}
}

func (s *GormEmployeeStore) GetByID(ctx context.Context, id string) (*models.Employee, error) {
	var emp models.Employee
	err := s.db.WithContext(ctx).First(&emp, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEmployeeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get employee %s: %w", id, err)
	}
	return &emp, nil
}

// UpdateLinkedUser writes linked_user_id only, guarded by the version column
// so a concurrent CRUD edit is never silently overwritten.
func (s *GormEmployeeStore) UpdateLinkedUser(ctx context.Context, id string, version int, userID string) error {
	result := s.db.WithContext(ctx).Model(&models.Employee{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]interface{}{
			"linked_user_id": userID,
			"version":        gorm.Expr("version + 1"),
			"updated_at":     time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("link employee %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// UpdateEncryptedFields replaces the PII columns with ciphertext and records
// the lookup hashes, version-checked like UpdateLinkedUser. The write is
// column-scoped so it cannot clobber a concurrent identity-sync link.
func (s *GormEmployeeStore) UpdateEncryptedFields(ctx context.Context, id string, version int, fields EncryptedFields) error {
	result := s.db.WithContext(ctx).Model(&models.Employee{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]interface{}{
			"national_id":        fields.NationalID,
			"email":              fields.Email,
			"salary":             fields.Salary,
			"id_hash":            fields.IDHash,
			"email_hash":         fields.EmailHash,
			"pii_encrypted":      true,
			"encryption_version": fields.EncryptionVersion,
			"encrypted_at":       fields.EncryptedAt,
			"version":            gorm.Expr("version + 1"),
			"updated_at":         time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("encrypt employee %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *GormEmployeeStore) FindActiveByLinkedUser(ctx context.Context, userID string) (*models.Employee, error) {
	var emp models.Employee
	err := s.db.WithContext(ctx).
		Where("linked_user_id = ? AND is_active = ?", userID, true).
		First(&emp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find employee by linked user %s: %w", userID, err)
	}
	return &emp, nil
}

func (s *GormEmployeeStore) CountActiveByHash(ctx context.Context, idHash, emailHash, excludeID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Employee{}).
		Where("is_active = ? AND id <> ?", true, excludeID).
		Where("id_hash = ? OR email_hash = ?", idHash, emailHash).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count hash collisions: %w", err)
	}
	return count, nil
}

func (s *GormEmployeeStore) ListActiveIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Employee{}).
		Where("is_active = ?", true).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list active employees: %w", err)
	}
	return ids, nil
}

func (s *GormEmployeeStore) CountActiveUnlinked(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Employee{}).
		Where("is_active = ? AND linked_user_id IS NULL", true).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count unlinked employees: %w", err)
	}
	return count, nil
}

func (s *GormEmployeeStore) CountActiveUnencrypted(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Employee{}).
		Where("is_active = ? AND pii_encrypted = ?", true, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count unencrypted employees: %w", err)
	}
	return count, nil
}

type GormUserStore struct {
	db *gorm.DB
}

func NewGormUserStore(db *gorm.DB) *GormUserStore {
	return &GormUserStore{db: db}
}

func (s *GormUserStore) FindActiveByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).
		Where("LOWER(email) = LOWER(?) AND status = ?", email, "active").
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return &user, nil
}

func (s *GormUserStore) Create(ctx context.Context, user *models.User) error {
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}
