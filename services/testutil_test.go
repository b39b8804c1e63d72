package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"staffsync/models"
	"staffsync/queue"
	"staffsync/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	utils.InitTestLogger()
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "services_test.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Employee{}, &models.User{}))
	return db
}

func newTestCrypto(t *testing.T) *CryptoService {
	t.Helper()
	crypto, err := NewCryptoService("test-encryption-key", "test-hash-key")
	require.NoError(t, err)
	return crypto
}

func seedEmployee(t *testing.T, db *gorm.DB, email, nationalID string) *models.Employee {
	t.Helper()
	emp := &models.Employee{
		ID:         uuid.New().String(),
		FullName:   "Test Employee",
		Department: "IT",
		NationalID: nationalID,
		Email:      email,
		Salary:     "4200.00",
		IsActive:   true,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, db.Create(emp).Error)
	return emp
}

func jobFor(emp *models.Employee, operation string) models.QueueJob {
	return models.QueueJob{
		ID:        1,
		SubjectID: emp.ID,
		DedupeKey: DedupeKey(emp.ID, operation),
		State:     models.JobPending,
	}
}

func reload(t *testing.T, db *gorm.DB, id string) *models.Employee {
	t.Helper()
	var emp models.Employee
	require.NoError(t, db.First(&emp, "id = ?", id).Error)
	return &emp
}

// racingEmployeeStore bumps the row version right after every read, so any
// version-checked write-back loses its race.
type racingEmployeeStore struct {
	*GormEmployeeStore
	db *gorm.DB
}

func (s racingEmployeeStore) GetByID(ctx context.Context, id string) (*models.Employee, error) {
	emp, err := s.GormEmployeeStore.GetByID(ctx, id)
	if err == nil {
		s.db.Model(&models.Employee{}).Where("id = ?", id).
			Update("version", gorm.Expr("version + 1"))
	}
	return emp, err
}

// failingEmployeeStore simulates an unavailable employee store.
type failingEmployeeStore struct {
	EmployeeStore
	err error
}

func (s failingEmployeeStore) GetByID(ctx context.Context, id string) (*models.Employee, error) {
	return nil, s.err
}

func newTestQueues(t *testing.T, db *gorm.DB) (*queue.JobStore, *queue.JobStore) {
	t.Helper()
	opts := queue.Options{MaxAttempts: 3, BackoffBase: time.Second, BackoffCap: time.Minute}
	identity := queue.NewJobStore(db, "identity_jobs", opts)
	encrypt := queue.NewJobStore(db, "encrypt_jobs", opts)
	require.NoError(t, identity.Migrate())
	require.NoError(t, encrypt.Migrate())
	return identity, encrypt
}
