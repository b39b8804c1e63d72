package queue

import (
	"path/filepath"
	"testing"
	"time"

	"staffsync/utils"

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
	dsn := filepath.Join(t.TempDir(), "queue_test.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func newTestStore(t *testing.T) *JobStore {
	t.Helper()
	store := NewJobStore(newTestDB(t), "test_jobs", Options{
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffCap:  time.Minute,
	})
	require.NoError(t, store.Migrate())
	return store
}
