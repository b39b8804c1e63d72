package test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"staffsync/config"
	"staffsync/handlers"
	"staffsync/middleware"
	"staffsync/models"
	"staffsync/queue"
	"staffsync/services"
	"staffsync/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	os.Setenv("JWT_SECRET", "test-secret")
	os.Setenv("PII_ENCRYPTION_KEY", "test-encryption-key")
	os.Setenv("PII_HASH_KEY", "test-hash-key")

	config.LoadConfig()
	utils.InitTestLogger()
}

// TestEnv wires the whole pipeline against a fresh database, mirroring the
// wiring in main.go.
type TestEnv struct {
	App           *fiber.App
	DB            *gorm.DB
	IdentityQueue *queue.JobStore
	EncryptQueue  *queue.JobStore
	Employees     *services.GormEmployeeStore
	Users         *services.GormUserStore
	Crypto        *services.CryptoService
	Enqueuer      *services.Enqueuer
}

func SetupTest(t *testing.T) *TestEnv {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "staffsync_test.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Employee{}, &models.User{}))

	storeOpts := queue.Options{
		MaxAttempts: 8,
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  50 * time.Millisecond,
	}
	identity := queue.NewJobStore(db, "identity_jobs", storeOpts)
	encrypt := queue.NewJobStore(db, "encrypt_jobs", storeOpts)
	require.NoError(t, identity.Migrate())
	require.NoError(t, encrypt.Migrate())

	crypto, err := services.NewCryptoService(
		config.AppConfig.EncryptionKey, config.AppConfig.HashKey)
	require.NoError(t, err)

	employees := services.NewGormEmployeeStore(db)
	users := services.NewGormUserStore(db)
	enqueuer := services.NewEnqueuer(identity, encrypt)

	handlers.InitHandlers(db, identity, encrypt, employees, enqueuer)

	app := fiber.New()
	app.Post("/employees", middleware.RequireAdmin, handlers.AddEmployee)
	app.Patch("/employees/:id/email", middleware.RequireAdmin, handlers.ChangeEmail)
	app.Post("/employees/:id/deactivate", middleware.RequireAdmin, handlers.SetEmployeeActive(false))
	app.Post("/employees/:id/reactivate", middleware.RequireAdmin, handlers.SetEmployeeActive(true))
	app.Get("/automation/metrics", middleware.RequireMonitor, handlers.GetAutomationMetrics)
	app.Post("/automation/requeue/:queue/:id", middleware.RequireAdmin, handlers.RequeueJob)
	app.Post("/automation/force-unlock/:queue/:id", middleware.RequireAdmin, handlers.ForceUnlockJob)
	app.Post("/automation/release-stuck", middleware.RequireAdmin, handlers.ReleaseStuck)
	app.Post("/automation/rescan", middleware.RequireAdmin, handlers.Rescan)

	return &TestEnv{
		App:           app,
		DB:            db,
		IdentityQueue: identity,
		EncryptQueue:  encrypt,
		Employees:     employees,
		Users:         users,
		Crypto:        crypto,
		Enqueuer:      enqueuer,
	}
}

// StartPools runs both worker pools with test-friendly intervals and stops
// them on cleanup.
func (e *TestEnv) StartPools(t *testing.T, concurrency int64) {
	t.Helper()
	opts := queue.PoolOptions{
		PollInterval: 20 * time.Millisecond,
		BatchSize:    50,
		Concurrency:  concurrency,
		JobTimeout:   10 * time.Second,
	}
	identityPool := queue.NewWorkerPool(e.IdentityQueue,
		services.NewIdentitySyncProcessor(e.Employees, e.Users, e.Crypto), opts)
	encryptPool := queue.NewWorkerPool(e.EncryptQueue,
		services.NewEncryptionProcessor(e.Employees, e.Crypto), opts)
	identityPool.Start()
	encryptPool.Start()
	t.Cleanup(func() {
		identityPool.Stop()
		encryptPool.Stop()
	})
}

func createTestToken(userID, role string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(config.AppConfig.JWTSecret))
	if err != nil {
		panic(err)
	}
	return signed
}
