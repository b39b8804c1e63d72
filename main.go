package main

import (
	"os"
	"os/signal"
	"syscall"

	"staffsync/config"
	"staffsync/handlers"
	"staffsync/middleware"
	"staffsync/models"
	"staffsync/queue"
	"staffsync/services"
	"staffsync/utils"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	IdentityJobsTable = "identity_jobs"
	EncryptJobsTable  = "encrypt_jobs"
)

func main() {
	config.LoadConfig()
	utils.InitLogger()
	defer utils.Logger.Sync()

	db, err := gorm.Open(sqlite.Open(config.AppConfig.DBPath), &gorm.Config{})
	if err != nil {
		utils.Logger.Fatal("Failed to open database", zap.Error(err))
	}
	if err := db.AutoMigrate(&models.Employee{}, &models.User{}); err != nil {
		utils.Logger.Fatal("Failed to migrate models", zap.Error(err))
	}

	storeOpts := queue.Options{
		MaxAttempts: config.AppConfig.MaxAttempts,
		BackoffBase: config.AppConfig.BackoffBase,
		BackoffCap:  config.AppConfig.BackoffCap,
	}
	identityQueue := queue.NewJobStore(db, IdentityJobsTable, storeOpts)
	encryptQueue := queue.NewJobStore(db, EncryptJobsTable, storeOpts)
	for _, store := range []*queue.JobStore{identityQueue, encryptQueue} {
		if err := store.Migrate(); err != nil {
			utils.Logger.Fatal("Failed to migrate queue table",
				zap.String("table", store.Table()), zap.Error(err))
		}
	}

	crypto, err := services.NewCryptoService(config.AppConfig.EncryptionKey, config.AppConfig.HashKey)
	if err != nil {
		utils.Logger.Fatal("Failed to initialize crypto service", zap.Error(err))
	}
	employees := services.NewGormEmployeeStore(db)
	users := services.NewGormUserStore(db)
	enqueuer := services.NewEnqueuer(identityQueue, encryptQueue)

	poolOpts := queue.PoolOptions{
		PollInterval: config.AppConfig.PollInterval,
		BatchSize:    config.AppConfig.ClaimBatchSize,
		Concurrency:  int64(config.AppConfig.WorkerCount),
		JobTimeout:   config.AppConfig.JobTimeout,
	}
	identityPool := queue.NewWorkerPool(identityQueue,
		services.NewIdentitySyncProcessor(employees, users, crypto), poolOpts)
	encryptPool := queue.NewWorkerPool(encryptQueue,
		services.NewEncryptionProcessor(employees, crypto), poolOpts)
	identityPool.Start()
	encryptPool.Start()

	reclaimer := queue.NewReclaimer(
		config.AppConfig.LeaseTimeout,
		config.AppConfig.ReclaimInterval,
		identityQueue, encryptQueue)
	if err := reclaimer.Start(); err != nil {
		utils.Logger.Fatal("Failed to start lease reclaimer", zap.Error(err))
	}

	handlers.InitHandlers(db, identityQueue, encryptQueue, employees, enqueuer)

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

	go func() {
		if err := app.Listen(":" + config.AppConfig.Port); err != nil {
			utils.Logger.Fatal("Server stopped", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	utils.Logger.Info("Shutting down")
	_ = app.Shutdown()
	identityPool.Stop()
	encryptPool.Stop()
	reclaimer.Stop()
}
