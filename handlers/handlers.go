package handlers

import (
	"staffsync/queue"
	"staffsync/services"

	"gorm.io/gorm"
)

var (
	DB            *gorm.DB
	IdentityQueue *queue.JobStore
	EncryptQueue  *queue.JobStore
	Employees     services.EmployeeStore
	Enqueuer      *services.Enqueuer
)

func InitHandlers(db *gorm.DB, identity, encrypt *queue.JobStore, employees services.EmployeeStore, enqueuer *services.Enqueuer) {
	DB = db
	IdentityQueue = identity
	EncryptQueue = encrypt
	Employees = employees
	Enqueuer = enqueuer
}
