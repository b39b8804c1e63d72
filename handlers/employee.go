package handlers

import (
	"time"

	"staffsync/models"
	"staffsync/types"
	"staffsync/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type AddEmployeeRequest struct {
	FullName   string `json:"full_name" validate:"required"`
	Department string `json:"department"`
	Position   string `json:"position"`
	NationalID string `json:"national_id" validate:"required"`
	Email      string `json:"email" validate:"required,email"`
	Salary     string `json:"salary" validate:"required"`
}

type ChangeEmailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// AddEmployee creates the HR record and feeds both automation queues. PII
// lands in plaintext here; the encryption queue is what moves it to
// ciphertext at rest.
func AddEmployee(c *fiber.Ctx) error {
	var req AddEmployeeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(types.APIResponse{
			Success: false,
			Error:   types.ErrInvalidInput,
		})
	}
	if req.FullName == "" || req.NationalID == "" || req.Email == "" {
		return c.Status(400).JSON(types.APIResponse{
			Success: false,
			Error:   types.ErrInvalidInput,
		})
	}

	employee := models.Employee{
		ID:         uuid.New().String(),
		FullName:   req.FullName,
		Department: req.Department,
		Position:   req.Position,
		NationalID: req.NationalID,
		Email:      req.Email,
		Salary:     req.Salary,
		IsActive:   true,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	if err := DB.Create(&employee).Error; err != nil {
		utils.Logger.Error("Failed to create employee", zap.Error(err))
		return c.Status(500).JSON(types.APIResponse{
			Success: false,
			Error:   types.ErrDatabaseError,
		})
	}

	if err := Enqueuer.EmployeeCreated(c.Context(), employee.ID); err != nil {
		// The record exists; a rescan will backfill the missing jobs.
		utils.Logger.Error("Failed to enqueue automation jobs",
			zap.String("employee_id", employee.ID), zap.Error(err))
	}

	return c.JSON(types.APIResponse{
		Success: true,
		Message: "Employee created",
		Data:    employee,
	})
}

// ChangeEmail updates the work email and re-triggers identity sync. The row
// drops back to unencrypted so the drift metrics surface it until an operator
// requeues the encrypt job.
func ChangeEmail(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return c.Status(400).JSON(types.APIResponse{
			Success: false,
			Error:   "Invalid employee ID",
		})
	}

	var req ChangeEmailRequest
	if err := c.BodyParser(&req); err != nil || req.Email == "" {
		return c.Status(400).JSON(types.APIResponse{
			Success: false,
			Error:   types.ErrInvalidInput,
		})
	}

	result := DB.Model(&models.Employee{}).Where("id = ?", id).Updates(map[string]interface{}{
		"email":         req.Email,
		"email_hash":    "",
		"pii_encrypted": false,
		"version":       gorm.Expr("version + 1"),
		"updated_at":    time.Now(),
	})
	if result.Error != nil {
		utils.Logger.Error("Failed to update email", zap.Error(result.Error))
		return c.Status(500).JSON(types.APIResponse{
			Success: false,
			Error:   types.ErrDatabaseError,
		})
	}
	if result.RowsAffected == 0 {
		return c.Status(404).JSON(types.APIResponse{
			Success: false,
			Error:   types.ErrNotFound,
		})
	}

	if err := Enqueuer.EmailChanged(c.Context(), id); err != nil {
		utils.Logger.Error("Failed to enqueue identity sync",
			zap.String("employee_id", id), zap.Error(err))
	}

	return c.JSON(types.APIResponse{
		Success: true,
		Message: "Email updated",
	})
}

// SetEmployeeActive flips is_active; reactivation re-triggers identity sync.
func SetEmployeeActive(active bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")

		result := DB.Model(&models.Employee{}).Where("id = ?", id).Updates(map[string]interface{}{
			"is_active":  active,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
		if result.Error != nil {
			utils.Logger.Error("Failed to update employee status", zap.Error(result.Error))
			return c.Status(500).JSON(types.APIResponse{
				Success: false,
				Error:   types.ErrDatabaseError,
			})
		}
		if result.RowsAffected == 0 {
			return c.Status(404).JSON(types.APIResponse{
				Success: false,
				Error:   types.ErrNotFound,
			})
		}

		if active {
			if err := Enqueuer.EmployeeReactivated(c.Context(), id); err != nil {
				utils.Logger.Error("Failed to enqueue identity sync",
					zap.String("employee_id", id), zap.Error(err))
			}
		}

		return c.JSON(types.APIResponse{
			Success: true,
			Message: "Employee status updated",
		})
	}
}
