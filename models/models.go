package models

import (
	"time"
)

// Job states shared by both automation queues. Terminal states are escapable
// only through an explicit operator requeue.
const (
	JobPending        = "PENDING"
	JobDone           = "DONE"
	JobErrorDuplicate = "ERROR_DUPLICATE"
	JobErrorPermanent = "ERROR_PERMANENT"
)

var JobStates = []string{JobPending, JobDone, JobErrorDuplicate, JobErrorPermanent}

// QueueJob is one row of an automation queue. The identity and encryption
// queues persist the same shape in separate tables. Rows are never deleted;
// terminal rows stay behind as an audit trail.
type QueueJob struct {
	ID          uint       `gorm:"primary_key;autoIncrement" json:"id"`
	SubjectID   string     `gorm:"not null" json:"subject_id"`
	DedupeKey   string     `gorm:"not null" json:"dedupe_key"`
	State       string     `gorm:"not null;default:'PENDING'" json:"state"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LockOwner   *string    `json:"lock_owner,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"not null" json:"updated_at"`
}

// Locked reports whether the row holds a live lease as of now. Locked is a
// derived condition, not a distinct state.
func (j *QueueJob) Locked(now time.Time, leaseTimeout time.Duration) bool {
	return j.LockOwner != nil && j.LockedAt != nil && j.LockedAt.After(now.Add(-leaseTimeout))
}

// Employee is the HR record the pipeline reconciles. NationalID, Email and
// Salary hold plaintext until the encryption queue processes the row, then
// ciphertext; PiiEncrypted says which. IDHash and EmailHash are deterministic
// digests so lookups work without decrypting. Version guards against the CRUD
// API writing the same row concurrently.
type Employee struct {
	ID         string `gorm:"type:uuid;primary_key" json:"id"`
	FullName   string `gorm:"not null" json:"full_name"`
	Department string `json:"department"`
	Position   string `json:"position"`

	IsActive     bool    `gorm:"not null;default:true" json:"is_active"`
	LinkedUserID *string `gorm:"type:uuid" json:"linked_user_id,omitempty"`

	NationalID string `json:"-"`
	Email      string `json:"-"`
	Salary     string `json:"-"`

	PiiEncrypted      bool       `gorm:"not null;default:false" json:"pii_encrypted"`
	EncryptionVersion int        `gorm:"not null;default:0" json:"encryption_version"`
	EncryptedAt       *time.Time `json:"encrypted_at,omitempty"`
	IDHash            string     `gorm:"index" json:"-"`
	EmailHash         string     `gorm:"index" json:"-"`

	Version   int       `gorm:"not null;default:0" json:"version"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// User is a platform account. Email is unique among active users; enforcement
// lives in the identity processor because inactive accounts may share it.
type User struct {
	ID        string    `gorm:"type:uuid;primary_key" json:"id"`
	Email     string    `gorm:"not null;index" json:"email"`
	FullName  string    `json:"full_name"`
	Role      string    `gorm:"not null;default:'employee'" json:"role"`
	Status    string    `gorm:"not null;default:'active'" json:"status"` // active, inactive
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}
