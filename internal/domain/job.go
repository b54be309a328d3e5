package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobBlocked   = "blocked"
)

// JobRun is one attempted unit of work bound to (run, step, service) plus an
// optional sub-unit for fan-out work (one render job per detected space).
// At most one row per key may hold a live (non-expired) running lock;
// lock fields are mutated only by the lock holder. Payload and result carry
// artifact references, never raw bytes.
type JobRun struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	RunID          uuid.UUID      `gorm:"type:uuid;not null;index:idx_job_run_key" json:"run_id"`
	Step           int            `gorm:"column:step;not null;index:idx_job_run_key" json:"step"`
	Service        string         `gorm:"column:service;not null;index:idx_job_run_key" json:"service"`
	SubUnit        string         `gorm:"column:sub_unit;not null;default:'';index:idx_job_run_key" json:"sub_unit,omitempty"`
	Status         string         `gorm:"column:status;not null;index" json:"status"`
	Attempts       int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts    int            `gorm:"column:max_attempts;not null;default:4" json:"max_attempts"`
	IdempotencyKey string         `gorm:"column:idempotency_key;not null;uniqueIndex" json:"idempotency_key"`
	LockHolder     string         `gorm:"column:lock_holder" json:"lock_holder,omitempty"`
	LockExpiresAt  *time.Time     `gorm:"column:lock_expires_at;index" json:"lock_expires_at,omitempty"`
	PayloadRef     datatypes.JSON `gorm:"column:payload_ref;type:jsonb" json:"payload_ref"`
	ResultRef      datatypes.JSON `gorm:"column:result_ref;type:jsonb" json:"result_ref"`
	Error          string         `gorm:"column:error" json:"error,omitempty"`
	FailureHistory datatypes.JSON `gorm:"column:failure_history;type:jsonb" json:"failure_history,omitempty"`
	LastErrorAt    *time.Time     `gorm:"column:last_error_at;index" json:"last_error_at,omitempty"`
	HeartbeatAt    *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
}

func (JobRun) TableName() string { return "job_run" }

// Terminal reports whether the job can never run again.
func (j *JobRun) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobBlocked
}
