package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PipelineRun is one end-to-end execution of the visualization pipeline for
// one uploaded floor plan. Phase/step are mutated only by the phase machine;
// everything else reads.
type PipelineRun struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerUserID uuid.UUID      `gorm:"type:uuid;not null;index" json:"owner_user_id"`
	Phase       Phase          `gorm:"column:phase;not null;index" json:"phase"`
	Step        int            `gorm:"column:step;not null;default:0" json:"step"`
	StepOutputs datatypes.JSON `gorm:"column:step_outputs;type:jsonb" json:"step_outputs"`
	LastError   string         `gorm:"column:last_error" json:"last_error,omitempty"`
	Paused      bool           `gorm:"column:paused;not null;default:false" json:"paused"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (PipelineRun) TableName() string { return "pipeline_run" }
