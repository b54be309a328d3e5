package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	ArtifactStyledPlan    = "styled_plan"
	ArtifactSpaceAnalysis = "space_analysis"
	ArtifactViewpointSet  = "viewpoint_set"
	ArtifactRender        = "render"
	ArtifactPanorama      = "panorama"
	ArtifactTour          = "tour"
)

// Artifact is a reference to a produced output. Binary content lives behind
// StorageRef; only references cross the service boundary. Rows are written
// once by the owning job and never mutated.
type Artifact struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	RunID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"run_id"`
	JobID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	Kind        string         `gorm:"column:kind;not null;index" json:"kind"`
	SubUnit     string         `gorm:"column:sub_unit;not null;default:''" json:"sub_unit,omitempty"`
	StorageRef  string         `gorm:"column:storage_ref;not null" json:"storage_ref"`
	Width       int            `gorm:"column:width" json:"width,omitempty"`
	Height      int            `gorm:"column:height" json:"height,omitempty"`
	Hash        string         `gorm:"column:hash" json:"hash,omitempty"`
	QualityTier string         `gorm:"column:quality_tier" json:"quality_tier,omitempty"`
	Analysis    datatypes.JSON `gorm:"column:analysis;type:jsonb" json:"analysis,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (Artifact) TableName() string { return "artifact" }
