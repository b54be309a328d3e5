package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Promotion log entry kinds. Rule escalations and human override decisions
// share one audit trail so the two histories stay correlated.
const (
	PromotionStrength      = "strength_promotion"
	PromotionScope         = "scope_promotion"
	PromotionDemotion      = "strength_demotion"
	PromotionHumanOverride = "human_override"
)

type PromotionLog struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Kind      string         `gorm:"column:kind;not null;index" json:"kind"`
	RuleID    *uuid.UUID     `gorm:"type:uuid;column:rule_id;index" json:"rule_id,omitempty"`
	RunID     *uuid.UUID     `gorm:"type:uuid;column:run_id;index" json:"run_id,omitempty"`
	JobID     *uuid.UUID     `gorm:"type:uuid;column:job_id;index" json:"job_id,omitempty"`
	From      string         `gorm:"column:from_value" json:"from,omitempty"`
	To        string         `gorm:"column:to_value" json:"to,omitempty"`
	Reason    string         `gorm:"column:reason" json:"reason,omitempty"`
	Detail    datatypes.JSON `gorm:"column:detail;type:jsonb" json:"detail,omitempty"`
	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (PromotionLog) TableName() string { return "promotion_log" }
