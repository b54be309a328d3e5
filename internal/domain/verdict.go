package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Failure taxonomy shared with the judge collaborator. The judge returns
// findings in exactly this vocabulary; anything else is rejected as a
// malformed response.
const (
	FailSchemaInvalid       = "schema_invalid"
	FailConstraintViolation = "constraint_violation"
	FailQualityMismatch     = "quality_mismatch"
	FailMissingSpace        = "missing_space"
	FailExtraSpace          = "extra_space"
	FailFurnitureMismatch   = "furniture_mismatch"
	FailStyleInconsistency  = "style_inconsistency"
	FailGeometryError       = "geometry_error"
	FailAmbiguityUnresolved = "ambiguity_unresolved"
	FailLLMContradiction    = "llm_contradiction"
	FailTimeout             = "timeout"
	FailAPIError            = "api_error"
)

const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var severityRank = map[string]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

func SeverityRank(s string) int {
	r, ok := severityRank[s]
	if !ok {
		return -1
	}
	return r
}

// Recommended next step on a verdict.
const (
	NextProceed       = "proceed"
	NextRetry         = "retry"
	NextBlockForHuman = "block_for_human"
)

// ValidationFailure is one typed finding against an artifact.
type ValidationFailure struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Evidence    string `json:"evidence,omitempty"`
}

// SuggestedFix is a corrective instruction attached to a verdict; lower
// priority sorts first.
type SuggestedFix struct {
	Priority    int    `json:"priority"`
	Instruction string `json:"instruction"`
	TargetLabel string `json:"target_label,omitempty"`
}

// ComparisonVerdict is the persisted form of one validation call, kept for
// audit and for the learning subsystem to mine. Immutable once written.
type ComparisonVerdict struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	RunID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"run_id"`
	JobID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	ArtifactID uuid.UUID      `gorm:"type:uuid;not null;index" json:"artifact_id"`
	Pass       bool           `gorm:"column:pass;not null" json:"pass"`
	Failures   datatypes.JSON `gorm:"column:failures;type:jsonb" json:"failures"`
	Fixes      datatypes.JSON `gorm:"column:fixes;type:jsonb" json:"fixes"`
	NextStep   string         `gorm:"column:next_step;not null" json:"next_step"`
	LatencyMS  int64          `gorm:"column:latency_ms;not null;default:0" json:"latency_ms"`
	Model      string         `gorm:"column:model" json:"model,omitempty"`
	// Policy rules consulted and fired during stage 2, kept so a later
	// human override can reconcile rule outcomes.
	CheckedRuleIDs   datatypes.JSON `gorm:"column:checked_rule_ids;type:jsonb" json:"checked_rule_ids,omitempty"`
	TriggeredRuleIDs datatypes.JSON `gorm:"column:triggered_rule_ids;type:jsonb" json:"triggered_rule_ids,omitempty"`
	CreatedAt        time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (ComparisonVerdict) TableName() string { return "comparison_verdict" }
