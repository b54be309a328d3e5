package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Rule scopes, narrowest first. A rule is born run-local and is promoted
// outward only when the same violation recurs across independent runs.
const (
	ScopeRun    = "run"
	ScopeActor  = "actor"
	ScopeGlobal = "global"
)

// Strength stages, weakest first. Law is reachable only by explicit manual
// promotion, never by accumulated violations.
const (
	StrengthNudge = "nudge"
	StrengthCheck = "check"
	StrengthGuard = "guard"
	StrengthLaw   = "law"
)

var strengthOrder = map[string]int{
	StrengthNudge: 0,
	StrengthCheck: 1,
	StrengthGuard: 2,
	StrengthLaw:   3,
}

// StrengthRank returns the ordering of a strength stage (-1 if unknown).
func StrengthRank(s string) int {
	r, ok := strengthOrder[s]
	if !ok {
		return -1
	}
	return r
}

// ConfidenceMinSamples is the observation count below which a rule's
// confidence is treated as unknown.
const ConfidenceMinSamples = 5

// ConfidenceFloor caps a rule at nudge forever once its measured
// confidence falls below it.
const ConfidenceFloor = 0.70

// PolicyRule is a learned negative constraint. Health is a 0-100 budget
// that decays toward demotion and death; confidence is the rule's measured
// reliability and caps its maximum strength.
type PolicyRule struct {
	ID                uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Scope             string         `gorm:"column:scope;not null;index" json:"scope"`
	RunID             *uuid.UUID     `gorm:"type:uuid;column:run_id;index" json:"run_id,omitempty"`
	ActorID           *uuid.UUID     `gorm:"type:uuid;column:actor_id;index" json:"actor_id,omitempty"`
	Category          string         `gorm:"column:category;not null;index" json:"category"`
	Rule              string         `gorm:"column:rule;not null" json:"rule"`
	ViolationCount    int            `gorm:"column:violation_count;not null;default:0" json:"violation_count"`
	Strength          string         `gorm:"column:strength;not null;default:'nudge'" json:"strength"`
	Health            int            `gorm:"column:health;not null;default:100" json:"health"`
	TimesTriggered    int            `gorm:"column:times_triggered;not null;default:0" json:"times_triggered"`
	RejectionsCaused  int            `gorm:"column:rejections_caused;not null;default:0" json:"rejections_caused"`
	ConfidenceCapped  bool           `gorm:"column:confidence_capped;not null;default:false" json:"confidence_capped"`
	ContextConditions datatypes.JSON `gorm:"column:context_conditions;type:jsonb" json:"context_conditions,omitempty"`
	Muted             bool           `gorm:"column:muted;not null;default:false" json:"muted"`
	Locked            bool           `gorm:"column:locked;not null;default:false" json:"locked"`
	SeenRunIDs        datatypes.JSON `gorm:"column:seen_run_ids;type:jsonb" json:"seen_run_ids,omitempty"`
	LastTriggeredAt   *time.Time     `gorm:"column:last_triggered_at;index" json:"last_triggered_at,omitempty"`
	LastDecayedAt     *time.Time     `gorm:"column:last_decayed_at" json:"last_decayed_at,omitempty"`
	CreatedAt         time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
}

func (PolicyRule) TableName() string { return "policy_rule" }

// Confidence returns rejections_caused / times_triggered and whether enough
// observations exist for the ratio to mean anything.
//
// The formula conflates "the rule correctly predicted a rejection" with
// "the rule caused the rejection"; it is kept as-is for compatibility with
// the scoring history even though the two are not causally identical.
func (r *PolicyRule) Confidence() (float64, bool) {
	if r.TimesTriggered < ConfidenceMinSamples {
		return 0, false
	}
	return float64(r.RejectionsCaused) / float64(r.TimesTriggered), true
}

// Alive reports whether the rule may still participate in evaluation.
func (r *PolicyRule) Alive() bool {
	return r.Health > 0 && !r.Muted
}
