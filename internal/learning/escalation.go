package learning

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/casafex/planvista-backend/internal/domain"
)

// Violation-count thresholds for the nudge -> check -> guard ladder.
// Law is deliberately absent: it is reachable only by manual promotion.
const (
	CheckThreshold = 3
	GuardThreshold = 6
)

// MinIndependentRuns is how many distinct runs must reproduce the same
// violation before a rule may widen its scope. Repetition within one run
// proves nothing about the actor, let alone the world.
const MinIndependentRuns = 3

// StrengthForViolations returns the ladder stage earned by count alone.
func StrengthForViolations(count int) string {
	switch {
	case count >= GuardThreshold:
		return types.StrengthGuard
	case count >= CheckThreshold:
		return types.StrengthCheck
	default:
		return types.StrengthNudge
	}
}

// RecordViolation bumps the violation count, tracks the originating run for
// scope promotion, and escalates strength if a threshold was crossed.
// A confidence-capped rule never escalates; a law never moves by count.
func RecordViolation(rule *types.PolicyRule, runID uuid.UUID, now time.Time) *StrengthChange {
	rule.ViolationCount++
	rule.LastTriggeredAt = &now
	addSeenRun(rule, runID)

	if rule.ConfidenceCapped || rule.Strength == types.StrengthLaw {
		return nil
	}
	earned := StrengthForViolations(rule.ViolationCount)
	if types.StrengthRank(earned) <= types.StrengthRank(rule.Strength) {
		return nil
	}
	change := &StrengthChange{From: rule.Strength, To: earned}
	rule.Strength = earned
	return change
}

// NextScope returns where a rule would promote to, widest last.
func NextScope(scope string) (string, bool) {
	switch scope {
	case types.ScopeRun:
		return types.ScopeActor, true
	case types.ScopeActor:
		return types.ScopeGlobal, true
	default:
		return "", false
	}
}

// EligibleForScopePromotion reports whether the same violation has recurred
// across enough independent runs to widen the rule's scope.
func EligibleForScopePromotion(rule *types.PolicyRule) bool {
	if _, ok := NextScope(rule.Scope); !ok {
		return false
	}
	return len(seenRuns(rule)) >= MinIndependentRuns
}

// PromoteScope widens the rule one scope level and drops the reference that
// tied it to the narrower scope.
func PromoteScope(rule *types.PolicyRule) *StrengthChange {
	next, ok := NextScope(rule.Scope)
	if !ok {
		return nil
	}
	change := &StrengthChange{From: rule.Scope, To: next}
	rule.Scope = next
	switch next {
	case types.ScopeActor:
		rule.RunID = nil
	case types.ScopeGlobal:
		rule.RunID = nil
		rule.ActorID = nil
	}
	return change
}

func seenRuns(rule *types.PolicyRule) []uuid.UUID {
	if len(rule.SeenRunIDs) == 0 {
		return nil
	}
	var ids []uuid.UUID
	if err := json.Unmarshal(rule.SeenRunIDs, &ids); err != nil {
		return nil
	}
	return ids
}

func addSeenRun(rule *types.PolicyRule, runID uuid.UUID) {
	if runID == uuid.Nil {
		return
	}
	ids := seenRuns(rule)
	for _, id := range ids {
		if id == runID {
			return
		}
	}
	ids = append(ids, runID)
	raw, err := json.Marshal(ids)
	if err != nil {
		return
	}
	rule.SeenRunIDs = datatypes.JSON(raw)
}
