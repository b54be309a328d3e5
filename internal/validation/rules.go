package validation

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	types "github.com/casafex/planvista-backend/internal/domain"
)

// runDeterministicRules evaluates the fixed battery against the analysis.
// Each failing check appends exactly one typed failure. No network access;
// the whole stage is a pure function of analysis and thresholds.
func runDeterministicRules(doc *SpaceAnalysis, exp Expectations, t Thresholds) []types.ValidationFailure {
	var failures []types.ValidationFailure

	total := len(doc.Spaces)
	if total < t.MinSpaces {
		failures = append(failures, types.ValidationFailure{
			Type:        types.FailMissingSpace,
			Severity:    types.SeverityHigh,
			Description: fmt.Sprintf("plan resolved to %d space(s), expected at least %d", total, t.MinSpaces),
		})
	}

	if total > 0 {
		lowConfidence := 0
		ambiguous := 0
		for _, s := range doc.Spaces {
			if s.Confidence < t.LowConfidenceScore {
				lowConfidence++
			}
			if s.Ambiguous {
				ambiguous++
			}
		}
		if ratio := float64(lowConfidence) / float64(total); ratio > t.MaxLowConfidenceRatio {
			failures = append(failures, types.ValidationFailure{
				Type:     types.FailQualityMismatch,
				Severity: types.SeverityHigh,
				Description: fmt.Sprintf("%d of %d spaces below confidence %.2f (max ratio %.0f%%)",
					lowConfidence, total, t.LowConfidenceScore, t.MaxLowConfidenceRatio*100),
			})
		}
		if ratio := float64(ambiguous) / float64(total); ratio > t.MaxAmbiguousRatio {
			failures = append(failures, types.ValidationFailure{
				Type:     types.FailAmbiguityUnresolved,
				Severity: types.SeverityMedium,
				Description: fmt.Sprintf("%d of %d spaces carry ambiguity flags (max ratio %.0f%%)",
					ambiguous, total, t.MaxAmbiguousRatio*100),
			})
		}
	}

	if exp.ResidentialInput {
		present := doc.Categories()
		var missing []string
		for _, cat := range t.CriticalCategories {
			if !present[cat] {
				missing = append(missing, cat)
			}
		}
		if len(missing) > 0 {
			failures = append(failures, types.ValidationFailure{
				Type:        types.FailMissingSpace,
				Severity:    types.SeverityMedium,
				Description: fmt.Sprintf("residential plan missing critical categories: %s", strings.Join(missing, ", ")),
			})
		}
	}

	seen := make(map[string]bool, total)
	var dupes []string
	for _, s := range doc.Spaces {
		label := strings.ToLower(strings.TrimSpace(s.Label))
		if label == "" {
			continue
		}
		if seen[label] {
			dupes = append(dupes, s.Label)
		}
		seen[label] = true
	}
	if len(dupes) > 0 {
		failures = append(failures, types.ValidationFailure{
			Type:        types.FailConstraintViolation,
			Severity:    types.SeverityMedium,
			Description: fmt.Sprintf("duplicate space labels: %s", strings.Join(dupes, ", ")),
		})
	}

	// Cross-field consistency: habitable categories without a single
	// detected furnishing are suspicious but not damning.
	habitable := make(map[string]bool, len(t.HabitableCategories))
	for _, c := range t.HabitableCategories {
		habitable[c] = true
	}
	for _, s := range doc.Spaces {
		if habitable[strings.ToLower(s.Category)] && len(s.Furnishings) == 0 {
			failures = append(failures, types.ValidationFailure{
				Type:        types.FailFurnitureMismatch,
				Severity:    types.SeverityLow,
				Description: fmt.Sprintf("habitable space %q (%s) lists no detected furnishings", s.Label, s.Category),
			})
		}
	}

	return failures
}

// RuleOutcome records which learned rules were consulted and which fired,
// for the learning subsystem to reconcile against the final human decision.
type RuleOutcome struct {
	CheckedRuleIDs   []uuid.UUID
	TriggeredRuleIDs []uuid.UUID
}

// strength decides how hard a learned rule pushes back when it fires.
var strengthSeverity = map[string]string{
	types.StrengthNudge: types.SeverityLow,
	types.StrengthCheck: types.SeverityMedium,
	types.StrengthGuard: types.SeverityHigh,
	types.StrengthLaw:   types.SeverityCritical,
}

// applyPolicyRules evaluates active learned rules against the analysis.
// A rule fires when the category it guards is present in the document;
// dead (health 0) and muted rules never reach this function, but the
// guard is kept cheap and explicit anyway.
func applyPolicyRules(doc *SpaceAnalysis, rules []*types.PolicyRule) ([]types.ValidationFailure, RuleOutcome) {
	var (
		failures []types.ValidationFailure
		outcome  RuleOutcome
	)
	present := doc.Categories()
	for _, r := range rules {
		if !r.Alive() {
			continue
		}
		outcome.CheckedRuleIDs = append(outcome.CheckedRuleIDs, r.ID)
		if !present[strings.ToLower(r.Category)] {
			continue
		}
		outcome.TriggeredRuleIDs = append(outcome.TriggeredRuleIDs, r.ID)
		sev, ok := strengthSeverity[r.Strength]
		if !ok {
			sev = types.SeverityLow
		}
		failures = append(failures, types.ValidationFailure{
			Type:        types.FailConstraintViolation,
			Severity:    sev,
			Description: r.Rule,
			Evidence:    fmt.Sprintf("learned rule %s (category %s, strength %s)", r.ID, r.Category, r.Strength),
		})
	}
	return failures, outcome
}
