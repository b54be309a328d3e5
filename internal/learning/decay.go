package learning

import (
	"time"

	types "github.com/casafex/planvista-backend/internal/domain"
)

// Health decay parameters. Health is a 0-100 budget; when it crosses a
// floor the rule demotes one strength stage, and at 0 the rule is dead.
const (
	InactivityDecayPerDay   = 1
	UntriggeredSuccessDecay = 2
	FalsePositivePenalty    = 25

	GuardDemotionFloor = 30
	CheckDemotionFloor = 15
)

// StrengthChange records one strength stage movement for the audit log.
type StrengthChange struct {
	From string
	To   string
}

// Change is the net effect of one decay/outcome application on a rule.
type Change struct {
	HealthDelta int
	Demotion    *StrengthChange
	Disabled    bool
}

func (c Change) Empty() bool {
	return c.HealthDelta == 0 && c.Demotion == nil && !c.Disabled
}

// Decay applies lazy inactivity decay up to now: one point per full day
// since the rule was last decayed (or created). Locked rules are exempt.
// Pure: mutates only the passed rule, touches no clock or store.
func Decay(rule *types.PolicyRule, now time.Time) Change {
	if rule.Locked || rule.Health <= 0 {
		return Change{}
	}
	since := rule.CreatedAt
	if rule.LastDecayedAt != nil {
		since = *rule.LastDecayedAt
	}
	days := int(now.Sub(since).Hours() / 24)
	if days <= 0 {
		return Change{}
	}
	rule.LastDecayedAt = &now
	return drainHealth(rule, days*InactivityDecayPerDay)
}

// Outcome is what happened to a rule during one validation round.
type Outcome int

const (
	// OutcomeTriggeredRejected: the rule fired and the artifact was
	// rejected. The rule earned its keep.
	OutcomeTriggeredRejected Outcome = iota
	// OutcomeTriggeredApproved: the rule fired but the artifact was
	// approved anyway. False positive; costs a large health chunk.
	OutcomeTriggeredApproved
	// OutcomeCheckedUntriggered: the rule's condition was evaluated on a
	// successful task without firing. The actor is learning it.
	OutcomeCheckedUntriggered
)

// ApplyOutcome updates counters and health for one observation, then
// re-evaluates the confidence cap and demotion floors. Locked rules still
// accumulate counters but never lose health.
func ApplyOutcome(rule *types.PolicyRule, outcome Outcome, now time.Time) Change {
	var drain int
	switch outcome {
	case OutcomeTriggeredRejected:
		rule.TimesTriggered++
		rule.RejectionsCaused++
		rule.LastTriggeredAt = &now
	case OutcomeTriggeredApproved:
		rule.TimesTriggered++
		rule.LastTriggeredAt = &now
		drain = FalsePositivePenalty
	case OutcomeCheckedUntriggered:
		drain = UntriggeredSuccessDecay
	}

	applyConfidenceCap(rule)
	if rule.Locked {
		return Change{}
	}
	return drainHealth(rule, drain)
}

// applyConfidenceCap clamps an unreliable rule to nudge forever once
// enough observations exist.
func applyConfidenceCap(rule *types.PolicyRule) {
	conf, ok := rule.Confidence()
	if !ok {
		return
	}
	if conf < types.ConfidenceFloor {
		rule.ConfidenceCapped = true
		rule.Strength = types.StrengthNudge
	}
}

// drainHealth subtracts health and applies at most one demotion per call;
// floors pull strength down one stage at a time, never in a single jump.
func drainHealth(rule *types.PolicyRule, points int) Change {
	if points <= 0 {
		return Change{}
	}
	change := Change{HealthDelta: -points}
	rule.Health -= points
	if rule.Health <= 0 {
		rule.Health = 0
		change.Disabled = true
		return change
	}
	switch {
	case rule.Strength == types.StrengthGuard && rule.Health <= GuardDemotionFloor:
		rule.Strength = types.StrengthCheck
		change.Demotion = &StrengthChange{From: types.StrengthGuard, To: types.StrengthCheck}
	case rule.Strength == types.StrengthCheck && rule.Health <= CheckDemotionFloor:
		rule.Strength = types.StrengthNudge
		change.Demotion = &StrengthChange{From: types.StrengthCheck, To: types.StrengthNudge}
	}
	return change
}
