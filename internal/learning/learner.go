package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/casafex/planvista-backend/internal/data/repos"
	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/pkg/dbctx"
	"github.com/casafex/planvista-backend/internal/platform/logger"
)

// Violation is one judge rejection finding, reduced to the (category, rule)
// identity the store keys on.
type Violation struct {
	Category string
	Rule     string
}

// Learner converts repeated judge rejections into increasingly strict,
// increasingly trusted constraints, and ages them back out again. All
// mutations run transactionally per logical operation.
type Learner struct {
	db         *gorm.DB
	rules      repos.PolicyRuleRepo
	promotions repos.PromotionLogRepo
	log        *logger.Logger
	now        func() time.Time
}

func NewLearner(db *gorm.DB, rules repos.PolicyRuleRepo, promotions repos.PromotionLogRepo, baseLog *logger.Logger) *Learner {
	return &Learner{
		db:         db,
		rules:      rules,
		promotions: promotions,
		log:        baseLog.With("service", "Learner"),
		now:        time.Now,
	}
}

// WithClock injects time (tests).
func (l *Learner) WithClock(now func() time.Time) *Learner {
	if now != nil {
		l.now = now
	}
	return l
}

// ActiveRules returns the live rules visible to a run/actor pair, for the
// validation engine's policy stage.
func (l *Learner) ActiveRules(ctx context.Context, runID, actorID uuid.UUID) ([]*types.PolicyRule, error) {
	return l.rules.ListActiveForContext(dbctx.Context{Ctx: ctx}, runID, actorID)
}

// CaptureViolations folds a rejected verdict's findings into the rule
// store: new violations become run-scoped nudges, repeats escalate, and
// violations recurring across enough independent runs widen scope.
func (l *Learner) CaptureViolations(ctx context.Context, runID, actorID uuid.UUID, violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	now := l.now()
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		for _, v := range violations {
			if v.Category == "" || v.Rule == "" {
				continue
			}
			if err := l.captureOne(dbc, runID, actorID, v, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Learner) captureOne(dbc dbctx.Context, runID, actorID uuid.UUID, v Violation, now time.Time) error {
	rule, err := l.findExisting(dbc, runID, actorID, v)
	if err != nil {
		return err
	}
	if rule == nil {
		rid := runID
		aid := actorID
		rule = &types.PolicyRule{
			ID:             uuid.New(),
			Scope:          types.ScopeRun,
			RunID:          &rid,
			ActorID:        &aid,
			Category:       v.Category,
			Rule:           v.Rule,
			ViolationCount: 0,
			Strength:       types.StrengthNudge,
			Health:         100,
		}
		addSeenRun(rule, runID)
		rule.ViolationCount = 1
		rule.LastTriggeredAt = &now
		_, err := l.rules.Create(dbc, []*types.PolicyRule{rule})
		return err
	}

	var entries []*types.PromotionLog
	if change := RecordViolation(rule, runID, now); change != nil {
		entries = append(entries, l.entry(types.PromotionStrength, rule, &runID, change.From, change.To,
			fmt.Sprintf("violation count reached %d", rule.ViolationCount)))
	}
	if EligibleForScopePromotion(rule) {
		if change := PromoteScope(rule); change != nil {
			entries = append(entries, l.entry(types.PromotionScope, rule, &runID, change.From, change.To,
				fmt.Sprintf("violation recurred across %d independent runs", len(seenRuns(rule)))))
		}
	}
	if err := l.rules.Save(dbc, rule); err != nil {
		return err
	}
	if _, err := l.promotions.Append(dbc, entries); err != nil {
		return err
	}
	return nil
}

// findExisting looks for the rule at any scope visible to this context,
// widest match first, so an already-promoted rule is escalated rather than
// shadowed by a fresh run-local copy.
func (l *Learner) findExisting(dbc dbctx.Context, runID, actorID uuid.UUID, v Violation) (*types.PolicyRule, error) {
	if rule, err := l.rules.FindMatch(dbc, types.ScopeGlobal, nil, nil, v.Category, v.Rule); err != nil || rule != nil {
		return rule, err
	}
	if rule, err := l.rules.FindMatch(dbc, types.ScopeActor, nil, &actorID, v.Category, v.Rule); err != nil || rule != nil {
		return rule, err
	}
	return l.rules.FindMatch(dbc, types.ScopeRun, &runID, nil, v.Category, v.Rule)
}

// ReconcileOutcomes applies one validation round's result to the rules that
// were consulted: triggered rules are credited or penalized depending on
// whether the artifact was ultimately rejected, checked-but-silent rules
// decay gently on success.
func (l *Learner) ReconcileOutcomes(ctx context.Context, runID uuid.UUID, checked, triggered []uuid.UUID, artifactRejected bool) error {
	now := l.now()
	triggeredSet := make(map[uuid.UUID]bool, len(triggered))
	for _, id := range triggered {
		triggeredSet[id] = true
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		for _, id := range checked {
			rule, err := l.rules.GetByID(dbc, id)
			if err != nil {
				return err
			}
			if rule == nil {
				continue
			}
			var outcome Outcome
			switch {
			case triggeredSet[id] && artifactRejected:
				outcome = OutcomeTriggeredRejected
			case triggeredSet[id]:
				outcome = OutcomeTriggeredApproved
			case artifactRejected:
				// Rejected for other reasons; this rule learned nothing.
				continue
			default:
				outcome = OutcomeCheckedUntriggered
			}
			change := ApplyOutcome(rule, outcome, now)
			if err := l.rules.Save(dbc, rule); err != nil {
				return err
			}
			if err := l.logChange(dbc, rule, &runID, change); err != nil {
				return err
			}
		}
		return nil
	})
}

// PromoteToLaw is the only path to law: an explicit administrative action.
func (l *Learner) PromoteToLaw(ctx context.Context, ruleID uuid.UUID, reason string) (*types.PolicyRule, error) {
	var out *types.PolicyRule
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		rule, err := l.rules.GetByID(dbc, ruleID)
		if err != nil {
			return err
		}
		if rule == nil {
			return fmt.Errorf("rule %s not found", ruleID)
		}
		if rule.Strength != types.StrengthGuard {
			return fmt.Errorf("only guard rules may become law, rule %s is %s", ruleID, rule.Strength)
		}
		if rule.ConfidenceCapped {
			return fmt.Errorf("rule %s is confidence-capped and may not become law", ruleID)
		}
		from := rule.Strength
		rule.Strength = types.StrengthLaw
		if err := l.rules.Save(dbc, rule); err != nil {
			return err
		}
		if _, err := l.promotions.Append(dbc, []*types.PromotionLog{
			l.entry(types.PromotionStrength, rule, nil, from, types.StrengthLaw, reason),
		}); err != nil {
			return err
		}
		out = rule
		return nil
	})
	return out, err
}

// Sweep applies lazy inactivity decay storewide, paging through live
// unlocked rules. Meant to run nightly; safe to run at any time. Pages
// are keyed by rule id rather than offset: decay pushes rows out of the
// health filter mid-sweep, and an offset walk would skip past survivors.
func (l *Learner) Sweep(ctx context.Context) (int, error) {
	const pageSize = 200
	now := l.now()
	touched := 0
	for cursor := uuid.Nil; ; {
		page, err := l.rules.ListForSweep(dbctx.Context{Ctx: ctx}, pageSize, cursor)
		if err != nil {
			return touched, err
		}
		if len(page) == 0 {
			return touched, nil
		}
		cursor = page[len(page)-1].ID
		for _, rule := range page {
			change := Decay(rule, now)
			if change.Empty() {
				continue
			}
			err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				dbc := dbctx.Context{Ctx: ctx, Tx: tx}
				if err := l.rules.Save(dbc, rule); err != nil {
					return err
				}
				return l.logChange(dbc, rule, nil, change)
			})
			if err != nil {
				return touched, err
			}
			touched++
		}
	}
}

func (l *Learner) logChange(dbc dbctx.Context, rule *types.PolicyRule, runID *uuid.UUID, change Change) error {
	var entries []*types.PromotionLog
	if change.Demotion != nil {
		entries = append(entries, l.entry(types.PromotionDemotion, rule, runID, change.Demotion.From, change.Demotion.To,
			fmt.Sprintf("health fell to %d", rule.Health)))
	}
	if change.Disabled {
		entries = append(entries, l.entry(types.PromotionDemotion, rule, runID, rule.Strength, "disabled",
			"health exhausted"))
	}
	_, err := l.promotions.Append(dbc, entries)
	return err
}

func (l *Learner) entry(kind string, rule *types.PolicyRule, runID *uuid.UUID, from, to, reason string) *types.PromotionLog {
	detail, _ := json.Marshal(map[string]any{
		"violation_count": rule.ViolationCount,
		"health":          rule.Health,
		"scope":           rule.Scope,
	})
	rid := rule.ID
	return &types.PromotionLog{
		ID:     uuid.New(),
		Kind:   kind,
		RuleID: &rid,
		RunID:  runID,
		From:   from,
		To:     to,
		Reason: reason,
		Detail: datatypes.JSON(detail),
	}
}
