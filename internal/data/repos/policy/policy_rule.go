package policy

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/pkg/dbctx"
	"github.com/casafex/planvista-backend/internal/platform/logger"
)

type PolicyRuleRepo interface {
	Create(dbc dbctx.Context, rules []*types.PolicyRule) ([]*types.PolicyRule, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PolicyRule, error)
	Save(dbc dbctx.Context, rule *types.PolicyRule) error
	// ListActiveForContext returns live rules visible to a (run, actor)
	// pair: the run's own rules, the actor's rules, and global rules.
	// Dead (health 0) and muted rules are excluded here so triggering code
	// never sees them.
	ListActiveForContext(dbc dbctx.Context, runID, actorID uuid.UUID) ([]*types.PolicyRule, error)
	// FindMatch locates an existing rule with the same scope key, category
	// and rule text, muted or not.
	FindMatch(dbc dbctx.Context, scope string, runID, actorID *uuid.UUID, category, rule string) (*types.PolicyRule, error)
	// ListForSweep pages live unlocked rules by id keyset: pass uuid.Nil
	// to start, then the last id of each page. Keyset paging keeps the
	// walk stable while the sweep mutates the health filter underneath it.
	ListForSweep(dbc dbctx.Context, limit int, after uuid.UUID) ([]*types.PolicyRule, error)
}

type policyRuleRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPolicyRuleRepo(db *gorm.DB, baseLog *logger.Logger) PolicyRuleRepo {
	return &policyRuleRepo{
		db:  db,
		log: baseLog.With("repo", "PolicyRuleRepo"),
	}
}

func (r *policyRuleRepo) conn(dbc dbctx.Context) *gorm.DB {
	return dbc.On(r.db)
}

func (r *policyRuleRepo) Create(dbc dbctx.Context, rules []*types.PolicyRule) ([]*types.PolicyRule, error) {
	if len(rules) == 0 {
		return []*types.PolicyRule{}, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).Create(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *policyRuleRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PolicyRule, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var rule types.PolicyRule
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&rule).Error
	if err != nil {
		return nil, err
	}
	if rule.ID == uuid.Nil {
		return nil, nil
	}
	return &rule, nil
}

func (r *policyRuleRepo) Save(dbc dbctx.Context, rule *types.PolicyRule) error {
	if rule == nil || rule.ID == uuid.Nil {
		return nil
	}
	return r.conn(dbc).WithContext(dbc.Ctx).Save(rule).Error
}

func (r *policyRuleRepo) ListActiveForContext(dbc dbctx.Context, runID, actorID uuid.UUID) ([]*types.PolicyRule, error) {
	var out []*types.PolicyRule
	q := r.conn(dbc).WithContext(dbc.Ctx).
		Where("health > 0 AND muted = ?", false).
		Where(
			r.db.Where("scope = ? AND run_id = ?", types.ScopeRun, runID).
				Or("scope = ? AND actor_id = ?", types.ScopeActor, actorID).
				Or("scope = ?", types.ScopeGlobal),
		).
		Order("created_at ASC")
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *policyRuleRepo) FindMatch(dbc dbctx.Context, scope string, runID, actorID *uuid.UUID, category, rule string) (*types.PolicyRule, error) {
	q := r.conn(dbc).WithContext(dbc.Ctx).
		Where("scope = ? AND category = ? AND rule = ?", scope, category, rule)
	if runID != nil {
		q = q.Where("run_id = ?", *runID)
	}
	if actorID != nil {
		q = q.Where("actor_id = ?", *actorID)
	}
	var found types.PolicyRule
	if err := q.Limit(1).Find(&found).Error; err != nil {
		return nil, err
	}
	if found.ID == uuid.Nil {
		return nil, nil
	}
	return &found, nil
}

func (r *policyRuleRepo) ListForSweep(dbc dbctx.Context, limit int, after uuid.UUID) ([]*types.PolicyRule, error) {
	if limit <= 0 {
		limit = 200
	}
	q := r.conn(dbc).WithContext(dbc.Ctx).
		Where("health > 0 AND locked = ?", false)
	if after != uuid.Nil {
		q = q.Where("id > ?", after)
	}
	var out []*types.PolicyRule
	err := q.Order("id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
