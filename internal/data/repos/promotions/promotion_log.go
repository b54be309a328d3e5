package promotions

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/pkg/dbctx"
	"github.com/casafex/planvista-backend/internal/platform/logger"
)

type PromotionLogRepo interface {
	Append(dbc dbctx.Context, entries []*types.PromotionLog) ([]*types.PromotionLog, error)
	ListForRule(dbc dbctx.Context, ruleID uuid.UUID) ([]*types.PromotionLog, error)
	ListForJob(dbc dbctx.Context, jobID uuid.UUID) ([]*types.PromotionLog, error)
}

type promotionLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPromotionLogRepo(db *gorm.DB, baseLog *logger.Logger) PromotionLogRepo {
	return &promotionLogRepo{
		db:  db,
		log: baseLog.With("repo", "PromotionLogRepo"),
	}
}

func (r *promotionLogRepo) conn(dbc dbctx.Context) *gorm.DB {
	return dbc.On(r.db)
}

func (r *promotionLogRepo) Append(dbc dbctx.Context, entries []*types.PromotionLog) ([]*types.PromotionLog, error) {
	if len(entries) == 0 {
		return []*types.PromotionLog{}, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).Create(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *promotionLogRepo) ListForRule(dbc dbctx.Context, ruleID uuid.UUID) ([]*types.PromotionLog, error) {
	var out []*types.PromotionLog
	if ruleID == uuid.Nil {
		return out, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("rule_id = ?", ruleID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *promotionLogRepo) ListForJob(dbc dbctx.Context, jobID uuid.UUID) ([]*types.PromotionLog, error) {
	var out []*types.PromotionLog
	if jobID == uuid.Nil {
		return out, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
