package verdicts

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/pkg/dbctx"
	"github.com/casafex/planvista-backend/internal/platform/logger"
)

type VerdictRepo interface {
	Create(dbc dbctx.Context, verdicts []*types.ComparisonVerdict) ([]*types.ComparisonVerdict, error)
	ListForJob(dbc dbctx.Context, jobID uuid.UUID) ([]*types.ComparisonVerdict, error)
	GetLatestForRun(dbc dbctx.Context, runID uuid.UUID) (*types.ComparisonVerdict, error)
}

type verdictRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewVerdictRepo(db *gorm.DB, baseLog *logger.Logger) VerdictRepo {
	return &verdictRepo{
		db:  db,
		log: baseLog.With("repo", "VerdictRepo"),
	}
}

func (r *verdictRepo) conn(dbc dbctx.Context) *gorm.DB {
	return dbc.On(r.db)
}

func (r *verdictRepo) Create(dbc dbctx.Context, verdicts []*types.ComparisonVerdict) ([]*types.ComparisonVerdict, error) {
	if len(verdicts) == 0 {
		return []*types.ComparisonVerdict{}, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).Create(&verdicts).Error; err != nil {
		return nil, err
	}
	return verdicts, nil
}

func (r *verdictRepo) ListForJob(dbc dbctx.Context, jobID uuid.UUID) ([]*types.ComparisonVerdict, error) {
	var out []*types.ComparisonVerdict
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

func (r *verdictRepo) GetLatestForRun(dbc dbctx.Context, runID uuid.UUID) (*types.ComparisonVerdict, error) {
	if runID == uuid.Nil {
		return nil, nil
	}
	var v types.ComparisonVerdict
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("run_id = ?", runID).
		Order("created_at DESC").
		Limit(1).
		Find(&v).Error
	if err != nil {
		return nil, err
	}
	if v.ID == uuid.Nil {
		return nil, nil
	}
	return &v, nil
}
