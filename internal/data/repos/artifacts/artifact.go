package artifacts

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/pkg/dbctx"
	"github.com/casafex/planvista-backend/internal/platform/logger"
)

type ArtifactRepo interface {
	Create(dbc dbctx.Context, artifacts []*types.Artifact) ([]*types.Artifact, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Artifact, error)
	ListForJob(dbc dbctx.Context, jobID uuid.UUID) ([]*types.Artifact, error)
	ListForRun(dbc dbctx.Context, runID uuid.UUID) ([]*types.Artifact, error)
}

type artifactRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewArtifactRepo(db *gorm.DB, baseLog *logger.Logger) ArtifactRepo {
	return &artifactRepo{
		db:  db,
		log: baseLog.With("repo", "ArtifactRepo"),
	}
}

func (r *artifactRepo) conn(dbc dbctx.Context) *gorm.DB {
	return dbc.On(r.db)
}

func (r *artifactRepo) Create(dbc dbctx.Context, artifacts []*types.Artifact) ([]*types.Artifact, error) {
	if len(artifacts) == 0 {
		return []*types.Artifact{}, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).Create(&artifacts).Error; err != nil {
		return nil, err
	}
	return artifacts, nil
}

func (r *artifactRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Artifact, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var a types.Artifact
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&a).Error
	if err != nil {
		return nil, err
	}
	if a.ID == uuid.Nil {
		return nil, nil
	}
	return &a, nil
}

func (r *artifactRepo) ListForJob(dbc dbctx.Context, jobID uuid.UUID) ([]*types.Artifact, error) {
	var out []*types.Artifact
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

func (r *artifactRepo) ListForRun(dbc dbctx.Context, runID uuid.UUID) ([]*types.Artifact, error) {
	var out []*types.Artifact
	if runID == uuid.Nil {
		return out, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
