package runs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/pkg/dbctx"
	"github.com/casafex/planvista-backend/internal/platform/logger"
)

type PipelineRunRepo interface {
	Create(dbc dbctx.Context, runs []*types.PipelineRun) ([]*types.PipelineRun, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineRun, error)
	// CompareAndSetPhase performs the single atomic conditional write the
	// phase machine is allowed: phase/step advance only when the persisted
	// phase still equals expected. Returns false when the row was stale.
	CompareAndSetPhase(dbc dbctx.Context, id uuid.UUID, expected, target types.Phase, targetStep int) (bool, error)
	SetPaused(dbc dbctx.Context, id uuid.UUID, paused bool) (bool, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// MergeStepOutput records one step's output under its step key without
	// touching the other entries of the tagged union.
	MergeStepOutput(dbc dbctx.Context, id uuid.UUID, stepKey string, output any) error
}

type pipelineRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPipelineRunRepo(db *gorm.DB, baseLog *logger.Logger) PipelineRunRepo {
	return &pipelineRunRepo{
		db:  db,
		log: baseLog.With("repo", "PipelineRunRepo"),
	}
}

func (r *pipelineRunRepo) conn(dbc dbctx.Context) *gorm.DB {
	return dbc.On(r.db)
}

func (r *pipelineRunRepo) Create(dbc dbctx.Context, runs []*types.PipelineRun) ([]*types.PipelineRun, error) {
	if len(runs) == 0 {
		return []*types.PipelineRun{}, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).Create(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *pipelineRunRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineRun, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var run types.PipelineRun
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == uuid.Nil {
		return nil, nil
	}
	return &run, nil
}

func (r *pipelineRunRepo) CompareAndSetPhase(dbc dbctx.Context, id uuid.UUID, expected, target types.Phase, targetStep int) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now()
	res := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.PipelineRun{}).
		Where("id = ? AND phase = ?", id, expected).
		Updates(map[string]interface{}{
			"phase":      target,
			"step":       targetStep,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *pipelineRunRepo) SetPaused(dbc dbctx.Context, id uuid.UUID, paused bool) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	res := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.PipelineRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"paused":     paused,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *pipelineRunRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.PipelineRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *pipelineRunRepo) MergeStepOutput(dbc dbctx.Context, id uuid.UUID, stepKey string, output any) error {
	if id == uuid.Nil || stepKey == "" {
		return nil
	}
	return r.conn(dbc).WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		var run types.PipelineRun
		if err := tx.Where("id = ?", id).Limit(1).Find(&run).Error; err != nil {
			return err
		}
		if run.ID == uuid.Nil {
			return errors.New("run not found")
		}
		outputs := map[string]json.RawMessage{}
		if len(run.StepOutputs) > 0 && string(run.StepOutputs) != "null" {
			if err := json.Unmarshal(run.StepOutputs, &outputs); err != nil {
				outputs = map[string]json.RawMessage{}
			}
		}
		b, err := json.Marshal(output)
		if err != nil {
			return err
		}
		outputs[stepKey] = b
		merged, err := json.Marshal(outputs)
		if err != nil {
			return err
		}
		return tx.Model(&types.PipelineRun{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"step_outputs": datatypes.JSON(merged),
				"updated_at":   time.Now(),
			}).Error
	})
}
