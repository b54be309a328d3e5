package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/pkg/dbctx"
	"github.com/casafex/planvista-backend/internal/platform/logger"
)

type JobRunRepo interface {
	Create(dbc dbctx.Context, jobs []*types.JobRun) ([]*types.JobRun, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.JobRun, error)
	GetByIdempotencyKey(dbc dbctx.Context, key string) (*types.JobRun, error)
	// GetForKeyLocked loads the newest row for a ledger key under FOR UPDATE.
	// Must run inside a transaction; the row lock serializes concurrent
	// acquire attempts for the same key.
	GetForKeyLocked(dbc dbctx.Context, runID uuid.UUID, step int, service, subUnit string) (*types.JobRun, error)
	// ClaimNextRunnable picks the oldest claimable job and atomically marks
	// it running under the caller's lock: pending jobs, failed jobs with
	// attempts remaining inside their own max_attempts budget past the retry
	// delay, and running jobs whose lock expired (crashed holder).
	ClaimNextRunnable(dbc dbctx.Context, holder string, retryDelay, lockTTL time.Duration) (*types.JobRun, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	// ReleaseIfHolder applies a terminal update only while the caller still
	// holds the lock. Returns false when the lock was reclaimed.
	ReleaseIfHolder(dbc dbctx.Context, id uuid.UUID, holder string, updates map[string]interface{}) (bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID, holder string, lockTTL time.Duration) error
	ListForRun(dbc dbctx.Context, runID uuid.UUID) ([]*types.JobRun, error)
}

type jobRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRunRepo(db *gorm.DB, baseLog *logger.Logger) JobRunRepo {
	return &jobRunRepo{
		db:  db,
		log: baseLog.With("repo", "JobRunRepo"),
	}
}

func (r *jobRunRepo) conn(dbc dbctx.Context) *gorm.DB {
	return dbc.On(r.db)
}

func (r *jobRunRepo) Create(dbc dbctx.Context, jobs []*types.JobRun) ([]*types.JobRun, error) {
	if len(jobs) == 0 {
		return []*types.JobRun{}, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRunRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.JobRun, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.JobRun
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRunRepo) GetByIdempotencyKey(dbc dbctx.Context, key string) (*types.JobRun, error) {
	if key == "" {
		return nil, nil
	}
	var job types.JobRun
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("idempotency_key = ?", key).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRunRepo) GetForKeyLocked(dbc dbctx.Context, runID uuid.UUID, step int, service, subUnit string) (*types.JobRun, error) {
	if dbc.Tx == nil {
		return nil, errors.New("GetForKeyLocked requires a transaction")
	}
	var job types.JobRun
	err := dbc.Tx.WithContext(dbc.Ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("run_id = ? AND step = ? AND service = ? AND sub_unit = ?", runID, step, service, subUnit).
		Order("created_at DESC").
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRunRepo) ClaimNextRunnable(dbc dbctx.Context, holder string, retryDelay, lockTTL time.Duration) (*types.JobRun, error) {
	now := time.Now()
	retryCutoff := now.Add(-retryDelay)
	var claimed *types.JobRun
	err := r.conn(dbc).WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		var job types.JobRun
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
        (
          status = ?
          OR (
            status = ?
            AND attempts < max_attempts
            AND (last_error_at IS NULL OR last_error_at < ?)
          )
          OR (
            status = ?
            AND lock_expires_at IS NOT NULL
            AND lock_expires_at < ?
          )
        )
      `, types.JobPending, types.JobFailed, retryCutoff, types.JobRunning, now).
			Order("created_at ASC")
		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := tx.Model(&types.JobRun{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":          types.JobRunning,
				"attempts":        gorm.Expr("attempts + 1"),
				"lock_holder":     holder,
				"lock_expires_at": now.Add(lockTTL),
				"heartbeat_at":    now,
				"updated_at":      now,
			}).Error
		if uErr != nil {
			return uErr
		}
		job.Status = types.JobRunning
		job.Attempts++
		job.LockHolder = holder
		exp := now.Add(lockTTL)
		job.LockExpiresAt = &exp
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *jobRunRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.JobRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *jobRunRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	q := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.JobRun{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRunRepo) ReleaseIfHolder(dbc dbctx.Context, id uuid.UUID, holder string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil || holder == "" {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["lock_holder"] = ""
	updates["lock_expires_at"] = nil
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.JobRun{}).
		Where("id = ? AND lock_holder = ?", id, holder).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRunRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID, holder string, lockTTL time.Duration) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.JobRun{}).
		Where("id = ? AND status = ? AND lock_holder = ?", id, types.JobRunning, holder).
		Updates(map[string]interface{}{
			"heartbeat_at":    now,
			"lock_expires_at": now.Add(lockTTL),
			"updated_at":      now,
		}).Error
}

func (r *jobRunRepo) ListForRun(dbc dbctx.Context, runID uuid.UUID) ([]*types.JobRun, error) {
	var out []*types.JobRun
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
