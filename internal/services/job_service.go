package services

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
	"github.com/casafex/planvista-backend/internal/jobs/ledger"
	"github.com/casafex/planvista-backend/internal/learning"
	"github.com/casafex/planvista-backend/internal/pkg/dbctx"
	"github.com/casafex/planvista-backend/internal/platform/apierr"
	"github.com/casafex/planvista-backend/internal/platform/logger"
	"github.com/casafex/planvista-backend/internal/validation"
)

// Override decisions. Terminal for the job either way.
const (
	OverrideApprove       = "approve"
	OverrideRejectAndStop = "reject_and_stop"
)

type EnqueueRequest struct {
	RunID          uuid.UUID
	Step           int
	Service        string
	SubUnit        string
	IdempotencyKey string
	MaxAttempts    int
	Payload        map[string]any
}

type JobService interface {
	// Enqueue creates a pending job for the worker pool to claim. The bool
	// reports whether a row was created: re-requests with the same
	// idempotency key return the existing job.
	Enqueue(ctx context.Context, req EnqueueRequest) (*types.JobRun, bool, error)
	Get(ctx context.Context, jobID uuid.UUID) (*types.JobRun, error)
	// SubmitVerdict records an externally produced verdict for a job's
	// latest artifact, schema- and taxonomy-checked like any judge reply.
	SubmitVerdict(ctx context.Context, jobID uuid.UUID, document []byte) (*types.ComparisonVerdict, error)
	// RecordOverride applies a human decision to a blocked job and logs it
	// on the promotion audit trail.
	RecordOverride(ctx context.Context, jobID uuid.UUID, decision, reason string) (*types.JobRun, error)
}

type jobService struct {
	db         *gorm.DB
	log        *logger.Logger
	runs       repos.PipelineRunRepo
	jobs       repos.JobRunRepo
	artifacts  repos.ArtifactRepo
	verdicts   repos.VerdictRepo
	promotions repos.PromotionLogRepo
	learner    *learning.Learner
	notify     *PipelineNotifier
}

func NewJobService(
	db *gorm.DB,
	baseLog *logger.Logger,
	r repos.Set,
	learner *learning.Learner,
	notify *PipelineNotifier,
) JobService {
	return &jobService{
		db:         db,
		log:        baseLog.With("service", "JobService"),
		runs:       r.Runs,
		jobs:       r.Jobs,
		artifacts:  r.Artifacts,
		verdicts:   r.Verdicts,
		promotions: r.Promotions,
		learner:    learner,
		notify:     notify,
	}
}

func (s *jobService) Enqueue(ctx context.Context, req EnqueueRequest) (*types.JobRun, bool, error) {
	if req.RunID == uuid.Nil {
		return nil, false, fmt.Errorf("missing run_id")
	}
	if req.Service == "" {
		return nil, false, fmt.Errorf("missing service")
	}
	if _, ok := types.PhaseForStep(req.Step, types.StagePending); !ok {
		return nil, false, fmt.Errorf("invalid step %d", req.Step)
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = ledger.DefaultMaxAttempts
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = ledger.KeyFor(req.RunID, req.Step, req.Service, req.SubUnit)
	}

	dbc := dbctx.Context{Ctx: ctx}
	run, err := s.runs.GetByID(dbc, req.RunID)
	if err != nil {
		return nil, false, err
	}
	if run == nil {
		return nil, false, apierr.NotFound("run_not_found", "run %s not found", req.RunID)
	}
	if run.Paused {
		return nil, false, apierr.Conflict("run_paused", "run %s is paused", run.ID)
	}
	if run.Step != req.Step {
		return nil, false, apierr.Conflict("step_mismatch", "run %s is at step %d, not %d", run.ID, run.Step, req.Step)
	}

	existing, err := s.jobs.GetByIdempotencyKey(dbc, req.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	var payload datatypes.JSON
	if req.Payload != nil {
		b, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, false, fmt.Errorf("marshal payload: %w", err)
		}
		payload = datatypes.JSON(b)
	}
	job := &types.JobRun{
		ID:             uuid.New(),
		RunID:          req.RunID,
		Step:           req.Step,
		Service:        req.Service,
		SubUnit:        req.SubUnit,
		Status:         types.JobPending,
		Attempts:       0,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
		PayloadRef:     payload,
	}
	created, err := s.jobs.Create(dbc, []*types.JobRun{job})
	if err != nil {
		return nil, false, err
	}
	s.log.Info("Job enqueued", "job_id", job.ID, "run_id", req.RunID, "service", req.Service)
	return created[0], true, nil
}

func (s *jobService) Get(ctx context.Context, jobID uuid.UUID) (*types.JobRun, error) {
	job, err := s.jobs.GetByID(dbctx.Context{Ctx: ctx}, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apierr.NotFound("job_not_found", "job %s not found", jobID)
	}
	return job, nil
}

func (s *jobService) SubmitVerdict(ctx context.Context, jobID uuid.UUID, document []byte) (*types.ComparisonVerdict, error) {
	dbc := dbctx.Context{Ctx: ctx}
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	verdict, err := validation.ParseVerdictDocument(document)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.artifacts.ListForJob(dbc, jobID)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("job %s has no artifact to attach a verdict to", jobID)
	}
	record, err := verdict.Record(job.RunID, job.ID, artifacts[len(artifacts)-1].ID)
	if err != nil {
		return nil, err
	}
	created, err := s.verdicts.Create(dbc, []*types.ComparisonVerdict{record})
	if err != nil {
		return nil, err
	}
	return created[0], nil
}

func (s *jobService) RecordOverride(ctx context.Context, jobID uuid.UUID, decision, reason string) (*types.JobRun, error) {
	if decision != OverrideApprove && decision != OverrideRejectAndStop {
		return nil, fmt.Errorf("unknown override decision %q", decision)
	}
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != types.JobBlocked {
		return nil, apierr.Conflict("job_not_blocked", "job %s is %s, only blocked jobs take overrides", jobID, job.Status)
	}

	now := time.Now()
	updates := map[string]interface{}{"updated_at": now}
	if decision == OverrideApprove {
		updates["status"] = types.JobCompleted
		updates["error"] = ""
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}
		if decision == OverrideApprove {
			if err := s.jobs.UpdateFields(txc, job.ID, updates); err != nil {
				return err
			}
		}
		jobRef := job.ID
		runRef := job.RunID
		_, err := s.promotions.Append(txc, []*types.PromotionLog{{
			ID:     uuid.New(),
			Kind:   types.PromotionHumanOverride,
			JobID:  &jobRef,
			RunID:  &runRef,
			From:   types.JobBlocked,
			To:     decision,
			Reason: reason,
		}})
		return err
	})
	if err != nil {
		return nil, err
	}

	if decision == OverrideApprove {
		s.reconcileOverride(ctx, job)
	}
	return s.Get(ctx, jobID)
}

// reconcileOverride treats an approved-over-block as evidence the triggered
// rules fired wrongly. Failure here never fails the override.
func (s *jobService) reconcileOverride(ctx context.Context, job *types.JobRun) {
	dbc := dbctx.Context{Ctx: ctx}
	rows, err := s.verdicts.ListForJob(dbc, job.ID)
	if err != nil || len(rows) == 0 {
		return
	}
	latest := rows[len(rows)-1]
	var triggered []uuid.UUID
	if len(latest.TriggeredRuleIDs) > 0 {
		if err := json.Unmarshal(latest.TriggeredRuleIDs, &triggered); err != nil {
			s.log.Warn("Triggered rule ids undecodable", "verdict_id", latest.ID, "error", err)
			return
		}
	}
	if len(triggered) == 0 {
		return
	}
	// The triggered rules double as the checked list here: reconciliation
	// only walks checked rules, and only the triggered ones should take the
	// false-positive hit for a verdict a human overturned.
	if err := s.learner.ReconcileOutcomes(ctx, job.RunID, triggered, triggered, false); err != nil {
		s.log.Warn("Override reconciliation failed", "job_id", job.ID, "error", err)
	}
}
