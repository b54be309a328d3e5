package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/casafex/planvista-backend/internal/data/repos"
	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/pipeline"
	"github.com/casafex/planvista-backend/internal/pkg/dbctx"
	"github.com/casafex/planvista-backend/internal/platform/apierr"
	"github.com/casafex/planvista-backend/internal/platform/logger"
)

// RunDetail is the pull-based status view: the run plus its jobs and the
// most recent verdict, enough for a caller to decide without polling
// anything else.
type RunDetail struct {
	Run           *types.PipelineRun       `json:"run"`
	Jobs          []*types.JobRun          `json:"jobs"`
	LatestVerdict *types.ComparisonVerdict `json:"latest_verdict,omitempty"`
}

type RunService interface {
	Create(ctx context.Context, ownerUserID uuid.UUID, sourceRef string, pageCount int) (*types.PipelineRun, error)
	Get(ctx context.Context, runID uuid.UUID) (*RunDetail, error)
	RequestTransition(ctx context.Context, runID uuid.UUID, expected, target types.Phase) (*types.PipelineRun, error)
	SetPaused(ctx context.Context, runID uuid.UUID, paused bool) (*types.PipelineRun, error)
}

type runService struct {
	db       *gorm.DB
	log      *logger.Logger
	runs     repos.PipelineRunRepo
	jobs     repos.JobRunRepo
	verdicts repos.VerdictRepo
	machine  *pipeline.Machine
	notify   *PipelineNotifier
}

func NewRunService(
	db *gorm.DB,
	baseLog *logger.Logger,
	runs repos.PipelineRunRepo,
	jobs repos.JobRunRepo,
	verdicts repos.VerdictRepo,
	machine *pipeline.Machine,
	notify *PipelineNotifier,
) RunService {
	return &runService{
		db:       db,
		log:      baseLog.With("service", "RunService"),
		runs:     runs,
		jobs:     jobs,
		verdicts: verdicts,
		machine:  machine,
		notify:   notify,
	}
}

// Create starts a run at intake_complete: intake itself (upload, storage)
// happens outside this system, so a run enters already holding its source
// reference.
func (s *runService) Create(ctx context.Context, ownerUserID uuid.UUID, sourceRef string, pageCount int) (*types.PipelineRun, error) {
	if ownerUserID == uuid.Nil {
		return nil, fmt.Errorf("missing owner_user_id")
	}
	if sourceRef == "" {
		return nil, fmt.Errorf("missing source_ref")
	}
	dbc := dbctx.Context{Ctx: ctx}
	run := &types.PipelineRun{
		ID:          uuid.New(),
		OwnerUserID: ownerUserID,
		Phase:       types.PhaseIntakeComplete,
		Step:        types.StepIntake,
	}
	created, err := s.runs.Create(dbc, []*types.PipelineRun{run})
	if err != nil {
		return nil, err
	}
	run = created[0]
	if err := s.runs.MergeStepOutput(dbc, run.ID, pipeline.KeyIntake, pipeline.IntakeOutput{
		SourceRef: sourceRef,
		PageCount: pageCount,
	}); err != nil {
		return nil, err
	}
	s.log.Info("Run created", "run_id", run.ID, "owner_user_id", ownerUserID)
	return s.runs.GetByID(dbc, run.ID)
}

func (s *runService) Get(ctx context.Context, runID uuid.UUID) (*RunDetail, error) {
	dbc := dbctx.Context{Ctx: ctx}
	run, err := s.runs.GetByID(dbc, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, apierr.NotFound("run_not_found", "run %s not found", runID)
	}
	jobs, err := s.jobs.ListForRun(dbc, runID)
	if err != nil {
		return nil, err
	}
	latest, err := s.verdicts.GetLatestForRun(dbc, runID)
	if err != nil {
		return nil, err
	}
	return &RunDetail{Run: run, Jobs: jobs, LatestVerdict: latest}, nil
}

func (s *runService) RequestTransition(ctx context.Context, runID uuid.UUID, expected, target types.Phase) (*types.PipelineRun, error) {
	run, err := s.machine.Transition(ctx, runID, expected, target)
	if err != nil {
		return nil, err
	}
	s.notify.RunTransitioned(run)
	return run, nil
}

func (s *runService) SetPaused(ctx context.Context, runID uuid.UUID, paused bool) (*types.PipelineRun, error) {
	dbc := dbctx.Context{Ctx: ctx}
	ok, err := s.runs.SetPaused(dbc, runID, paused)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apierr.NotFound("run_not_found", "run %s not found", runID)
	}
	run, err := s.runs.GetByID(dbc, runID)
	if err != nil {
		return nil, err
	}
	s.notify.RunPaused(run, paused)
	return run, nil
}
