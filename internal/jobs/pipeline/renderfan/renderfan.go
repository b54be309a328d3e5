package renderfan

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/casafex/planvista-backend/internal/clients/genai"
	"github.com/casafex/planvista-backend/internal/data/repos"
	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/jobs/ledger"
	"github.com/casafex/planvista-backend/internal/jobs/runtime"
	"github.com/casafex/planvista-backend/internal/pipeline"
	"github.com/casafex/planvista-backend/internal/pkg/dbctx"
	"github.com/casafex/planvista-backend/internal/platform/logger"
)

const DefaultConcurrency = 4

// Config binds one fan-out handler to a per-space step: rendered views or
// panoramas, one artifact per detected space.
type Config struct {
	Service      string
	Step         int
	ArtifactKind string
	Concurrency  int
}

// Ledger is the slice of the job ledger the fan-out uses for its sub-unit
// leases. *ledger.Manager satisfies it.
type Ledger interface {
	Acquire(ctx context.Context, req ledger.AcquireRequest) (*ledger.Lease, error)
	Extend(ctx context.Context, lease *ledger.Lease) error
	Release(ctx context.Context, lease *ledger.Lease, finalStatus string, resultRef map[string]any, errDetail string) error
}

// Transitioner authorizes phase advances. *pipeline.Machine satisfies it.
type Transitioner interface {
	Transition(ctx context.Context, runID uuid.UUID, expected, target types.Phase) (*types.PipelineRun, error)
}

type Deps struct {
	Gen       genai.Client
	Ledger    Ledger
	Machine   Transitioner
	Runs      repos.PipelineRunRepo
	Artifacts repos.ArtifactRepo
	Log       *logger.Logger
}

// Handler fans one step out across the spaces detected earlier in the run.
// Each space is its own ledger job keyed by (run, step, sub-unit), so a
// crashed worker loses only the spaces still in flight and a re-run reuses
// every space that already completed.
type Handler struct {
	cfg  Config
	deps Deps
	log  *logger.Logger
}

func New(cfg Config, deps Deps) *Handler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Handler{
		cfg:  cfg,
		deps: deps,
		log:  deps.Log.With("handler", cfg.Service),
	}
}

func (h *Handler) Service() string { return h.cfg.Service }

func (h *Handler) Run(jc *runtime.Context) error {
	dbc := dbctx.Context{Ctx: jc.Ctx}
	run, err := h.deps.Runs.GetByID(dbc, jc.Job.RunID)
	if err != nil {
		jc.Fail("load-run", err)
		return nil
	}
	if run == nil {
		jc.Fail("load-run", fmt.Errorf("run %s not found", jc.Job.RunID))
		return nil
	}

	if run.Paused {
		jc.Fail("dispatch", errors.New("run is paused"))
		return nil
	}

	labels, err := spaceLabels(run)
	if err != nil {
		jc.Fail("load-spaces", err)
		return nil
	}
	if len(labels) == 0 {
		jc.Fail("load-spaces", errors.New("no detected spaces on record; spaces step must complete first"))
		return nil
	}

	var (
		mu        sync.Mutex
		artifacts = make(map[string]uuid.UUID, len(labels))
	)
	g, ctx := errgroup.WithContext(jc.Ctx)
	g.SetLimit(h.cfg.Concurrency)
	for _, label := range labels {
		label := label
		g.Go(func() error {
			id, err := h.renderSpace(ctx, run, label, jc.Holder, jc.Job.Attempts)
			if err != nil {
				return fmt.Errorf("space %q: %w", label, err)
			}
			mu.Lock()
			artifacts[label] = id
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		jc.Fail("fanout", err)
		return nil
	}
	jc.Heartbeat()

	key, _ := pipeline.StepKeyFor(h.cfg.Step)
	if err := h.deps.Runs.MergeStepOutput(dbc, run.ID, key, h.buildOutput(artifacts)); err != nil {
		jc.Fail("merge-output", err)
		return nil
	}

	refs := make(map[string]any, len(artifacts))
	for label, id := range artifacts {
		refs[label] = id.String()
	}
	jc.Succeed(map[string]any{"artifact_ids": refs})

	expected, ok1 := types.PhaseForStep(h.cfg.Step, types.StageRunning)
	target, ok2 := types.PhaseForStep(h.cfg.Step, types.StageReview)
	if ok1 && ok2 {
		if _, err := h.deps.Machine.Transition(jc.Ctx, run.ID, expected, target); err != nil {
			h.log.Warn("Review transition not applied", "run_id", run.ID, "error", err)
		}
	}
	return nil
}

// renderSpace generates one space's artifact under its own lease. A space
// whose sub-unit job already completed is reused, not regenerated.
func (h *Handler) renderSpace(ctx context.Context, run *types.PipelineRun, label, holder string, attempt int) (uuid.UUID, error) {
	lease, err := h.deps.Ledger.Acquire(ctx, ledger.AcquireRequest{
		RunID:   run.ID,
		Step:    h.cfg.Step,
		Service: h.cfg.Service,
		SubUnit: label,
		Holder:  holder,
	})
	if err != nil {
		var terminal *ledger.TerminalJobError
		if errors.As(err, &terminal) && terminal.Status == types.JobCompleted {
			return h.reuseCompleted(ctx, terminal.JobID)
		}
		return uuid.Nil, err
	}

	result, err := h.deps.Gen.Generate(ctx, genai.Request{
		RunID:   run.ID,
		Step:    h.cfg.Step,
		Attempt: attempt,
		Kind:    h.cfg.ArtifactKind,
		SubUnit: label,
	})
	if err != nil {
		if relErr := h.deps.Ledger.Release(ctx, lease, types.JobFailed, nil, err.Error()); relErr != nil {
			h.log.Warn("Sub-unit release failed", "sub_unit", label, "error", relErr)
		}
		return uuid.Nil, err
	}
	// The generation call can eat most of the TTL; renew before persisting
	// so the lease is not reclaimed mid-write.
	if err := h.deps.Ledger.Extend(ctx, lease); err != nil {
		h.log.Warn("Sub-unit lease renewal failed", "sub_unit", label, "error", err)
	}

	artifact := &types.Artifact{
		ID:          uuid.New(),
		RunID:       run.ID,
		JobID:       lease.JobID,
		Kind:        h.cfg.ArtifactKind,
		SubUnit:     label,
		StorageRef:  result.StorageRef,
		Width:       result.Width,
		Height:      result.Height,
		Hash:        result.Hash,
		QualityTier: result.QualityTier,
		Analysis:    datatypes.JSON(result.Analysis),
	}
	if _, err := h.deps.Artifacts.Create(dbctx.Context{Ctx: ctx}, []*types.Artifact{artifact}); err != nil {
		if relErr := h.deps.Ledger.Release(ctx, lease, types.JobFailed, nil, err.Error()); relErr != nil {
			h.log.Warn("Sub-unit release failed", "sub_unit", label, "error", relErr)
		}
		return uuid.Nil, err
	}
	if err := h.deps.Ledger.Release(ctx, lease, types.JobCompleted,
		map[string]any{"artifact_id": artifact.ID.String()}, ""); err != nil {
		return uuid.Nil, err
	}
	return artifact.ID, nil
}

func (h *Handler) reuseCompleted(ctx context.Context, jobID uuid.UUID) (uuid.UUID, error) {
	existing, err := h.deps.Artifacts.ListForJob(dbctx.Context{Ctx: ctx}, jobID)
	if err != nil {
		return uuid.Nil, err
	}
	for _, a := range existing {
		if a.Kind == h.cfg.ArtifactKind {
			return a.ID, nil
		}
	}
	return uuid.Nil, fmt.Errorf("completed sub-unit job %s has no %s artifact", jobID, h.cfg.ArtifactKind)
}

func (h *Handler) buildOutput(artifacts map[string]uuid.UUID) any {
	if h.cfg.Step == types.StepPanoramas {
		return pipeline.PanoramasOutput{ArtifactIDs: artifacts}
	}
	return pipeline.RendersOutput{ArtifactIDs: artifacts}
}

// spaceLabels reads the spaces step's committed output off the run record.
func spaceLabels(run *types.PipelineRun) ([]string, error) {
	outputs, err := pipeline.DecodeStepOutputs(run.StepOutputs)
	if err != nil {
		return nil, err
	}
	v, ok := outputs[pipeline.KeySpaces]
	if !ok {
		return nil, nil
	}
	spaces, ok := v.(pipeline.SpacesOutput)
	if !ok {
		return nil, fmt.Errorf("spaces output has unexpected shape %T", v)
	}
	return spaces.Labels, nil
}
