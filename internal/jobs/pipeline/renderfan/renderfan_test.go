package renderfan

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/casafex/planvista-backend/internal/clients/genai"
	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/jobs/ledger"
	"github.com/casafex/planvista-backend/internal/jobs/runtime"
	"github.com/casafex/planvista-backend/internal/pipeline"
	"github.com/casafex/planvista-backend/internal/pkg/dbctx"
	"github.com/casafex/planvista-backend/internal/platform/logger"
)

type fakeGen struct {
	mu      sync.Mutex
	reqs    []genai.Request
	failFor map[string]error
}

func (g *fakeGen) Generate(_ context.Context, req genai.Request) (*genai.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs = append(g.reqs, req)
	if err := g.failFor[req.SubUnit]; err != nil {
		return nil, err
	}
	return &genai.Result{
		StorageRef:  "s3://renders/" + req.SubUnit + ".png",
		Width:       1920,
		Height:      1080,
		Hash:        "sha256:" + req.SubUnit,
		QualityTier: "standard",
	}, nil
}

type leaseRecord struct {
	subUnit string
	status  string
}

type fakeLedger struct {
	mu        sync.Mutex
	acquired  []string
	extended  []uuid.UUID
	released  []leaseRecord
	refuseFor map[string]error
	jobIDs    map[string]uuid.UUID
}

func (l *fakeLedger) Acquire(_ context.Context, req ledger.AcquireRequest) (*ledger.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.refuseFor[req.SubUnit]; err != nil {
		return nil, err
	}
	if l.jobIDs == nil {
		l.jobIDs = map[string]uuid.UUID{}
	}
	id := uuid.New()
	l.jobIDs[req.SubUnit] = id
	l.acquired = append(l.acquired, req.SubUnit)
	return &ledger.Lease{JobID: id, Holder: req.Holder, Attempt: 1, ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func (l *fakeLedger) Extend(_ context.Context, lease *ledger.Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extended = append(l.extended, lease.JobID)
	return nil
}

func (l *fakeLedger) Release(_ context.Context, lease *ledger.Lease, finalStatus string, _ map[string]any, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub := ""
	for s, id := range l.jobIDs {
		if id == lease.JobID {
			sub = s
		}
	}
	l.released = append(l.released, leaseRecord{subUnit: sub, status: finalStatus})
	return nil
}

type fakeJobRepo struct {
	released map[string]any
}

func (r *fakeJobRepo) Create(dbctx.Context, []*types.JobRun) ([]*types.JobRun, error) {
	return nil, nil
}
func (r *fakeJobRepo) GetByID(dbctx.Context, uuid.UUID) (*types.JobRun, error) { return nil, nil }
func (r *fakeJobRepo) GetByIdempotencyKey(dbctx.Context, string) (*types.JobRun, error) {
	return nil, nil
}
func (r *fakeJobRepo) GetForKeyLocked(dbctx.Context, uuid.UUID, int, string, string) (*types.JobRun, error) {
	return nil, nil
}
func (r *fakeJobRepo) ClaimNextRunnable(dbctx.Context, string, time.Duration, time.Duration) (*types.JobRun, error) {
	return nil, nil
}
func (r *fakeJobRepo) UpdateFields(dbctx.Context, uuid.UUID, map[string]interface{}) error {
	return nil
}
func (r *fakeJobRepo) UpdateFieldsUnlessStatus(dbctx.Context, uuid.UUID, []string, map[string]interface{}) (bool, error) {
	return true, nil
}
func (r *fakeJobRepo) ReleaseIfHolder(_ dbctx.Context, _ uuid.UUID, _ string, updates map[string]interface{}) (bool, error) {
	r.released = updates
	return true, nil
}
func (r *fakeJobRepo) Heartbeat(dbctx.Context, uuid.UUID, string, time.Duration) error { return nil }
func (r *fakeJobRepo) ListForRun(dbctx.Context, uuid.UUID) ([]*types.JobRun, error) {
	return nil, nil
}

type fakeRunRepo struct {
	run    *types.PipelineRun
	merged map[string]any
}

func (r *fakeRunRepo) Create(dbctx.Context, []*types.PipelineRun) ([]*types.PipelineRun, error) {
	return nil, nil
}
func (r *fakeRunRepo) GetByID(dbctx.Context, uuid.UUID) (*types.PipelineRun, error) {
	return r.run, nil
}
func (r *fakeRunRepo) CompareAndSetPhase(dbctx.Context, uuid.UUID, types.Phase, types.Phase, int) (bool, error) {
	return true, nil
}
func (r *fakeRunRepo) SetPaused(dbctx.Context, uuid.UUID, bool) (bool, error) { return true, nil }
func (r *fakeRunRepo) UpdateFields(dbctx.Context, uuid.UUID, map[string]interface{}) error {
	return nil
}
func (r *fakeRunRepo) MergeStepOutput(_ dbctx.Context, _ uuid.UUID, key string, output any) error {
	if r.merged == nil {
		r.merged = map[string]any{}
	}
	r.merged[key] = output
	return nil
}

type fakeArtifactRepo struct {
	mu      sync.Mutex
	created []*types.Artifact
	byJob   map[uuid.UUID][]*types.Artifact
}

func (r *fakeArtifactRepo) Create(_ dbctx.Context, artifacts []*types.Artifact) ([]*types.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, artifacts...)
	return artifacts, nil
}
func (r *fakeArtifactRepo) GetByID(dbctx.Context, uuid.UUID) (*types.Artifact, error) {
	return nil, nil
}
func (r *fakeArtifactRepo) ListForJob(_ dbctx.Context, jobID uuid.UUID) ([]*types.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byJob[jobID], nil
}
func (r *fakeArtifactRepo) ListForRun(dbctx.Context, uuid.UUID) ([]*types.Artifact, error) {
	return nil, nil
}

type fakeMachine struct {
	transitions [][2]types.Phase
}

func (m *fakeMachine) Transition(_ context.Context, _ uuid.UUID, expected, target types.Phase) (*types.PipelineRun, error) {
	m.transitions = append(m.transitions, [2]types.Phase{expected, target})
	return &types.PipelineRun{Phase: target}, nil
}

func runWithSpaces(t *testing.T, labels ...string) *types.PipelineRun {
	t.Helper()
	outputs, err := json.Marshal(map[string]any{
		pipeline.KeySpaces: pipeline.SpacesOutput{
			ArtifactID: uuid.New(),
			SpaceCount: len(labels),
			Labels:     labels,
		},
	})
	require.NoError(t, err)
	return &types.PipelineRun{
		ID:          uuid.New(),
		OwnerUserID: uuid.New(),
		Phase:       types.PhaseRendersRunning,
		Step:        types.StepRenders,
		StepOutputs: datatypes.JSON(outputs),
	}
}

type fixture struct {
	handler   *Handler
	gen       *fakeGen
	led       *fakeLedger
	jobRepo   *fakeJobRepo
	runRepo   *fakeRunRepo
	artifacts *fakeArtifactRepo
	machine   *fakeMachine
}

func newFixture(t *testing.T, run *types.PipelineRun, cfg Config) *fixture {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	f := &fixture{
		gen:       &fakeGen{},
		led:       &fakeLedger{},
		jobRepo:   &fakeJobRepo{},
		runRepo:   &fakeRunRepo{run: run},
		artifacts: &fakeArtifactRepo{},
		machine:   &fakeMachine{},
	}
	f.handler = New(cfg, Deps{
		Gen:       f.gen,
		Ledger:    f.led,
		Machine:   f.machine,
		Runs:      f.runRepo,
		Artifacts: f.artifacts,
		Log:       log,
	})
	return f
}

func (f *fixture) execute(t *testing.T, run *types.PipelineRun) *types.JobRun {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	job := &types.JobRun{
		ID:          uuid.New(),
		RunID:       run.ID,
		Step:        f.handler.cfg.Step,
		Service:     f.handler.cfg.Service,
		Status:      types.JobRunning,
		Attempts:    1,
		MaxAttempts: 4,
	}
	jc := runtime.NewContext(context.Background(), nil, job, f.jobRepo, nil, "w1", time.Minute, log)
	require.NoError(t, f.handler.Run(jc))
	return job
}

func renderConfig() Config {
	return Config{Service: "space_render", Step: types.StepRenders, ArtifactKind: types.ArtifactRender, Concurrency: 2}
}

func TestRunRendersEverySpaceUnderItsOwnLease(t *testing.T) {
	run := runWithSpaces(t, "Kitchen", "Bedroom", "Bathroom")
	f := newFixture(t, run, renderConfig())

	job := f.execute(t, run)

	assert.Equal(t, types.JobCompleted, job.Status)
	assert.ElementsMatch(t, []string{"Kitchen", "Bedroom", "Bathroom"}, f.led.acquired)
	require.Len(t, f.led.released, 3)
	for _, rec := range f.led.released {
		assert.Equal(t, types.JobCompleted, rec.status)
	}
	require.Len(t, f.artifacts.created, 3)
	for _, a := range f.artifacts.created {
		assert.Equal(t, types.ArtifactRender, a.Kind)
		assert.NotEmpty(t, a.SubUnit)
		assert.Equal(t, f.led.jobIDs[a.SubUnit], a.JobID, "artifact rows attach to their sub-unit job")
		assert.Equal(t, "sha256:"+a.SubUnit, a.Hash)
		assert.Equal(t, "standard", a.QualityTier)
	}
	assert.Len(t, f.led.extended, 3, "each lease is renewed between generation and persist")

	out, ok := f.runRepo.merged[pipeline.KeyRenders].(pipeline.RendersOutput)
	require.True(t, ok)
	assert.Len(t, out.ArtifactIDs, 3)

	require.Len(t, f.machine.transitions, 1)
	assert.Equal(t, types.PhaseRendersRunning, f.machine.transitions[0][0])
	assert.Equal(t, types.PhaseRendersReview, f.machine.transitions[0][1])
}

func TestRunOneFailedSpaceFailsTheStep(t *testing.T) {
	run := runWithSpaces(t, "Kitchen", "Bedroom")
	f := newFixture(t, run, renderConfig())
	f.gen.failFor = map[string]error{"Bedroom": errors.New("generation backend unavailable")}

	job := f.execute(t, run)

	assert.Equal(t, types.JobFailed, job.Status)
	assert.Contains(t, job.Error, "Bedroom")
	assert.Empty(t, f.machine.transitions)

	// The failed space's lease is released failed so the reclaim path can
	// retry just that space.
	var failed []string
	for _, rec := range f.led.released {
		if rec.status == types.JobFailed {
			failed = append(failed, rec.subUnit)
		}
	}
	assert.Contains(t, failed, "Bedroom")
}

func TestRunReusesCompletedSubUnits(t *testing.T) {
	run := runWithSpaces(t, "Kitchen", "Bedroom")
	f := newFixture(t, run, renderConfig())

	// Kitchen already completed on a previous attempt: the ledger refuses
	// the lease and the handler reuses that job's artifact.
	doneJob := uuid.New()
	existing := &types.Artifact{ID: uuid.New(), JobID: doneJob, Kind: types.ArtifactRender, SubUnit: "Kitchen"}
	f.artifacts.byJob = map[uuid.UUID][]*types.Artifact{doneJob: {existing}}
	f.led.refuseFor = map[string]error{
		"Kitchen": &ledger.TerminalJobError{JobID: doneJob, Status: types.JobCompleted},
	}

	job := f.execute(t, run)

	assert.Equal(t, types.JobCompleted, job.Status)
	require.Len(t, f.gen.reqs, 1, "only the unfinished space is regenerated")
	assert.Equal(t, "Bedroom", f.gen.reqs[0].SubUnit)

	out := f.runRepo.merged[pipeline.KeyRenders].(pipeline.RendersOutput)
	assert.Equal(t, existing.ID, out.ArtifactIDs["Kitchen"])
}

func TestRunLiveContendedSubUnitFailsForLaterRetry(t *testing.T) {
	run := runWithSpaces(t, "Kitchen", "Bedroom")
	f := newFixture(t, run, renderConfig())
	f.led.refuseFor = map[string]error{"Kitchen": ledger.ErrAlreadyRunning}

	job := f.execute(t, run)

	assert.Equal(t, types.JobFailed, job.Status)
	assert.Contains(t, job.Error, "Kitchen")
}

func TestRunPausedRunDispatchesNothing(t *testing.T) {
	run := runWithSpaces(t, "Kitchen")
	run.Paused = true
	f := newFixture(t, run, renderConfig())

	job := f.execute(t, run)

	assert.Equal(t, types.JobFailed, job.Status)
	assert.Empty(t, f.gen.reqs)
	assert.Empty(t, f.led.acquired)
}

func TestRunMissingSpacesOutputFails(t *testing.T) {
	run := runWithSpaces(t, "Kitchen")
	run.StepOutputs = nil
	f := newFixture(t, run, renderConfig())

	job := f.execute(t, run)

	assert.Equal(t, types.JobFailed, job.Status)
	assert.Contains(t, job.Error, "spaces")
}

func TestRunPanoramaStepWritesPanoramasOutput(t *testing.T) {
	run := runWithSpaces(t, "Kitchen", "Bedroom")
	run.Phase = types.PhasePanoramasRunning
	run.Step = types.StepPanoramas
	f := newFixture(t, run, Config{
		Service:      "space_panorama",
		Step:         types.StepPanoramas,
		ArtifactKind: types.ArtifactPanorama,
	})

	job := f.execute(t, run)

	assert.Equal(t, types.JobCompleted, job.Status)
	out, ok := f.runRepo.merged[pipeline.KeyPanoramas].(pipeline.PanoramasOutput)
	require.True(t, ok)
	assert.Len(t, out.ArtifactIDs, 2)
	require.Len(t, f.machine.transitions, 1)
	assert.Equal(t, types.PhasePanoramasReview, f.machine.transitions[0][1])
}
