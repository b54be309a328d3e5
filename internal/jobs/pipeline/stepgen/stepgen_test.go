package stepgen

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/casafex/planvista-backend/internal/clients/genai"
	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/jobs/runtime"
	"github.com/casafex/planvista-backend/internal/learning"
	"github.com/casafex/planvista-backend/internal/pipeline"
	"github.com/casafex/planvista-backend/internal/pkg/dbctx"
	"github.com/casafex/planvista-backend/internal/platform/logger"
	"github.com/casafex/planvista-backend/internal/validation"
)

type fakeGen struct {
	results []*genai.Result
	err     error
	reqs    []genai.Request
}

func (g *fakeGen) Generate(_ context.Context, req genai.Request) (*genai.Result, error) {
	g.reqs = append(g.reqs, req)
	if g.err != nil {
		return nil, g.err
	}
	r := g.results[0]
	if len(g.results) > 1 {
		g.results = g.results[1:]
	}
	return r, nil
}

type fakeJobRepo struct {
	released map[string]any
	updated  map[string]any
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
func (r *fakeJobRepo) UpdateFieldsUnlessStatus(_ dbctx.Context, _ uuid.UUID, _ []string, updates map[string]interface{}) (bool, error) {
	r.updated = updates
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
	run     *types.PipelineRun
	merged  map[string]any
	mergeKS []string
}

func (r *fakeRunRepo) Create(dbctx.Context, []*types.PipelineRun) ([]*types.PipelineRun, error) {
	return nil, nil
}
func (r *fakeRunRepo) GetByID(dbctx.Context, uuid.UUID) (*types.PipelineRun, error) {
	return r.run, nil
}
func (r *fakeRunRepo) CompareAndSetPhase(_ dbctx.Context, _ uuid.UUID, expected, target types.Phase, targetStep int) (bool, error) {
	if r.run.Phase != expected {
		return false, nil
	}
	r.run.Phase = target
	r.run.Step = targetStep
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
	r.mergeKS = append(r.mergeKS, key)
	return nil
}

type fakeArtifactRepo struct {
	created []*types.Artifact
}

func (r *fakeArtifactRepo) Create(_ dbctx.Context, artifacts []*types.Artifact) ([]*types.Artifact, error) {
	r.created = append(r.created, artifacts...)
	return artifacts, nil
}
func (r *fakeArtifactRepo) GetByID(dbctx.Context, uuid.UUID) (*types.Artifact, error) {
	return nil, nil
}
func (r *fakeArtifactRepo) ListForJob(dbctx.Context, uuid.UUID) ([]*types.Artifact, error) {
	return nil, nil
}
func (r *fakeArtifactRepo) ListForRun(dbctx.Context, uuid.UUID) ([]*types.Artifact, error) {
	return nil, nil
}

type fakeVerdictRepo struct {
	created []*types.ComparisonVerdict
}

func (r *fakeVerdictRepo) Create(_ dbctx.Context, verdicts []*types.ComparisonVerdict) ([]*types.ComparisonVerdict, error) {
	r.created = append(r.created, verdicts...)
	return verdicts, nil
}
func (r *fakeVerdictRepo) ListForJob(dbctx.Context, uuid.UUID) ([]*types.ComparisonVerdict, error) {
	return nil, nil
}
func (r *fakeVerdictRepo) GetLatestForRun(dbctx.Context, uuid.UUID) (*types.ComparisonVerdict, error) {
	return nil, nil
}

type fakeFeed struct {
	reconciled     bool
	lastRejected   bool
	captured       [][]learning.Violation
	capturedActors []uuid.UUID
}

func (f *fakeFeed) ActiveRules(context.Context, uuid.UUID, uuid.UUID) ([]*types.PolicyRule, error) {
	return nil, nil
}
func (f *fakeFeed) ReconcileOutcomes(_ context.Context, _ uuid.UUID, _, _ []uuid.UUID, rejected bool) error {
	f.reconciled = true
	f.lastRejected = rejected
	return nil
}
func (f *fakeFeed) CaptureViolations(_ context.Context, _ uuid.UUID, actorID uuid.UUID, violations []learning.Violation) error {
	f.captured = append(f.captured, violations)
	f.capturedActors = append(f.capturedActors, actorID)
	return nil
}

type fakeMachine struct {
	transitions [][2]types.Phase
	err         error
}

func (m *fakeMachine) Transition(_ context.Context, _ uuid.UUID, expected, target types.Phase) (*types.PipelineRun, error) {
	m.transitions = append(m.transitions, [2]types.Phase{expected, target})
	if m.err != nil {
		return nil, m.err
	}
	return &types.PipelineRun{Phase: target}, nil
}

type fixture struct {
	handler   *Handler
	gen       *fakeGen
	jobRepo   *fakeJobRepo
	runRepo   *fakeRunRepo
	artifacts *fakeArtifactRepo
	verdicts  *fakeVerdictRepo
	feed      *fakeFeed
	machine   *fakeMachine
	run       *types.PipelineRun
}

func newFixture(t *testing.T, cfg Config, gen *fakeGen) *fixture {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)

	run := &types.PipelineRun{
		ID:          uuid.New(),
		OwnerUserID: uuid.New(),
		Phase:       types.PhaseSpacesRunning,
		Step:        cfg.Step,
	}
	f := &fixture{
		gen:       gen,
		jobRepo:   &fakeJobRepo{},
		runRepo:   &fakeRunRepo{run: run},
		artifacts: &fakeArtifactRepo{},
		verdicts:  &fakeVerdictRepo{},
		feed:      &fakeFeed{},
		machine:   &fakeMachine{},
		run:       run,
	}
	f.handler = New(cfg, Deps{
		Gen:       gen,
		Engine:    validation.NewEngine(nil, validation.DefaultThresholds(), log),
		Learner:   f.feed,
		Machine:   f.machine,
		Runs:      f.runRepo,
		Artifacts: f.artifacts,
		Verdicts:  f.verdicts,
		Log:       log,
	})
	return f
}

func (f *fixture) execute(t *testing.T, job *types.JobRun) *runtime.Context {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	jc := runtime.NewContext(context.Background(), nil, job, f.jobRepo, nil, "w1", time.Minute, log)
	require.NoError(t, f.handler.Run(jc))
	return jc
}

func jobFor(run *types.PipelineRun, payload map[string]any) *types.JobRun {
	raw, _ := json.Marshal(payload)
	return &types.JobRun{
		ID:          uuid.New(),
		RunID:       run.ID,
		Step:        types.StepSpaces,
		Service:     "space_detection",
		Status:      types.JobRunning,
		Attempts:    1,
		MaxAttempts: 4,
		PayloadRef:  datatypes.JSON(raw),
	}
}

func analysisJSON(t *testing.T, doc validation.SpaceAnalysis) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func cleanAnalysis(t *testing.T) json.RawMessage {
	return analysisJSON(t, validation.SpaceAnalysis{
		Spaces: []validation.Space{
			{Label: "Master Bedroom", Category: "bedroom", Confidence: 0.95, Furnishings: []string{"bed"}},
			{Label: "Bathroom", Category: "bathroom", Confidence: 0.9},
			{Label: "Kitchen", Category: "kitchen", Confidence: 0.88, Furnishings: []string{"stove"}},
		},
	})
}

func TestRunCleanVerdictCompletesAndAuthorizesReview(t *testing.T) {
	gen := &fakeGen{results: []*genai.Result{{
		StorageRef:  "s3://plans/1/spaces.json",
		Analysis:    cleanAnalysis(t),
		Model:       "gen-v2",
		Hash:        "sha256:abc123",
		QualityTier: "standard",
	}}}
	f := newFixture(t, Config{Service: "space_detection", Step: types.StepSpaces, ArtifactKind: types.ArtifactSpaceAnalysis}, gen)
	job := jobFor(f.run, map[string]any{"prompt": "detect spaces"})

	f.execute(t, job)

	assert.Equal(t, types.JobCompleted, job.Status)
	require.Len(t, f.artifacts.created, 1)
	assert.Equal(t, "s3://plans/1/spaces.json", f.artifacts.created[0].StorageRef)
	assert.Equal(t, "sha256:abc123", f.artifacts.created[0].Hash)
	assert.Equal(t, "standard", f.artifacts.created[0].QualityTier)
	require.Len(t, f.verdicts.created, 1)
	assert.True(t, f.verdicts.created[0].Pass)

	require.Contains(t, f.runRepo.merged, "spaces")
	out := f.runRepo.merged["spaces"].(pipeline.SpacesOutput)
	assert.Equal(t, 3, out.SpaceCount)
	assert.Contains(t, out.Labels, "Kitchen")

	require.Len(t, f.machine.transitions, 1)
	assert.Equal(t, types.PhaseSpacesRunning, f.machine.transitions[0][0])
	assert.Equal(t, types.PhaseSpacesReview, f.machine.transitions[0][1])

	assert.True(t, f.feed.reconciled)
	assert.False(t, f.feed.lastRejected)
	assert.Empty(t, f.feed.captured, "approved artifacts teach nothing")
}

func TestRunHighSeverityFailureSchedulesRetry(t *testing.T) {
	// A single detected space trips the minimum-space check at high
	// severity, which asks for a retry rather than a block.
	gen := &fakeGen{results: []*genai.Result{{
		StorageRef: "s3://plans/1/spaces.json",
		Analysis: analysisJSON(t, validation.SpaceAnalysis{
			Spaces: []validation.Space{
				{Label: "Kitchen", Category: "kitchen", Confidence: 0.9, Furnishings: []string{"stove"}},
			},
		}),
	}}}
	f := newFixture(t, Config{Service: "space_detection", Step: types.StepSpaces, ArtifactKind: types.ArtifactSpaceAnalysis}, gen)
	job := jobFor(f.run, map[string]any{"prompt": "detect spaces"})

	f.execute(t, job)

	assert.Equal(t, types.JobFailed, job.Status)
	assert.Empty(t, f.machine.transitions, "rejected work must not advance the run")

	// Retry bookkeeping lands before the release: corrective instructions
	// merged into the payload, attempt recorded in the failure history.
	require.NotNil(t, f.jobRepo.updated)
	rawPayload, ok := f.jobRepo.updated["payload_ref"].(datatypes.JSON)
	require.True(t, ok)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rawPayload, &payload))
	instructions, _ := payload["corrective_instructions"].(string)
	assert.NotEmpty(t, instructions)
	assert.Equal(t, "detect spaces", payload["prompt"])

	history, ok := f.jobRepo.updated["failure_history"].(datatypes.JSON)
	require.True(t, ok)
	var attempts []map[string]any
	require.NoError(t, json.Unmarshal(history, &attempts))
	require.Len(t, attempts, 1)

	assert.True(t, f.feed.reconciled)
	assert.True(t, f.feed.lastRejected)
	require.Len(t, f.feed.captured, 1, "rejections feed the learner")
	assert.Equal(t, f.run.OwnerUserID, f.feed.capturedActors[0])
}

func TestRunRetryBudgetExhaustedBlocks(t *testing.T) {
	gen := &fakeGen{results: []*genai.Result{{
		StorageRef: "s3://plans/1/spaces.json",
		Analysis: analysisJSON(t, validation.SpaceAnalysis{
			Spaces: []validation.Space{
				{Label: "Kitchen", Category: "kitchen", Confidence: 0.9, Furnishings: []string{"stove"}},
			},
		}),
	}}}
	f := newFixture(t, Config{Service: "space_detection", Step: types.StepSpaces, ArtifactKind: types.ArtifactSpaceAnalysis}, gen)
	job := jobFor(f.run, nil)
	job.Attempts = 4

	f.execute(t, job)

	assert.Equal(t, types.JobBlocked, job.Status)
	assert.Contains(t, job.Error, "retry budget exhausted")
	assert.Empty(t, f.machine.transitions)
}

func TestRunGenerationFailureFailsJob(t *testing.T) {
	gen := &fakeGen{err: context.DeadlineExceeded}
	f := newFixture(t, Config{Service: "space_detection", Step: types.StepSpaces, ArtifactKind: types.ArtifactSpaceAnalysis}, gen)
	job := jobFor(f.run, nil)

	f.execute(t, job)

	assert.Equal(t, types.JobFailed, job.Status)
	assert.Empty(t, f.artifacts.created)
	assert.Empty(t, f.verdicts.created)
	assert.False(t, f.feed.reconciled)
}

func TestRunGenerationFailureOnFinalAttemptBlocks(t *testing.T) {
	// A collaborator error on the last attempt has no retries left to
	// absorb it; the job must surface to a human instead of parking in
	// failed forever.
	gen := &fakeGen{err: context.DeadlineExceeded}
	f := newFixture(t, Config{Service: "space_detection", Step: types.StepSpaces, ArtifactKind: types.ArtifactSpaceAnalysis}, gen)
	job := jobFor(f.run, nil)
	job.Attempts = 4

	f.execute(t, job)

	assert.Equal(t, types.JobBlocked, job.Status)
	assert.Contains(t, job.Error, "retry budget exhausted")
	assert.Empty(t, f.artifacts.created)
}

// Full scenario against the real phase machine: a run enters at
// intake_complete, is authorized into the style step, fails validation once
// with a high-severity finding, retries with corrective instructions, and
// ends the step parked at style_review.
func TestPipelineScenarioStyleStep(t *testing.T) {
	gen := &fakeGen{results: []*genai.Result{
		{
			StorageRef: "s3://plans/9/style-a1.json",
			Analysis: analysisJSON(t, validation.SpaceAnalysis{
				Style: "scandinavian",
				Spaces: []validation.Space{
					{Label: "Kitchen", Category: "kitchen", Confidence: 0.9, Furnishings: []string{"stove"}},
				},
			}),
		},
		{
			StorageRef: "s3://plans/9/style-a2.json",
			Analysis: analysisJSON(t, validation.SpaceAnalysis{
				Style: "scandinavian",
				Spaces: []validation.Space{
					{Label: "Master Bedroom", Category: "bedroom", Confidence: 0.95, Furnishings: []string{"bed"}},
					{Label: "Bathroom", Category: "bathroom", Confidence: 0.9},
					{Label: "Kitchen", Category: "kitchen", Confidence: 0.88, Furnishings: []string{"stove"}},
				},
			}),
		},
	}}
	f := newFixture(t, Config{Service: "style_generation", Step: types.StepStyle, ArtifactKind: types.ArtifactStyledPlan}, gen)
	f.run.Phase = types.PhaseIntakeComplete
	f.run.Step = types.StepIntake

	log, err := logger.New("test")
	require.NoError(t, err)
	machine := pipeline.NewMachine(f.runRepo, log)
	f.handler.deps.Machine = machine

	ctx := context.Background()
	_, err = machine.Transition(ctx, f.run.ID, types.PhaseIntakeComplete, types.PhaseStylePending)
	require.NoError(t, err)
	_, err = machine.Transition(ctx, f.run.ID, types.PhaseStylePending, types.PhaseStyleRunning)
	require.NoError(t, err)

	job := jobFor(f.run, map[string]any{"prompt": "apply style"})
	job.Step = types.StepStyle
	job.Service = "style_generation"
	f.execute(t, job)
	require.Equal(t, types.JobFailed, job.Status)
	assert.Equal(t, types.PhaseStyleRunning, f.run.Phase, "rejected attempt leaves the run in place")

	retried := jobFor(f.run, nil)
	retried.ID = job.ID
	retried.Step = types.StepStyle
	retried.Service = "style_generation"
	retried.Attempts = 2
	retried.PayloadRef = f.jobRepo.updated["payload_ref"].(datatypes.JSON)
	f.execute(t, retried)

	assert.Equal(t, types.JobCompleted, retried.Status)
	assert.Equal(t, types.PhaseStyleReview, f.run.Phase)
	assert.Equal(t, types.StepStyle, f.run.Step)
	require.Contains(t, f.runRepo.merged, "style")
	assert.Equal(t, "scandinavian", f.runRepo.merged["style"].(pipeline.StyleOutput).StyleName)
	require.Len(t, f.gen.reqs, 2)
	assert.NotEmpty(t, f.gen.reqs[1].CorrectiveInstructions)
}

func TestRunRetryThenCleanAttemptProceeds(t *testing.T) {
	gen := &fakeGen{results: []*genai.Result{
		{
			StorageRef: "s3://plans/1/spaces-a1.json",
			Analysis: analysisJSON(t, validation.SpaceAnalysis{
				Spaces: []validation.Space{
					{Label: "Kitchen", Category: "kitchen", Confidence: 0.9, Furnishings: []string{"stove"}},
				},
			}),
		},
		{
			StorageRef: "s3://plans/1/spaces-a2.json",
			Analysis:   cleanAnalysis(t),
		},
	}}
	f := newFixture(t, Config{Service: "space_detection", Step: types.StepSpaces, ArtifactKind: types.ArtifactSpaceAnalysis}, gen)

	job := jobFor(f.run, map[string]any{"prompt": "detect spaces"})
	f.execute(t, job)
	require.Equal(t, types.JobFailed, job.Status)

	// Second claim works off the updated payload, the way the worker's
	// reclaim does.
	retried := jobFor(f.run, nil)
	retried.ID = job.ID
	retried.Attempts = 2
	retried.PayloadRef = f.jobRepo.updated["payload_ref"].(datatypes.JSON)
	retried.FailureHistory = f.jobRepo.updated["failure_history"].(datatypes.JSON)
	f.execute(t, retried)

	assert.Equal(t, types.JobCompleted, retried.Status)
	require.Len(t, f.gen.reqs, 2)
	assert.Empty(t, f.gen.reqs[0].CorrectiveInstructions)
	assert.NotEmpty(t, f.gen.reqs[1].CorrectiveInstructions, "second attempt carries corrective guidance")
	require.Len(t, f.machine.transitions, 1)
	assert.Equal(t, types.PhaseSpacesReview, f.machine.transitions[0][1])
}
