package stepgen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/casafex/planvista-backend/internal/clients/genai"
	"github.com/casafex/planvista-backend/internal/data/repos"
	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/jobs/orchestrator"
	"github.com/casafex/planvista-backend/internal/jobs/runtime"
	"github.com/casafex/planvista-backend/internal/learning"
	"github.com/casafex/planvista-backend/internal/pipeline"
	"github.com/casafex/planvista-backend/internal/pkg/dbctx"
	"github.com/casafex/planvista-backend/internal/platform/logger"
	"github.com/casafex/planvista-backend/internal/validation"
)

// Config binds one handler instance to a pipeline step.
type Config struct {
	Service      string
	Step         int
	ArtifactKind string
}

// RuleFeed is the slice of the learning subsystem a generation step talks
// to. *learning.Learner satisfies it.
type RuleFeed interface {
	ActiveRules(ctx context.Context, runID, actorID uuid.UUID) ([]*types.PolicyRule, error)
	ReconcileOutcomes(ctx context.Context, runID uuid.UUID, checked, triggered []uuid.UUID, artifactRejected bool) error
	CaptureViolations(ctx context.Context, runID, actorID uuid.UUID, violations []learning.Violation) error
}

// Transitioner authorizes phase advances. *pipeline.Machine satisfies it.
type Transitioner interface {
	Transition(ctx context.Context, runID uuid.UUID, expected, target types.Phase) (*types.PipelineRun, error)
}

// Deps are the collaborators every generation step needs.
type Deps struct {
	Gen       genai.Client
	Engine    *validation.Engine
	Learner   RuleFeed
	Machine   Transitioner
	Runs      repos.PipelineRunRepo
	Artifacts repos.ArtifactRepo
	Verdicts  repos.VerdictRepo
	Log       *logger.Logger
}

// Handler is the generic single-artifact generation step: dispatch the
// generation service, validate the result, feed the learning subsystem,
// and let the retry orchestrator settle the job. Used for the style,
// spaces, viewpoints and tour steps; per-space fan-out lives elsewhere.
type Handler struct {
	cfg  Config
	deps Deps
	log  *logger.Logger
}

func New(cfg Config, deps Deps) *Handler {
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
		jc.Fail("dispatch", fmt.Errorf("run %s is paused", run.ID))
		return nil
	}

	result, err := h.deps.Gen.Generate(jc.Ctx, genai.Request{
		RunID:                  run.ID,
		Step:                   h.cfg.Step,
		Attempt:                jc.Job.Attempts,
		Kind:                   h.cfg.ArtifactKind,
		Prompt:                 jc.PayloadString("prompt"),
		CorrectiveInstructions: jc.PayloadString("corrective_instructions"),
		InputArtifactRefs:      payloadRefs(jc),
	})
	if err != nil {
		jc.Fail("generate", err)
		return nil
	}
	jc.Heartbeat()

	artifact := &types.Artifact{
		ID:          uuid.New(),
		RunID:       run.ID,
		JobID:       jc.Job.ID,
		Kind:        h.cfg.ArtifactKind,
		StorageRef:  result.StorageRef,
		Width:       result.Width,
		Height:      result.Height,
		Hash:        result.Hash,
		QualityTier: result.QualityTier,
		Analysis:    datatypes.JSON(result.Analysis),
	}
	if _, err := h.deps.Artifacts.Create(dbc, []*types.Artifact{artifact}); err != nil {
		jc.Fail("persist-artifact", err)
		return nil
	}

	rules, err := h.deps.Learner.ActiveRules(jc.Ctx, run.ID, run.OwnerUserID)
	if err != nil {
		jc.Fail("load-rules", err)
		return nil
	}

	verdict, err := h.deps.Engine.Validate(jc.Ctx, artifact, validation.Expectations{
		UserRequest:      jc.PayloadString("user_request"),
		StyleConstraint:  jc.PayloadString("style_constraint"),
		ResidentialInput: jc.PayloadString("residential") != "false",
		Step:             h.cfg.Step,
		Attempt:          jc.Job.Attempts,
	}, validation.PolicyContext{Rules: rules})
	if err != nil {
		jc.Fail("validate", err)
		return nil
	}
	record, err := verdict.Record(run.ID, jc.Job.ID, artifact.ID)
	if err == nil {
		_, err = h.deps.Verdicts.Create(dbc, []*types.ComparisonVerdict{record})
	}
	if err != nil {
		jc.Fail("persist-verdict", err)
		return nil
	}

	h.feedLearning(jc, run, artifact, verdict)

	switch decision := orchestrator.Decide(verdict, jc.Job); decision.Action {
	case orchestrator.ActionProceed:
		h.succeed(jc, run, artifact, verdict, record.ID)
	case orchestrator.ActionRetry:
		h.scheduleRetry(jc, artifact, verdict, decision)
	default:
		history, histErr := orchestrator.AppendFailureHistory(jc.Job.FailureHistory,
			jc.Job.Attempts, artifact.ID.String(), verdict, time.Now())
		if histErr != nil {
			h.log.Warn("Failure history append failed", "error", histErr)
			history = jc.Job.FailureHistory
		}
		jc.Block(decision.Reason, history)
	}
	return nil
}

func (h *Handler) succeed(jc *runtime.Context, run *types.PipelineRun, artifact *types.Artifact, verdict *validation.Verdict, verdictID uuid.UUID) {
	dbc := dbctx.Context{Ctx: jc.Ctx}
	key, ok := pipeline.StepKeyFor(h.cfg.Step)
	if ok {
		if output := h.buildOutput(artifact); output != nil {
			if err := h.deps.Runs.MergeStepOutput(dbc, run.ID, key, output); err != nil {
				jc.Fail("merge-output", err)
				return
			}
		}
	}

	jc.Succeed(map[string]any{
		"artifact_id": artifact.ID.String(),
		"verdict_id":  verdictID.String(),
		"pass":        verdict.Pass,
	})

	// Authorize review. The run may legitimately be elsewhere (a stale
	// retry finishing late); stale/illegal transitions are logged, not
	// failed, since the job itself succeeded.
	expected, ok1 := types.PhaseForStep(h.cfg.Step, types.StageRunning)
	target, ok2 := types.PhaseForStep(h.cfg.Step, types.StageReview)
	if ok1 && ok2 {
		if _, err := h.deps.Machine.Transition(jc.Ctx, run.ID, expected, target); err != nil {
			h.log.Warn("Review transition not applied", "run_id", run.ID, "error", err)
		}
	}
}

func (h *Handler) scheduleRetry(jc *runtime.Context, artifact *types.Artifact, verdict *validation.Verdict, decision orchestrator.Decision) {
	history, err := orchestrator.AppendFailureHistory(jc.Job.FailureHistory,
		jc.Job.Attempts, artifact.ID.String(), verdict, time.Now())
	if err != nil {
		h.log.Warn("Failure history append failed", "error", err)
		history = jc.Job.FailureHistory
	}
	payload := jc.Payload()
	payload["corrective_instructions"] = decision.CorrectiveInstructions
	updates := map[string]any{"failure_history": history}
	if raw, err := json.Marshal(payload); err == nil {
		updates["payload_ref"] = datatypes.JSON(raw)
	}
	if err := jc.Update(updates); err != nil {
		h.log.Warn("Retry bookkeeping failed", "error", err)
	}
	jc.Fail("validation", fmt.Errorf("verdict requested retry: %s", firstFailure(verdict)))
}

func (h *Handler) feedLearning(jc *runtime.Context, run *types.PipelineRun, artifact *types.Artifact, verdict *validation.Verdict) {
	rejected := !verdict.Pass
	if err := h.deps.Learner.ReconcileOutcomes(jc.Ctx, run.ID,
		verdict.Rules.CheckedRuleIDs, verdict.Rules.TriggeredRuleIDs, rejected); err != nil {
		h.log.Warn("Rule outcome reconciliation failed", "error", err)
	}
	if !rejected {
		return
	}
	doc, err := validation.ParseAnalysis(artifact.Analysis)
	if err != nil {
		return
	}
	violations := violationsFrom(doc, verdict)
	if err := h.deps.Learner.CaptureViolations(jc.Ctx, run.ID, run.OwnerUserID, violations); err != nil {
		h.log.Warn("Violation capture failed", "error", err)
	}
}

func (h *Handler) buildOutput(artifact *types.Artifact) any {
	doc, _ := validation.ParseAnalysis(artifact.Analysis)
	switch h.cfg.Step {
	case types.StepStyle:
		out := pipeline.StyleOutput{ArtifactID: artifact.ID}
		if doc != nil {
			out.StyleName = doc.Style
		}
		return out
	case types.StepSpaces:
		out := pipeline.SpacesOutput{ArtifactID: artifact.ID}
		if doc != nil {
			out.SpaceCount = len(doc.Spaces)
			for _, s := range doc.Spaces {
				out.Labels = append(out.Labels, s.Label)
			}
		}
		return out
	case types.StepViewpoints:
		out := pipeline.ViewpointsOutput{ArtifactID: artifact.ID}
		if doc != nil {
			out.Count = len(doc.Spaces)
		}
		return out
	case types.StepTour:
		out := pipeline.TourOutput{ArtifactID: artifact.ID}
		if doc != nil {
			out.SceneCount = len(doc.Spaces)
		}
		return out
	}
	return nil
}

// violationsFrom maps judge-style findings back to space categories by
// locating a space label mentioned in the finding. Findings that name no
// known space teach nothing category-shaped and are skipped.
func violationsFrom(doc *validation.SpaceAnalysis, verdict *validation.Verdict) []learning.Violation {
	var out []learning.Violation
	for _, f := range verdict.Failures {
		if types.SeverityRank(f.Severity) < types.SeverityRank(types.SeverityMedium) {
			continue
		}
		desc := strings.ToLower(f.Description)
		for _, s := range doc.Spaces {
			label := strings.ToLower(s.Label)
			if label == "" || !strings.Contains(desc, label) {
				continue
			}
			out = append(out, learning.Violation{
				Category: strings.ToLower(s.Category),
				Rule:     f.Description,
			})
			break
		}
	}
	return out
}

func payloadRefs(jc *runtime.Context) []string {
	v, ok := jc.Payload()["input_artifact_refs"]
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, fmt.Sprint(it))
	}
	return out
}

func firstFailure(verdict *validation.Verdict) string {
	if len(verdict.Failures) == 0 {
		return "no failures recorded"
	}
	return verdict.Failures[0].Description
}
