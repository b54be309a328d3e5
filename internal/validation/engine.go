package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/platform/logger"
)

// DefaultJudgeBudget is the wall-clock budget for one judge call.
const DefaultJudgeBudget = 2 * time.Minute

// Expectations describe what the caller asked for. UserRequest or
// StyleConstraint being non-empty is what enables the semantic stage.
// Step and Attempt identify the job the artifact came from; the judge
// call is traced under them.
type Expectations struct {
	UserRequest      string
	StyleConstraint  string
	ResidentialInput bool
	Step             int
	Attempt          int
}

// PolicyContext carries the learned rules active for this run/actor,
// pre-fetched by the caller so the engine stays free of persistence.
type PolicyContext struct {
	Rules []*types.PolicyRule
}

// JudgeRequest is handed to the semantic judge collaborator. RunID,
// Step, Attempt and Kind carry the artifact's identity so the judge's
// calls land in the same trace as the generation they compare against.
type JudgeRequest struct {
	Analysis        *SpaceAnalysis
	UserRequest     string
	StyleConstraint string
	RunID           uuid.UUID
	Step            int
	Attempt         int
	Kind            string
}

// JudgeResponse is the judge's structured reply, in the same failure
// taxonomy as the deterministic stage.
type JudgeResponse struct {
	Failures []types.ValidationFailure
	Fixes    []types.SuggestedFix
	Model    string
}

// Judge is the semantic comparison collaborator. Implementations own
// transport retries; the engine owns the wall-clock budget.
type Judge interface {
	Compare(ctx context.Context, req JudgeRequest) (*JudgeResponse, error)
}

// Verdict is the in-memory result of one validation call.
type Verdict struct {
	Pass      bool
	Failures  []types.ValidationFailure
	Fixes     []types.SuggestedFix
	NextStep  string
	LatencyMS int64
	Model     string
	Rules     RuleOutcome
}

// Record converts the verdict into its persisted audit form.
func (v *Verdict) Record(runID, jobID, artifactID uuid.UUID) (*types.ComparisonVerdict, error) {
	failures, err := json.Marshal(nonNilFailures(v.Failures))
	if err != nil {
		return nil, fmt.Errorf("marshal failures: %w", err)
	}
	fixes, err := json.Marshal(nonNilFixes(v.Fixes))
	if err != nil {
		return nil, fmt.Errorf("marshal fixes: %w", err)
	}
	checked, err := json.Marshal(v.Rules.CheckedRuleIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal checked rule ids: %w", err)
	}
	triggered, err := json.Marshal(v.Rules.TriggeredRuleIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal triggered rule ids: %w", err)
	}
	return &types.ComparisonVerdict{
		ID:               uuid.New(),
		RunID:            runID,
		JobID:            jobID,
		ArtifactID:       artifactID,
		Pass:             v.Pass,
		Failures:         datatypes.JSON(failures),
		Fixes:            datatypes.JSON(fixes),
		NextStep:         v.NextStep,
		LatencyMS:        v.LatencyMS,
		Model:            v.Model,
		CheckedRuleIDs:   datatypes.JSON(checked),
		TriggeredRuleIDs: datatypes.JSON(triggered),
	}, nil
}

// Engine runs the three-stage comparison pipeline: structural schema,
// deterministic rules plus learned policy rules, then the semantic judge.
// Stages are additive to the failure list; only structural invalidity
// short-circuits.
type Engine struct {
	judge       Judge
	thresholds  Thresholds
	log         *logger.Logger
	judgeBudget time.Duration
	now         func() time.Time
}

func NewEngine(judge Judge, thresholds Thresholds, baseLog *logger.Logger) *Engine {
	return &Engine{
		judge:       judge,
		thresholds:  thresholds,
		log:         baseLog.With("component", "ValidationEngine"),
		judgeBudget: DefaultJudgeBudget,
		now:         time.Now,
	}
}

// WithJudgeBudget overrides the judge wall-clock budget (tests).
func (e *Engine) WithJudgeBudget(d time.Duration) *Engine {
	if d > 0 {
		e.judgeBudget = d
	}
	return e
}

// Validate produces a verdict for one artifact. A returned error means the
// engine itself could not complete (collaborator or internal failure), not
// that the artifact is bad; bad artifacts come back as failed verdicts.
func (e *Engine) Validate(ctx context.Context, artifact *types.Artifact, exp Expectations, pol PolicyContext) (*Verdict, error) {
	start := e.now()

	// Stage 1: structural schema. Any violation is critical and forces
	// human review regardless of what later stages might have said.
	var violations []string
	if len(artifact.Analysis) == 0 {
		violations = []string{"analysis document missing"}
	} else {
		v, err := checkSchema(spaceAnalysisSchema, string(artifact.Analysis))
		if err != nil {
			// Malformed JSON fails loader-side; treat it the same as a
			// schema violation rather than an engine failure.
			violations = []string{err.Error()}
		} else {
			violations = v
		}
	}
	if len(violations) > 0 {
		v := &Verdict{
			Pass: false,
			Failures: []types.ValidationFailure{{
				Type:        types.FailSchemaInvalid,
				Severity:    types.SeverityCritical,
				Description: "analysis document failed structural validation",
				Evidence:    joinViolations(violations),
			}},
			Fixes: []types.SuggestedFix{{
				Priority:    0,
				Instruction: "regenerate the analysis document; its structure is invalid",
			}},
			NextStep:  types.NextBlockForHuman,
			LatencyMS: e.now().Sub(start).Milliseconds(),
		}
		return e.finish(v)
	}

	doc, err := ParseAnalysis(artifact.Analysis)
	if err != nil {
		return nil, err
	}

	// Stage 2: deterministic battery + learned rules.
	failures := runDeterministicRules(doc, exp, e.thresholds)
	ruleFailures, ruleOutcome := applyPolicyRules(doc, pol.Rules)
	failures = append(failures, ruleFailures...)
	fixes := deriveFixes(failures)

	// Stage 3: semantic judge, only when the user actually expressed an
	// expectation in free text.
	model := ""
	if e.judge != nil && (exp.UserRequest != "" || exp.StyleConstraint != "") {
		judgeCtx, cancel := context.WithTimeout(ctx, e.judgeBudget)
		resp, err := e.judge.Compare(judgeCtx, JudgeRequest{
			Analysis:        doc,
			UserRequest:     exp.UserRequest,
			StyleConstraint: exp.StyleConstraint,
			RunID:           artifact.RunID,
			Step:            exp.Step,
			Attempt:         exp.Attempt,
			Kind:            artifact.Kind,
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("judge comparison: %w", err)
		}
		if err := checkTaxonomy(resp.Failures); err != nil {
			return nil, fmt.Errorf("judge returned malformed findings: %w", err)
		}
		for _, f := range resp.Failures {
			if duplicatesAny(f, failures) {
				continue
			}
			failures = append(failures, f)
		}
		fixes = append(fixes, resp.Fixes...)
		model = resp.Model
	}

	pass, next := e.decide(failures)
	sort.SliceStable(fixes, func(i, j int) bool { return fixes[i].Priority < fixes[j].Priority })

	v := &Verdict{
		Pass:      pass,
		Failures:  failures,
		Fixes:     fixes,
		NextStep:  next,
		LatencyMS: e.now().Sub(start).Milliseconds(),
		Model:     model,
		Rules:     ruleOutcome,
	}
	return e.finish(v)
}

// decide applies the fixed decision policy.
func (e *Engine) decide(failures []types.ValidationFailure) (pass bool, next string) {
	critical, high := 0, 0
	for _, f := range failures {
		switch f.Severity {
		case types.SeverityCritical:
			critical++
		case types.SeverityHigh:
			high++
		}
	}
	switch {
	case critical > 0:
		return false, types.NextBlockForHuman
	case len(failures) > e.thresholds.MaxFailures:
		return false, types.NextBlockForHuman
	case high > 0:
		return false, types.NextRetry
	default:
		return true, types.NextProceed
	}
}

// finish schema-validates the verdict itself so downstream consumers never
// see a malformed one.
func (e *Engine) finish(v *Verdict) (*Verdict, error) {
	wire, err := json.Marshal(struct {
		Pass     bool                      `json:"pass"`
		Failures []types.ValidationFailure `json:"failures"`
		Fixes    []types.SuggestedFix      `json:"fixes"`
		NextStep string                    `json:"next_step"`
	}{v.Pass, nonNilFailures(v.Failures), nonNilFixes(v.Fixes), v.NextStep})
	if err != nil {
		return nil, fmt.Errorf("marshal verdict: %w", err)
	}
	violations, err := checkSchema(verdictSchema, string(wire))
	if err != nil {
		return nil, err
	}
	if len(violations) > 0 {
		return nil, fmt.Errorf("verdict failed self-validation: %s", joinViolations(violations))
	}
	return v, nil
}

// ParseVerdictDocument checks an externally submitted verdict document
// against the verdict schema and taxonomy. Used at the API boundary for
// human-submitted verdicts, which get no more trust than the judge's.
func ParseVerdictDocument(raw []byte) (*Verdict, error) {
	violations, err := checkSchema(verdictSchema, string(raw))
	if err != nil {
		return nil, err
	}
	if len(violations) > 0 {
		return nil, fmt.Errorf("verdict document invalid: %s", joinViolations(violations))
	}
	var wire struct {
		Pass     bool                      `json:"pass"`
		Failures []types.ValidationFailure `json:"failures"`
		Fixes    []types.SuggestedFix      `json:"fixes"`
		NextStep string                    `json:"next_step"`
		Model    string                    `json:"model"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode verdict document: %w", err)
	}
	if err := checkTaxonomy(wire.Failures); err != nil {
		return nil, err
	}
	return &Verdict{
		Pass:     wire.Pass,
		Failures: wire.Failures,
		Fixes:    wire.Fixes,
		NextStep: wire.NextStep,
		Model:    wire.Model,
	}, nil
}

// deriveFixes turns deterministic findings into corrective instructions,
// highest severity first.
func deriveFixes(failures []types.ValidationFailure) []types.SuggestedFix {
	fixes := make([]types.SuggestedFix, 0, len(failures))
	for _, f := range failures {
		priority := 3 - types.SeverityRank(f.Severity)
		if priority < 0 {
			priority = 3
		}
		fixes = append(fixes, types.SuggestedFix{
			Priority:    priority,
			Instruction: "resolve: " + f.Description,
		})
	}
	return fixes
}

func checkTaxonomy(failures []types.ValidationFailure) error {
	known := map[string]bool{
		types.FailSchemaInvalid: true, types.FailConstraintViolation: true,
		types.FailQualityMismatch: true, types.FailMissingSpace: true,
		types.FailExtraSpace: true, types.FailFurnitureMismatch: true,
		types.FailStyleInconsistency: true, types.FailGeometryError: true,
		types.FailAmbiguityUnresolved: true, types.FailLLMContradiction: true,
		types.FailTimeout: true, types.FailAPIError: true,
	}
	for _, f := range failures {
		if !known[f.Type] {
			return fmt.Errorf("unknown failure type %q", f.Type)
		}
		if types.SeverityRank(f.Severity) < 0 {
			return fmt.Errorf("unknown severity %q", f.Severity)
		}
		if f.Description == "" {
			return fmt.Errorf("finding of type %q has no description", f.Type)
		}
	}
	return nil
}

// duplicatesAny suppresses a judge finding that restates a deterministic
// one: same type with an overlapping description prefix.
func duplicatesAny(f types.ValidationFailure, existing []types.ValidationFailure) bool {
	const prefixLen = 24
	for _, e := range existing {
		if e.Type != f.Type {
			continue
		}
		a := strings.ToLower(f.Description)
		b := strings.ToLower(e.Description)
		n := prefixLen
		if len(a) < n {
			n = len(a)
		}
		if len(b) < n {
			n = len(b)
		}
		if n > 0 && a[:n] == b[:n] {
			return true
		}
	}
	return false
}

func nonNilFailures(f []types.ValidationFailure) []types.ValidationFailure {
	if f == nil {
		return []types.ValidationFailure{}
	}
	return f
}

func nonNilFixes(f []types.SuggestedFix) []types.SuggestedFix {
	if f == nil {
		return []types.SuggestedFix{}
	}
	return f
}
