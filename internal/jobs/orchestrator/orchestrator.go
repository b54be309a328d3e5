package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/validation"
)

// Actions the orchestrator can take on a verdict.
const (
	ActionProceed = "proceed"
	ActionRetry   = "retry"
	ActionBlock   = "block"
)

// Decision is what should happen to a job after one validated attempt.
type Decision struct {
	Action string
	// CorrectiveInstructions is non-empty only on retry: the verdict's
	// fixes composed into a prompt addendum for the next attempt.
	CorrectiveInstructions string
	// Reason is non-empty only on block: a human-readable chain of the
	// failures and suggested fixes, never a stack trace.
	Reason string
}

// Decide maps a verdict and the job's attempt budget to an action. Retry is
// only honored while attempts remain; an exhausted budget blocks the job
// for human review instead of looping.
func Decide(verdict *validation.Verdict, job *types.JobRun) Decision {
	switch verdict.NextStep {
	case types.NextProceed:
		return Decision{Action: ActionProceed}
	case types.NextBlockForHuman:
		return Decision{Action: ActionBlock, Reason: ReasonChain(verdict)}
	case types.NextRetry:
		if job.Attempts >= job.MaxAttempts {
			return Decision{
				Action: ActionBlock,
				Reason: fmt.Sprintf("retry budget exhausted after %d attempts; %s", job.Attempts, ReasonChain(verdict)),
			}
		}
		return Decision{Action: ActionRetry, CorrectiveInstructions: ComposeInstructions(verdict.Fixes)}
	default:
		return Decision{
			Action: ActionBlock,
			Reason: fmt.Sprintf("verdict carried unknown next step %q; %s", verdict.NextStep, ReasonChain(verdict)),
		}
	}
}

// ComposeInstructions renders the verdict's fixes (already priority-sorted)
// as numbered corrective instructions for the next generation attempt.
func ComposeInstructions(fixes []types.SuggestedFix) string {
	if len(fixes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Apply the following corrections, in order:\n")
	for i, f := range fixes {
		fmt.Fprintf(&b, "%d. %s", i+1, f.Instruction)
		if f.TargetLabel != "" {
			fmt.Fprintf(&b, " (space: %s)", f.TargetLabel)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ReasonChain renders a verdict's failures and fixes for a human.
func ReasonChain(verdict *validation.Verdict) string {
	var b strings.Builder
	if len(verdict.Failures) == 0 {
		b.WriteString("no recorded failures")
	}
	for i, f := range verdict.Failures {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "[%s/%s] %s", f.Severity, f.Type, f.Description)
	}
	if len(verdict.Fixes) > 0 {
		b.WriteString(". Suggested fixes: ")
		for i, f := range verdict.Fixes {
			if i > 0 {
				b.WriteString("; ")
			}
			b.WriteString(f.Instruction)
		}
	}
	return b.String()
}

// attemptRecord is one rejected attempt retained for audit and for the
// learning subsystem to mine.
type attemptRecord struct {
	Attempt    int                       `json:"attempt"`
	ArtifactID string                    `json:"artifact_id,omitempty"`
	NextStep   string                    `json:"next_step"`
	Failures   []types.ValidationFailure `json:"failures"`
	At         time.Time                 `json:"at"`
}

// AppendFailureHistory returns the job's failure history with one more
// rejected attempt recorded. Rejected attempts are never deleted.
func AppendFailureHistory(history datatypes.JSON, attempt int, artifactID string, verdict *validation.Verdict, at time.Time) (datatypes.JSON, error) {
	var records []attemptRecord
	if len(history) > 0 {
		if err := json.Unmarshal(history, &records); err != nil {
			return history, fmt.Errorf("decode failure history: %w", err)
		}
	}
	records = append(records, attemptRecord{
		Attempt:    attempt,
		ArtifactID: artifactID,
		NextStep:   verdict.NextStep,
		Failures:   verdict.Failures,
		At:         at,
	})
	raw, err := json.Marshal(records)
	if err != nil {
		return history, fmt.Errorf("encode failure history: %w", err)
	}
	return datatypes.JSON(raw), nil
}
