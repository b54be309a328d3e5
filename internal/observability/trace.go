package observability

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/casafex/planvista-backend"

// CallInfo identifies one external collaborator call for tracing.
type CallInfo struct {
	Collaborator string // "genai" | "judge"
	RunID        uuid.UUID
	Step         int
	Attempt      int
	Model        string
	PromptID     string
}

// StartCall opens a span around one generation/judge call. Always returns a
// usable span; with no provider installed it is a no-op.
func StartCall(ctx context.Context, info CallInfo) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, info.Collaborator+".call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("pipeline.run_id", info.RunID.String()),
			attribute.Int("pipeline.step", info.Step),
			attribute.Int("pipeline.attempt", info.Attempt),
			attribute.String("llm.model", info.Model),
			attribute.String("llm.prompt_id", info.PromptID),
		),
	)
	return ctx, span
}

// EndCall closes the span, recording the outcome.
func EndCall(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
