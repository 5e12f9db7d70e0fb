package perception

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "secondmind/perception"

type operationKey struct{}

// WithOperation tags ctx with the stage operation issuing oracle calls, for
// trace attribution.
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, operationKey{}, op)
}

// Operation returns the operation tag on ctx, or "unknown".
func Operation(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey{}).(string); ok && op != "" {
		return op
	}
	return "unknown"
}

// Trace captures one oracle interaction.
type Trace struct {
	Operation   string
	PromptLen   int
	ResponseLen int
	Temperature float64
	Duration    time.Duration
	Success     bool
	Err         error
}

// TracedOracle wraps any Oracle and records every interaction as a span and a
// log entry. Observe, when set, receives each Trace.
type TracedOracle struct {
	underlying Oracle
	tracer     trace.Tracer
	logger     *zap.Logger
	observe    func(Trace)
}

// NewTracedOracle creates a tracing wrapper around an existing oracle.
func NewTracedOracle(underlying Oracle, logger *zap.Logger, observe func(Trace)) *TracedOracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TracedOracle{
		underlying: underlying,
		tracer:     otel.Tracer(tracerName),
		logger:     logger,
		observe:    observe,
	}
}

// Generate implements Oracle with tracing.
func (t *TracedOracle) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	op := Operation(ctx)
	ctx, span := t.tracer.Start(ctx, "oracle.generate", trace.WithAttributes(
		attribute.String("operation", op),
		attribute.Int("prompt_len", len(prompt)),
		attribute.Float64("temperature", temperature),
	))
	defer span.End()

	start := time.Now()
	response, err := t.underlying.Generate(ctx, prompt, temperature)
	duration := time.Since(start)

	tr := Trace{
		Operation:   op,
		PromptLen:   len(prompt),
		ResponseLen: len(response),
		Temperature: temperature,
		Duration:    duration,
		Success:     err == nil && response != "",
		Err:         err,
	}

	span.SetAttributes(attribute.Int("response_len", len(response)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.logger.Warn("oracle call failed",
			zap.String("operation", op),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		t.logger.Debug("oracle call completed",
			zap.String("operation", op),
			zap.Duration("duration", duration),
			zap.Int("response_len", len(response)))
	}

	if t.observe != nil {
		t.observe(tr)
	}
	return response, err
}
