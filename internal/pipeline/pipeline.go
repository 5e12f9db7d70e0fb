// Package pipeline runs research cycles: Generation, Reflection, Ranking,
// Evolution, and Meta-Review in sequence, with per-session state carried
// between cycles.
//
// Distinct sessions may run concurrently on one Pipeline. Cycles of the same
// session are serialized.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"secondmind/internal/evidence"
	"secondmind/internal/logging"
	"secondmind/internal/shards/evolution"
	"secondmind/internal/shards/generation"
	"secondmind/internal/shards/metareview"
	"secondmind/internal/shards/ranking"
	"secondmind/internal/shards/reflection"
	"secondmind/internal/types"
)

const tracerName = "secondmind/pipeline"

// Stage names used for telemetry, spans, and metrics.
const (
	StageGeneration = "generation"
	StageReflection = "reflection"
	StageRanking    = "ranking"
	StageEvolution  = "evolution"
	StageMetaReview = "meta_review"
)

// Collector gathers evidence for a query. *evidence.Collector implements it.
type Collector interface {
	Collect(ctx context.Context, query string) evidence.Collection
}

// Stages are the five stage implementations.
type Stages struct {
	Generation *generation.Stage
	Reflection *reflection.Stage
	Ranking    *ranking.Stage
	Evolution  *evolution.Stage
	MetaReview *metareview.Stage
}

// Config tunes cycle execution.
type Config struct {
	// StageTimeout bounds each stage. Zero means no bound.
	StageTimeout time.Duration
}

type session struct {
	mu    sync.Mutex // serializes cycles of one session
	cycle int
	carry []types.Hypothesis
	top   *types.TopHypothesis
}

// Pipeline orchestrates cycles.
type Pipeline struct {
	collector Collector
	stages    Stages
	cfg       Config
	metrics   *Metrics
	tracer    trace.Tracer
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a pipeline. collector and metrics may be nil.
func New(collector Collector, stages Stages, cfg Config, metrics *Metrics, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		collector: collector,
		stages:    stages,
		cfg:       cfg,
		metrics:   metrics,
		tracer:    otel.Tracer(tracerName),
		logger:    logging.For(logger, logging.CategoryPipeline),
		sessions:  make(map[string]*session),
	}
}

func (p *Pipeline) session(id string) *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		s = &session{}
		p.sessions[id] = s
	}
	return s
}

// Cycle returns the number of cycles started for the session.
func (p *Pipeline) Cycle(sessionID string) int {
	s := p.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycle
}

// EndSession drops the session's in-memory state.
func (p *Pipeline) EndSession(sessionID string) {
	p.mu.Lock()
	delete(p.sessions, sessionID)
	p.mu.Unlock()
	if p.stages.MetaReview != nil {
		p.stages.MetaReview.Forget(sessionID)
	}
}

// Run executes cycles for the query and returns every completed cycle. It
// stops early only when ctx is done.
func (p *Pipeline) Run(ctx context.Context, sessionID, query string, cycles int) ([]*types.CycleContext, error) {
	out := make([]*types.CycleContext, 0, cycles)
	for i := 0; i < cycles; i++ {
		cc, err := p.RunCycle(ctx, sessionID, query)
		if err != nil {
			return out, err
		}
		out = append(out, cc)
	}
	return out, nil
}

// RunCycle executes one cycle. Stage failures degrade the output but never
// fail the cycle; the error is non-nil only for invalid identifiers or when
// ctx is done.
func (p *Pipeline) RunCycle(ctx context.Context, sessionID, query string) (*types.CycleContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cycle not started: %w", err)
	}
	if _, err := types.NewCycleContext(sessionID, query, 1); err != nil {
		return nil, err
	}

	state := p.session(sessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	state.cycle++
	cc, err := types.NewCycleContext(sessionID, query, state.cycle)
	if err != nil {
		return nil, err
	}
	log := logging.Session(p.logger, sessionID, cc.Cycle)

	ctx, span := p.tracer.Start(ctx, "pipeline.cycle", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("cycle", cc.Cycle),
		attribute.String("query", query),
	))
	defer span.End()

	start := time.Now()
	log.Info("cycle started", zap.String("query", query), zap.Int("carried", len(state.carry)))

	steps := []struct {
		name string
		run  func(context.Context) types.AgentStatus
	}{
		{StageGeneration, func(ctx context.Context) types.AgentStatus { return p.generate(ctx, cc, state) }},
		{StageReflection, func(ctx context.Context) types.AgentStatus { return p.reflect(ctx, cc) }},
		{StageRanking, func(ctx context.Context) types.AgentStatus { return p.rank(ctx, cc) }},
		{StageEvolution, func(ctx context.Context) types.AgentStatus { return p.evolve(ctx, cc, state) }},
		{StageMetaReview, func(ctx context.Context) types.AgentStatus { return p.review(ctx, cc, state) }},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "context canceled")
			log.Warn("cycle interrupted", zap.String("before_stage", step.name), zap.Error(err))
			return cc, fmt.Errorf("cycle %d interrupted before %s: %w", cc.Cycle, step.name, err)
		}
		p.runStage(ctx, log, cc, step.name, step.run)
	}

	top := cc.Top()
	state.top = &top
	p.metrics.RecordCycle()
	span.SetAttributes(attribute.Float64("top_score", top.Score))
	span.SetStatus(codes.Ok, "")
	log.Info("cycle complete",
		zap.Duration("duration", time.Since(start)),
		zap.Float64("top_score", top.Score),
		zap.Int("carried_forward", len(state.carry)))
	return cc, nil
}

// runStage times a stage, wraps it in a span, and records its telemetry.
// Meta-review sees the telemetry of the stages before it.
func (p *Pipeline) runStage(ctx context.Context, log *zap.Logger, cc *types.CycleContext, name string, run func(context.Context) types.AgentStatus) {
	ctx, span := p.tracer.Start(ctx, "stage."+name, trace.WithAttributes(
		attribute.String("stage", name),
		attribute.String("session_id", cc.SessionID),
		attribute.Int("cycle", cc.Cycle),
	))
	defer span.End()

	if p.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.StageTimeout)
		defer cancel()
	}

	start := time.Now()
	status := types.StatusFailed
	if err := types.Safely(func() error { status = run(ctx); return nil }); err != nil {
		log.Error("stage escaped its boundary", zap.String("stage", name), zap.Error(err))
		span.RecordError(err)
		status = types.StatusFailed
	}
	elapsed := time.Since(start)

	cc.Agents[name] = types.AgentTelemetry{ExecutionTime: elapsed, Status: status}
	p.metrics.RecordStage(name, string(status), elapsed.Seconds())
	span.SetAttributes(attribute.String("status", string(status)))
	if status == types.StatusFailed {
		span.SetStatus(codes.Error, "stage failed")
	}
	log.Debug("stage finished", zap.String("stage", name), zap.Duration("duration", elapsed), zap.String("status", string(status)))
}

func statusOf(degraded bool) types.AgentStatus {
	if degraded {
		return types.StatusDegraded
	}
	return types.StatusSuccess
}

// generate collects evidence and produces hypotheses. Evidence collection is
// counted in the generation stage's time.
func (p *Pipeline) generate(ctx context.Context, cc *types.CycleContext, state *session) types.AgentStatus {
	if p.collector != nil {
		col := p.collector.Collect(ctx, cc.Query)
		cc.Evidence = col.Items
		cc.Sources = col.Telemetry
	}
	if p.stages.Generation == nil {
		cc.Hypotheses = state.carry
		return types.StatusFailed
	}
	out := p.stages.Generation.Run(ctx, generation.Input{
		SessionID: cc.SessionID,
		Cycle:     cc.Cycle,
		Query:     cc.Query,
		Evidence:  cc.Evidence,
		Seeds:     state.carry,
	})
	cc.Hypotheses = out.Hypotheses
	return statusOf(out.Degraded())
}

func (p *Pipeline) reflect(ctx context.Context, cc *types.CycleContext) types.AgentStatus {
	if p.stages.Reflection == nil {
		return types.StatusFailed
	}
	out := p.stages.Reflection.Run(ctx, reflection.Input{
		SessionID:  cc.SessionID,
		Cycle:      cc.Cycle,
		Query:      cc.Query,
		Hypotheses: cc.Hypotheses,
		Evidence:   cc.Evidence,
	})
	cc.Reflections = out.Reflections
	return statusOf(out.Degraded > 0)
}

func (p *Pipeline) rank(ctx context.Context, cc *types.CycleContext) types.AgentStatus {
	if p.stages.Ranking == nil {
		cc.Ranked = ranking.Fallback(cc.Hypotheses)
		return types.StatusFailed
	}
	out := p.stages.Ranking.Run(ctx, ranking.Input{
		SessionID:   cc.SessionID,
		Cycle:       cc.Cycle,
		Query:       cc.Query,
		Hypotheses:  cc.Hypotheses,
		Reflections: cc.Reflections,
		Evidence:    cc.Evidence,
	})
	cc.Ranked = out.Ranked
	return statusOf(out.Fallback)
}

// evolve derives the next cycle's seeds. When the stage is missing the
// ranked set carries forward unchanged.
func (p *Pipeline) evolve(ctx context.Context, cc *types.CycleContext, state *session) types.AgentStatus {
	if p.stages.Evolution == nil {
		state.carry = hypothesesOf(cc.Ranked)
		return types.StatusFailed
	}
	out := p.stages.Evolution.Run(ctx, evolution.Input{
		SessionID:   cc.SessionID,
		Cycle:       cc.Cycle,
		Query:       cc.Query,
		Ranked:      cc.Ranked,
		Reflections: cc.Reflections,
	})
	cc.Evolved = out.Hypotheses
	cc.EvolutionDetails = out.Details
	state.carry = out.Hypotheses
	return statusOf(out.Failed > 0)
}

func (p *Pipeline) review(ctx context.Context, cc *types.CycleContext, state *session) types.AgentStatus {
	if p.stages.MetaReview == nil {
		return types.StatusFailed
	}
	agents := make(map[string]types.AgentTelemetry, len(cc.Agents))
	for k, v := range cc.Agents {
		agents[k] = v
	}
	out := p.stages.MetaReview.Run(ctx, metareview.Input{
		SessionID: cc.SessionID,
		Cycle:     cc.Cycle,
		Query:     cc.Query,
		Agents:    agents,
		Sources:   cc.Sources,
		Current:   cc.Top(),
		Previous:  state.top,
	})
	cc.MetaReview = &out.Result
	return statusOf(out.Degraded)
}

func hypothesesOf(ranked []types.RankedHypothesis) []types.Hypothesis {
	out := make([]types.Hypothesis, len(ranked))
	for i, r := range ranked {
		out[i] = r.Hypothesis
	}
	return out
}
