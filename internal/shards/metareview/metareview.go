// Package metareview implements the Meta-Review stage: it measures a
// completed cycle's timings, evidence quality, and improvement over the
// previous cycle, and asks the oracle for commentary.
package metareview

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"secondmind/internal/config"
	"secondmind/internal/logging"
	"secondmind/internal/perception"
	"secondmind/internal/store"
	"secondmind/internal/types"
)

// Operation is the oracle operation name used by this stage.
const Operation = "metareview"

const (
	temperature = 0.4
	itemType    = "meta_review"
	relevance   = 0.9
)

// Config tunes the stage.
type Config struct {
	// BottleneckThreshold is the share of total cycle time above which a
	// stage is a bottleneck.
	BottleneckThreshold float64
	// HistorySize is the number of cycles kept per session for the rollup.
	HistorySize int
}

// ConfigFrom converts the configured values.
func ConfigFrom(c config.MetaReviewConfig) Config {
	return Config{BottleneckThreshold: c.BottleneckThreshold, HistorySize: c.HistorySize}
}

// Input is a completed cycle's telemetry.
type Input struct {
	SessionID string
	Cycle     int
	Query     string
	Agents    map[string]types.AgentTelemetry
	Sources   []types.SourceTelemetry
	Current   types.TopHypothesis

	// Previous is the prior cycle's top hypothesis, nil on the first cycle.
	Previous *types.TopHypothesis
}

// Output wraps the review.
type Output struct {
	Result types.MetaReviewResult

	// Degraded is set when a metric group failed or the commentary came
	// from a default set.
	Degraded bool
}

type snapshot struct {
	cycleTime   float64
	scoreDelta  float64
	bottlenecks []string
	sources     int
}

// Stage is the Meta-Review stage. It keeps a short per-session history.
type Stage struct {
	oracle perception.Oracle
	store  store.Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	history map[string][]snapshot
}

// New creates the stage.
func New(oracle perception.Oracle, st store.Store, cfg Config, logger *zap.Logger) *Stage {
	if cfg.BottleneckThreshold <= 0 || cfg.BottleneckThreshold >= 1 {
		cfg.BottleneckThreshold = 0.25
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 5
	}
	return &Stage{
		oracle:  oracle,
		store:   st,
		cfg:     cfg,
		logger:  logging.For(logger, logging.CategoryMetaReview),
		now:     time.Now,
		history: make(map[string][]snapshot),
	}
}

// Run reviews one cycle. Each metric group is computed in isolation; a
// failing group yields its zero value and the others are unaffected.
func (s *Stage) Run(ctx context.Context, in Input) Output {
	start := s.now()
	log := logging.Session(s.logger, in.SessionID, in.Cycle)
	out := Output{}
	res := &out.Result

	guard := func(group string, fn func()) {
		if err := types.Safely(func() error { fn(); return nil }); err != nil {
			log.Error("metric group failed, using zero value", zap.String("group", group), zap.Error(err))
			out.Degraded = true
		}
	}

	guard("performance", func() {
		res.PerformanceMetrics = Performance(in.Agents, s.cfg.BottleneckThreshold)
	})
	if res.PerformanceMetrics.AgentTimes == nil {
		res.PerformanceMetrics = types.PerformanceMetrics{AgentTimes: map[string]float64{}, Bottlenecks: []types.Bottleneck{}}
	}
	guard("web_data_quality", func() {
		res.WebDataQuality = WebQuality(in.Sources, in.Query, s.now())
	})

	prior := s.priorCycles(in.SessionID)
	guard("hypothesis_improvement", func() {
		res.HypothesisImprovement = Improvement(in.Current, in.Previous, prior)
	})

	res.History = s.record(in.SessionID, snapshot{
		cycleTime:   res.PerformanceMetrics.TotalCycleTime,
		scoreDelta:  res.HypothesisImprovement.ScoreDelta,
		bottlenecks: bottleneckNames(res.PerformanceMetrics.Bottlenecks),
		sources:     res.WebDataQuality.SourcesCount,
	})

	var ins Insights
	guard("insights", func() {
		var degraded bool
		ins, degraded = s.insights(ctx, log, in, *res)
		out.Degraded = out.Degraded || degraded
	})
	if ins.Insights == nil {
		ins = ParseDegraded()
	}
	res.Insights = ins.Insights
	res.Recommendations = ins.Recommendations
	res.Bottlenecks = ins.Bottlenecks
	res.ExecutionTime = s.now().Sub(start).Seconds()

	s.persist(ctx, in, *res)
	log.Info("meta-review complete",
		zap.Float64("cycle_time", res.PerformanceMetrics.TotalCycleTime),
		zap.Int("bottlenecks", len(res.PerformanceMetrics.Bottlenecks)),
		zap.Float64("score_delta", res.HypothesisImprovement.ScoreDelta),
		zap.Bool("degraded", out.Degraded))
	return out
}

func (s *Stage) insights(ctx context.Context, log *zap.Logger, in Input, res types.MetaReviewResult) (Insights, bool) {
	prompt := buildPrompt(in, res.PerformanceMetrics, res.WebDataQuality, res.History)
	text, err := perception.Ask(perception.WithOperation(ctx, Operation), s.oracle, prompt, temperature)
	if err != nil {
		if !errors.Is(err, perception.ErrEmptyResponse) {
			log.Warn("oracle unavailable for meta-review", zap.Error(err))
		}
		return CallFailed(err), true
	}
	parsed, ok := ParseInsights(text)
	if !ok {
		log.Warn("meta-review response unparseable", zap.Error(&types.ParseError{Op: "meta-review response", Err: errors.New("no lists recovered")}))
		return ParseDegraded(), true
	}
	return parsed, false
}

// =============================================================================
// HISTORY
// =============================================================================

func (s *Stage) priorCycles(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history[sessionID])
}

// record appends the snapshot to the session's ring and returns the rollup
// over the ring, current cycle included.
func (s *Stage) record(sessionID string, snap snapshot) types.HistoryRollup {
	s.mu.Lock()
	ring := append(s.history[sessionID], snap)
	if len(ring) > s.cfg.HistorySize {
		ring = ring[len(ring)-s.cfg.HistorySize:]
	}
	s.history[sessionID] = ring
	ring = append([]snapshot(nil), ring...)
	s.mu.Unlock()

	rollup := types.HistoryRollup{Cycles: len(ring)}
	counts := map[string]int{}
	for _, snap := range ring {
		rollup.AverageCycleTime += snap.cycleTime
		rollup.AverageScoreDelta += snap.scoreDelta
		rollup.AverageSourcesCount += float64(snap.sources)
		for _, b := range snap.bottlenecks {
			counts[b]++
		}
	}
	n := float64(len(ring))
	rollup.AverageCycleTime /= n
	rollup.AverageScoreDelta /= n
	rollup.AverageSourcesCount /= n

	best := 0
	for name, c := range counts {
		if c > best || (c == best && name < rollup.DominantBottleneck) {
			best, rollup.DominantBottleneck = c, name
		}
	}
	return rollup
}

// Forget drops the session's history.
func (s *Stage) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, sessionID)
}

func bottleneckNames(bs []types.Bottleneck) []string {
	names := make([]string, len(bs))
	for i, b := range bs {
		names[i] = b.Agent
	}
	return names
}

func sortedAgents(agents map[string]types.AgentTelemetry) []string {
	names := make([]string, 0, len(agents))
	for name := range agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Stage) persist(ctx context.Context, in Input, res types.MetaReviewResult) {
	if s.store == nil {
		return
	}
	s.store.Create(ctx, store.Item{
		SessionID: in.SessionID,
		Type:      itemType,
		Data: map[string]any{
			"cycle":       in.Cycle,
			"timestamp":   s.now().UTC().Format(time.RFC3339),
			"meta_review": res,
		},
		Relevance: relevance,
		Relationships: map[string]string{
			"query": in.Query,
			"cycle": strconv.Itoa(in.Cycle),
		},
	})
}
