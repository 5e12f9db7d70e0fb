// Package ranking implements the Ranking stage: a weighted multi-criterion
// score per hypothesis and a stable total order.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"secondmind/internal/config"
	"secondmind/internal/logging"
	"secondmind/internal/perception"
	"secondmind/internal/store"
	"secondmind/internal/types"
)

// Operation is the oracle operation name used for credibility scoring.
const Operation = "ranking.credibility"

const (
	itemType            = "ranking_results"
	weightTolerance     = 1e-6
	fallbackScore       = 5.0
	fallbackExplanation = "Fallback ranking due to processing error"
)

// ErrInvalidWeights is returned by New when the weights do not sum to 1.
var ErrInvalidWeights = errors.New("ranking weights must sum to 1.0")

// Weights maps every criterion to its weight.
type Weights map[types.Criterion]float64

// WeightsFrom converts the configured weight vector.
func WeightsFrom(w config.RankingWeights) Weights {
	return Weights{
		types.CriterionCoherence:   w.Coherence,
		types.CriterionEvidence:    w.Evidence,
		types.CriterionRelevance:   w.Relevance,
		types.CriterionSpecificity: w.Specificity,
		types.CriterionNovelty:     w.Novelty,
		types.CriterionCredibility: w.Credibility,
	}
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	total := 0.0
	for _, c := range types.Criteria {
		total += w[c]
	}
	return total
}

// Validate checks that every weight is in [0,1] and that they sum to 1.
func (w Weights) Validate() error {
	for _, c := range types.Criteria {
		if v := w[c]; v < 0 || v > 1 || math.IsNaN(v) {
			return fmt.Errorf("%w: %s=%v out of range", ErrInvalidWeights, c, v)
		}
	}
	if math.Abs(w.Sum()-1) > weightTolerance {
		return fmt.Errorf("%w: got %.6f", ErrInvalidWeights, w.Sum())
	}
	return nil
}

// Input is what the stage consumes.
type Input struct {
	SessionID   string
	Cycle       int
	Query       string
	Hypotheses  []types.Hypothesis
	Reflections []types.ReflectionResult
	Evidence    []types.EvidenceItem
}

// Output is the ranked set, best first.
type Output struct {
	Ranked   []types.RankedHypothesis
	Fallback bool

	// PriorRankings counts the ranking records already stored for the session.
	PriorRankings int
}

// Stage is the Ranking stage.
type Stage struct {
	oracle  perception.Oracle
	store   store.Store
	weights Weights
	logger  *zap.Logger
	now     func() time.Time
}

// New creates the stage. The weights must sum to 1.
func New(oracle perception.Oracle, st store.Store, weights Weights, logger *zap.Logger) (*Stage, error) {
	if err := weights.Validate(); err != nil {
		return nil, &types.ValidationError{Op: "ranking weights", Err: err}
	}
	return &Stage{
		oracle:  oracle,
		store:   st,
		weights: weights,
		logger:  logging.For(logger, logging.CategoryRanking),
		now:     time.Now,
	}, nil
}

// Run scores and orders the hypotheses. Any failure, including a panic,
// yields the fallback ranking: every hypothesis at 5.0 in input order.
func (s *Stage) Run(ctx context.Context, in Input) Output {
	log := logging.Session(s.logger, in.SessionID, in.Cycle)

	prior, priorID := s.priorRankings(ctx, in.SessionID)
	if prior > 0 {
		log.Info("found previous rankings", zap.Int("count", prior), zap.String("item_id", priorID))
	}

	var ranked []types.RankedHypothesis
	err := types.Safely(func() error {
		var err error
		ranked, err = s.rank(ctx, in)
		return err
	})
	out := Output{Ranked: ranked, PriorRankings: prior}
	if err != nil {
		log.Warn("ranking degraded to fallback order", zap.Error(err))
		out.Ranked = Fallback(in.Hypotheses)
		out.Fallback = true
	}

	s.persist(ctx, in, priorID, out.Ranked)
	if len(out.Ranked) > 0 {
		log.Info("ranking complete",
			zap.Int("count", len(out.Ranked)),
			zap.String("top", out.Ranked[0].ID),
			zap.Float64("top_score", out.Ranked[0].OverallScore),
			zap.Bool("fallback", out.Fallback))
	}
	return out
}

func (s *Stage) rank(ctx context.Context, in Input) ([]types.RankedHypothesis, error) {
	if err := types.Require("ranking", "query", in.Query); err != nil {
		return nil, err
	}

	byID := make(map[string]types.ReflectionResult, len(in.Reflections))
	for _, r := range in.Reflections {
		byID[r.HypothesisID] = r
	}

	ranked := make([]types.RankedHypothesis, 0, len(in.Hypotheses))
	for _, h := range in.Hypotheses {
		refl, ok := byID[h.ID]
		if !ok {
			refl = types.ReflectionResult{HypothesisID: h.ID, CoherenceScore: 0.5}
		}
		refl = refl.Normalize()

		scores := Scores(h.Statement, in.Query, refl, in.Evidence)
		scores[types.CriterionCredibility] = s.credibility(ctx, h.Statement, in.Query, in.Evidence)

		ranked = append(ranked, types.RankedHypothesis{
			Hypothesis:      h,
			Scores:          scores,
			OverallScore:    s.Overall(scores),
			RankExplanation: Explain(scores, refl),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].OverallScore > ranked[j].OverallScore
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked, nil
}

// Overall is round(10 * weighted sum, 1), clamped to [0,10].
func (s *Stage) Overall(scores map[types.Criterion]float64) float64 {
	total := 0.0
	for _, c := range types.Criteria {
		total += s.weights[c] * types.Clamp01(scores[c])
	}
	return types.Clamp(types.Round1(total*10), 0, 10)
}

// Fallback ranks hypotheses in input order with neutral scores.
func Fallback(hyps []types.Hypothesis) []types.RankedHypothesis {
	out := make([]types.RankedHypothesis, len(hyps))
	for i, h := range hyps {
		scores := make(map[types.Criterion]float64, len(types.Criteria))
		for _, c := range types.Criteria {
			scores[c] = 0.5
		}
		out[i] = types.RankedHypothesis{
			Hypothesis:      h,
			Scores:          scores,
			OverallScore:    fallbackScore,
			Rank:            i + 1,
			RankExplanation: fallbackExplanation,
		}
	}
	return out
}

// priorRankings returns the number of stored rankings for the session and
// the id of the most recent one.
func (s *Stage) priorRankings(ctx context.Context, sessionID string) (int, string) {
	if s.store == nil {
		return 0, ""
	}
	recs := s.store.SessionItems(ctx, sessionID, itemType)
	if len(recs) == 0 {
		return 0, ""
	}
	return len(recs), recs[len(recs)-1].ID
}

// persist updates the session's ranking record in place when one exists and
// creates it otherwise.
func (s *Stage) persist(ctx context.Context, in Input, priorID string, ranked []types.RankedHypothesis) {
	if s.store == nil {
		return
	}
	rel := map[string]string{"query": in.Query}
	if len(ranked) > 0 {
		rel["top_hypothesis"] = ranked[0].ID
	}
	s.store.Upsert(ctx, priorID, store.Item{
		SessionID: in.SessionID,
		Type:      itemType,
		Data: map[string]any{
			"query":             in.Query,
			"cycle":             in.Cycle,
			"ranked_hypotheses": ranked,
			"timestamp":         s.now().UTC().Format(time.RFC3339),
		},
		Relevance:     1.0,
		Relationships: rel,
	})
}
