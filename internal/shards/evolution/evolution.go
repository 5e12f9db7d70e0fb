// Package evolution implements the Evolution stage: it selects a bounded
// subset of the ranked hypotheses and derives an improved hypothesis from
// each one.
package evolution

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"secondmind/internal/config"
	"secondmind/internal/evidence"
	"secondmind/internal/logging"
	"secondmind/internal/store"
	"secondmind/internal/types"
)

const itemType = "evolved_hypothesis"

// Config holds the selection thresholds.
type Config struct {
	// EvidenceThreshold is the evidence score a non-top hypothesis must exceed.
	EvidenceThreshold float64
	// RoomForImprovement is the overall score a non-top hypothesis must stay under.
	RoomForImprovement float64
	MaxSelected        int
	// SearchResults is the number of hits fetched per secondary search.
	SearchResults int
}

// ConfigFrom converts the configured thresholds.
func ConfigFrom(c config.EvolutionConfig) Config {
	return Config{
		EvidenceThreshold:  c.EvidenceThreshold,
		RoomForImprovement: c.RoomForImprovement,
		MaxSelected:        c.MaxSelected,
		SearchResults:      c.SearchResults,
	}
}

// Input is what the stage consumes.
type Input struct {
	SessionID   string
	Cycle       int
	Query       string
	Ranked      []types.RankedHypothesis
	Reflections []types.ReflectionResult
}

// Output carries the next hypothesis set in rank order: evolved derivatives
// in place of the selected hypotheses, the rest unchanged.
type Output struct {
	Hypotheses []types.Hypothesis
	Details    []types.EvolutionDetail
	Selected   []string

	// Failed counts selected hypotheses passed through after an error.
	Failed int
}

// Stage is the Evolution stage.
type Stage struct {
	source evidence.Source
	store  store.Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates the stage. A nil source disables the secondary search.
func New(source evidence.Source, st store.Store, cfg Config, logger *zap.Logger) *Stage {
	if cfg.MaxSelected <= 0 {
		cfg.MaxSelected = 3
	}
	if cfg.SearchResults <= 0 {
		cfg.SearchResults = 2
	}
	return &Stage{
		source: source,
		store:  st,
		cfg:    cfg,
		logger: logging.For(logger, logging.CategoryEvolution),
		now:    time.Now,
	}
}

// Select returns the ids to evolve: rank 1 always, then any hypothesis with
// strong evidence and room for improvement, up to MaxSelected.
func (s *Stage) Select(ranked []types.RankedHypothesis) []string {
	if len(ranked) == 0 {
		return nil
	}
	selected := []string{ranked[0].ID}
	for _, r := range ranked[1:] {
		if len(selected) >= s.cfg.MaxSelected {
			break
		}
		if r.Scores[types.CriterionEvidence] > s.cfg.EvidenceThreshold && r.OverallScore < s.cfg.RoomForImprovement {
			selected = append(selected, r.ID)
		}
	}
	return selected
}

// Run evolves the selected hypotheses. Each one is handled in isolation: a
// failure, including a panic, passes that hypothesis through unchanged.
func (s *Stage) Run(ctx context.Context, in Input) Output {
	log := logging.Session(s.logger, in.SessionID, in.Cycle)

	reflections := make(map[string]types.ReflectionResult, len(in.Reflections))
	for _, r := range in.Reflections {
		reflections[r.HypothesisID] = r
	}

	out := Output{
		Hypotheses: make([]types.Hypothesis, 0, len(in.Ranked)),
		Details:    []types.EvolutionDetail{},
		Selected:   s.Select(in.Ranked),
	}
	log.Info("evolving hypotheses", zap.Int("ranked", len(in.Ranked)), zap.Strings("selected", out.Selected))

	for _, r := range in.Ranked {
		if !slices.Contains(out.Selected, r.ID) {
			out.Hypotheses = append(out.Hypotheses, r.Hypothesis)
			continue
		}

		refl, ok := reflections[r.ID]
		if !ok {
			log.Warn("no reflection for selected hypothesis, assuming unsupported", zap.String("hypothesis_id", r.ID))
			refl = types.ReflectionResult{HypothesisID: r.ID, IsCoherent: true, CoherenceScore: 0.5}
		}

		var evolved types.Hypothesis
		var detail types.EvolutionDetail
		err := types.Safely(func() error {
			evolved, detail = s.evolve(ctx, log, r, refl.Normalize(), in)
			return nil
		})
		if err != nil {
			log.Error("evolution failed, keeping original", zap.String("hypothesis_id", r.ID), zap.Error(err))
			out.Failed++
			out.Hypotheses = append(out.Hypotheses, r.Hypothesis)
			continue
		}

		evolved.ContextItemID = s.persist(ctx, in, r.Hypothesis, evolved, detail)
		out.Hypotheses = append(out.Hypotheses, evolved)
		out.Details = append(out.Details, detail)
	}

	log.Info("evolution complete",
		zap.Int("evolved", len(out.Details)),
		zap.Int("failed", out.Failed))
	return out
}

func (s *Stage) evolve(ctx context.Context, log *zap.Logger, r types.RankedHypothesis, refl types.ReflectionResult, in Input) (types.Hypothesis, types.EvolutionDetail) {
	statement := s.refine(ctx, log, r.Statement, refl, in.Query, in.Cycle)

	evolved := types.Hypothesis{
		ID:             types.EvolvedID(r.ID, in.Cycle),
		ParentID:       r.ID,
		Statement:      statement,
		Confidence:     min(1.0, types.Clamp01(r.Confidence)+0.1),
		Rationale:      r.Rationale,
		Sources:        slices.Clone(r.Sources),
		SourceURLs:     slices.Clone(r.SourceURLs),
		EvolutionCycle: in.Cycle,
		CreatedAt:      s.now().UTC(),
	}
	if evolved.Sources == nil {
		evolved.Sources = []int{}
	}
	detail := types.EvolutionDetail{
		OriginalID:        r.ID,
		EvolvedID:         evolved.ID,
		OriginalStatement: r.Statement,
		EvolvedStatement:  statement,
		EvolutionReason:   Reason(refl, r.OverallScore),
	}
	return evolved, detail
}

// persist updates the parent's store item with the evolved statement, or
// creates an evolved_hypothesis item when the parent was never written or
// the store no longer knows it.
func (s *Stage) persist(ctx context.Context, in Input, parent, evolved types.Hypothesis, detail types.EvolutionDetail) string {
	if s.store == nil {
		return ""
	}
	relevance := min(1.0, 0.7+0.3*evolved.Confidence)
	res := s.store.Update(ctx, parent.ContextItemID,
		map[string]any{
			"statement":        evolved.Statement,
			"confidence":       evolved.Confidence,
			"evolution_cycle":  evolved.EvolutionCycle,
			"evolution_reason": detail.EvolutionReason,
		},
		&relevance,
		store.Item{
			SessionID: in.SessionID,
			Type:      itemType,
			Data: map[string]any{
				"id":                 evolved.ID,
				"parent_id":          evolved.ParentID,
				"statement":          evolved.Statement,
				"confidence":         evolved.Confidence,
				"sources":            evolved.Sources,
				"evolution_cycle":    evolved.EvolutionCycle,
				"original_statement": detail.OriginalStatement,
				"evolution_reason":   detail.EvolutionReason,
			},
			Relevance:     relevance,
			Relationships: map[string]string{"parent": parent.ID},
		})
	return res.ItemID
}
