package ranking

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secondmind/internal/config"
	"secondmind/internal/perception"
	"secondmind/internal/perception/perceptiontest"
	"secondmind/internal/store"
	"secondmind/internal/store/storetest"
	"secondmind/internal/types"
)

var evidence = []types.EvidenceItem{
	{Source: "https://a.example", Title: "Solar", Content: "Solar panels convert sunlight into electricity for homes."},
	{Source: "https://b.example", Title: "Grid", Content: "Grid storage smooths solar output across the day."},
}

func defaultWeights() Weights {
	return WeightsFrom(config.DefaultConfig().Ranking.Weights)
}

func newStage(t *testing.T, oracle perception.Oracle, st store.Store) *Stage {
	t.Helper()
	s, err := New(oracle, st, defaultWeights(), nil)
	require.NoError(t, err)
	return s
}

func TestDefaultWeightsSumToOne(t *testing.T) {
	w := defaultWeights()
	assert.InDelta(t, 1.0, w.Sum(), 1e-6)
	assert.NoError(t, w.Validate())
	assert.Equal(t, 0.25, w[types.CriterionEvidence])
	assert.Equal(t, 0.15, w[types.CriterionCredibility])
}

func TestInvalidWeightsRejected(t *testing.T) {
	w := defaultWeights()
	w[types.CriterionNovelty] = 0.5

	_, err := New(nil, nil, w, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidWeights)
	var verr *types.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestEvidenceScore(t *testing.T) {
	assert.Equal(t, 0.1, Evidence(0, 0))
	assert.InDelta(t, 0.6, Evidence(3, 0), 1e-9)
	assert.Equal(t, 1.0, Evidence(7, 0))
	assert.InDelta(t, 0.5, Evidence(5, 3), 1e-9)
	assert.Equal(t, 0.1, Evidence(1, 4))
}

func TestRelevance(t *testing.T) {
	// "solar" and "panels" are long enough and both appear in evidence;
	// the statement covers one of them.
	got := Relevance("solar power is cheap", "solar panels", evidence)
	assert.InDelta(t, 0.4*0.5+0.6*0.5, got, 1e-9)

	assert.Equal(t, 0.0, Relevance("unrelated words", "solar panels", nil))
}

func TestSpecificity(t *testing.T) {
	plain := Specificity("short claim")
	detailed := Specificity("Specifically, 40 percent of detailed panel output is lost precisely at noon")
	assert.Less(t, plain, detailed)
	assert.InDelta(t, 0.5*0.11, plain, 1e-9)
	assert.LessOrEqual(t, detailed, 1.0)
}

func TestNovelty(t *testing.T) {
	assert.Equal(t, 0.5, Novelty("anything", nil))
	same := Novelty(evidence[0].Content, evidence[:1])
	assert.InDelta(t, 0.0, same, 1e-9)
	assert.Equal(t, 1.0, Novelty("zebra quartz", evidence))
}

func TestRankOrderAndDenseRanks(t *testing.T) {
	oracle := perceptiontest.New().On(Operation,
		perceptiontest.Reply{Text: "0.2"},
		perceptiontest.Reply{Text: "```\n0.95\n```"},
		perceptiontest.Reply{Text: "not a number"},
	)
	s := newStage(t, oracle, nil)

	hyps := []types.Hypothesis{
		{ID: "h1", Statement: "Weak claim", Confidence: 0.5},
		{ID: "h2", Statement: "Solar panels with grid storage specifically cut 30 percent of peak solar demand", Confidence: 0.8},
		{ID: "h3", Statement: "Another idea", Confidence: 0.5},
	}
	refl := []types.ReflectionResult{
		{HypothesisID: "h1", CoherenceScore: 0.3},
		{HypothesisID: "h2", IsCoherent: true, CoherenceScore: 0.9, SupportingFacts: []types.Fact{{Fact: "a"}, {Fact: "b"}, {Fact: "c"}, {Fact: "d"}}},
	}

	out := s.Run(context.Background(), Input{SessionID: "s", Cycle: 1, Query: "solar storage", Hypotheses: hyps, Reflections: refl, Evidence: evidence})
	require.False(t, out.Fallback)
	require.Len(t, out.Ranked, 3)

	assert.Equal(t, "h2", out.Ranked[0].ID)
	for i, r := range out.Ranked {
		assert.Equal(t, i+1, r.Rank)
		assert.GreaterOrEqual(t, r.OverallScore, 0.0)
		assert.LessOrEqual(t, r.OverallScore, 10.0)
		assert.Len(t, r.Scores, len(types.Criteria))
		if i > 0 {
			assert.GreaterOrEqual(t, out.Ranked[i-1].OverallScore, r.OverallScore)
		}
	}

	assert.Equal(t, 0.95, out.Ranked[0].Scores[types.CriterionCredibility])
	assert.Contains(t, out.Ranked[0].RankExplanation, "strongly supported by 4 pieces of evidence")
	assert.Contains(t, out.Ranked[0].RankExplanation, "assessed as highly credible by LLM")

	for _, r := range out.Ranked {
		switch r.ID {
		case "h1":
			assert.Equal(t, 0.2, r.Scores[types.CriterionCredibility])
		case "h3":
			assert.Equal(t, 0.5, r.Scores[types.CriterionCredibility])
			assert.Equal(t, 0.5, r.Scores[types.CriterionCoherence])
		}
	}

	calls := oracle.CallsFor(Operation)
	require.Len(t, calls, 3)
	assert.Equal(t, 0.2, calls[0].Temperature)
	assert.Contains(t, calls[0].Prompt, "Source 1: Solar")
}

func TestStableTies(t *testing.T) {
	s := newStage(t, perceptiontest.New(), nil)
	hyps := []types.Hypothesis{
		{ID: "a", Statement: "same words here"},
		{ID: "b", Statement: "same words here"},
		{ID: "c", Statement: "same words here"},
	}
	out := s.Run(context.Background(), Input{SessionID: "s", Cycle: 1, Query: "q", Hypotheses: hyps})
	require.Len(t, out.Ranked, 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, id, out.Ranked[i].ID)
		assert.Equal(t, i+1, out.Ranked[i].Rank)
	}
}

func TestFallbackOnPanic(t *testing.T) {
	oracle := perception.OracleFunc(func(context.Context, string, float64) (string, error) {
		panic("credibility exploded")
	})
	s := newStage(t, oracle, nil)
	hyps := []types.Hypothesis{{ID: "x", Statement: "first"}, {ID: "y", Statement: "second"}}

	out := s.Run(context.Background(), Input{SessionID: "s", Cycle: 1, Query: "q", Hypotheses: hyps})
	assert.True(t, out.Fallback)
	require.Len(t, out.Ranked, 2)
	for i, r := range out.Ranked {
		assert.Equal(t, hyps[i].ID, r.ID)
		assert.Equal(t, i+1, r.Rank)
		assert.Equal(t, 5.0, r.OverallScore)
		assert.Equal(t, 0.5, r.Scores[types.CriterionNovelty])
		assert.Equal(t, "Fallback ranking due to processing error", r.RankExplanation)
	}
}

func TestFallbackOnMissingQuery(t *testing.T) {
	s := newStage(t, perceptiontest.New(), nil)
	out := s.Run(context.Background(), Input{SessionID: "s", Cycle: 1, Hypotheses: []types.Hypothesis{{ID: "x", Statement: "first"}}})
	assert.True(t, out.Fallback)
	assert.Equal(t, 5.0, out.Ranked[0].OverallScore)
}

func TestPersistReusesPriorItem(t *testing.T) {
	rec := storetest.New()
	s := newStage(t, perceptiontest.New(), rec)
	in := Input{SessionID: "s", Cycle: 1, Query: "q", Hypotheses: []types.Hypothesis{{ID: "x", Statement: "first"}}}

	first := s.Run(context.Background(), in)
	assert.Zero(t, first.PriorRankings)
	writes := rec.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "create", writes[0].Op)
	assert.Equal(t, itemType, writes[0].Item.Type)
	assert.Equal(t, 1.0, writes[0].Item.Relevance)
	assert.Equal(t, "x", writes[0].Item.Relationships["top_hypothesis"])

	in.Cycle = 2
	second := s.Run(context.Background(), in)
	assert.Equal(t, 1, second.PriorRankings)
	writes = rec.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, "update", writes[1].Op)
	assert.Equal(t, writes[0].ItemID, writes[1].ItemID)

	assert.Len(t, rec.SessionItems(context.Background(), "s", itemType), 1)
	assert.Empty(t, rec.SessionItems(context.Background(), "other", itemType))
}

func TestExplain(t *testing.T) {
	scores := map[types.Criterion]float64{
		types.CriterionCoherence:   0.6,
		types.CriterionRelevance:   0.2,
		types.CriterionCredibility: 0.1,
	}
	refl := types.ReflectionResult{Contradictions: []types.Contradiction{{Contradiction: "c"}}}
	assert.Equal(t,
		"The hypothesis is somewhat coherent. lacks supporting evidence. has 1 contradicting points. "+
			"not very relevant to the query. assessed as potentially unreliable by LLM.",
		Explain(scores, refl))
}
