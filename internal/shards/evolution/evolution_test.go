package evolution

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secondmind/internal/config"
	"secondmind/internal/evidence"
	"secondmind/internal/store"
	"secondmind/internal/store/storetest"
	"secondmind/internal/types"
)

type stubSource struct {
	content string
	panicOn string
	terms   []string
	fail    bool
}

func (s *stubSource) Search(_ context.Context, query string, count int) ([]evidence.SearchResult, error) {
	if s.panicOn != "" && strings.Contains(query, s.panicOn) {
		panic("search exploded")
	}
	s.terms = append(s.terms, query)
	if s.fail {
		return nil, errors.New("search down")
	}
	return []evidence.SearchResult{{Title: "Hit", URL: "https://e.example/" + query, Snippet: "snippet only"}}, nil
}

func (s *stubSource) Fetch(context.Context, string) (*evidence.Document, error) {
	return &evidence.Document{Title: "Page", Content: s.content}, nil
}

func defaultConfig() Config {
	return ConfigFrom(config.DefaultConfig().Evolution)
}

func ranked(id string, rank int, evidenceScore, overall, confidence float64, statement string) types.RankedHypothesis {
	return types.RankedHypothesis{
		Hypothesis:   types.Hypothesis{ID: id, Statement: statement, Confidence: confidence, Sources: []int{0}},
		Scores:       map[types.Criterion]float64{types.CriterionEvidence: evidenceScore},
		OverallScore: overall,
		Rank:         rank,
	}
}

func TestFutureOfComputingScenario(t *testing.T) {
	src := &stubSource{content: "Quantum computing research shows data processing gains in many labs. Classical processors continue to improve each year."}
	s := New(src, nil, defaultConfig(), nil)

	in := Input{
		SessionID: "s",
		Cycle:     1,
		Query:     "future of computing",
		Ranked: []types.RankedHypothesis{
			ranked("hyp_001", 1, 0.3, 7.2, 0.95, "Quantum computing will transform data processing"),
			ranked("hyp_002", 2, 0.7, 6.0, 0.5, "Classical processors always improve and never stall"),
		},
		Reflections: []types.ReflectionResult{
			{HypothesisID: "hyp_001", IsCoherent: true, CoherenceScore: 0.8, HasSupportingEvidence: false},
			{HypothesisID: "hyp_002", IsCoherent: false, CoherenceScore: 0.4, HasSupportingEvidence: true,
				Contradictions: []types.Contradiction{{Contradiction: "Processors stall", Source: "u"}}},
		},
	}
	out := s.Run(context.Background(), in)

	assert.Equal(t, []string{"hyp_001", "hyp_002"}, out.Selected)
	require.Len(t, out.Hypotheses, 2)
	require.Len(t, out.Details, 2)

	first := out.Hypotheses[0]
	assert.Equal(t, "hyp_001-evolved-1", first.ID)
	assert.Equal(t, "hyp_001", first.ParentID)
	assert.Equal(t, 1.0, first.Confidence)
	assert.Equal(t, 1, first.EvolutionCycle)
	assert.Equal(t, []int{0}, first.Sources)
	assert.NotEqual(t, in.Ranked[0].Statement, first.Statement)
	assert.True(t, hasEvidencePhrase(first.Statement), first.Statement)
	assert.Equal(t, "Evolution based on added supporting evidence", out.Details[0].EvolutionReason)

	second := out.Hypotheses[1]
	assert.Equal(t, "hyp_002-evolved-1", second.ID)
	assert.InDelta(t, 0.6, second.Confidence, 1e-9)
	assert.NotEqual(t, in.Ranked[1].Statement, second.Statement)
	gainedConnector := strings.Contains(second.Statement, "because") || strings.Contains(second.Statement, "which")
	assert.True(t, gainedConnector || len(second.Statement) < len(in.Ranked[1].Statement), second.Statement)
	assert.True(t, strings.HasSuffix(second.Statement, ", although some limitations exist."), second.Statement)
	assert.Equal(t, "Evolution based on improved logical coherence and addressed contradictions", out.Details[1].EvolutionReason)

	assert.Contains(t, src.terms, "evidence quantum computing future")
	assert.Contains(t, src.terms, "research quantum computing future")
	assert.Contains(t, src.terms, "example quantum computing future")
}

func hasEvidencePhrase(s string) bool {
	for _, p := range evidencePhrases {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func TestSelect(t *testing.T) {
	s := New(nil, nil, defaultConfig(), nil)

	assert.Nil(t, s.Select(nil))

	got := s.Select([]types.RankedHypothesis{
		ranked("top", 1, 0.1, 9.5, 0.5, "x"),
		ranked("edge-evidence", 2, 0.6, 5.0, 0.5, "x"),
		ranked("edge-score", 3, 0.9, 8.0, 0.5, "x"),
		ranked("a", 4, 0.7, 7.9, 0.5, "x"),
		ranked("b", 5, 0.8, 3.0, 0.5, "x"),
		ranked("c", 6, 0.9, 2.0, 0.5, "x"),
	})
	assert.Equal(t, []string{"top", "a", "b"}, got)
}

func TestNonSelectedPassThrough(t *testing.T) {
	s := New(nil, nil, defaultConfig(), nil)
	low := ranked("low", 2, 0.2, 4.0, 0.5, "Unchanged statement here")
	out := s.Run(context.Background(), Input{
		SessionID: "s", Cycle: 2, Query: "q",
		Ranked: []types.RankedHypothesis{ranked("top", 1, 0.9, 9.0, 0.5, "Top statement text"), low},
	})
	require.Len(t, out.Hypotheses, 2)
	assert.Equal(t, low.Hypothesis, out.Hypotheses[1])
	assert.Equal(t, "top-evolved-2", out.Hypotheses[0].ID)
}

func TestPanicIsolated(t *testing.T) {
	src := &stubSource{content: "Solar panels improve output. Wind turbines improve output.", panicOn: "solar"}
	s := New(src, nil, defaultConfig(), nil)
	in := Input{
		SessionID: "s", Cycle: 1, Query: "energy",
		Ranked: []types.RankedHypothesis{
			ranked("h1", 1, 0.9, 6.0, 0.5, "Solar panels improve output"),
			ranked("h2", 2, 0.9, 6.0, 0.5, "Turbines improve output"),
		},
	}
	out := s.Run(context.Background(), in)

	assert.Equal(t, 1, out.Failed)
	require.Len(t, out.Hypotheses, 2)
	assert.Equal(t, in.Ranked[0].Hypothesis, out.Hypotheses[0])
	assert.Equal(t, "h2-evolved-1", out.Hypotheses[1].ID)
	require.Len(t, out.Details, 1)
	assert.Equal(t, "h2", out.Details[0].OriginalID)
}

func TestMissingReflectionTreatedAsUnsupported(t *testing.T) {
	src := &stubSource{fail: true}
	s := New(src, nil, defaultConfig(), nil)
	out := s.Run(context.Background(), Input{
		SessionID: "s", Cycle: 1, Query: "q",
		Ranked: []types.RankedHypothesis{ranked("h1", 1, 0.2, 5.0, 0.5, "Something plausible happens")},
	})
	require.Len(t, out.Details, 1)
	assert.Equal(t, "Evolution based on added supporting evidence", out.Details[0].EvolutionReason)
	assert.Len(t, src.terms, 3)
	assert.Equal(t, "Something plausible happens", out.Hypotheses[0].Statement)
}

func TestNoIssuesLaterCycleAddsSpecificity(t *testing.T) {
	s := New(nil, nil, defaultConfig(), nil)
	out := s.Run(context.Background(), Input{
		SessionID: "s", Cycle: 2, Query: "edge inference",
		Ranked: []types.RankedHypothesis{ranked("h1", 1, 0.9, 8.5, 0.5, "Small chips accelerate models.")},
		Reflections: []types.ReflectionResult{
			{HypothesisID: "h1", IsCoherent: true, CoherenceScore: 0.9, HasSupportingEvidence: true},
		},
	})
	st := out.Hypotheses[0].Statement
	assert.True(t, strings.HasPrefix(st, "Small chips accelerate models, "), st)
	assert.True(t, strings.HasSuffix(st, "edge inference."), st)
	assert.Equal(t, "Evolution based on refined with more specific details", out.Details[0].EvolutionReason)
}

func TestImproveCoherence(t *testing.T) {
	long := "Cloud costs rise, storage grows, and teams that adopt serverless platforms early see faster delivery across many product lines over time, sometimes"
	got := ImproveCoherence(long)
	assert.True(t, strings.HasPrefix(got, "and teams that adopt serverless platforms early see faster delivery across many product lines over time, "), got)

	assert.Equal(t, "Costs fall because demand shifts", ImproveCoherence("Costs fall because demand shifts"))
	short := ImproveCoherence("Costs fall")
	assert.True(t, short == "Costs fall because" || short == "Costs fall which", short)
}

func TestSearchTerms(t *testing.T) {
	assert.Equal(t, "evidence batteries degrade electric", SearchTerms("Batteries should degrade", "electric cars")[0])
	assert.Equal(t, "example", SearchTerms("tiny", "")[2])

	terms := SearchTerms("These batteries could degrade slowly", "Electric cars")
	assert.Equal(t, []string{
		"evidence these batteries electric",
		"research these batteries electric",
		"example these batteries electric",
	}, terms)
}

func TestIncorporate(t *testing.T) {
	docs := []types.EvidenceItem{{Content: "Nothing related here at all. Battery chemistry matters for longevity."}}
	assert.Equal(t, "Bananas ripen", Incorporate("Bananas ripen", docs, false))

	got := Incorporate("Battery chemistry drives longevity.", docs, false)
	assert.True(t, hasEvidencePhrase(got), got)
	assert.True(t, strings.HasSuffix(got, "battery chemistry drives longevity."), got)

	assert.Equal(t, "Battery chemistry matters for longevity", BestSentence("battery chemistry", docs))
}

func TestPersistence(t *testing.T) {
	rec := storetest.New()
	rec.Seed("s", store.Record{ID: "parent-item", Type: "hypothesis", Data: map[string]any{"statement": "old"}})
	s := New(nil, rec, defaultConfig(), nil)

	top := ranked("h1", 1, 0.9, 9.0, 0.5, "Stored hypothesis statement")
	top.ContextItemID = "parent-item"
	fresh := ranked("h2", 2, 0.9, 6.0, 0.5, "Unstored hypothesis statement")

	out := s.Run(context.Background(), Input{SessionID: "s", Cycle: 2, Query: "q", Ranked: []types.RankedHypothesis{top, fresh}})
	require.Len(t, out.Hypotheses, 2)

	writes := rec.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, "update", writes[0].Op)
	assert.Equal(t, "parent-item", writes[0].ItemID)
	assert.Equal(t, out.Hypotheses[0].Statement, writes[0].Patch["statement"])
	require.NotNil(t, writes[0].Relevance)
	assert.InDelta(t, 0.88, *writes[0].Relevance, 1e-9)
	assert.Equal(t, "parent-item", out.Hypotheses[0].ContextItemID)

	assert.Equal(t, "create", writes[1].Op)
	assert.Equal(t, itemType, writes[1].Item.Type)
	assert.Equal(t, "h2", writes[1].Item.Relationships["parent"])
	assert.Equal(t, writes[1].ItemID, out.Hypotheses[1].ContextItemID)
}

func TestPersistenceFallsBackWhenParentMissing(t *testing.T) {
	rec := storetest.New()
	rec.MissingOnUpdate = true
	s := New(nil, rec, defaultConfig(), nil)
	top := ranked("h1", 1, 0.9, 9.0, 0.5, "Stored hypothesis statement")
	top.ContextItemID = "gone"

	s.Run(context.Background(), Input{SessionID: "s", Cycle: 1, Query: "q", Ranked: []types.RankedHypothesis{top}})
	writes := rec.OfType(itemType)
	require.Len(t, writes, 1)
	assert.Equal(t, "create", writes[0].Op)
	assert.Equal(t, "h1-evolved-1", writes[0].Item.Data.(map[string]any)["id"])
}
