package reflection

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"secondmind/internal/perception"
	"secondmind/internal/perception/perceptiontest"
	"secondmind/internal/store"
	"secondmind/internal/store/storetest"
	"secondmind/internal/types"
)

var evidence = []types.EvidenceItem{{
	Source:  "https://q.example",
	Title:   "Quantum outlook",
	Content: "Quantum hardware is improving quickly. Experts say it will not replace classical machines. Short.",
}}

func hypotheses() []types.Hypothesis {
	return []types.Hypothesis{
		{ID: "s-c1-hyp-1", Statement: "Quantum hardware will replace classical machines", Confidence: 0.8},
		{ID: "s-c1-hyp-2", Statement: "Prices always increase and never decrease", Confidence: 0.6},
		{ID: "s-c1-hyp-3", Statement: "Cooling dominates cost", Confidence: 0.5},
	}
}

func TestOneReflectionPerHypothesisInOrder(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	oracle := perceptiontest.New().On(Operation,
		perceptiontest.Reply{Text: `{"is_coherent": true, "coherence_score": 1.4, "has_supporting_evidence": true,
			"supporting_facts": [{"fact": "Chips improve", "source": "u"}, "bad"],
			"contradictions": "none", "comments": ["ok"]}`},
		perceptiontest.Reply{Text: "no json here"},
		perceptiontest.Reply{Err: errors.New("quota exceeded")},
	)
	s := New(oracle, storetest.New(), zap.New(core))

	out := s.Run(context.Background(), Input{SessionID: "s", Cycle: 1, Query: "quantum", Hypotheses: hypotheses(), Evidence: evidence})
	require.Len(t, out.Reflections, 3)
	for i, h := range hypotheses() {
		r := out.Reflections[i]
		assert.Equal(t, h.ID, r.HypothesisID)
		assert.GreaterOrEqual(t, r.CoherenceScore, 0.0)
		assert.LessOrEqual(t, r.CoherenceScore, 1.0)
	}

	first := out.Reflections[0]
	assert.Equal(t, 1.0, first.CoherenceScore)
	assert.Equal(t, []types.Fact{{Fact: "Chips improve", Source: "u"}}, first.SupportingFacts)
	assert.Empty(t, first.Contradictions)
	assert.Equal(t, []string{"ok"}, first.Comments)

	second := out.Reflections[1]
	assert.False(t, second.IsCoherent)
	assert.Equal(t, 0.4, second.CoherenceScore)

	assert.Equal(t, 2, out.Degraded)
	assert.Equal(t, []string{"s-c1-hyp-2", "s-c1-hyp-3"}, out.HypothesesToImprove)
	assert.NotZero(t, logs.FilterMessage("coercing field to empty list").Len())

	calls := oracle.CallsFor(Operation)
	require.Len(t, calls, 3)
	assert.Equal(t, 0.2, calls[0].Temperature)
	assert.Contains(t, calls[0].Prompt, "HYPOTHESIS: Quantum hardware will replace classical machines")
}

func TestMissingFieldsTakeDefaults(t *testing.T) {
	r, err := parse(`{"is_coherent": true}`, "h", zap.NewNop())
	require.NoError(t, err)
	assert.True(t, r.IsCoherent)
	assert.Equal(t, 0.5, r.CoherenceScore)
	assert.False(t, r.HasSupportingEvidence)

	r = r.Normalize()
	assert.NotNil(t, r.SupportingFacts)
	assert.NotNil(t, r.Contradictions)
	assert.NotNil(t, r.Comments)
}

func TestRuleBased(t *testing.T) {
	r := RuleBased(hypotheses()[0], evidence)
	assert.True(t, r.IsCoherent)
	assert.Equal(t, 0.8, r.CoherenceScore)
	assert.True(t, r.HasSupportingEvidence)
	assert.Equal(t, []types.Fact{
		{Fact: "Quantum hardware is improving quickly", Source: "https://q.example"},
		{Fact: "Experts say it will not replace classical machines", Source: "https://q.example"},
	}, r.SupportingFacts)
	require.Len(t, r.Contradictions, 1)
	assert.Equal(t, "Experts say it will not replace classical machines", r.Contradictions[0].Contradiction)
	assert.Equal(t, []string{"The hypothesis has contradicting evidence that should be addressed."}, r.Comments)

	unsupported := RuleBased(types.Hypothesis{ID: "x", Statement: "Bananas ripen faster together"}, evidence)
	assert.False(t, unsupported.HasSupportingEvidence)
	assert.Contains(t, unsupported.Comments, "The hypothesis lacks supporting evidence from the web data.")
}

func TestRuleBasedCaps(t *testing.T) {
	content := ""
	for i := 0; i < 10; i++ {
		content += "Solar output does not scale past noon in winter months. "
		content += string(rune('a'+i)) + " solar panels keep improving every single year. "
	}
	docs := []types.EvidenceItem{}
	for i := 0; i < 4; i++ {
		docs = append(docs, types.EvidenceItem{Source: string(rune('A' + i)), Content: content})
	}
	r := RuleBased(types.Hypothesis{ID: "x", Statement: "Solar output will scale with panels"}, docs)
	assert.LessOrEqual(t, len(r.SupportingFacts), maxFacts)
	assert.LessOrEqual(t, len(r.Contradictions), maxConflicts)
}

func TestCoherent(t *testing.T) {
	assert.False(t, Coherent("too short"))
	assert.False(t, Coherent("Prices always rise and never fall"))
	assert.True(t, Coherent("Costs increase more than they decrease"))
	assert.True(t, Coherent("Small models generalize well overall"))
	long := make([]byte, 501)
	for i := range long {
		long[i] = 'a'
	}
	assert.False(t, Coherent(string(long)))
}

func TestPanicYieldsNeutral(t *testing.T) {
	var calls int32
	oracle := perception.OracleFunc(func(context.Context, string, float64) (string, error) {
		if atomic.AddInt32(&calls, 1) == 2 {
			panic("oracle exploded")
		}
		return "", nil
	})
	s := New(oracle, nil, nil)

	out := s.Run(context.Background(), Input{SessionID: "s", Cycle: 1, Query: "q", Hypotheses: hypotheses(), Evidence: evidence})
	require.Len(t, out.Reflections, 3)
	neutral := out.Reflections[1]
	assert.Equal(t, "s-c1-hyp-2", neutral.HypothesisID)
	assert.True(t, neutral.IsCoherent)
	assert.Equal(t, 0.5, neutral.CoherenceScore)
	assert.False(t, neutral.HasSupportingEvidence)
	assert.Equal(t, []string{"Failed to complete reflection"}, neutral.Comments)
	assert.Equal(t, 3, out.Degraded)
}

func historyRecord(id, statement string) store.Record {
	return store.Record{ID: id, Type: itemType, Data: map[string]any{
		"hypothesis_statement": statement,
		"query":                "quantum",
		"reflection": map[string]any{
			"comments":         []any{"c1", "c2", "c3"},
			"supporting_facts": []any{map[string]any{}, map[string]any{}},
			"contradictions":   []any{map[string]any{}},
		},
	}}
}

func TestHistoryFromSession(t *testing.T) {
	rec := storetest.New()
	rec.Seed("s", historyRecord("r1", "First idea"))
	rec.Seed("s", historyRecord("r2", "Middle idea"))
	rec.Seed("s", historyRecord("r3", "Latest idea"))
	oracle := perceptiontest.New()
	s := New(oracle, rec, nil)

	s.Run(context.Background(), Input{SessionID: "s", Cycle: 2, Query: "quantum", Hypotheses: hypotheses()[:1], Evidence: evidence})
	prompt := oracle.CallsFor(Operation)[0].Prompt
	assert.Contains(t, prompt, "HISTORICAL HYPOTHESIS 1: Latest idea")
	assert.Contains(t, prompt, "HISTORICAL HYPOTHESIS 2: Middle idea")
	assert.NotContains(t, prompt, "First idea")
	assert.Contains(t, prompt, "INSIGHTS: c1; c2\n")
	assert.Contains(t, prompt, "EVIDENCE: 2 supporting facts, 1 contradictions")
}

func TestHistoryFallsBackToSearch(t *testing.T) {
	rec := storetest.New()
	rec.Seed("other-session", historyRecord("r1", "Shared idea"))
	oracle := perceptiontest.New()
	s := New(oracle, rec, nil)

	s.Run(context.Background(), Input{SessionID: "s", Cycle: 1, Query: "quantum", Hypotheses: hypotheses()[:1]})
	assert.Contains(t, oracle.CallsFor(Operation)[0].Prompt, "HISTORICAL HYPOTHESIS 1: Shared idea")
}

func TestPersistence(t *testing.T) {
	rec := storetest.New()
	s := New(perceptiontest.New(), rec, nil)
	out := s.Run(context.Background(), Input{SessionID: "s", Cycle: 1, Query: "quantum", Hypotheses: hypotheses(), Evidence: evidence})

	writes := rec.OfType(itemType)
	require.Len(t, writes, 3)
	for i, w := range writes {
		assert.Equal(t, out.Reflections[i].CoherenceScore, w.Item.Relevance)
		assert.Equal(t, out.Reflections[i].HypothesisID, w.Item.Relationships["hypothesis"])
		assert.Equal(t, "quantum", w.Item.Relationships["query"])
	}
}
