package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"secondmind/internal/perception"
	"secondmind/internal/perception/perceptiontest"
	"secondmind/internal/store/storetest"
	"secondmind/internal/types"
)

func evidence() []types.EvidenceItem {
	return []types.EvidenceItem{
		{Source: "https://a.example", Title: "Quantum Computing Advances", Content: "Quantum chips are improving rapidly. Error correction remains hard."},
		{Source: "https://b.example", Title: "Cooling", Content: "Cryogenic cooling is expensive."},
	}
}

func newStage(t *testing.T, o perception.Oracle) (*Stage, *storetest.Recorder) {
	rec := storetest.New()
	return New(o, rec, Config{MinHypotheses: 3, MaxHypotheses: 5}, zaptest.NewLogger(t)), rec
}

func assertValidSet(t *testing.T, hyps []types.Hypothesis) {
	t.Helper()
	require.GreaterOrEqual(t, len(hyps), 3)
	require.LessOrEqual(t, len(hyps), 5)
	seen := map[string]bool{}
	for _, h := range hyps {
		assert.NotEmpty(t, h.Statement)
		assert.GreaterOrEqual(t, h.Confidence, 0.0)
		assert.LessOrEqual(t, h.Confidence, 1.0)
		assert.False(t, seen[h.ID], "duplicate id %s", h.ID)
		seen[h.ID] = true
		assert.NoError(t, h.Validate())
	}
}

func TestDefaultSetWithoutEvidenceOrOracle(t *testing.T) {
	s, _ := newStage(t, perceptiontest.New())
	out := s.Run(context.Background(), Input{SessionID: "s1", Cycle: 1, Query: "future of computing"})

	assert.Equal(t, MethodDefault, out.Method)
	require.Len(t, out.Hypotheses, 3)
	assert.Equal(t, []float64{0.8, 0.75, 0.7}, []float64{
		out.Hypotheses[0].Confidence, out.Hypotheses[1].Confidence, out.Hypotheses[2].Confidence,
	})
	for i, h := range out.Hypotheses {
		assert.Equal(t, fmt.Sprintf("s1-c1-hyp-%d", i+1), h.ID)
		assert.Contains(t, h.Statement, "future of computing")
		assert.Empty(t, h.Sources)
	}
}

func TestOracleResponseParsedAndToppedUp(t *testing.T) {
	oracle := perceptiontest.New().Text(Operation, "```json\n"+`[
		{"statement": "Quantum chips are improving rapidly", "confidence": 1.7, "rationale": "trend"},
		{"statement": "Cooling costs dominate", "confidence": "0.6"},
		{"rationale": "no statement"}
	]`+"\n```")
	s, _ := newStage(t, oracle)

	out := s.Run(context.Background(), Input{SessionID: "s1", Cycle: 2, Query: "quantum", Evidence: evidence()})
	assert.Equal(t, MethodOracle, out.Method)
	assertValidSet(t, out.Hypotheses)
	require.Len(t, out.Hypotheses, 3)

	first := out.Hypotheses[0]
	assert.Equal(t, "s1-c2-hyp-1", first.ID)
	assert.Equal(t, 1.0, first.Confidence)
	assert.Equal(t, []int{0}, first.Sources)
	assert.Equal(t, []string{"https://a.example"}, first.SourceURLs)
	assert.Equal(t, 0.6, out.Hypotheses[1].Confidence)
	assert.Empty(t, out.Hypotheses[1].Sources)
	assert.Equal(t, "s1-c2-hyp-3", out.Hypotheses[2].ID)

	calls := oracle.CallsFor(Operation)
	require.Len(t, calls, 1)
	assert.Equal(t, 0.7, calls[0].Temperature)
	assert.Contains(t, calls[0].Prompt, "QUERY: quantum")
	assert.Contains(t, calls[0].Prompt, "Source 1: Quantum Computing Advances")
}

func TestOracleResponseCappedAtMaximum(t *testing.T) {
	var items []string
	for i := 0; i < 7; i++ {
		items = append(items, fmt.Sprintf(`{"statement": "Hypothesis %d", "confidence": 0.5}`, i))
	}
	s, _ := newStage(t, perceptiontest.New().Text(Operation, "["+strings.Join(items, ",")+"]"))

	out := s.Run(context.Background(), Input{SessionID: "s", Cycle: 1, Query: "q"})
	assert.Len(t, out.Hypotheses, 5)
}

func TestOracleResponseWrappedInObject(t *testing.T) {
	s, _ := newStage(t, perceptiontest.New().Text(Operation, `{"hypotheses": [
		{"statement": "Hypothesis A", "confidence": 0.7},
		{"statement": "Hypothesis B", "confidence": 0.6},
		{"statement": "Hypothesis C", "confidence": 0.5}
	]}`))

	out := s.Run(context.Background(), Input{SessionID: "s", Cycle: 1, Query: "q"})
	assert.Equal(t, MethodOracle, out.Method)
	require.Len(t, out.Hypotheses, 3)
	assert.Equal(t, "Hypothesis C", out.Hypotheses[2].Statement)
}

func TestHeuristicFallbackOnGarbledResponse(t *testing.T) {
	s, _ := newStage(t, perceptiontest.New().Text(Operation, "I cannot help with that"))

	out := s.Run(context.Background(), Input{SessionID: "s", Cycle: 1, Query: "quantum computing", Evidence: evidence()})
	assert.Equal(t, MethodHeuristic, out.Method)
	assert.True(t, out.Degraded())
	assertValidSet(t, out.Hypotheses)

	first := out.Hypotheses[0]
	assert.Equal(t, "Quantum is a significant factor in quantum computing", first.Statement)
	assert.Equal(t, []int{0}, first.Sources)
	for _, h := range out.Hypotheses {
		assert.GreaterOrEqual(t, h.Confidence, 0.5)
		assert.LessOrEqual(t, h.Confidence, 0.9)
		assert.Equal(t, "This concept appears frequently in relevant sources", h.Rationale)
	}
}

func TestConcepts(t *testing.T) {
	got := concepts([]types.EvidenceItem{{Title: "The (Future) of Computing", Content: "silicon photonics, rapidly advancing"}})
	assert.Equal(t, []string{"Future", "Computing", "Silicon Photonics", "Photonics, Rapidly", "Rapidly Advancing"}, got)
}

func TestLinkConceptDefaults(t *testing.T) {
	sources, _ := linkConcept("absent", evidence())
	assert.Equal(t, []int{0, 1}, sources)
	sources, _ = linkConcept("absent", evidence()[:1])
	assert.Equal(t, []int{0}, sources)
}

func TestConceptConfidenceDeterministic(t *testing.T) {
	assert.Equal(t, conceptConfidence("Quantum", 0), conceptConfidence("Quantum", 0))
}

func TestSeedsSkipOracle(t *testing.T) {
	oracle := perceptiontest.New()
	s, _ := newStage(t, oracle)
	seeds := []types.Hypothesis{
		{ID: "s-c1-hyp-1-evolved-1", ParentID: "s-c1-hyp-1", Statement: "Quantum chips are improving rapidly", Confidence: 0.9, EvolutionCycle: 1},
		{ID: "s-c1-hyp-2", Statement: "b", Confidence: 0.5},
		{ID: "s-c1-hyp-3", Statement: "c", Confidence: 0.5, ContextItemID: "old"},
	}

	out := s.Run(context.Background(), Input{SessionID: "s", Cycle: 2, Query: "q", Evidence: evidence(), Seeds: seeds})
	assert.Equal(t, MethodSeeds, out.Method)
	assert.Empty(t, oracle.Calls())
	require.Len(t, out.Hypotheses, 3)
	assert.Equal(t, "s-c1-hyp-1-evolved-1", out.Hypotheses[0].ID)
	assert.Equal(t, []int{0}, out.Hypotheses[0].Sources)
	assert.NotEqual(t, "old", out.Hypotheses[2].ContextItemID)
}

func TestMissingQueryYieldsDefaults(t *testing.T) {
	s, _ := newStage(t, perceptiontest.New())
	out := s.Run(context.Background(), Input{SessionID: "s", Cycle: 1, Query: "  "})
	assert.Equal(t, MethodDefault, out.Method)
	assert.Len(t, out.Hypotheses, 3)
}

func TestOraclePanicContained(t *testing.T) {
	s, _ := newStage(t, perception.OracleFunc(func(context.Context, string, float64) (string, error) {
		panic("boom")
	}))
	out := s.Run(context.Background(), Input{SessionID: "s", Cycle: 1, Query: "q", Evidence: evidence()})
	assert.Equal(t, MethodDefault, out.Method)
	assertValidSet(t, out.Hypotheses)
}

func TestOracleErrorUsesHeuristic(t *testing.T) {
	s, _ := newStage(t, perceptiontest.New().On(Operation, perceptiontest.Reply{Err: errors.New("quota")}))
	out := s.Run(context.Background(), Input{SessionID: "s", Cycle: 1, Query: "q", Evidence: evidence()})
	assert.Equal(t, MethodHeuristic, out.Method)
}

func TestPersistence(t *testing.T) {
	s, rec := newStage(t, perceptiontest.New())
	out := s.Run(context.Background(), Input{SessionID: "s", Cycle: 1, Query: "q", Evidence: evidence()})

	webData := rec.OfType("web_data")
	require.Len(t, webData, 2)
	assert.Equal(t, 0.8, webData[0].Item.Relevance)
	assert.Equal(t, "s", webData[0].Item.SessionID)

	hyps := rec.OfType("hypothesis")
	require.Len(t, hyps, len(out.Hypotheses))
	for i, w := range hyps {
		assert.Equal(t, out.Hypotheses[i].Confidence, w.Item.Relevance)
		assert.Equal(t, w.ItemID, out.Hypotheses[i].ContextItemID)
	}
	assert.Equal(t, "https://a.example", hyps[0].Item.Relationships["source_0"])

	summary := rec.OfType("generation_summary")
	require.Len(t, summary, 1)
	assert.Equal(t, 0.9, summary[0].Item.Relevance)
}
