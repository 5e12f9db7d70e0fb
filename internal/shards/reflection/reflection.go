// Package reflection implements the Reflection stage: a coherence and
// evidence critique of each hypothesis.
package reflection

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"secondmind/internal/logging"
	"secondmind/internal/perception"
	"secondmind/internal/recovery"
	"secondmind/internal/store"
	"secondmind/internal/textual"
	"secondmind/internal/types"
)

// Operation is the oracle operation name used by this stage.
const Operation = "reflection"

const (
	temperature    = 0.2
	promptEvidence = 3
	excerptLength  = 500
	historyLimit   = 2
	maxFacts       = 5
	maxConflicts   = 3
	itemType       = "reflection"
)

// Input is what the stage consumes.
type Input struct {
	SessionID  string
	Cycle      int
	Query      string
	Hypotheses []types.Hypothesis
	Evidence   []types.EvidenceItem
}

// Output holds one reflection per input hypothesis, in input order.
type Output struct {
	Reflections []types.ReflectionResult

	// HypothesesToImprove lists ids that are incoherent or unsupported.
	HypothesesToImprove []string

	// Degraded counts reflections produced by a fallback path.
	Degraded int
}

// Stage is the Reflection stage.
type Stage struct {
	oracle perception.Oracle
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

// New creates the stage.
func New(oracle perception.Oracle, st store.Store, logger *zap.Logger) *Stage {
	return &Stage{
		oracle: oracle,
		store:  st,
		logger: logging.For(logger, logging.CategoryReflection),
		now:    time.Now,
	}
}

// Run critiques every hypothesis. A failure on one hypothesis, including a
// panic, yields the neutral reflection for it and does not affect the rest.
func (s *Stage) Run(ctx context.Context, in Input) Output {
	log := logging.Session(s.logger, in.SessionID, in.Cycle)
	history := s.history(ctx, log, in)
	log.Debug("historical reflections loaded", zap.Int("count", len(history)))

	out := Output{
		Reflections:         make([]types.ReflectionResult, 0, len(in.Hypotheses)),
		HypothesesToImprove: []string{},
	}
	for _, h := range in.Hypotheses {
		var r types.ReflectionResult
		var degraded bool
		err := types.Safely(func() error {
			r, degraded = s.reflect(ctx, log, h, in, history)
			return nil
		})
		if err != nil {
			log.Error("reflection failed, using neutral default", zap.String("hypothesis_id", h.ID), zap.Error(err))
			r = types.NeutralReflection(h.ID, "Failed to complete reflection")
			degraded = true
		}
		r.HypothesisID = h.ID
		r = r.Normalize()
		if degraded {
			out.Degraded++
		}

		out.Reflections = append(out.Reflections, r)
		if !r.IsCoherent || !r.HasSupportingEvidence {
			out.HypothesesToImprove = append(out.HypothesesToImprove, h.ID)
		}
		s.persist(ctx, in, h, r)
	}

	log.Info("reflection complete",
		zap.Int("hypotheses", len(in.Hypotheses)),
		zap.Int("to_improve", len(out.HypothesesToImprove)),
		zap.Int("degraded", out.Degraded))
	return out
}

func (s *Stage) reflect(ctx context.Context, log *zap.Logger, h types.Hypothesis, in Input, history []historical) (types.ReflectionResult, bool) {
	prompt := buildPrompt(in.Query, h.Statement, in.Evidence, history)
	text, err := perception.Ask(perception.WithOperation(ctx, Operation), s.oracle, prompt, temperature)
	if err != nil {
		log.Warn("oracle unavailable, using rule-based reflection", zap.String("hypothesis_id", h.ID), zap.Error(err))
		return RuleBased(h, in.Evidence), true
	}

	r, err := parse(text, h.ID, log)
	if err != nil {
		log.Warn("oracle response unparseable, using rule-based reflection",
			zap.String("hypothesis_id", h.ID),
			zap.Error(&types.ParseError{Op: "reflection response", Err: err}))
		return RuleBased(h, in.Evidence), true
	}
	return r, false
}

var reflectionSchema = recovery.Schema{
	Shape: recovery.ShapeObject,
	Fields: []recovery.Field{
		{Name: "is_coherent", Kind: recovery.KindBool, Required: true},
		{Name: "coherence_score", Kind: recovery.KindNumber},
		{Name: "has_supporting_evidence", Kind: recovery.KindBool},
		{Name: "comments", Kind: recovery.KindStringList},
	},
}

// parse recovers a reflection from oracle text. Absent fields take their
// defaults: lists empty, booleans false, score 0.5.
func parse(text, hypothesisID string, log *zap.Logger) (types.ReflectionResult, error) {
	v, err := recovery.Parse(text, reflectionSchema)
	if err != nil {
		return types.ReflectionResult{}, err
	}
	obj, _ := v.(map[string]any)

	r := types.ReflectionResult{HypothesisID: hypothesisID, CoherenceScore: 0.5}
	r.IsCoherent, _ = recovery.Bool(obj, "is_coherent")
	r.HasSupportingEvidence, _ = recovery.Bool(obj, "has_supporting_evidence")
	if score, ok := recovery.Number(obj, "coherence_score"); ok {
		r.CoherenceScore = score
	}
	r.Comments, _ = recovery.Strings(obj, "comments")

	for _, o := range objects(obj, "supporting_facts", log) {
		fact, _ := recovery.String(o, "fact")
		if fact = strings.TrimSpace(fact); fact != "" {
			src, _ := recovery.String(o, "source")
			r.SupportingFacts = append(r.SupportingFacts, types.Fact{Fact: fact, Source: src})
		}
	}
	for _, o := range objects(obj, "contradictions", log) {
		c, _ := recovery.String(o, "contradiction")
		if c = strings.TrimSpace(c); c != "" {
			src, _ := recovery.String(o, "source")
			r.Contradictions = append(r.Contradictions, types.Contradiction{Contradiction: c, Source: src})
		}
	}
	return r, nil
}

// objects reads a list of objects, coercing unexpected shapes to empty.
func objects(obj map[string]any, key string, log *zap.Logger) []map[string]any {
	raw, present := obj[key]
	if !present || raw == nil {
		return nil
	}
	objs, skipped, ok := recovery.Objects(obj, key)
	if !ok {
		log.Warn("coercing field to empty list",
			zap.Error(&types.IntegrityError{Field: key, Expected: "list", Got: recovery.TypeName(raw)}))
		return nil
	}
	if skipped > 0 {
		log.Warn("dropped malformed entries",
			zap.Error(&types.IntegrityError{Field: key, Expected: "object entries", Got: fmt.Sprintf("%d non-objects", skipped)}))
	}
	return objs
}

// =============================================================================
// HISTORY
// =============================================================================

type historical struct {
	Statement      string
	Comments       []string
	Facts          int
	Contradictions int
}

// history loads up to two earlier reflections: this session's newest, or
// else the best search matches for the query.
func (s *Stage) history(ctx context.Context, log *zap.Logger, in Input) []historical {
	if s.store == nil {
		return nil
	}
	// Session items come back oldest first.
	recs := s.store.SessionItems(ctx, in.SessionID, itemType)
	slices.Reverse(recs)
	if len(recs) == 0 {
		recs = s.store.Search(ctx, in.Query, itemType)
	}

	var out []historical
	for _, rec := range recs {
		if len(out) == historyLimit {
			break
		}
		hist, ok := decodeHistorical(rec.Data)
		if !ok {
			log.Debug("skipping malformed historical reflection", zap.String("item_id", rec.ID))
			continue
		}
		out = append(out, hist)
	}
	return out
}

func decodeHistorical(data map[string]any) (historical, bool) {
	refl, ok := data["reflection"].(map[string]any)
	if !ok {
		return historical{}, false
	}
	h := historical{}
	h.Statement, _ = recovery.String(data, "hypothesis_statement")
	if h.Statement == "" {
		h.Statement = "Unknown hypothesis"
	}
	h.Comments, _ = recovery.Strings(refl, "comments")
	if len(h.Comments) > 2 {
		h.Comments = h.Comments[:2]
	}
	if facts, ok := refl["supporting_facts"].([]any); ok {
		h.Facts = len(facts)
	}
	if c, ok := refl["contradictions"].([]any); ok {
		h.Contradictions = len(c)
	}
	return h, true
}

func (s *Stage) persist(ctx context.Context, in Input, h types.Hypothesis, r types.ReflectionResult) {
	if s.store == nil {
		return
	}
	s.store.Create(ctx, store.Item{
		SessionID: in.SessionID,
		Type:      itemType,
		Data: map[string]any{
			"reflection":           r,
			"hypothesis_statement": h.Statement,
			"hypothesis_id":        h.ID,
			"cycle":                in.Cycle,
			"timestamp":            s.now().UTC().Format(time.RFC3339),
		},
		Relevance: r.CoherenceScore,
		Relationships: map[string]string{
			"hypothesis": h.ID,
			"query":      in.Query,
		},
	})
}

// =============================================================================
// PROMPT
// =============================================================================

func buildPrompt(query, statement string, evidence []types.EvidenceItem, history []historical) string {
	var web strings.Builder
	for i, e := range evidence {
		if i == promptEvidence {
			break
		}
		title := e.Title
		if title == "" {
			title = "Untitled"
		}
		fmt.Fprintf(&web, "\nSOURCE %d: %s\nTITLE: %s\nCONTENT: %s\n", i+1, e.Source, title, textual.Truncate(e.Content, excerptLength))
	}

	var hist strings.Builder
	if len(history) > 0 {
		hist.WriteString("\nHISTORICAL REFLECTIONS:\n")
		for i, h := range history {
			fmt.Fprintf(&hist, "HISTORICAL HYPOTHESIS %d: %s\n", i+1, h.Statement)
			if len(h.Comments) > 0 {
				fmt.Fprintf(&hist, "INSIGHTS: %s\n", strings.Join(h.Comments, "; "))
			}
			fmt.Fprintf(&hist, "EVIDENCE: %d supporting facts, %d contradictions\n", h.Facts, h.Contradictions)
		}
	}

	return fmt.Sprintf(`As a critical thinking assistant, evaluate the following hypothesis against the provided web data.

QUERY: %s

HYPOTHESIS: %s

WEB DATA:
%s
%s
Analyze the hypothesis for:
1. Logical coherence (is it internally consistent and well-formed?)
2. Supporting evidence from the web data
3. Contradicting evidence from the web data
4. Relationship to historical reflections (if provided)

FORMAT YOUR RESPONSE AS JSON with these fields:
- is_coherent: boolean (true/false)
- coherence_score: number between 0-1
- has_supporting_evidence: boolean (true/false)
- supporting_facts: list of objects with "fact" and "source" fields
- contradictions: list of objects with "contradiction" and "source" fields
- comments: list of strings with your analysis`, query, statement, web.String(), hist.String())
}
