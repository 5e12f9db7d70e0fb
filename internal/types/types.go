// Package types provides the record types exchanged between pipeline stages.
// Every stage output is an explicit struct; required fields are checked with
// Validate() instead of probing for keys at runtime.
package types

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// =============================================================================
// EVIDENCE
// =============================================================================

// EvidenceItem is a fetched web document summarized into title/content/metadata.
// Items are read-only to the pipeline once collected.
type EvidenceItem struct {
	Source      string            `json:"source" validate:"required"`
	Title       string            `json:"title"`
	Content     string            `json:"content"`
	Type        string            `json:"type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	RetrievedAt time.Time         `json:"retrieved_at"`
}

// Text returns the content or, when the fetch produced none, the title.
func (e EvidenceItem) Text() string {
	if strings.TrimSpace(e.Content) != "" {
		return e.Content
	}
	return e.Title
}

// =============================================================================
// HYPOTHESES
// =============================================================================

// Hypothesis is a candidate explanatory statement with confidence and provenance.
type Hypothesis struct {
	ID             string    `json:"id" validate:"required"`
	ParentID       string    `json:"parent_id,omitempty"`
	Statement      string    `json:"statement" validate:"required"`
	Confidence     float64   `json:"confidence" validate:"gte=0,lte=1"`
	Rationale      string    `json:"rationale"`
	Sources        []int     `json:"sources"`
	SourceURLs     []string  `json:"source_urls,omitempty"`
	EvolutionCycle int       `json:"evolution_cycle" validate:"gte=0"`
	CreatedAt      time.Time `json:"created_at"`

	// ContextItemID is the store item that holds this hypothesis, if written.
	ContextItemID string `json:"context_item_id,omitempty"`
}

// Validate checks required fields and ranges.
func (h Hypothesis) Validate() error {
	if err := validate.Struct(h); err != nil {
		return &ValidationError{Op: "hypothesis", Err: err}
	}
	return nil
}

// IsEvolved reports whether the hypothesis was derived by evolution.
func (h Hypothesis) IsEvolved() bool {
	return h.ParentID != ""
}

// HypothesisID builds a session-namespaced, cycle-stamped id.
func HypothesisID(sessionID string, cycle, n int) string {
	return fmt.Sprintf("%s-c%d-hyp-%d", sessionID, cycle, n)
}

// EvolvedID builds the id of a hypothesis evolved from orig in the given cycle.
func EvolvedID(orig string, cycle int) string {
	return fmt.Sprintf("%s-evolved-%d", orig, cycle)
}

// =============================================================================
// REFLECTION
// =============================================================================

// Fact is a supporting statement found in evidence.
type Fact struct {
	Fact   string `json:"fact"`
	Source string `json:"source"`
}

// Contradiction is an evidence statement that negates part of a hypothesis.
type Contradiction struct {
	Contradiction string `json:"contradiction"`
	Source        string `json:"source"`
}

// ReflectionResult is the coherence/evidence critique of one hypothesis.
type ReflectionResult struct {
	HypothesisID          string          `json:"hypothesis_id" validate:"required"`
	IsCoherent            bool            `json:"is_coherent"`
	CoherenceScore        float64         `json:"coherence_score" validate:"gte=0,lte=1"`
	HasSupportingEvidence bool            `json:"has_supporting_evidence"`
	SupportingFacts       []Fact          `json:"supporting_facts"`
	Contradictions        []Contradiction `json:"contradictions"`
	Comments              []string        `json:"comments"`
}

// NeutralReflection is the default critique used when none could be produced.
func NeutralReflection(hypothesisID string, comments ...string) ReflectionResult {
	return ReflectionResult{
		HypothesisID:    hypothesisID,
		IsCoherent:      true,
		CoherenceScore:  0.5,
		SupportingFacts: []Fact{},
		Contradictions:  []Contradiction{},
		Comments:        append([]string{}, comments...),
	}
}

// Normalize clamps scores and replaces nil slices so downstream stages never
// see missing fields.
func (r ReflectionResult) Normalize() ReflectionResult {
	r.CoherenceScore = Clamp01(r.CoherenceScore)
	if r.SupportingFacts == nil {
		r.SupportingFacts = []Fact{}
	}
	if r.Contradictions == nil {
		r.Contradictions = []Contradiction{}
	}
	if r.Comments == nil {
		r.Comments = []string{}
	}
	return r
}

// =============================================================================
// RANKING
// =============================================================================

// Criterion names a ranking dimension.
type Criterion string

const (
	CriterionCoherence   Criterion = "coherence"
	CriterionEvidence    Criterion = "evidence"
	CriterionRelevance   Criterion = "relevance"
	CriterionSpecificity Criterion = "specificity"
	CriterionNovelty     Criterion = "novelty"
	CriterionCredibility Criterion = "llm_credibility"
)

// Criteria lists every ranking criterion in canonical order.
var Criteria = []Criterion{
	CriterionCoherence,
	CriterionEvidence,
	CriterionRelevance,
	CriterionSpecificity,
	CriterionNovelty,
	CriterionCredibility,
}

// RankedHypothesis is a hypothesis annotated with scores and its rank.
type RankedHypothesis struct {
	Hypothesis
	Scores          map[Criterion]float64 `json:"scores"`
	OverallScore    float64               `json:"overall_score" validate:"gte=0,lte=10"`
	Rank            int                   `json:"rank" validate:"gte=1"`
	RankExplanation string                `json:"rank_explanation"`
}

// =============================================================================
// EVOLUTION
// =============================================================================

// EvolutionDetail explains how one evolved hypothesis was derived.
type EvolutionDetail struct {
	OriginalID        string `json:"original_id"`
	EvolvedID         string `json:"evolved_id"`
	OriginalStatement string `json:"original_statement"`
	EvolvedStatement  string `json:"evolved_statement"`
	EvolutionReason   string `json:"evolution_reason"`
}

// =============================================================================
// HELPERS
// =============================================================================

// Clamp01 clamps v to [0,1]. NaN becomes 0.
func Clamp01(v float64) float64 {
	return Clamp(v, 0, 1)
}

// Clamp clamps v to [lo,hi]. NaN becomes lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Round1 rounds to one decimal place.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}
