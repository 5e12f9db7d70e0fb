package ranking

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"secondmind/internal/perception"
	"secondmind/internal/recovery"
	"secondmind/internal/textual"
	"secondmind/internal/types"
)

var specificityIndicators = []string{
	"specific", "precisely", "exactly", "particularly",
	"uniquely", "distinct", "specialized", "detailed",
}

// Scores computes every criterion except credibility, which needs the oracle.
func Scores(statement, query string, refl types.ReflectionResult, evidence []types.EvidenceItem) map[types.Criterion]float64 {
	return map[types.Criterion]float64{
		types.CriterionCoherence:   types.Clamp01(refl.CoherenceScore),
		types.CriterionEvidence:    Evidence(len(refl.SupportingFacts), len(refl.Contradictions)),
		types.CriterionRelevance:   Relevance(statement, query, evidence),
		types.CriterionSpecificity: Specificity(statement),
		types.CriterionNovelty:     Novelty(statement, evidence),
	}
}

// Evidence rewards supporting facts and penalizes contradictions, with a
// floor of 0.1.
func Evidence(facts, contradictions int) float64 {
	v := min(1.0, 0.2*float64(facts)) - min(0.5, 0.2*float64(contradictions))
	return types.Clamp(v, 0.1, 1)
}

// Relevance mixes direct word overlap with the query and coverage of the
// query terms that the evidence also mentions.
func Relevance(statement, query string, evidence []types.EvidenceItem) float64 {
	queryWords := textual.WordSet(query)
	overlap := float64(textual.Overlap(textual.WordSet(statement), queryWords)) / float64(max(1, len(queryWords)))

	lowStatement := strings.ToLower(statement)
	relevant, covered := 0, 0
	for _, term := range uniqueFields(query) {
		if len(term) <= 3 || !mentioned(term, evidence) {
			continue
		}
		relevant++
		if strings.Contains(lowStatement, term) {
			covered++
		}
	}
	coverage := 0.0
	if relevant > 0 {
		coverage = float64(covered) / float64(relevant)
	}
	return types.Clamp01(0.4*overlap + 0.6*coverage)
}

func uniqueFields(s string) []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range textual.Fields(s) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

func mentioned(term string, evidence []types.EvidenceItem) bool {
	for _, e := range evidence {
		if strings.Contains(strings.ToLower(e.Content), term) {
			return true
		}
	}
	return false
}

// Specificity favors longer statements, numbers, and precise wording.
func Specificity(statement string) float64 {
	length := min(1.0, float64(len(statement))/100)
	number := 0.0
	if textual.HasDigit(statement) {
		number = 0.2
	}
	low := strings.ToLower(statement)
	indicators := 0
	for _, w := range specificityIndicators {
		if strings.Contains(low, w) {
			indicators++
		}
	}
	return types.Clamp01(0.5*length + 0.3*number + 0.2*min(1.0, 0.1*float64(indicators)))
}

// Novelty is one minus the mean Jaccard similarity to the evidence, or 0.5
// when there is no evidence.
func Novelty(statement string, evidence []types.EvidenceItem) float64 {
	if len(evidence) == 0 {
		return 0.5
	}
	words := textual.WordSet(statement)
	total := 0.0
	for _, e := range evidence {
		total += textual.Jaccard(words, textual.WordSet(e.Content))
	}
	return types.Clamp01(1 - total/float64(len(evidence)))
}

// credibility asks the oracle for a single score. Anything but a number
// yields 0.5.
func (s *Stage) credibility(ctx context.Context, statement, query string, evidence []types.EvidenceItem) float64 {
	text, err := perception.Ask(perception.WithOperation(ctx, Operation), s.oracle, credibilityPrompt(statement, query, evidence), 0.2)
	if err != nil {
		s.logger.Debug("credibility unavailable", zap.Error(err))
		return 0.5
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(recovery.StripFences(text)), 64)
	if err != nil {
		s.logger.Warn("could not parse credibility score", zap.String("response", textual.Truncate(text, 80)))
		return 0.5
	}
	return types.Clamp01(score)
}

func credibilityPrompt(statement, query string, evidence []types.EvidenceItem) string {
	var web strings.Builder
	for i, e := range evidence {
		if i == 3 {
			break
		}
		title := e.Title
		if title == "" {
			title = "Untitled"
		}
		fmt.Fprintf(&web, "Source %d: %s\n%s\n\n", i+1, title, textual.Truncate(e.Content, 500))
	}
	return fmt.Sprintf(`Task: Evaluate the credibility and accuracy of the following statement in response to a query.

Query: %s

Statement to evaluate: %q

Web data context:
%s
Please evaluate the credibility of the statement based on:
1. Factual accuracy (compared to web data)
2. Logical consistency
3. Alignment with authoritative sources
4. Presence of verifiable claims

Return a single score between 0.0 and 1.0, where:
- 0.0 = Completely unreliable/not credible
- 1.0 = Highly credible/reliable

Only provide the numerical score without any explanation.`, query, statement, web.String())
}

// Explain renders the threshold phrases for coherence, evidence, relevance,
// and credibility as one sentence-cased paragraph.
func Explain(scores map[types.Criterion]float64, refl types.ReflectionResult) string {
	var parts []string

	switch c := scores[types.CriterionCoherence]; {
	case c >= 0.8:
		parts = append(parts, "The hypothesis is logically coherent")
	case c >= 0.5:
		parts = append(parts, "The hypothesis is somewhat coherent")
	default:
		parts = append(parts, "The hypothesis lacks logical coherence")
	}

	switch n := len(refl.SupportingFacts); {
	case n > 3:
		parts = append(parts, fmt.Sprintf("strongly supported by %d pieces of evidence", n))
	case n > 0:
		parts = append(parts, fmt.Sprintf("supported by %d pieces of evidence", n))
	default:
		parts = append(parts, "lacks supporting evidence")
	}
	if n := len(refl.Contradictions); n > 0 {
		parts = append(parts, fmt.Sprintf("has %d contradicting points", n))
	}

	switch r := scores[types.CriterionRelevance]; {
	case r >= 0.8:
		parts = append(parts, "highly relevant to the query")
	case r >= 0.5:
		parts = append(parts, "moderately relevant to the query")
	default:
		parts = append(parts, "not very relevant to the query")
	}

	switch c := scores[types.CriterionCredibility]; {
	case c >= 0.8:
		parts = append(parts, "assessed as highly credible by LLM")
	case c >= 0.6:
		parts = append(parts, "assessed as credible by LLM")
	case c >= 0.4:
		parts = append(parts, "has mixed credibility according to LLM")
	default:
		parts = append(parts, "assessed as potentially unreliable by LLM")
	}

	return strings.Join(parts, ". ") + "."
}
