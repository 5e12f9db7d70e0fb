package reflection

import (
	"strings"

	"secondmind/internal/textual"
	"secondmind/internal/types"
)

var antonyms = [][2]string{
	{"increase", "decrease"},
	{"always", "never"},
	{"all", "none"},
	{"positive", "negative"},
}

var negations = []string{"not", "cannot", "doesn't", "isn't", "won't", "never"}

// Coherent reports whether a statement passes the rule-based coherence
// check: a length within [10,500] and no antonym pair unless it is framed as
// a comparison.
func Coherent(statement string) bool {
	if len(statement) < 10 || len(statement) > 500 {
		return false
	}
	words := make(map[string]bool)
	for _, w := range textual.Words(statement) {
		words[w] = true
	}
	if words["than"] || words["but"] {
		return true
	}
	for _, pair := range antonyms {
		if words[pair[0]] && words[pair[1]] {
			return false
		}
	}
	return true
}

// RuleBased critiques a hypothesis without the oracle.
func RuleBased(h types.Hypothesis, evidence []types.EvidenceItem) types.ReflectionResult {
	coherent := Coherent(h.Statement)
	score := 0.4
	if coherent {
		score = 0.8
	}

	keywords := textual.Keywords(h.Statement)
	facts := []types.Fact{}
	contradictions := []types.Contradiction{}
	seenFact := map[string]bool{}
	seenConflict := map[string]bool{}

	for _, e := range evidence {
		sentences := textual.Sentences(e.Content)
		lowered := make([]string, len(sentences))
		for i, sent := range sentences {
			lowered[i] = strings.ToLower(sent)
		}

		for _, kw := range keywords {
			for i, low := range lowered {
				if !strings.Contains(low, kw) {
					continue
				}
				if len(sentences[i]) > 10 && !seenFact[e.Source+"\x00"+low] {
					seenFact[e.Source+"\x00"+low] = true
					facts = append(facts, types.Fact{Fact: sentences[i], Source: e.Source})
				}
				break
			}
		}

		for _, neg := range negations {
			for i, low := range lowered {
				if !negates(low, neg, keywords) {
					continue
				}
				if len(sentences[i]) > 10 && !seenConflict[e.Source+"\x00"+low] {
					seenConflict[e.Source+"\x00"+low] = true
					contradictions = append(contradictions, types.Contradiction{Contradiction: sentences[i], Source: e.Source})
				}
				break
			}
		}
	}

	if len(facts) > maxFacts {
		facts = facts[:maxFacts]
	}
	if len(contradictions) > maxConflicts {
		contradictions = contradictions[:maxConflicts]
	}
	supported := len(facts) > 0

	var comments []string
	if !coherent {
		comments = append(comments, "The hypothesis may not be internally coherent.")
	}
	if !supported {
		comments = append(comments, "The hypothesis lacks supporting evidence from the web data.")
	}
	if len(contradictions) > 0 {
		comments = append(comments, "The hypothesis has contradicting evidence that should be addressed.")
	}
	if coherent && supported && len(contradictions) == 0 {
		comments = append(comments, "The hypothesis is well-supported by the web data.")
	}

	return types.ReflectionResult{
		HypothesisID:          h.ID,
		IsCoherent:            coherent,
		CoherenceScore:        score,
		HasSupportingEvidence: supported,
		SupportingFacts:       facts,
		Contradictions:        contradictions,
		Comments:              comments,
	}
}

// negates reports whether sentence holds neg directly followed by a keyword.
func negates(sentence, neg string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(sentence, neg+" "+kw) {
			return true
		}
	}
	return false
}
