package generation

import (
	"fmt"
	"math"
	"strings"

	"secondmind/internal/textual"
	"secondmind/internal/types"
)

func buildPrompt(query string, evidence []types.EvidenceItem) string {
	var sb strings.Builder
	for i, e := range evidence {
		if i == promptEvidence {
			break
		}
		title := e.Title
		if title == "" {
			title = "Untitled"
		}
		fmt.Fprintf(&sb, "\nSource %d: %s\nURL: %s\nContent: %s\n", i+1, title, e.Source, textual.Truncate(e.Content, excerptLength))
	}

	return fmt.Sprintf(`Based on the following query and web data, generate 3-5 well-formed hypotheses.

QUERY: %s
WEB DATA:
%s

FORMAT RESPONSE AS JSON LIST:
[
    {"statement": "Hypothesis A", "confidence": 0.8, "rationale": "Some explanation"},
    {"statement": "Hypothesis B", "confidence": 0.7, "rationale": "Another explanation"}
]

Important: Format the response as a valid JSON array only, without any additional text, explanation or code block markers.`, query, sb.String())
}

// heuristic templates one hypothesis per concept mined from the evidence.
func (s *Stage) heuristic(in Input) []types.Hypothesis {
	topic := topicOf(in.Query)
	now := s.now()

	var hyps []types.Hypothesis
	for i, concept := range concepts(in.Evidence) {
		if i == s.cfg.MaxHypotheses {
			break
		}
		sources, urls := linkConcept(concept, in.Evidence)
		hyps = append(hyps, types.Hypothesis{
			ID:         types.HypothesisID(in.SessionID, in.Cycle, i+1),
			Statement:  fmt.Sprintf("%s is a significant factor in %s", concept, topic),
			Confidence: conceptConfidence(concept, i),
			Rationale:  "This concept appears frequently in relevant sources",
			Sources:    sources,
			SourceURLs: urls,
			CreatedAt:  now,
		})
	}
	if len(hyps) < s.cfg.MinHypotheses {
		hyps = s.topUp(hyps, in)
	}
	return hyps
}

// concepts returns title words longer than four characters, title-cased, and
// body bigrams longer than ten characters, in order of first appearance.
func concepts(evidence []types.EvidenceItem) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(c string) {
		c = strings.TrimSpace(c)
		if c == "" || seen[strings.ToLower(c)] {
			return
		}
		seen[strings.ToLower(c)] = true
		out = append(out, c)
	}

	for _, e := range evidence {
		for _, w := range strings.Fields(e.Title) {
			if len(w) > 4 {
				add(textual.TitleCase(textual.StripPunct(w)))
			}
		}
	}
	for _, e := range evidence {
		words := strings.Fields(e.Content)
		for i := 0; i+1 < len(words); i++ {
			bigram := words[i] + " " + words[i+1]
			if len(bigram) > 10 {
				add(textual.TitleCase(textual.StripPunct(bigram)))
			}
		}
	}
	return out
}

// linkConcept links a concept to the evidence that mentions it. A concept that
// matches nothing points at the first one or two items.
func linkConcept(concept string, evidence []types.EvidenceItem) ([]int, []string) {
	needle := strings.ToLower(concept)
	var sources []int
	var urls []string
	for i, e := range evidence {
		if strings.Contains(strings.ToLower(e.Content), needle) {
			sources = append(sources, i)
			urls = append(urls, e.Source)
			if len(sources) == maxSourceLinks {
				break
			}
		}
	}
	if len(sources) == 0 {
		if len(evidence) >= 2 {
			return []int{0, 1}, nil
		}
		return []int{0}, nil
	}
	return sources, urls
}

// conceptConfidence spreads confidence over [0.5, 0.9] as a pure function of
// the concept and its position.
func conceptConfidence(concept string, i int) float64 {
	h := 0
	for _, r := range concept {
		h = (h*31 + int(r)) % 1000
	}
	v := 0.5 + float64((h+i*17)%41)/100
	return math.Round(v*100) / 100
}

func topicOf(query string) string {
	q := strings.TrimSpace(query)
	if q == "" {
		return "the topic"
	}
	return q
}

// defaults is the fixed set returned when there is nothing to work from.
func (s *Stage) defaults(sessionID string, cycle int, query string, evidenceCount int) []types.Hypothesis {
	topic := topicOf(query)
	now := s.now()
	sources := func(ids ...int) []int {
		out := []int{}
		for _, id := range ids {
			if id < evidenceCount {
				out = append(out, id)
			}
		}
		return out
	}
	return []types.Hypothesis{
		{
			ID:         types.HypothesisID(sessionID, cycle, 1),
			Statement:  fmt.Sprintf("Recent technological advances are the primary driver of change in %s", topic),
			Confidence: 0.8,
			Rationale:  "Technology shifts tend to dominate near-term outcomes",
			Sources:    sources(0, 1),
			CreatedAt:  now,
		},
		{
			ID:         types.HypothesisID(sessionID, cycle, 2),
			Statement:  fmt.Sprintf("Economic incentives shape which developments in %s gain adoption", topic),
			Confidence: 0.75,
			Rationale:  "Adoption follows cost and benefit for the people involved",
			Sources:    sources(2, 3),
			CreatedAt:  now,
		},
		{
			ID:         types.HypothesisID(sessionID, cycle, 3),
			Statement:  fmt.Sprintf("Ethical and regulatory concerns constrain how %s develops", topic),
			Confidence: 0.7,
			Rationale:  "Regulation and public trust bound what is deployed",
			Sources:    sources(0, 4),
			CreatedAt:  now,
		},
	}
}
