package evolution

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"secondmind/internal/textual"
	"secondmind/internal/types"
)

// Issue is a defect found by reflection that evolution tries to remediate.
type Issue string

const (
	IssueCoherence      Issue = "coherence"
	IssueEvidence       Issue = "evidence"
	IssueContradictions Issue = "contradictions"
)

const contentLimit = 500

var (
	clarifiers        = []string{"specifically", "in particular", "notably", "especially"}
	causalConnectors  = []string{"because", "therefore", "consequently", "as a result"}
	appendConnectors  = []string{"because", "which"}
	evidencePhrases   = []string{"Research indicates that", "Evidence suggests that", "Studies have shown that", "According to research,"}
	searchPrefixes    = []string{"evidence", "research", "example"}
	searchStopTerms   = map[string]bool{"could": true, "would": true, "should": true, "might": true, "because": true, "therefore": true}
	specificityFormat = []string{
		"especially in the context of %s",
		"particularly when considering %s",
		"with notable impact on %s",
		"which is critical for %s",
	}
)

// Issues lists the reflection's defects in remediation order.
func Issues(r types.ReflectionResult) []Issue {
	var issues []Issue
	if !r.IsCoherent {
		issues = append(issues, IssueCoherence)
	}
	if !r.HasSupportingEvidence {
		issues = append(issues, IssueEvidence)
	}
	if len(r.Contradictions) > 0 {
		issues = append(issues, IssueContradictions)
	}
	return issues
}

func (s *Stage) refine(ctx context.Context, log *zap.Logger, statement string, refl types.ReflectionResult, query string, cycle int) string {
	issues := Issues(refl)
	has := func(i Issue) bool {
		for _, x := range issues {
			if x == i {
				return true
			}
		}
		return false
	}

	if has(IssueCoherence) {
		statement = ImproveCoherence(statement)
	}
	if has(IssueEvidence) || has(IssueContradictions) {
		docs := s.gather(ctx, log, SearchTerms(statement, query))
		statement = Incorporate(statement, docs, len(refl.Contradictions) > 0)
	}
	if cycle > 1 && len(issues) == 0 {
		statement = MoreSpecific(statement, query)
	}
	return statement
}

// ImproveCoherence shortens a long multi-clause statement to its longest
// clause and makes sure it carries a causal connector.
func ImproveCoherence(statement string) string {
	if len(strings.Fields(statement)) > 20 {
		parts := strings.Split(statement, ",")
		if len(parts) > 2 {
			longest := parts[0]
			for _, p := range parts[1:] {
				if len(p) > len(longest) {
					longest = p
				}
			}
			statement = strings.TrimSpace(longest) + ", " + pick(clarifiers, statement)
		}
	}

	low := strings.ToLower(statement)
	for _, c := range causalConnectors {
		if strings.Contains(low, c) {
			return statement
		}
	}
	return statement + " " + pick(appendConnectors, statement)
}

// SearchTerms builds the evidence, research, and example query variants from
// the statement's first two key terms and the query's first word.
func SearchTerms(statement, query string) []string {
	var key []string
	for _, w := range textual.Fields(statement) {
		if len(w) > 4 && !searchStopTerms[w] {
			key = append(key, w)
			if len(key) == 2 {
				break
			}
		}
	}
	head := ""
	if q := textual.Fields(query); len(q) > 0 {
		head = q[0]
	}

	terms := make([]string, 0, len(searchPrefixes))
	for _, prefix := range searchPrefixes {
		parts := append([]string{prefix}, key...)
		if head != "" {
			parts = append(parts, head)
		}
		terms = append(terms, strings.Join(parts, " "))
	}
	return terms
}

// gather runs each search term and fetches its top hits. Failures are logged
// and skipped; a hit without page content falls back to its snippet.
func (s *Stage) gather(ctx context.Context, log *zap.Logger, terms []string) []types.EvidenceItem {
	if s.source == nil {
		return nil
	}
	var docs []types.EvidenceItem
	for _, term := range terms {
		if ctx.Err() != nil {
			break
		}
		hits, err := s.source.Search(ctx, term, s.cfg.SearchResults)
		if err != nil {
			log.Warn("secondary search failed", zap.String("term", term), zap.Error(err))
			continue
		}
		for _, hit := range hits {
			content := hit.Snippet
			title := hit.Title
			doc, err := s.source.Fetch(ctx, hit.URL)
			if err != nil {
				log.Warn("secondary fetch failed", zap.String("url", hit.URL), zap.Error(err))
			} else if doc != nil && strings.TrimSpace(doc.Content) != "" {
				content = doc.Content
				if doc.Title != "" {
					title = doc.Title
				}
			}
			if strings.TrimSpace(content) == "" {
				continue
			}
			docs = append(docs, types.EvidenceItem{
				Source:  hit.URL,
				Title:   title,
				Content: textual.Truncate(content, contentLimit),
				Type:    hit.Type,
			})
		}
	}
	log.Debug("secondary evidence gathered", zap.Int("documents", len(docs)))
	return docs
}

// Incorporate rewrites the statement as evidence-backed when some sentence
// of the gathered documents relates to it. A contradicted statement also
// gets a hedging clause.
func Incorporate(statement string, docs []types.EvidenceItem, contradicted bool) string {
	if BestSentence(statement, docs) == "" {
		return statement
	}
	base := lowerFirst(strings.TrimRight(strings.TrimSpace(statement), ".!?"))
	phrase := pick(evidencePhrases, statement)
	if contradicted {
		return fmt.Sprintf("%s %s, although some limitations exist.", phrase, base)
	}
	return fmt.Sprintf("%s %s.", phrase, base)
}

// BestSentence returns the document sentence with the largest word overlap
// among those that share at least two words, or one word longer than five
// characters, with the statement.
func BestSentence(statement string, docs []types.EvidenceItem) string {
	words := textual.WordSet(statement)
	best, bestOverlap := "", -1
	for _, d := range docs {
		for _, sent := range strings.Split(d.Content, ".") {
			sent = strings.TrimSpace(sent)
			if len(sent) <= 10 {
				continue
			}
			overlap := textual.Overlap(textual.WordSet(sent), words)
			if overlap < 2 && !sharesLongWord(strings.ToLower(sent), words) {
				continue
			}
			if overlap > bestOverlap {
				best, bestOverlap = sent, overlap
			}
		}
	}
	return best
}

func sharesLongWord(sentence string, words map[string]bool) bool {
	for w := range words {
		if len(w) > 5 && strings.Contains(sentence, w) {
			return true
		}
	}
	return false
}

// MoreSpecific ties the statement to the query with a qualifying clause.
func MoreSpecific(statement, query string) string {
	statement = strings.TrimSpace(statement)
	if strings.HasSuffix(statement, ".") || strings.HasSuffix(statement, "!") || strings.HasSuffix(statement, "?") {
		statement = statement[:len(statement)-1]
	}
	clause := fmt.Sprintf(pick(specificityFormat, statement), query)
	return statement + ", " + clause + "."
}

// Reason explains which remediations applied.
func Reason(r types.ReflectionResult, overall float64) string {
	var reasons []string
	if !r.IsCoherent {
		reasons = append(reasons, "improved logical coherence")
	}
	if !r.HasSupportingEvidence {
		reasons = append(reasons, "added supporting evidence")
	}
	if len(r.Contradictions) > 0 {
		reasons = append(reasons, "addressed contradictions")
	}
	if len(reasons) == 0 {
		if overall < 7.0 {
			reasons = append(reasons, "enhanced overall quality")
		} else {
			reasons = append(reasons, "refined with more specific details")
		}
	}
	return "Evolution based on " + strings.Join(reasons, " and ")
}

// pick chooses an option deterministically from key.
func pick(options []string, key string) string {
	h := fnv.New32a()
	h.Write([]byte(key))
	return options[h.Sum32()%uint32(len(options))]
}

// lowerFirst lower-cases a leading capital unless it starts an acronym.
func lowerFirst(s string) string {
	first, size := utf8.DecodeRuneInString(s)
	if !unicode.IsUpper(first) {
		return s
	}
	if next, _ := utf8.DecodeRuneInString(s[size:]); unicode.IsUpper(next) {
		return s
	}
	return string(unicode.ToLower(first)) + s[size:]
}
