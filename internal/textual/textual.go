// Package textual holds the small text heuristics shared by the stages:
// tokenization, keyword extraction, sentence splitting, and set similarity.
package textual

import (
	"regexp"
	"strings"
	"unicode"
)

// StopWords are excluded from keyword extraction.
var StopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "for": true, "of": true, "in": true,
	"to": true, "with": true, "by": true, "about": true, "could": true,
}

var (
	wordRe     = regexp.MustCompile(`\b\w+\b`)
	sentenceRe = regexp.MustCompile(`[.!?]+`)
)

// Words returns the lower-cased word tokens of s.
func Words(s string) []string {
	return wordRe.FindAllString(strings.ToLower(s), -1)
}

// Fields returns the lower-cased whitespace-separated fields of s.
func Fields(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

// WordSet returns the set of whitespace-separated lower-cased fields.
func WordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range Fields(s) {
		set[w] = true
	}
	return set
}

// Keywords returns words longer than three characters that are not stop
// words, followed by adjacent-word bigrams that are not made only of stop
// words. Order is first occurrence, without duplicates.
func Keywords(s string) []string {
	words := Words(s)
	seen := make(map[string]bool)
	var out []string
	add := func(k string) {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, w := range words {
		if len(w) > 3 && !StopWords[w] {
			add(w)
		}
	}
	for i := 0; i+1 < len(words); i++ {
		if StopWords[words[i]] && StopWords[words[i+1]] {
			continue
		}
		add(words[i] + " " + words[i+1])
	}
	return out
}

// KeywordSet returns single-word keywords as a set.
func KeywordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range Words(s) {
		if len(w) > 3 && !StopWords[w] {
			set[w] = true
		}
	}
	return set
}

// Sentences splits s on terminal punctuation and trims each part.
func Sentences(s string) []string {
	parts := sentenceRe.Split(s, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Jaccard returns |a∩b| / |a∪b|, or 0 when both are empty.
func Jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Overlap counts the members of a that are also in b.
func Overlap(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}

// Truncate shortens s to n bytes on a rune boundary and appends "...".
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8Start(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

// TitleCase upper-cases the first letter of every word.
func TitleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// StripPunct removes leading and trailing punctuation from a word.
func StripPunct(w string) string {
	return strings.TrimFunc(w, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}

// HasDigit reports whether s contains a decimal digit.
func HasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}
