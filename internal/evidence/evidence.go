// Package evidence gathers web documents for a query: a Searcher finds
// candidate URLs, a Fetcher turns each into a Document, and the Collector
// runs both and reports per-source telemetry.
package evidence

import (
	"context"
	"strings"
)

// SearchResult is one hit from a search backend.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Type    string `json:"type"`
}

// Document is a fetched page. Content may be empty.
type Document struct {
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

// Searcher finds documents for a query.
type Searcher interface {
	Search(ctx context.Context, query string, count int) ([]SearchResult, error)
}

// Fetcher retrieves a single document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Document, error)
}

// Source is the evidence-source contract used by the evolution stage.
type Source interface {
	Searcher
	Fetcher
}

type source struct {
	Searcher
	Fetcher
}

// NewSource combines a searcher and a fetcher.
func NewSource(s Searcher, f Fetcher) Source {
	return source{Searcher: s, Fetcher: f}
}

// DomainFilter applies allow/block lists by substring match on the URL.
type DomainFilter struct {
	Allowed []string
	Blocked []string
}

// Allows reports whether the filter admits url.
func (f DomainFilter) Allows(url string) bool {
	for _, blocked := range f.Blocked {
		if strings.Contains(url, blocked) {
			return false
		}
	}
	if len(f.Allowed) == 0 {
		return true
	}
	for _, allowed := range f.Allowed {
		if strings.Contains(url, allowed) {
			return true
		}
	}
	return false
}
