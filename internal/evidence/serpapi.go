package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"secondmind/internal/resilient"
	"secondmind/internal/types"
)

// Search types understood by SerpAPISearcher.
const (
	TypeWeb     = "web"
	TypeNews    = "news"
	TypeScholar = "scholar"
	TypePatents = "patents"
)

// SerpAPIConfig configures the SerpAPI searcher.
type SerpAPIConfig struct {
	APIKey      string
	Endpoint    string
	Type        string
	MinInterval time.Duration
	Timeout     time.Duration
	Policy      resilient.Policy
}

// SerpAPISearcher queries SerpAPI for one search type.
type SerpAPISearcher struct {
	cfg     SerpAPIConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewSerpAPISearcher creates a searcher. Requests are spaced by MinInterval.
func NewSerpAPISearcher(cfg SerpAPIConfig, logger *zap.Logger) *SerpAPISearcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://serpapi.com/search"
	}
	if cfg.Type == "" {
		cfg.Type = TypeWeb
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = resilient.DefaultPolicy()
	}
	return &SerpAPISearcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		logger:  logger,
	}
}

// Type returns the search type this searcher covers.
func (s *SerpAPISearcher) Type() string { return s.cfg.Type }

// Search returns up to count results for query.
func (s *SerpAPISearcher) Search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	if s.cfg.APIKey == "" {
		return nil, &types.ExternalCallError{Service: "serpapi", Op: "search", Err: fmt.Errorf("API key not configured")}
	}

	res := resilient.Do(ctx, s.logger, s.cfg.Policy, "serpapi "+s.cfg.Type, func(ctx context.Context) (*serpResponse, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, resilient.Permanent(err)
		}
		return s.query(ctx, query, count)
	})
	if !res.OK() {
		return nil, res.Err
	}
	return res.Value.results(s.cfg.Type, count), nil
}

func (s *SerpAPISearcher) query(ctx context.Context, query string, count int) (*serpResponse, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("api_key", s.cfg.APIKey)
	params.Set("num", strconv.Itoa(count))
	switch s.cfg.Type {
	case TypeNews:
		params.Set("engine", "google")
		params.Set("tbm", "nws")
	case TypeScholar:
		params.Set("engine", "google_scholar")
	case TypePatents:
		params.Set("engine", "google_patents")
	default:
		params.Set("engine", "google")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, resilient.Permanent(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &types.ExternalCallError{Service: "serpapi", Op: "search", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, &types.ExternalCallError{Service: "serpapi", Op: "search", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &types.ExternalCallError{Service: "serpapi", Op: "search", Status: resp.StatusCode, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	var out serpResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, resilient.Permanent(&types.ParseError{Op: "serpapi response", Err: err})
	}
	if out.Error != "" {
		return nil, resilient.Permanent(&types.ExternalCallError{Service: "serpapi", Op: "search", Err: fmt.Errorf("%s", out.Error)})
	}
	return &out, nil
}

type serpResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

type serpResponse struct {
	Error          string       `json:"error"`
	OrganicResults []serpResult `json:"organic_results"`
	NewsResults    []serpResult `json:"news_results"`
	KnowledgeGraph *struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Website     string `json:"website"`
	} `json:"knowledge_graph"`
}

func (r *serpResponse) results(searchType string, count int) []SearchResult {
	var out []SearchResult
	add := func(sr serpResult) {
		if sr.Link == "" || len(out) >= count {
			return
		}
		out = append(out, SearchResult{Title: sr.Title, URL: sr.Link, Snippet: sr.Snippet, Type: searchType})
	}
	for _, sr := range r.NewsResults {
		add(sr)
	}
	for _, sr := range r.OrganicResults {
		add(sr)
	}
	if kg := r.KnowledgeGraph; kg != nil && kg.Website != "" {
		add(serpResult{Title: kg.Title, Link: kg.Website, Snippet: kg.Description})
	}
	return out
}

// MultiSearcher fans a query out to several searchers and merges results,
// dropping duplicate URLs. It fails only when every searcher fails.
type MultiSearcher []Searcher

// Search implements Searcher.
func (m MultiSearcher) Search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	var out []SearchResult
	var lastErr error
	seen := map[string]bool{}
	ok := 0
	for _, s := range m {
		results, err := s.Search(ctx, query, count)
		if err != nil {
			lastErr = err
			continue
		}
		ok++
		for _, r := range results {
			if !seen[r.URL] {
				seen[r.URL] = true
				out = append(out, r)
			}
		}
	}
	if ok == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}
