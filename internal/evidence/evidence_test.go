package evidence

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"secondmind/internal/resilient"
)

var ignoreOpencensus = goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start")

const page = `<html><head><title>Quantum Outlook</title>
<meta name="description" content="A survey"></head>
<body><nav>Menu</nav>
<div class="content wide">Div text</div>
<article>Quantum computers   will reshape cryptography. <script>var x=1;</script></article>
<a href="https://example.org/a">a</a><a href="/relative">r</a><a href="https://example.org/a">dup</a>
</body></html>`

func TestExtractDocument(t *testing.T) {
	doc, err := ExtractDocument(strings.NewReader(page), "https://example.org")
	require.NoError(t, err)
	assert.Equal(t, "Quantum Outlook", doc.Title)
	assert.Equal(t, "Quantum computers will reshape cryptography.", doc.Content)
	assert.Equal(t, "1", doc.Metadata["link_count"])
	assert.Equal(t, "https://example.org/a", doc.Metadata["link_0"])
	assert.Equal(t, "A survey", doc.Metadata["description"])
}

func TestExtractDocumentPreferenceOrder(t *testing.T) {
	doc, err := ExtractDocument(strings.NewReader(`<html><body><main>Main wins</main><article>no</article></body></html>`), "u")
	require.NoError(t, err)
	assert.Equal(t, "Main wins", doc.Content)

	doc, err = ExtractDocument(strings.NewReader(`<html><body><div class="content">Div wins</div><p>x</p></body></html>`), "u")
	require.NoError(t, err)
	assert.Equal(t, "Div wins", doc.Content)

	doc, err = ExtractDocument(strings.NewReader(`<html><body><p>Body text</p></body></html>`), "u")
	require.NoError(t, err)
	assert.Equal(t, "Body text", doc.Content)

	long := "<html><body>" + strings.Repeat("word ", 3000) + "</body></html>"
	doc, err = ExtractDocument(strings.NewReader(long), "u")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(doc.Content), MaxContentLength)
}

func fastFetchConfig() FetchConfig {
	cfg := DefaultFetchConfig()
	cfg.Policy = resilient.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Jitter: true}
	cfg.Timeout = 2 * time.Second
	return cfg
}

func TestHTTPFetcherRetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, page)
	}))
	defer srv.Close()

	doc, err := NewHTTPFetcher(fastFetchConfig(), zaptest.NewLogger(t)).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Quantum Outlook", doc.Title)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPFetcherPermanentFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(fastFetchConfig(), nil)
	_, err := f.Fetch(context.Background(), srv.URL)
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "404 is not retried")

	cfg := fastFetchConfig()
	cfg.Filter = DomainFilter{Blocked: []string{"127.0.0.1"}}
	_, err = NewHTTPFetcher(cfg, nil).Fetch(context.Background(), srv.URL)
	assert.ErrorContains(t, err, "domain not allowed")
}

func TestDomainFilter(t *testing.T) {
	assert.True(t, DomainFilter{}.Allows("https://a.com"))
	assert.False(t, DomainFilter{Blocked: []string{"spam"}}.Allows("https://spam.com"))
	f := DomainFilter{Allowed: []string{"arxiv.org"}}
	assert.True(t, f.Allows("https://arxiv.org/abs/1"))
	assert.False(t, f.Allows("https://b.com"))
}

func TestSerpAPISearcher(t *testing.T) {
	var gotEngine, gotTbm string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEngine = r.URL.Query().Get("engine")
		gotTbm = r.URL.Query().Get("tbm")
		fmt.Fprint(w, `{
			"news_results": [{"title": "N1", "link": "https://news/1", "snippet": "n"}],
			"organic_results": [{"title": "O1", "link": "https://web/1", "snippet": "o"}, {"title": "nolink"}],
			"knowledge_graph": {"title": "KG", "description": "d", "website": "https://kg"}
		}`)
	}))
	defer srv.Close()

	s := NewSerpAPISearcher(SerpAPIConfig{APIKey: "k", Endpoint: srv.URL, Type: TypeNews, MinInterval: time.Millisecond}, zaptest.NewLogger(t))
	results, err := s.Search(context.Background(), "future of computing", 5)
	require.NoError(t, err)
	assert.Equal(t, "google", gotEngine)
	assert.Equal(t, "nws", gotTbm)
	require.Len(t, results, 3)
	assert.Equal(t, "https://news/1", results[0].URL)
	assert.Equal(t, TypeNews, results[0].Type)
	assert.Equal(t, "https://kg", results[2].URL)

	truncated, err := s.Search(context.Background(), "q", 1)
	require.NoError(t, err)
	assert.Len(t, truncated, 1)
}

func TestSerpAPISearcherErrors(t *testing.T) {
	_, err := NewSerpAPISearcher(SerpAPIConfig{}, nil).Search(context.Background(), "q", 3)
	assert.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error": "Invalid API key"}`)
	}))
	defer srv.Close()
	_, err = NewSerpAPISearcher(SerpAPIConfig{APIKey: "bad", Endpoint: srv.URL, MinInterval: time.Millisecond}, nil).Search(context.Background(), "q", 3)
	assert.ErrorContains(t, err, "Invalid API key")
}

type stubSearcher struct {
	results []SearchResult
	err     error
}

func (s stubSearcher) Search(context.Context, string, int) ([]SearchResult, error) {
	return s.results, s.err
}

type stubFetcher map[string]*Document

func (f stubFetcher) Fetch(_ context.Context, url string) (*Document, error) {
	if d, ok := f[url]; ok {
		return d, nil
	}
	return nil, errors.New("unreachable")
}

func TestMultiSearcher(t *testing.T) {
	m := MultiSearcher{
		stubSearcher{results: []SearchResult{{URL: "a"}, {URL: "b"}}},
		stubSearcher{err: errors.New("down")},
		stubSearcher{results: []SearchResult{{URL: "b"}, {URL: "c"}}},
	}
	results, err := m.Search(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.Len(t, results, 3)

	_, err = MultiSearcher{stubSearcher{err: errors.New("down")}}.Search(context.Background(), "q", 5)
	assert.Error(t, err)
}

func TestCollector(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreOpencensus)

	hits := []SearchResult{
		{Title: "A", URL: "https://a", Snippet: "snippet a", Type: TypeScholar},
		{Title: "B", URL: "https://b", Snippet: "snippet b"},
		{Title: "C", URL: "https://c"},
	}
	fetcher := stubFetcher{
		"https://a": {Title: "Paper A", Content: "full text a", Metadata: map[string]string{"url": "https://a"}},
	}
	c := NewCollector(stubSearcher{results: hits}, fetcher, CollectorConfig{Results: 3, Concurrency: 2}, zaptest.NewLogger(t))

	col := c.Collect(context.Background(), "q")
	require.Len(t, col.Items, 2)
	assert.Equal(t, "Paper A", col.Items[0].Title)
	assert.Equal(t, "full text a", col.Items[0].Content)
	assert.Equal(t, TypeScholar, col.Items[0].Type)
	assert.Equal(t, "snippet b", col.Items[1].Content)
	assert.Equal(t, "snippet", col.Items[1].Metadata["extraction"])

	require.Len(t, col.Telemetry, 3)
	assert.Equal(t, "success", col.Telemetry[0].Status)
	assert.Equal(t, "failed", col.Telemetry[1].Status)
	assert.Equal(t, TypeWeb, col.Telemetry[1].Type)
	assert.Equal(t, "failed", col.Telemetry[2].Status)
	_, err := time.Parse(time.RFC3339, col.Telemetry[0].Timestamp)
	assert.NoError(t, err)
}

func TestCollectorSearchFailure(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreOpencensus)

	c := NewCollector(stubSearcher{err: errors.New("quota")}, nil, CollectorConfig{}, nil)
	col := c.Collect(context.Background(), "q")
	assert.Empty(t, col.Items)
	require.Len(t, col.Telemetry, 1)
	assert.Equal(t, "failed", col.Telemetry[0].Status)

	assert.Empty(t, NewCollector(nil, nil, CollectorConfig{}, nil).Collect(context.Background(), "q").Items)
}
