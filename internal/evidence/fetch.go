package evidence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"secondmind/internal/resilient"
	"secondmind/internal/types"
)

// FetchConfig configures the HTTP fetcher.
type FetchConfig struct {
	Timeout   time.Duration
	UserAgent string
	Policy    resilient.Policy
	Filter    DomainFilter
}

// DefaultFetchConfig returns sensible fetch defaults.
func DefaultFetchConfig() FetchConfig {
	return FetchConfig{
		Timeout:   15 * time.Second,
		UserAgent: "Mozilla/5.0 (compatible; secondmind/0.3; +https://example.invalid/bot)",
		Policy:    resilient.DefaultPolicy(),
	}
}

// HTTPFetcher fetches pages over plain HTTP and extracts their text.
type HTTPFetcher struct {
	client *http.Client
	cfg    FetchConfig
	logger *zap.Logger
}

// NewHTTPFetcher creates a fetcher.
func NewHTTPFetcher(cfg FetchConfig, logger *zap.Logger) *HTTPFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchConfig().Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultFetchConfig().UserAgent
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = resilient.DefaultPolicy()
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		cfg:    cfg,
		logger: logger,
	}
}

// Fetch retrieves url, retrying rate-limited and server-error responses.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Document, error) {
	if !f.cfg.Filter.Allows(url) {
		return nil, &types.ExternalCallError{Service: "fetch", Op: "get", Err: fmt.Errorf("domain not allowed: %s", url)}
	}

	res := resilient.Do(ctx, f.logger, f.cfg.Policy, "fetch "+url, func(ctx context.Context) ([]byte, error) {
		return f.get(ctx, url)
	})
	if !res.OK() {
		return nil, res.Err
	}

	doc, err := ExtractDocument(bytes.NewReader(res.Value), url)
	if err != nil {
		return nil, &types.ParseError{Op: "html " + url, Err: err}
	}
	return doc, nil
}

func (f *HTTPFetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, resilient.Permanent(err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &types.ExternalCallError{Service: "fetch", Op: "get", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &types.ExternalCallError{Service: "fetch", Op: "get", Status: resp.StatusCode, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") && !strings.HasPrefix(ct, "text/") {
		return nil, resilient.Permanent(&types.ExternalCallError{Service: "fetch", Op: "get", Err: fmt.Errorf("unsupported content type %q", ct)})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return nil, &types.ExternalCallError{Service: "fetch", Op: "read", Err: err}
	}
	return body, nil
}
