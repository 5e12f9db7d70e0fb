package evidence

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"secondmind/internal/types"
)

// Collection is the evidence gathered for one query.
type Collection struct {
	Items     []types.EvidenceItem
	Telemetry []types.SourceTelemetry
}

// CollectorConfig bounds a collection run.
type CollectorConfig struct {
	Results     int // search results to request
	Concurrency int // parallel fetches
}

// Collector searches for a query and fetches every hit concurrently.
type Collector struct {
	searcher Searcher
	fetcher  Fetcher
	cfg      CollectorConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewCollector creates a collector.
func NewCollector(s Searcher, f Fetcher, cfg CollectorConfig, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Results <= 0 {
		cfg.Results = 5
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Collector{searcher: s, fetcher: f, cfg: cfg, logger: logger, now: time.Now}
}

// Collect never fails: search or fetch errors shrink the collection and are
// recorded in its telemetry. Result order follows search order.
func (c *Collector) Collect(ctx context.Context, query string) Collection {
	if c.searcher == nil {
		return Collection{}
	}

	hits, err := c.searcher.Search(ctx, query, c.cfg.Results)
	if err != nil {
		c.logger.Warn("evidence search failed", zap.String("query", query), zap.Error(err))
		return Collection{Telemetry: []types.SourceTelemetry{{
			Type:      "search",
			Status:    "failed",
			Timestamp: c.now().UTC().Format(time.RFC3339),
		}}}
	}

	items := make([]*types.EvidenceItem, len(hits))
	telemetry := make([]types.SourceTelemetry, len(hits))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, hit := range hits {
		g.Go(func() error {
			items[i], telemetry[i] = c.fetchOne(gctx, hit)
			return nil
		})
	}
	_ = g.Wait()

	out := Collection{Telemetry: telemetry}
	for _, it := range items {
		if it != nil {
			out.Items = append(out.Items, *it)
		}
	}
	c.logger.Debug("evidence collected",
		zap.String("query", query),
		zap.Int("hits", len(hits)),
		zap.Int("items", len(out.Items)))
	return out
}

func (c *Collector) fetchOne(ctx context.Context, hit SearchResult) (*types.EvidenceItem, types.SourceTelemetry) {
	now := c.now().UTC()
	tel := types.SourceTelemetry{Type: hit.Type, Timestamp: now.Format(time.RFC3339)}
	if tel.Type == "" {
		tel.Type = TypeWeb
	}

	item := &types.EvidenceItem{
		Source:      hit.URL,
		Title:       hit.Title,
		Type:        tel.Type,
		Metadata:    map[string]string{"snippet": hit.Snippet},
		RetrievedAt: now,
	}

	var doc *Document
	var err error
	if c.fetcher != nil {
		doc, err = c.fetcher.Fetch(ctx, hit.URL)
	}
	if err != nil || doc == nil || doc.Content == "" {
		if err != nil {
			c.logger.Debug("fetch failed, keeping snippet", zap.String("url", hit.URL), zap.Error(err))
		}
		tel.Status = "failed"
		if hit.Snippet == "" {
			return nil, tel
		}
		item.Content = hit.Snippet
		item.Metadata["extraction"] = "snippet"
		tel.Content = hit.Snippet
		return item, tel
	}

	if doc.Title != "" {
		item.Title = doc.Title
	}
	item.Content = doc.Content
	for k, v := range doc.Metadata {
		item.Metadata[k] = v
	}
	item.Metadata["extraction"] = "page"
	tel.Status = "success"
	tel.Content = doc.Content
	return item, tel
}
