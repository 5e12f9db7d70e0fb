package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"secondmind/internal/browser"
	"secondmind/internal/config"
	"secondmind/internal/evidence"
	"secondmind/internal/logging"
	"secondmind/internal/perception"
	"secondmind/internal/pipeline"
	"secondmind/internal/resilient"
	"secondmind/internal/shards/evolution"
	"secondmind/internal/shards/generation"
	"secondmind/internal/shards/metareview"
	"secondmind/internal/shards/ranking"
	"secondmind/internal/shards/reflection"
	"secondmind/internal/store"
	"secondmind/internal/types"
)

var (
	runQuery       string
	runCycles      int
	runSession     string
	runOffline     bool
	runJSON        bool
	runMetricsAddr string
)

// runCmd executes research cycles for a query
var runCmd = &cobra.Command{
	Use:   "run [query]",
	Short: "Run research cycles for a query",
	Long: `Runs the five-stage cycle the configured number of times for one session.

Stage failures never abort a cycle; they are reported as degraded or failed
in the status line. Ctrl-C stops after the current stage.

Example:
  secondmind run "future of solid-state batteries" --cycles 2
  secondmind run -q "urban heat islands" --offline`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResearch,
}

func init() {
	runCmd.Flags().StringVarP(&runQuery, "query", "q", "", "Research query (or pass it as the argument)")
	runCmd.Flags().IntVarP(&runCycles, "cycles", "n", 0, "Cycles to run (default from config)")
	runCmd.Flags().StringVar(&runSession, "session", "", "Session id (default: a new UUID)")
	runCmd.Flags().BoolVar(&runOffline, "offline", false, "Use the offline oracle (deterministic fallbacks only)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print cycle contexts as JSON instead of a report")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
}

func runResearch(cmd *cobra.Command, args []string) error {
	query := strings.TrimSpace(runQuery)
	if query == "" && len(args) == 1 {
		query = strings.TrimSpace(args[0])
	}
	if query == "" {
		return fmt.Errorf("a query is required (argument or --query)")
	}
	if runOffline {
		cfg.LLM.Provider = "offline"
	}
	if runCycles > 0 {
		cfg.Pipeline.Cycles = runCycles
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sessionID := runSession
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted, finishing current stage")
			cancel()
		case <-ctx.Done():
		}
	}()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if runMetricsAddr != "" {
		stop := serveMetrics(runMetricsAddr, app.metrics, logger)
		defer stop()
	}

	boot := logging.For(logger, logging.CategoryBoot)
	boot.Info("research started",
		zap.String("session", sessionID),
		zap.String("query", query),
		zap.Int("cycles", cfg.Pipeline.Cycles))

	var done []*types.CycleContext
	for i := 0; i < cfg.Pipeline.Cycles; i++ {
		cc, err := app.pipeline.RunCycle(ctx, sessionID, query)
		if cc != nil && err == nil {
			done = append(done, cc)
			if !runJSON {
				fmt.Fprintln(cmd.ErrOrStderr(), statusLine(cc))
			}
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				boot.Warn("research interrupted", zap.Int("completed_cycles", len(done)))
				break
			}
			return err
		}
	}
	app.pipeline.EndSession(sessionID)

	if runJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(done)
	}
	fmt.Fprint(cmd.OutOrStdout(), renderMarkdown(Report(sessionID, query, done)))
	return nil
}

// app holds the wired components of one run.
type app struct {
	pipeline *pipeline.Pipeline
	metrics  *pipeline.Metrics
	closers  []func() error
}

// Close releases the journal and the browser.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && logger != nil {
			logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{metrics: pipeline.NewMetrics()}

	oracle, err := buildOracle(ctx, cfg, a.metrics, logger)
	if err != nil {
		return nil, err
	}

	st, closeStore, err := buildStore(cfg, a.metrics, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStore)

	searcher, fetcher, closeFetcher := buildEvidence(cfg, logger)
	a.closers = append(a.closers, closeFetcher)

	var collector pipeline.Collector
	var source evidence.Source
	if searcher != nil {
		collector = evidence.NewCollector(searcher, fetcher, evidence.CollectorConfig{
			Results:     cfg.Evidence.ResultsPerType,
			Concurrency: cfg.Evidence.MaxConcurrentFetch,
		}, logging.For(logger, logging.CategoryEvidence))
		source = evidence.NewSource(searcher, fetcher)
	}

	rank, err := ranking.New(oracle, st, ranking.WeightsFrom(cfg.Ranking.Weights), logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	stages := pipeline.Stages{
		Generation: generation.New(oracle, st, generation.Config{
			MinHypotheses: cfg.Pipeline.MinHypotheses,
			MaxHypotheses: cfg.Pipeline.MaxHypotheses,
		}, logger),
		Reflection: reflection.New(oracle, st, logger),
		Ranking:    rank,
		Evolution:  evolution.New(source, st, evolution.ConfigFrom(cfg.Evolution), logger),
		MetaReview: metareview.New(oracle, st, metareview.ConfigFrom(cfg.MetaReview), logger),
	}
	a.pipeline = pipeline.New(collector, stages, pipeline.Config{StageTimeout: cfg.GetStageTimeout()}, a.metrics, logger)
	return a, nil
}

// buildOracle wraps the provider with timeout, pacing, retry, and tracing.
func buildOracle(ctx context.Context, cfg *config.Config, metrics *pipeline.Metrics, logger *zap.Logger) (perception.Oracle, error) {
	log := logging.For(logger, logging.CategoryOracle)

	var base perception.Oracle
	switch cfg.LLM.Provider {
	case "offline":
		base = perception.Offline{}
	case "gemini":
		gc := perception.DefaultGeminiConfig(cfg.LLM.APIKey)
		if cfg.LLM.Model != "" {
			gc.Model = cfg.LLM.Model
		}
		g, err := perception.NewGeminiOracle(ctx, gc)
		if err != nil {
			return nil, err
		}
		base = g
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLM.Provider)
	}

	policy := resilient.DefaultPolicy()
	if cfg.LLM.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.LLM.MaxAttempts
	}

	o := perception.WithTimeout(base, cfg.GetLLMTimeout())
	o = perception.WithRateLimit(o, perception.PerMinute(cfg.LLM.RequestsPerMinute))
	o = perception.WithRetry(o, policy, log)
	return perception.NewTracedOracle(o, log, metrics.ObserveOracle), nil
}

// buildStore opens the journal and the REST client. A disabled store keeps
// every write in the journal.
func buildStore(cfg *config.Config, metrics *pipeline.Metrics, logger *zap.Logger) (store.Store, func() error, error) {
	log := logging.For(logger, logging.CategoryStore)
	journal, err := store.OpenJournal(cfg.Store.JournalPath, log)
	if err != nil {
		return nil, nil, err
	}

	sc := store.Config{Timeout: cfg.GetStoreTimeout()}
	if cfg.Store.Enabled {
		sc.BaseURL = cfg.Store.BaseURL
	}
	client := store.NewClient(sc, journal, log)
	client.OnFailure(metrics.StoreFailure)
	return client, journal.Close, nil
}

// buildEvidence returns a nil searcher when no SerpAPI key is configured,
// which leaves every cycle without web evidence.
func buildEvidence(cfg *config.Config, logger *zap.Logger) (evidence.Searcher, evidence.Fetcher, func() error) {
	log := logging.For(logger, logging.CategoryEvidence)
	noop := func() error { return nil }
	filter := evidence.DomainFilter{Allowed: cfg.Evidence.AllowedDomains, Blocked: cfg.Evidence.BlockedDomains}

	var fetcher evidence.Fetcher
	closeFetcher := noop
	if cfg.Evidence.UseBrowser {
		bc := browser.DefaultConfig()
		bc.Headless = cfg.Evidence.BrowserHeadless
		bc.NavigationTimeout = cfg.GetFetchTimeout()
		bc.Filter = filter
		bf := browser.NewFetcher(bc, log)
		fetcher = bf
		closeFetcher = bf.Shutdown
	} else {
		fc := evidence.DefaultFetchConfig()
		fc.Timeout = cfg.GetFetchTimeout()
		fc.Filter = filter
		fetcher = evidence.NewHTTPFetcher(fc, log)
	}

	if cfg.Evidence.SerpAPIKey == "" {
		log.Warn("no SerpAPI key configured, running without web evidence")
		return nil, fetcher, closeFetcher
	}
	var multi evidence.MultiSearcher
	for _, t := range cfg.Evidence.SearchTypes {
		multi = append(multi, evidence.NewSerpAPISearcher(evidence.SerpAPIConfig{
			APIKey:      cfg.Evidence.SerpAPIKey,
			Endpoint:    cfg.Evidence.SearchEndpoint,
			Type:        t,
			MinInterval: cfg.GetMinSearchInterval(),
			Timeout:     cfg.GetFetchTimeout(),
		}, log))
	}
	if len(multi) == 0 {
		return nil, fetcher, closeFetcher
	}
	return multi, fetcher, closeFetcher
}

// serveMetrics exposes the run's registry until stop is called.
func serveMetrics(addr string, metrics *pipeline.Metrics, logger *zap.Logger) (stop func()) {
	log := logging.For(logger, logging.CategoryBoot)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
