// Package browser fetches pages that need a real renderer through a headless
// Chrome driven by rod.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"secondmind/internal/evidence"
	"secondmind/internal/types"
)

// Config holds browser configuration.
type Config struct {
	DebuggerURL       string   // connect to an existing Chrome instead of launching
	Launch            []string // binary followed by extra flags
	Headless          bool
	NavigationTimeout time.Duration
	Filter            evidence.DomainFilter
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Headless: true, NavigationTimeout: 30 * time.Second}
}

func (c Config) navigationTimeout() time.Duration {
	if c.NavigationTimeout <= 0 {
		return 30 * time.Second
	}
	return c.NavigationTimeout
}

// Fetcher implements evidence.Fetcher by rendering each URL in a fresh
// incognito page. The browser is started lazily on first use.
type Fetcher struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
}

// NewFetcher creates a browser-backed fetcher.
func NewFetcher(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, logger: logger}
}

// Start connects to an existing Chrome or launches a new one.
func (f *Fetcher) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.browser != nil {
		if _, err := f.browser.Version(); err == nil {
			return nil
		}
		f.logger.Warn("stale browser connection, reconnecting")
		_ = f.browser.Close()
		f.browser = nil
		f.controlURL = ""
	}

	controlURL := f.cfg.DebuggerURL
	if controlURL == "" {
		u, err := f.launcher().Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	f.browser = b
	f.controlURL = controlURL
	f.logger.Debug("browser connected", zap.String("control_url", controlURL))
	return nil
}

func (f *Fetcher) launcher() *launcher.Launcher {
	l := launcher.New().Headless(f.cfg.Headless)
	if len(f.cfg.Launch) == 0 {
		return l
	}
	l = l.Bin(f.cfg.Launch[0])
	for _, raw := range f.cfg.Launch[1:] {
		name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

func (f *Fetcher) ensureStarted(ctx context.Context) (*rod.Browser, error) {
	f.mu.RLock()
	b := f.browser
	f.mu.RUnlock()
	if b != nil {
		return b, nil
	}
	if err := f.Start(ctx); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.browser == nil {
		return nil, errors.New("browser not connected")
	}
	return f.browser, nil
}

// Fetch renders url and extracts its text.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*evidence.Document, error) {
	if !f.cfg.Filter.Allows(url) {
		return nil, &types.ExternalCallError{Service: "browser", Op: "fetch", Err: fmt.Errorf("domain not allowed: %s", url)}
	}
	b, err := f.ensureStarted(ctx)
	if err != nil {
		return nil, &types.ExternalCallError{Service: "browser", Op: "start", Err: err}
	}

	incognito, err := b.Incognito()
	if err != nil {
		return nil, &types.ExternalCallError{Service: "browser", Op: "incognito", Err: err}
	}
	defer func() { _ = incognito.Close() }()

	page, err := incognito.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, &types.ExternalCallError{Service: "browser", Op: "page", Err: err}
	}
	defer func() { _ = page.Close() }()

	p := page.Context(ctx).Timeout(f.cfg.navigationTimeout())
	if err := p.Navigate(url); err != nil {
		return nil, &types.ExternalCallError{Service: "browser", Op: "navigate", Err: err}
	}
	if err := p.WaitLoad(); err != nil {
		f.logger.Debug("page load incomplete", zap.String("url", url), zap.Error(err))
	}
	raw, err := p.HTML()
	if err != nil {
		return nil, &types.ExternalCallError{Service: "browser", Op: "html", Err: err}
	}

	doc, err := evidence.ExtractDocument(strings.NewReader(raw), url)
	if err != nil {
		return nil, &types.ParseError{Op: "html " + url, Err: err}
	}
	doc.Metadata["renderer"] = "browser"
	return doc, nil
}

// ControlURL returns the DevTools WebSocket URL, empty until started.
func (f *Fetcher) ControlURL() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.controlURL
}

// Shutdown closes the browser.
func (f *Fetcher) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.browser != nil {
		err = f.browser.Close()
		f.browser = nil
	}
	f.controlURL = ""
	return err
}
