// Package headless implements a fetch strategy that renders pages with a
// headless Chrome browser via chromedp. It is the fallback for inputs that
// require JavaScript execution before the content is available.
package headless

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/stashd-io/stashd/internal/pipeline"
)

// Name is the registry name this strategy answers to.
const Name = "headless"

// Config controls the behavior of the headless strategy.
type Config struct {
	MaxParallel int
	// NavTimeout bounds a navigation when the caller's context carries
	// no deadline of its own.
	NavTimeout time.Duration
	UserAgent  string
}

// Fetcher implements pipeline.FetchStrategy using chromedp.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a headless fetcher backed by a shared exec allocator.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Name identifies the strategy to the source registry.
func (f *Fetcher) Name() string { return Name }

// CanHandle accepts http and https URLs.
func (f *Fetcher) CanHandle(input string) bool {
	return strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://")
}

// Fetch navigates with a headless browser and returns the rendered DOM. The
// per-attempt timeout arrives via the context deadline.
func (f *Fetcher) Fetch(ctx context.Context, input string) (pipeline.FetchResult, error) {
	if !f.CanHandle(input) {
		return pipeline.FetchResult{}, fmt.Errorf("headless fetch cannot handle %q", input)
	}
	if err := f.acquire(ctx); err != nil {
		return pipeline.FetchResult{}, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	taskCtx, cancel := f.navContext(ctx, taskCtx)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.runHeadless(taskCtx, input)
	if err != nil {
		return pipeline.FetchResult{}, err
	}

	status, responseURL := meta.snapshotWithFallbacks(input, finalURL)
	return pipeline.FetchResult{
		Source:      Name,
		Body:        []byte(html),
		ContentType: "text/html; charset=utf-8",
		FinalURL:    responseURL,
		StatusCode:  status,
		Latency:     time.Since(start),
	}, nil
}

// Probe opens a tab against about:blank to verify the browser still launches.
func (f *Fetcher) Probe(ctx context.Context) error {
	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	taskCtx, cancel := f.navContext(ctx, taskCtx)
	defer cancel()
	if err := chromedp.Run(taskCtx, chromedp.Navigate("about:blank")); err != nil {
		return fmt.Errorf("headless probe: %w", err)
	}
	return nil
}

// navContext bounds one navigation. The caller's per-attempt deadline
// wins; the configured NavTimeout only applies when the caller set none.
func (f *Fetcher) navContext(parent, taskCtx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := parent.Deadline(); ok {
		return context.WithDeadline(taskCtx, deadline)
	}
	if f.cfg.NavTimeout > 0 {
		return context.WithTimeout(taskCtx, f.cfg.NavTimeout)
	}
	return taskCtx, func() {}
}

func (f *Fetcher) runHeadless(ctx context.Context, input string) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(input),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = 200
	}
	return status, url
}
