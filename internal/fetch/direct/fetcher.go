// Package direct implements the plain-HTTP fetch strategy using gocolly.
package direct

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/stashd-io/stashd/internal/pipeline"
)

// Name is the registry name this strategy answers to.
const Name = "direct"

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// ProbeURL is fetched with a HEAD request during health checks. When
	// empty the probe only verifies that the transport can be built.
	ProbeURL string
}

// Fetcher implements pipeline.FetchStrategy with a single HTTP GET.
type Fetcher struct {
	cfg           Config
	client        *http.Client
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	transport := newHTTPTransport()
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(transport)
	return &Fetcher{
		cfg:           cfg,
		client:        &http.Client{Transport: transport},
		baseCollector: c,
	}
}

// Name identifies the strategy to the source registry.
func (f *Fetcher) Name() string { return Name }

// CanHandle accepts http and https URLs.
func (f *Fetcher) CanHandle(input string) bool {
	return strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://")
}

// Fetch executes a single HTTP GET using Colly. The per-attempt timeout
// arrives via the context deadline set by the orchestrator.
func (f *Fetcher) Fetch(ctx context.Context, input string) (pipeline.FetchResult, error) {
	if !f.CanHandle(input) {
		return pipeline.FetchResult{}, fmt.Errorf("direct fetch cannot handle %q", input)
	}
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	if deadline, ok := ctx.Deadline(); ok {
		collector.SetRequestTimeout(time.Until(deadline))
	}

	var (
		result   pipeline.FetchResult
		fetchErr error
	)
	start := time.Now()
	collector.OnResponse(func(r *colly.Response) {
		result = pipeline.FetchResult{
			Source:      Name,
			Body:        append([]byte(nil), r.Body...),
			ContentType: r.Headers.Get("Content-Type"),
			FinalURL:    r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			Latency:     time.Since(start),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(input)
	}()

	select {
	case <-ctx.Done():
		return pipeline.FetchResult{}, fmt.Errorf("direct fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return pipeline.FetchResult{}, fmt.Errorf("direct visit failed: %w", err)
		}
		if fetchErr != nil {
			return pipeline.FetchResult{}, fmt.Errorf("direct response failed: %w", fetchErr)
		}
		return result, nil
	}
}

// Probe issues a lightweight HEAD request against the configured probe URL.
func (f *Fetcher) Probe(ctx context.Context) error {
	if f.cfg.ProbeURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.cfg.ProbeURL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request: %w", err)
	}
	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close probe body: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe returned %d", resp.StatusCode)
	}
	return nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
