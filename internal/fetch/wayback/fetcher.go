// Package wayback implements a fetch strategy backed by the Internet
// Archive Wayback Machine. It asks the availability API for the closest
// snapshot of a URL and downloads that snapshot instead of the live page.
package wayback

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stashd-io/stashd/internal/pipeline"
)

// Name is the registry name this strategy answers to.
const Name = "wayback"

// DefaultAPIBase is the public availability API endpoint.
const DefaultAPIBase = "https://archive.org/wayback/available"

// Config controls the wayback strategy.
type Config struct {
	// APIBase overrides the availability endpoint (tests point it at a
	// local httptest server).
	APIBase   string
	UserAgent string
}

// Fetcher implements pipeline.FetchStrategy via archived snapshots.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	return &Fetcher{cfg: cfg, client: &http.Client{}}
}

// Name identifies the strategy to the source registry.
func (f *Fetcher) Name() string { return Name }

// CanHandle accepts http and https URLs.
func (f *Fetcher) CanHandle(input string) bool {
	return strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://")
}

// availabilityResponse models the subset of the availability API we use.
type availabilityResponse struct {
	ArchivedSnapshots struct {
		Closest struct {
			Available bool   `json:"available"`
			URL       string `json:"url"`
			Timestamp string `json:"timestamp"` // 14-digit YYYYMMDDhhmmss
			Status    string `json:"status"`
		} `json:"closest"`
	} `json:"archived_snapshots"`
}

// Fetch resolves the closest snapshot for input and downloads it.
func (f *Fetcher) Fetch(ctx context.Context, input string) (pipeline.FetchResult, error) {
	if !f.CanHandle(input) {
		return pipeline.FetchResult{}, fmt.Errorf("wayback fetch cannot handle %q", input)
	}
	start := time.Now()

	snapshotURL, err := f.closestSnapshot(ctx, input)
	if err != nil {
		return pipeline.FetchResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, snapshotURL, nil)
	if err != nil {
		return pipeline.FetchResult{}, fmt.Errorf("build snapshot request: %w", err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return pipeline.FetchResult{}, fmt.Errorf("download snapshot: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only response body

	if resp.StatusCode != http.StatusOK {
		return pipeline.FetchResult{}, fmt.Errorf("snapshot returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return pipeline.FetchResult{}, fmt.Errorf("read snapshot body: %w", err)
	}
	return pipeline.FetchResult{
		Source:      Name,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    snapshotURL,
		StatusCode:  resp.StatusCode,
		Latency:     time.Since(start),
	}, nil
}

// Probe checks that the availability API answers for a known URL.
func (f *Fetcher) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		f.cfg.APIBase+"?url="+url.QueryEscape("example.com"), nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe availability api: %w", err)
	}
	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close probe body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("availability api returned %d", resp.StatusCode)
	}
	return nil
}

func (f *Fetcher) closestSnapshot(ctx context.Context, input string) (string, error) {
	apiURL := f.cfg.APIBase + "?url=" + url.QueryEscape(input)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", fmt.Errorf("build availability request: %w", err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("query availability api: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only response body

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("availability api returned %d", resp.StatusCode)
	}
	var avail availabilityResponse
	if err := json.NewDecoder(resp.Body).Decode(&avail); err != nil {
		return "", fmt.Errorf("decode availability response: %w", err)
	}
	closest := avail.ArchivedSnapshots.Closest
	if !closest.Available || closest.URL == "" {
		return "", fmt.Errorf("no archived snapshot for %s", input)
	}
	// The API frequently returns http:// snapshot URLs; upgrade them.
	if strings.HasPrefix(closest.URL, "http://web.archive.org/") {
		return "https://" + strings.TrimPrefix(closest.URL, "http://"), nil
	}
	return closest.URL, nil
}
