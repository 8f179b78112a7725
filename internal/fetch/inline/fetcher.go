// Package inline implements the trivial fetch strategy for submissions whose
// payload already is the content (not a URL). It never touches the network.
package inline

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stashd-io/stashd/internal/pipeline"
)

// Name is the registry name this strategy answers to.
const Name = "inline"

// Fetcher implements pipeline.FetchStrategy by echoing the input back.
type Fetcher struct{}

// New builds a Fetcher.
func New() *Fetcher { return &Fetcher{} }

// Name identifies the strategy to the source registry.
func (f *Fetcher) Name() string { return Name }

// CanHandle accepts anything that is not a URL; those inputs carry the
// content directly.
func (f *Fetcher) CanHandle(input string) bool {
	return !strings.HasPrefix(input, "http://") && !strings.HasPrefix(input, "https://")
}

// Fetch returns the input itself as the fetched body.
func (f *Fetcher) Fetch(ctx context.Context, input string) (pipeline.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.FetchResult{}, err
	}
	start := time.Now()
	return pipeline.FetchResult{
		Source:      Name,
		Body:        []byte(input),
		ContentType: http.DetectContentType([]byte(input)),
		StatusCode:  http.StatusOK,
		Latency:     time.Since(start),
	}, nil
}

// Probe always succeeds; there is nothing external to check.
func (f *Fetcher) Probe(context.Context) error { return nil }
