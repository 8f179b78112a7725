package direct

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanHandle(t *testing.T) {
	t.Parallel()
	f := New(Config{})

	require.True(t, f.CanHandle("https://example.com"))
	require.True(t, f.CanHandle("http://example.com"))
	require.False(t, f.CanHandle("raw content"))
	require.False(t, f.CanHandle("ftp://example.com"))
}

func TestFetchReturnsPage(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "stashd-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html>live page</html>")
	}))
	t.Cleanup(ts.Close)

	f := New(Config{UserAgent: "stashd-test"})
	result, err := f.Fetch(context.Background(), ts.URL)
	require.NoError(t, err)
	require.Equal(t, Name, result.Source)
	require.Equal(t, []byte("<html>live page</html>"), result.Body)
	require.Equal(t, "text/html; charset=utf-8", result.ContentType)
	require.Equal(t, http.StatusOK, result.StatusCode)
}

func TestFetchReportsHTTPErrors(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(ts.Close)

	f := New(Config{})
	_, err := f.Fetch(context.Background(), ts.URL)
	require.Error(t, err)
}

func TestFetchRejectsNonURLInput(t *testing.T) {
	t.Parallel()
	f := New(Config{})

	_, err := f.Fetch(context.Background(), "just text")
	require.Error(t, err)
}

func TestFetchHonorsContextDeadline(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(ts.Close)

	f := New(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, ts.URL)
	require.Error(t, err)
}

func TestProbe(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(ts.Close)

	// No probe URL configured: trivially healthy.
	require.NoError(t, New(Config{}).Probe(context.Background()))

	require.NoError(t, New(Config{ProbeURL: ts.URL}).Probe(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(down.Close)
	require.Error(t, New(Config{ProbeURL: down.URL}).Probe(context.Background()))
}
