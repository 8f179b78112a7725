package wayback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// newArchiveServer serves both the availability API and the snapshot itself.
func newArchiveServer(t *testing.T, available bool, snapshotBody string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var ts *httptest.Server
	mux.HandleFunc("/wayback/available", func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.URL.Query().Get("url"))
		var resp availabilityResponse
		if available {
			resp.ArchivedSnapshots.Closest.Available = true
			resp.ArchivedSnapshots.Closest.URL = ts.URL + "/snapshot"
			resp.ArchivedSnapshots.Closest.Timestamp = "20240101000000"
			resp.ArchivedSnapshots.Closest.Status = "200"
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, snapshotBody)
	})
	ts = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestCanHandle(t *testing.T) {
	t.Parallel()
	f := New(Config{})

	require.True(t, f.CanHandle("https://example.com"))
	require.True(t, f.CanHandle("http://example.com"))
	require.False(t, f.CanHandle("plain text payload"))
}

func TestFetchDownloadsClosestSnapshot(t *testing.T) {
	t.Parallel()
	ts := newArchiveServer(t, true, "<html>archived copy</html>")
	f := New(Config{APIBase: ts.URL + "/wayback/available", UserAgent: "stashd-test"})

	result, err := f.Fetch(context.Background(), "https://example.com/page")
	require.NoError(t, err)
	require.Equal(t, Name, result.Source)
	require.Equal(t, []byte("<html>archived copy</html>"), result.Body)
	require.Equal(t, "text/html", result.ContentType)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Equal(t, ts.URL+"/snapshot", result.FinalURL)
}

func TestFetchFailsWhenNoSnapshotExists(t *testing.T) {
	t.Parallel()
	ts := newArchiveServer(t, false, "")
	f := New(Config{APIBase: ts.URL + "/wayback/available"})

	_, err := f.Fetch(context.Background(), "https://never-archived.example")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no archived snapshot")
}

func TestFetchFailsWhenAvailabilityAPIErrors(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(ts.Close)
	f := New(Config{APIBase: ts.URL})

	_, err := f.Fetch(context.Background(), "https://example.com")
	require.Error(t, err)
	require.Contains(t, err.Error(), "availability api returned 502")
}

func TestFetchRejectsNonURLInput(t *testing.T) {
	t.Parallel()
	f := New(Config{})

	_, err := f.Fetch(context.Background(), "not a url")
	require.Error(t, err)
}

func TestClosestSnapshotUpgradesArchiveURLs(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var resp availabilityResponse
		resp.ArchivedSnapshots.Closest.Available = true
		resp.ArchivedSnapshots.Closest.URL = "http://web.archive.org/web/20240101000000/https://example.com/"
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(ts.Close)
	f := New(Config{APIBase: ts.URL})

	snapshotURL, err := f.closestSnapshot(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, "https://web.archive.org/web/20240101000000/https://example.com/", snapshotURL)
}

func TestProbe(t *testing.T) {
	t.Parallel()
	ts := newArchiveServer(t, true, "")
	f := New(Config{APIBase: ts.URL + "/wayback/available"})
	require.NoError(t, f.Probe(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)
	f = New(Config{APIBase: down.URL})
	require.Error(t, f.Probe(context.Background()))
}
