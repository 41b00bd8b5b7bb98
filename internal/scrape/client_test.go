package scrape

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grocerlabs/pricescout/internal/pricing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:     srv.URL,
		Timeout:     5 * time.Second,
		BatchPerURL: time.Second,
	}, nil, zap.NewNop())
}

func TestClient_ScrapeOne_Succeeds(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/scrape", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "https://example.com/search?q=milk", req["url"])
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"success":  true,
			"markdown": "# Milk\n$3.99",
			"title":    "Milk - Example",
		}))
	})

	res, err := client.ScrapeOne(context.Background(), "https://example.com/search?q=milk", pricing.ScrapeOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.False(t, res.Suspicious)
	require.Equal(t, "Milk - Example", res.Title)
	require.Contains(t, res.Markdown, "$3.99")
}

func TestClient_ScrapeOne_RejectsInvalidScheme(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("service must not be called for invalid URLs")
	})

	_, err := client.ScrapeOne(context.Background(), "ftp://example.com/file", pricing.ScrapeOptions{})
	require.ErrorIs(t, err, ErrInvalidURL)

	_, err = client.ScrapeOne(context.Background(), "not a url at all://", pricing.ScrapeOptions{})
	require.ErrorIs(t, err, ErrInvalidURL)
}

func TestClient_ScrapeOne_FlagsBotBlock(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"success":  true,
			"markdown": "Robot Check: we need to verify you are human before continuing.",
		}))
	})

	res, err := client.ScrapeOne(context.Background(), "https://example.com", pricing.ScrapeOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.Suspicious)
}

func TestClient_ScrapeBatch_PreservesOrder(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/batch", r.URL.Path)
		var req struct {
			URLs []string `json:"urls"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		results := make([]map[string]any, len(req.URLs))
		for i, u := range req.URLs {
			results[i] = map[string]any{"success": true, "markdown": "page for " + u}
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"results": results}))
	})

	urls := []string{
		"https://a.example.com/search",
		"bad-scheme://nope",
		"https://b.example.com/search",
	}
	results, err := client.ScrapeBatch(context.Background(), urls, pricing.ScrapeOptions{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, "page for https://a.example.com/search", results[0].Markdown)
	require.False(t, results[1].Success)
	require.Contains(t, results[1].Error, "invalid scrape url")
	require.Equal(t, "page for https://b.example.com/search", results[2].Markdown)
}

func TestClient_ScrapeBatch_OutlivesSingleScrapeBudget(t *testing.T) {
	t.Parallel()

	// The service works batches through a bounded worker pool, so batch
	// wall-clock grows with URL count. The client must not cap a batch at
	// the single-scrape budget.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(400 * time.Millisecond)
		results := []map[string]any{
			{"success": true, "markdown": "a"},
			{"success": true, "markdown": "b"},
			{"success": true, "markdown": "c"},
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"results": results}))
	}))
	t.Cleanup(srv.Close)
	client := NewClient(Config{
		BaseURL:     srv.URL,
		Timeout:     100 * time.Millisecond,
		BatchPerURL: 300 * time.Millisecond,
	}, nil, zap.NewNop())

	urls := []string{
		"https://a.example.com/search",
		"https://b.example.com/search",
		"https://c.example.com/search",
	}
	results, err := client.ScrapeBatch(context.Background(), urls, pricing.ScrapeOptions{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		require.True(t, r.Success)
	}
}

func TestClient_ScrapeBatch_CountMismatch(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"results": []any{}}))
	})

	_, err := client.ScrapeBatch(context.Background(), []string{"https://example.com"}, pricing.ScrapeOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not match")
}

func TestClient_HealthCheck(t *testing.T) {
	t.Parallel()

	healthy := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	require.True(t, healthy.HealthCheck(context.Background()))

	sick := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	require.False(t, sick.HealthCheck(context.Background()))
}

func TestLooksBlocked(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{name: "empty", content: "", want: false},
		{name: "normal page", content: "# Results\nSony WH-1000XM5 $329.99", want: false},
		{name: "captcha near top", content: "Please solve this CAPTCHA to continue", want: true},
		{name: "access denied deep in page", content: string(make([]byte, 600)) + "access denied", want: true},
		{name: "cloudflare interstitial", content: "Checking your browser before accessing example.com", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, LooksBlocked(tt.content))
		})
	}
}
