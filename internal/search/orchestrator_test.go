package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grocerlabs/pricescout/internal/ai"
	"github.com/grocerlabs/pricescout/internal/pricing"
	storememory "github.com/grocerlabs/pricescout/internal/storage/memory"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

type fakeRegistry struct {
	stores []pricing.Store
	err    error
}

func (f *fakeRegistry) ActiveStores(context.Context) ([]pricing.Store, error) {
	return f.stores, f.err
}

func (f *fakeRegistry) AddStore(context.Context, pricing.Store) error { return nil }

type fakeScraper struct {
	calls   atomic.Int64
	err     error
	byQuery map[string]string // URL substring -> markdown
}

func (f *fakeScraper) ScrapeOne(_ context.Context, url string, _ pricing.ScrapeOptions) (pricing.ScrapeResult, error) {
	res, err := f.ScrapeBatch(context.Background(), []string{url}, pricing.ScrapeOptions{})
	if err != nil {
		return pricing.ScrapeResult{}, err
	}
	return res[0], nil
}

func (f *fakeScraper) ScrapeBatch(_ context.Context, urls []string, _ pricing.ScrapeOptions) ([]pricing.ScrapeResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]pricing.ScrapeResult, len(urls))
	for i, u := range urls {
		out[i] = pricing.ScrapeResult{URL: u, Success: true, Markdown: "page for " + u}
		for substr, md := range f.byQuery {
			if strings.Contains(u, substr) {
				out[i].Markdown = md
			}
		}
	}
	return out, nil
}

func (f *fakeScraper) HealthCheck(context.Context) bool { return f.err == nil }

type fakePlaces struct {
	stores []pricing.LocalStore
}

func (f *fakePlaces) NearbyStores(context.Context, float64, float64, float64, []string) ([]pricing.LocalStore, error) {
	return f.stores, nil
}

// fakeAI scripts per-retailer extraction responses and ordered dispatch
// results.
type fakeAI struct {
	extractByRetailer map[string]string
	dispatches        []ai.DispatchResult
	dispatchCalls     atomic.Int64
	lastPrompt        string
	available         bool
}

func (f *fakeAI) Available() bool { return f.available }

func (f *fakeAI) Complete(_ context.Context, prompt string) (string, string, error) {
	for retailer, resp := range f.extractByRetailer {
		if strings.Contains(prompt, retailer) {
			return resp, "claude", nil
		}
	}
	return `{"offers":[]}`, "claude", nil
}

func (f *fakeAI) DispatchToAll(_ context.Context, prompt string) ai.DispatchResult {
	f.lastPrompt = prompt
	n := int(f.dispatchCalls.Add(1)) - 1
	if n < len(f.dispatches) {
		return f.dispatches[n]
	}
	return ai.DispatchResult{Error: "no scripted dispatch"}
}

func offerJSON(title string, price float64, retailer string) string {
	return fmt.Sprintf(
		`{"offers":[{"title":%q,"price":%v,"retailer":%q,"url":"https://%s.example/p","in_stock":true}]}`,
		title, price, retailer, strings.ToLower(strings.ReplaceAll(retailer, " ", "")),
	)
}

func headphoneStores() []pricing.Store {
	return []pricing.Store{
		{Name: "Amazon", Slug: "amazon", SearchURL: "https://www.amazon.com/s?k={query}", Active: true, Priority: 90},
		{Name: "Best Buy", Slug: "best-buy", SearchURL: "https://www.bestbuy.com/site/searchpage.jsp?st={query}", Active: true, Priority: 70},
	}
}

func newTestOrchestrator(t *testing.T, reg pricing.StoreRegistry, scraper pricing.Scraper, places pricing.PlacesClient, aiSvc AI, jobs pricing.JobStore, cfg Config) *Orchestrator {
	t.Helper()
	return New(reg, scraper, places, aiSvc, jobs, cfg, fixedClock{at: time.Unix(1700000000, 0)}, nil)
}

func TestFilterStores(t *testing.T) {
	t.Parallel()

	stores := []pricing.Store{
		{Name: "Amazon", Slug: "amazon", Active: true},
		{Name: "Kroger", Slug: "kroger", Active: true, LocalPricing: true},
		{Name: "Best Buy", Slug: "best-buy", Active: true},
	}

	favorites := filterStores(stores, pricing.JobOptions{FavoritesOnly: true, FavoriteStores: []string{"Best-Buy"}})
	require.Len(t, favorites, 1)
	require.Equal(t, "Best Buy", favorites[0].Name)

	local := filterStores(stores, pricing.JobOptions{ShopLocal: true})
	require.Len(t, local, 1)
	require.Equal(t, "Kroger", local[0].Name)

	all := filterStores(stores, pricing.JobOptions{})
	require.Len(t, all, 3)
}

func TestRun_TemplateScrapeSatisfiesQuery(t *testing.T) {
	t.Parallel()

	aiSvc := &fakeAI{
		available: true,
		extractByRetailer: map[string]string{
			"Amazon":   offerJSON("Sony WH-1000XM5 Wireless Headphones", 349.99, "Amazon"),
			"Best Buy": offerJSON("Sony WH-1000XM5 Wireless Headphones", 329.99, "Best Buy"),
		},
	}
	jobs := storememory.NewJobStore()
	require.NoError(t, jobs.CreateJob(context.Background(), pricing.Job{ID: "job-1", Status: pricing.JobStatusPending, Created: time.Now()}))

	o := newTestOrchestrator(t, &fakeRegistry{stores: headphoneStores()}, &fakeScraper{}, nil, aiSvc, jobs, Config{MinOffers: 2})

	result, err := o.Run(context.Background(), "job-1", pricing.JobOptions{Query: "Sony WH-1000XM5"})
	require.NoError(t, err)
	require.Len(t, result.Offers, 2)
	require.InDelta(t, 329.99, result.LowestPrice, 0.001)
	require.InDelta(t, 349.99, result.HighestPrice, 0.001)
	// Cheapest offer sorts first.
	require.Equal(t, "Best Buy", result.Offers[0].Retailer)
	require.Equal(t, pricing.SourceStoreTemplate, result.Offers[0].Source)
	require.Empty(t, result.ProvidersUsed)
	require.Equal(t, []string{string(pricing.SourceStoreTemplate)}, result.SourcesUsed)
	require.EqualValues(t, 0, aiSvc.dispatchCalls.Load())
}

func TestRun_EscalatesToDiscoveryWhenScrapeFails(t *testing.T) {
	t.Parallel()

	aiSvc := &fakeAI{
		available: true,
		dispatches: []ai.DispatchResult{{
			Aggregated: offerJSON("Sony WH-1000XM5", 339.0, "Target"),
			PerProvider: []ai.ProviderResult{
				{Provider: "claude", Response: "ok"},
				{Provider: "openai", Error: "timeout"},
			},
		}},
	}
	scraper := &fakeScraper{err: errors.New("scrape service down")}
	o := newTestOrchestrator(t, &fakeRegistry{stores: headphoneStores()}, scraper, nil, aiSvc, storememory.NewJobStore(), Config{MinOffers: 1})

	result, err := o.Run(context.Background(), "", pricing.JobOptions{Query: "Sony WH-1000XM5"})
	require.NoError(t, err)
	require.Len(t, result.Offers, 1)
	require.Equal(t, pricing.SourceAIDiscovery, result.Offers[0].Source)
	require.Equal(t, []string{"claude"}, result.ProvidersUsed)
	require.Equal(t, []string{string(pricing.SourceAIDiscovery)}, result.SourcesUsed)
}

func TestRun_FallsBackToEstimation(t *testing.T) {
	t.Parallel()

	aiSvc := &fakeAI{
		available: true,
		dispatches: []ai.DispatchResult{
			{Error: "all AI providers failed"},
			{
				Aggregated:  offerJSON("obscure gadget", 19.99, "Estimated"),
				PerProvider: []ai.ProviderResult{{Provider: "gemini", Response: "ok"}},
			},
		},
	}
	scraper := &fakeScraper{err: errors.New("down")}
	o := newTestOrchestrator(t, &fakeRegistry{stores: headphoneStores()}, scraper, nil, aiSvc, storememory.NewJobStore(), Config{MinOffers: 1})

	result, err := o.Run(context.Background(), "", pricing.JobOptions{Query: "obscure gadget"})
	require.NoError(t, err)
	require.Len(t, result.Offers, 1)
	require.Equal(t, pricing.SourceAIEstimation, result.Offers[0].Source)
	require.Equal(t, []string{string(pricing.SourceAIEstimation)}, result.SourcesUsed)
	require.EqualValues(t, 2, aiSvc.dispatchCalls.Load())
}

func TestRun_CancellationStopsBeforeDiscovery(t *testing.T) {
	t.Parallel()

	aiSvc := &fakeAI{available: true}
	jobs := storememory.NewJobStore()
	ctx := context.Background()
	require.NoError(t, jobs.CreateJob(ctx, pricing.Job{ID: "job-1", Status: pricing.JobStatusPending, Created: time.Now()}))
	require.NoError(t, jobs.RequestCancel(ctx, "job-1"))

	scraper := &fakeScraper{err: errors.New("down")}
	o := newTestOrchestrator(t, &fakeRegistry{stores: headphoneStores()}, scraper, nil, aiSvc, jobs, Config{MinOffers: 1})

	result, err := o.Run(ctx, "job-1", pricing.JobOptions{Query: "anything"})
	require.NoError(t, err)
	require.True(t, result.Cancelled)
	require.Empty(t, result.Offers)
	require.EqualValues(t, 0, aiSvc.dispatchCalls.Load())
}

func TestRun_ResultCacheSkipsSecondScrape(t *testing.T) {
	t.Parallel()

	aiSvc := &fakeAI{
		available: true,
		extractByRetailer: map[string]string{
			"Amazon": offerJSON("widget", 10.0, "Amazon"),
		},
	}
	scraper := &fakeScraper{}
	o := newTestOrchestrator(t, &fakeRegistry{stores: headphoneStores()}, scraper, nil, aiSvc, storememory.NewJobStore(), Config{MinOffers: 1})

	_, err := o.Run(context.Background(), "", pricing.JobOptions{Query: "widget"})
	require.NoError(t, err)
	result, err := o.Run(context.Background(), "", pricing.JobOptions{Query: "widget"})
	require.NoError(t, err)
	require.Len(t, result.Offers, 1)
	require.EqualValues(t, 1, scraper.calls.Load())
}

func TestRun_FavoritesRunDoesNotAnswerUnrestrictedQuery(t *testing.T) {
	t.Parallel()

	aiSvc := &fakeAI{
		available: true,
		extractByRetailer: map[string]string{
			"Amazon":   offerJSON("widget", 10.0, "Amazon"),
			"Best Buy": offerJSON("widget", 8.0, "Best Buy"),
		},
	}
	scraper := &fakeScraper{}
	o := newTestOrchestrator(t, &fakeRegistry{stores: headphoneStores()}, scraper, nil, aiSvc, storememory.NewJobStore(), Config{MinOffers: 1})

	narrowed, err := o.Run(context.Background(), "", pricing.JobOptions{
		Query:          "widget",
		FavoritesOnly:  true,
		FavoriteStores: []string{"amazon"},
	})
	require.NoError(t, err)
	require.Len(t, narrowed.Offers, 1)

	full, err := o.Run(context.Background(), "", pricing.JobOptions{Query: "widget"})
	require.NoError(t, err)
	require.Len(t, full.Offers, 2)
	require.EqualValues(t, 2, scraper.calls.Load())

	// Same restriction again is a cache hit.
	again, err := o.Run(context.Background(), "", pricing.JobOptions{
		Query:          "widget",
		FavoritesOnly:  true,
		FavoriteStores: []string{"amazon"},
	})
	require.NoError(t, err)
	require.Len(t, again.Offers, 1)
	require.EqualValues(t, 2, scraper.calls.Load())
}

func TestRun_SkipCacheForcesFreshScrape(t *testing.T) {
	t.Parallel()

	aiSvc := &fakeAI{
		available: true,
		extractByRetailer: map[string]string{
			"Amazon": offerJSON("widget", 10.0, "Amazon"),
		},
	}
	scraper := &fakeScraper{}
	o := newTestOrchestrator(t, &fakeRegistry{stores: headphoneStores()}, scraper, nil, aiSvc, storememory.NewJobStore(), Config{MinOffers: 1})

	_, err := o.Run(context.Background(), "", pricing.JobOptions{Query: "widget"})
	require.NoError(t, err)
	result, err := o.Run(context.Background(), "", pricing.JobOptions{Query: "widget", SkipCache: true})
	require.NoError(t, err)
	require.Len(t, result.Offers, 1)
	require.EqualValues(t, 2, scraper.calls.Load())
}

func TestRun_ShopLocalInjectsNearbyStoresIntoPrompt(t *testing.T) {
	t.Parallel()

	aiSvc := &fakeAI{
		available: true,
		dispatches: []ai.DispatchResult{{
			Aggregated:  offerJSON("milk 1 gallon", 4.49, "Ralphs"),
			PerProvider: []ai.ProviderResult{{Provider: "claude", Response: "ok"}},
		}},
	}
	places := &fakePlaces{stores: []pricing.LocalStore{
		{Name: "Ralphs", Category: "grocery", DistanceMiles: 1.2},
		{Name: "Trader Joe's", Category: "grocery", DistanceMiles: 2.5},
	}}
	scraper := &fakeScraper{err: errors.New("down")}
	o := newTestOrchestrator(t, &fakeRegistry{stores: nil}, scraper, places, aiSvc, storememory.NewJobStore(), Config{MinOffers: 1})

	opts := pricing.JobOptions{
		Query:     "milk 1 gallon",
		ShopLocal: true,
		ZipCode:   "90210",
		Latitude:  34.09,
		Longitude: -118.41,
		IsGeneric: true,
	}
	result, err := o.Run(context.Background(), "", opts)
	require.NoError(t, err)
	require.Contains(t, aiSvc.lastPrompt, "90210")
	require.Contains(t, aiSvc.lastPrompt, "Ralphs")
	require.True(t, result.IsGeneric)
}

func TestRun_NoOffersAnywhereSetsError(t *testing.T) {
	t.Parallel()

	aiSvc := &fakeAI{
		available: true,
		dispatches: []ai.DispatchResult{
			{Error: "all AI providers failed"},
			{Error: "all AI providers failed"},
		},
	}
	scraper := &fakeScraper{err: errors.New("down")}
	o := newTestOrchestrator(t, &fakeRegistry{stores: nil}, scraper, nil, aiSvc, storememory.NewJobStore(), Config{MinOffers: 1})

	result, err := o.Run(context.Background(), "", pricing.JobOptions{Query: "ghost item"})
	require.NoError(t, err)
	require.Empty(t, result.Offers)
	require.NotEmpty(t, result.Error)
	require.Zero(t, result.LowestPrice)
}

func TestRun_RequiresQuery(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, &fakeRegistry{}, &fakeScraper{}, nil, &fakeAI{}, storememory.NewJobStore(), Config{})
	_, err := o.Run(context.Background(), "", pricing.JobOptions{Query: "   "})
	require.Error(t, err)
}

func TestRun_ProgressNeverExceedsNinety(t *testing.T) {
	t.Parallel()

	aiSvc := &fakeAI{
		available: true,
		extractByRetailer: map[string]string{
			"Amazon": offerJSON("widget", 10.0, "Amazon"),
		},
	}
	jobs := storememory.NewJobStore()
	ctx := context.Background()
	require.NoError(t, jobs.CreateJob(ctx, pricing.Job{ID: "job-1", Status: pricing.JobStatusPending, Created: time.Now()}))

	o := newTestOrchestrator(t, &fakeRegistry{stores: headphoneStores()}, &fakeScraper{}, nil, aiSvc, jobs, Config{MinOffers: 1})
	_, err := o.Run(ctx, "job-1", pricing.JobOptions{Query: "widget"})
	require.NoError(t, err)

	job, err := jobs.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, 90, job.Progress)
}
