// Package search implements the tiered price discovery strategy: template
// scraping first, AI-guided discovery second, AI estimation as a last
// resort. Each tier runs only when the previous one produced fewer usable
// offers than the configured threshold.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/grocerlabs/pricescout/internal/ai"
	"github.com/grocerlabs/pricescout/internal/cache"
	"github.com/grocerlabs/pricescout/internal/dedupe"
	"github.com/grocerlabs/pricescout/internal/metrics"
	"github.com/grocerlabs/pricescout/internal/parse"
	"github.com/grocerlabs/pricescout/internal/pricing"
	"github.com/grocerlabs/pricescout/internal/registry"
)

// AI is the subset of the AI service the orchestrator depends on.
type AI interface {
	Available() bool
	Complete(ctx context.Context, prompt string) (response, provider string, err error)
	DispatchToAll(ctx context.Context, prompt string) ai.DispatchResult
}

// Config tunes the orchestrator.
type Config struct {
	// MinOffers is the escalation threshold between tiers.
	MinOffers int
	// MaxStores caps how many registry stores tier 1 scrapes per query.
	MaxStores int
	// ResultTTL controls the query result cache.
	ResultTTL time.Duration
	// LocalRadiusMiles is the nearby-store search radius for shop-local runs.
	LocalRadiusMiles float64
	// LocalStoreTTL controls how long discovered nearby stores are reused
	// across jobs before the places API is consulted again.
	LocalStoreTTL time.Duration
}

// Orchestrator coordinates the three tiers for one query at a time.
type Orchestrator struct {
	registry pricing.StoreRegistry
	scraper  pricing.Scraper
	places   pricing.PlacesClient
	ai       AI
	jobs     pricing.JobStore
	cfg      Config
	results  *cache.TTL[pricing.AggregatedResult]
	local    *cache.TTL[[]pricing.LocalStore]
	clock    pricing.Clock
	logger   *zap.Logger
}

// New constructs an Orchestrator. places may be nil when no API key is
// configured; shop-local runs then proceed without nearby-store context.
func New(
	reg pricing.StoreRegistry,
	scraper pricing.Scraper,
	places pricing.PlacesClient,
	aiSvc AI,
	jobs pricing.JobStore,
	cfg Config,
	clock pricing.Clock,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.MinOffers <= 0 {
		cfg.MinOffers = 3
	}
	if cfg.MaxStores <= 0 {
		cfg.MaxStores = 8
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 15 * time.Minute
	}
	if cfg.LocalStoreTTL <= 0 {
		cfg.LocalStoreTTL = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry: reg,
		scraper:  scraper,
		places:   places,
		ai:       aiSvc,
		jobs:     jobs,
		cfg:      cfg,
		results:  cache.New[pricing.AggregatedResult](cfg.ResultTTL),
		local:    cache.New[[]pricing.LocalStore](cfg.LocalStoreTTL),
		clock:    clock,
		logger:   logger,
	}
}

// Run executes the tiered search for one job. Cancellation is cooperative:
// the job's cancel flag is checked at tier boundaries, and a cancelled run
// returns a result with Cancelled set instead of an error.
func (o *Orchestrator) Run(ctx context.Context, jobID string, opts pricing.JobOptions) (pricing.AggregatedResult, error) {
	query := strings.TrimSpace(opts.Query)
	if query == "" {
		return pricing.AggregatedResult{}, fmt.Errorf("query is required")
	}

	key := resultKey(query, opts)
	if !opts.SkipCache {
		if cached, ok := o.results.Get(key); ok {
			o.log(ctx, jobID, pricing.LogInfo, "serving cached result", nil)
			cached.GeneratedAt = o.clock.Now()
			return cached, nil
		}
	}

	o.progress(ctx, jobID, 10)

	var (
		allOffers     [][]pricing.PriceOffer
		sourcesUsed   []string
		providersUsed []string
		isGeneric     = opts.IsGeneric
		unit          = opts.UnitOfMeasure
		tierErrors    []string
	)

	// Tier 1: template scraping against the vendor catalog.
	offers := o.runTemplateScrape(ctx, jobID, query, opts)
	if len(offers) > 0 {
		allOffers = append(allOffers, offers)
		sourcesUsed = append(sourcesUsed, string(pricing.SourceStoreTemplate))
		metrics.ObserveOffers(string(pricing.SourceStoreTemplate), len(offers))
	}
	o.progress(ctx, jobID, 50)

	total := countOffers(allOffers)
	if total < o.cfg.MinOffers {
		if cancelled, res := o.checkCancel(ctx, jobID, query); cancelled {
			return res, nil
		}
		discovered, providers, meta, err := o.runDiscovery(ctx, jobID, query, opts)
		if err != nil {
			tierErrors = append(tierErrors, err.Error())
		}
		if len(discovered) > 0 {
			allOffers = append(allOffers, discovered)
			sourcesUsed = append(sourcesUsed, string(pricing.SourceAIDiscovery))
			metrics.ObserveOffers(string(pricing.SourceAIDiscovery), len(discovered))
		}
		providersUsed = appendUnique(providersUsed, providers...)
		if meta.IsGeneric {
			isGeneric = true
		}
		if unit == "" {
			unit = meta.UnitOfMeasure
		}
	}
	o.progress(ctx, jobID, 75)

	total = countOffers(allOffers)
	if total < o.cfg.MinOffers {
		if cancelled, res := o.checkCancel(ctx, jobID, query); cancelled {
			return res, nil
		}
		estimated, providers, meta, err := o.runEstimation(ctx, jobID, query, opts)
		if err != nil {
			tierErrors = append(tierErrors, err.Error())
		}
		if len(estimated) > 0 {
			allOffers = append(allOffers, estimated)
			sourcesUsed = append(sourcesUsed, string(pricing.SourceAIEstimation))
			metrics.ObserveOffers(string(pricing.SourceAIEstimation), len(estimated))
		}
		providersUsed = appendUnique(providersUsed, providers...)
		if meta.IsGeneric {
			isGeneric = true
		}
		if unit == "" {
			unit = meta.UnitOfMeasure
		}
	}
	o.progress(ctx, jobID, 90)

	merged := dedupe.Merge(allOffers...)
	lowest, highest := dedupe.PriceRange(merged)

	result := pricing.AggregatedResult{
		Query:         query,
		Offers:        merged,
		LowestPrice:   lowest,
		HighestPrice:  highest,
		ProvidersUsed: providersUsed,
		SourcesUsed:   sourcesUsed,
		IsGeneric:     isGeneric,
		UnitOfMeasure: unit,
		GeneratedAt:   o.clock.Now(),
	}
	if len(merged) == 0 {
		if len(tierErrors) > 0 {
			result.Error = strings.Join(tierErrors, "; ")
		} else {
			result.Error = "no offers found"
		}
	}

	if result.Error == "" {
		o.results.Set(key, result)
	}
	o.log(ctx, jobID, pricing.LogSuccess,
		fmt.Sprintf("search finished with %d offers", len(merged)),
		map[string]any{"sources": sourcesUsed})
	return result, nil
}

// runTemplateScrape is tier 1: resolve search URLs from the vendor catalog,
// scrape them in one batch, and extract offers from each page.
func (o *Orchestrator) runTemplateScrape(ctx context.Context, jobID, query string, opts pricing.JobOptions) []pricing.PriceOffer {
	stores, err := o.registry.ActiveStores(ctx)
	if err != nil {
		o.log(ctx, jobID, pricing.LogWarning, "store catalog unavailable", map[string]any{"error": err.Error()})
		return nil
	}
	stores = filterStores(stores, opts)

	loc := locationFrom(opts)
	var (
		urls    []string
		byIndex []pricing.Store
	)
	for _, store := range stores {
		if len(urls) >= o.cfg.MaxStores {
			break
		}
		u := registry.BuildSearchURL(store, query, loc)
		if u == "" {
			continue
		}
		urls = append(urls, u)
		byIndex = append(byIndex, store)
	}
	if len(urls) == 0 {
		return nil
	}

	o.log(ctx, jobID, pricing.LogInfo,
		fmt.Sprintf("scraping %d store search pages", len(urls)), nil)
	results, err := o.scraper.ScrapeBatch(ctx, urls, pricing.ScrapeOptions{})
	if err != nil {
		o.log(ctx, jobID, pricing.LogWarning, "scrape batch failed", map[string]any{"error": err.Error()})
		return nil
	}
	o.progress(ctx, jobID, 30)

	var offers []pricing.PriceOffer
	for i, res := range results {
		if !res.Success {
			continue
		}
		if res.Suspicious {
			o.log(ctx, jobID, pricing.LogWarning, "page looks bot-blocked, skipping",
				map[string]any{"retailer": byIndex[i].Name})
			continue
		}
		extracted := o.extractOffers(ctx, jobID, query, byIndex[i], res.Markdown)
		offers = append(offers, extracted...)
	}
	if len(offers) > 0 {
		o.log(ctx, jobID, pricing.LogSuccess,
			fmt.Sprintf("found %d offers from store pages", len(offers)), nil)
	}
	return offers
}

// extractOffers turns one scraped page into structured offers.
func (o *Orchestrator) extractOffers(ctx context.Context, jobID, query string, store pricing.Store, markdown string) []pricing.PriceOffer {
	if strings.TrimSpace(markdown) == "" || !o.ai.Available() {
		return nil
	}
	prompt := ai.BuildExtractionPrompt(query, store.Name, markdown)
	response, provider, err := o.ai.Complete(ctx, prompt)
	if err != nil {
		o.log(ctx, jobID, pricing.LogWarning, "offer extraction failed",
			map[string]any{"retailer": store.Name, "error": err.Error()})
		return nil
	}
	parsed := parse.Offers(response)
	out := make([]pricing.PriceOffer, 0, len(parsed.Offers))
	for _, offer := range parsed.Offers {
		offer.Source = pricing.SourceStoreTemplate
		offer.Provider = provider
		if offer.Retailer == "" {
			offer.Retailer = store.Name
		}
		out = append(out, offer)
	}
	return out
}

// filterStores narrows the tier-1 candidates. Favorites-only runs keep just
// the named stores; shop-local runs prefer locally priced vendors when the
// catalog has any.
func filterStores(stores []pricing.Store, opts pricing.JobOptions) []pricing.Store {
	if opts.FavoritesOnly && len(opts.FavoriteStores) > 0 {
		want := make(map[string]struct{}, len(opts.FavoriteStores))
		for _, slug := range opts.FavoriteStores {
			want[strings.ToLower(slug)] = struct{}{}
		}
		var out []pricing.Store
		for _, s := range stores {
			if _, ok := want[s.Slug]; ok {
				out = append(out, s)
			}
		}
		return out
	}
	if opts.ShopLocal {
		var local []pricing.Store
		for _, s := range stores {
			if s.LocalPricing {
				local = append(local, s)
			}
		}
		if len(local) > 0 {
			return local
		}
	}
	return stores
}

// runDiscovery is tier 2: fan the query out to every AI provider, with
// nearby-store context when the caller asked for local results.
func (o *Orchestrator) runDiscovery(ctx context.Context, jobID, query string, opts pricing.JobOptions) ([]pricing.PriceOffer, []string, parse.Result, error) {
	if !o.ai.Available() {
		return nil, nil, parse.Result{}, fmt.Errorf("no AI provider configured")
	}

	var localStores []pricing.LocalStore
	if opts.ShopLocal && o.places != nil && (opts.Latitude != 0 || opts.Longitude != 0) {
		localKey := fmt.Sprintf("%.4f|%.4f", opts.Latitude, opts.Longitude)
		if cached, ok := o.local.Get(localKey); ok {
			localStores = cached
		} else {
			var err error
			localStores, err = o.places.NearbyStores(ctx, opts.Latitude, opts.Longitude, o.cfg.LocalRadiusMiles, nil)
			if err != nil {
				o.log(ctx, jobID, pricing.LogWarning, "nearby store lookup failed", map[string]any{"error": err.Error()})
			} else if len(localStores) > 0 {
				o.local.Set(localKey, localStores)
			}
		}
		if len(localStores) > 0 {
			o.log(ctx, jobID, pricing.LogInfo,
				fmt.Sprintf("found %d stores near %s", len(localStores), opts.ZipCode), nil)
		}
	}

	o.log(ctx, jobID, pricing.LogInfo, "asking AI providers to discover prices", nil)
	prompt := ai.BuildDiscoveryPrompt(query, opts, localStores)
	return o.dispatchAndParse(ctx, prompt, pricing.SourceAIDiscovery)
}

// runEstimation is tier 3: no live data, just the models' market knowledge.
func (o *Orchestrator) runEstimation(ctx context.Context, jobID, query string, opts pricing.JobOptions) ([]pricing.PriceOffer, []string, parse.Result, error) {
	if !o.ai.Available() {
		return nil, nil, parse.Result{}, fmt.Errorf("no AI provider configured")
	}
	o.log(ctx, jobID, pricing.LogInfo, "estimating price from model knowledge", nil)
	prompt := ai.BuildEstimationPrompt(query, opts)
	return o.dispatchAndParse(ctx, prompt, pricing.SourceAIEstimation)
}

func (o *Orchestrator) dispatchAndParse(ctx context.Context, prompt string, source pricing.OfferSource) ([]pricing.PriceOffer, []string, parse.Result, error) {
	disp := o.ai.DispatchToAll(ctx, prompt)

	var providers []string
	for _, pr := range disp.PerProvider {
		if pr.Error == "" {
			providers = append(providers, pr.Provider)
		}
	}
	if disp.Error != "" {
		return nil, providers, parse.Result{}, fmt.Errorf("%s", disp.Error)
	}

	parsed := parse.Offers(disp.Aggregated)
	offers := make([]pricing.PriceOffer, 0, len(parsed.Offers))
	for _, offer := range parsed.Offers {
		offer.Source = source
		offers = append(offers, offer)
	}
	return offers, providers, parsed, nil
}

// checkCancel polls the cooperative cancel flag. On cancel it returns a
// minimal result marked Cancelled; the caller persists the terminal state.
func (o *Orchestrator) checkCancel(ctx context.Context, jobID, query string) (bool, pricing.AggregatedResult) {
	if jobID == "" || o.jobs == nil {
		return false, pricing.AggregatedResult{}
	}
	cancelled, err := o.jobs.IsCancelRequested(ctx, jobID)
	if err != nil || !cancelled {
		return false, pricing.AggregatedResult{}
	}
	o.log(ctx, jobID, pricing.LogWarning, "cancellation requested, stopping search", nil)
	return true, pricing.AggregatedResult{
		Query:       query,
		Cancelled:   true,
		GeneratedAt: o.clock.Now(),
	}
}

func (o *Orchestrator) progress(ctx context.Context, jobID string, pct int) {
	if jobID == "" || o.jobs == nil {
		return
	}
	if err := o.jobs.UpdateProgress(ctx, jobID, pct); err != nil {
		o.logger.Debug("progress update failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (o *Orchestrator) log(ctx context.Context, jobID string, level pricing.LogLevel, msg string, data map[string]any) {
	o.logger.Info(msg, zap.String("job_id", jobID))
	if jobID == "" || o.jobs == nil {
		return
	}
	line := pricing.LogLine{
		Level:     level,
		Message:   msg,
		Timestamp: o.clock.Now(),
		Data:      data,
	}
	if err := o.jobs.AppendLog(ctx, jobID, line); err != nil {
		o.logger.Debug("job log append failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func locationFrom(opts pricing.JobOptions) *pricing.LocationContext {
	if opts.ZipCode == "" && opts.Latitude == 0 && opts.Longitude == 0 {
		return nil
	}
	return &pricing.LocationContext{
		ZipCode:   opts.ZipCode,
		Latitude:  opts.Latitude,
		Longitude: opts.Longitude,
	}
}

// resultKey covers every option that shapes the result set. A favorites-only
// run must never answer an unrestricted one, and vice versa.
func resultKey(query string, opts pricing.JobOptions) string {
	opts.Query = strings.ToLower(query)
	opts.SkipCache = false
	opts.ImageData = ""
	opts.ImageMIME = ""
	sorted := append([]string(nil), opts.FavoriteStores...)
	sort.Strings(sorted)
	opts.FavoriteStores = sorted
	raw, err := json.Marshal(opts)
	if err != nil {
		return opts.Query
	}
	return string(raw)
}

func countOffers(lists [][]pricing.PriceOffer) int {
	n := 0
	for _, l := range lists {
		n += len(l)
	}
	return n
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		seen := false
		for _, existing := range dst {
			if existing == v {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, v)
		}
	}
	return dst
}
