// Package registry maintains the vendor catalog and resolves search URLs
// from templates without any AI involvement.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/grocerlabs/pricescout/internal/config"
	"github.com/grocerlabs/pricescout/internal/pricing"
)

// ErrDuplicateSlug is returned when adding a store whose slug already exists.
var ErrDuplicateSlug = errors.New("store slug already registered")

// Registry is an in-memory vendor catalog seeded from config with support
// for user-added custom entries. Custom stores are equal-class citizens to
// seeded ones for resolution purposes.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]pricing.Store
}

// New builds a Registry from seed entries.
func New(seed map[string]config.StoreSeedEntry) *Registry {
	r := &Registry{stores: make(map[string]pricing.Store, len(seed)+len(defaultStores))}
	for _, s := range defaultStores {
		r.stores[s.Slug] = s
	}
	for slug, e := range seed {
		r.stores[slug] = pricing.Store{
			Name:         e.Name,
			Slug:         slug,
			Domain:       e.Domain,
			SearchURL:    e.SearchURL,
			Category:     normalizeCategory(e.Category),
			LocalPricing: e.LocalPricing,
			Active:       true,
			Priority:     e.Priority,
		}
	}
	return r
}

// ActiveStores returns all active stores ordered by priority (descending),
// then name for a stable order.
func (r *Registry) ActiveStores(_ context.Context) ([]pricing.Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]pricing.Store, 0, len(r.stores))
	for _, s := range r.stores {
		if s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// AddStore registers a user-added custom store.
func (r *Registry) AddStore(_ context.Context, store pricing.Store) error {
	if store.Name == "" || store.SearchURL == "" {
		return errors.New("store name and search_url_template are required")
	}
	if store.Slug == "" {
		store.Slug = slugify(store.Name)
	}
	store.Category = normalizeCategory(store.Category)
	store.Custom = true
	store.Active = true

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.stores[store.Slug]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSlug, store.Slug)
	}
	r.stores[store.Slug] = store
	return nil
}

func slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, slug)
	return strings.Trim(slug, "-")
}

// Seeded national vendors. Search templates follow the placeholder syntax
// {query}, {zip}, {store_id}, {lat}, {lng}.
var defaultStores = []pricing.Store{
	{
		Name:      "Amazon",
		Slug:      "amazon",
		Domain:    "amazon.com",
		SearchURL: "https://www.amazon.com/s?k={query}",
		Category:  CategoryGeneral,
		Active:    true,
		Priority:  90,
	},
	{
		Name:      "Walmart",
		Slug:      "walmart",
		Domain:    "walmart.com",
		SearchURL: "https://www.walmart.com/search?q={query}",
		Category:  CategoryGeneral,
		Active:    true,
		Priority:  80,
	},
	{
		Name:      "Best Buy",
		Slug:      "best-buy",
		Domain:    "bestbuy.com",
		SearchURL: "https://www.bestbuy.com/site/searchpage.jsp?st={query}",
		Category:  CategoryElectronics,
		Active:    true,
		Priority:  70,
	},
	{
		Name:         "Target",
		Slug:         "target",
		Domain:       "target.com",
		SearchURL:    "https://www.target.com/s?searchTerm={query}&zipcode={zip}",
		Category:     CategoryGeneral,
		LocalPricing: true,
		Active:       true,
		Priority:     60,
	},
	{
		Name:         "Costco",
		Slug:         "costco",
		Domain:       "costco.com",
		SearchURL:    "https://www.costco.com/CatalogSearch?keyword={query}",
		Category:     CategoryWarehouse,
		LocalPricing: true,
		Active:       true,
		Priority:     50,
	},
	{
		Name:         "Kroger",
		Slug:         "kroger",
		Domain:       "kroger.com",
		SearchURL:    "https://www.kroger.com/search?query={query}&searchType=default_search",
		Category:     CategoryGrocery,
		LocalPricing: true,
		Active:       true,
		Priority:     40,
	},
	{
		Name:         "Home Depot",
		Slug:         "home-depot",
		Domain:       "homedepot.com",
		SearchURL:    "https://www.homedepot.com/s/{query}",
		Category:     CategoryHomeImprovement,
		LocalPricing: true,
		Active:       true,
		Priority:     30,
	},
}
