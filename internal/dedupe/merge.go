// Package dedupe merges price offers from multiple sources into one ranked
// list.
package dedupe

import (
	"math"
	"sort"

	"github.com/grocerlabs/pricescout/internal/pricing"
)

// Merge combines offer lists, removing duplicates by identity key with
// first-seen-wins semantics, then sorts ascending by price. Callers control
// precedence by ordering their inputs (e.g. template-scrape offers before
// AI-estimation offers). Offers with a missing or invalid price sort last
// rather than being dropped, so the caller can still surface them. Merge is
// idempotent: re-merging its own output yields the same list.
func Merge(lists ...[]pricing.PriceOffer) []pricing.PriceOffer {
	seen := make(map[string]struct{})
	var merged []pricing.PriceOffer
	for _, list := range lists {
		for _, offer := range list {
			key := offer.IdentityKey()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, offer)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return sortPrice(merged[i]) < sortPrice(merged[j])
	})
	return merged
}

// sortPrice maps unpriced offers to a maximum sentinel so they rank after
// every priced offer.
func sortPrice(o pricing.PriceOffer) float64 {
	if o.Price <= 0 {
		return math.MaxFloat64
	}
	return o.Price
}

// PriceRange returns the lowest and highest valid prices in offers; both are
// zero when no offer carries a usable price.
func PriceRange(offers []pricing.PriceOffer) (lowest, highest float64) {
	for _, o := range offers {
		if o.Price <= 0 {
			continue
		}
		if lowest == 0 || o.Price < lowest {
			lowest = o.Price
		}
		if o.Price > highest {
			highest = o.Price
		}
	}
	return lowest, highest
}
