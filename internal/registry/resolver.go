package registry

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/grocerlabs/pricescout/internal/pricing"
)

// Store categories used for places lookups and prompt context.
const (
	CategoryGrocery         = "grocery"
	CategoryWarehouse       = "warehouse"
	CategoryElectronics     = "electronics"
	CategoryPharmacy        = "pharmacy"
	CategoryHomeImprovement = "home_improvement"
	CategoryGeneral         = "general"
)

// knownChains maps exact chain names to categories. The chain match
// short-circuits the type-list check because upstream category tags for
// these vendors are unreliable.
var knownChains = map[string]string{
	"costco":      CategoryWarehouse,
	"sam's club":  CategoryWarehouse,
	"sams club":   CategoryWarehouse,
	"bj's":        CategoryWarehouse,
	"kroger":      CategoryGrocery,
	"safeway":     CategoryGrocery,
	"albertsons":  CategoryGrocery,
	"trader joes": CategoryGrocery,
	"whole foods": CategoryGrocery,
	"best buy":    CategoryElectronics,
	"micro center": CategoryElectronics,
	"cvs":         CategoryPharmacy,
	"walgreens":   CategoryPharmacy,
	"rite aid":    CategoryPharmacy,
	"home depot":  CategoryHomeImprovement,
	"lowe's":      CategoryHomeImprovement,
	"lowes":       CategoryHomeImprovement,
	"ace hardware": CategoryHomeImprovement,
}

var categorySet = map[string]struct{}{
	CategoryGrocery:         {},
	CategoryWarehouse:       {},
	CategoryElectronics:     {},
	CategoryPharmacy:        {},
	CategoryHomeImprovement: {},
	CategoryGeneral:         {},
}

// CategorizeStoreName maps a free-text store name onto a category. Exact
// known-chain matches win; then the name itself is checked against the
// category list; anything else is general.
func CategorizeStoreName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if cat, ok := knownChains[normalized]; ok {
		return cat
	}
	if _, ok := categorySet[normalized]; ok {
		return normalized
	}
	return CategoryGeneral
}

// ResolveCategories expands free-text category tags into the known store
// type set, deduplicated in first-seen order.
func ResolveCategories(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		cat := CategorizeStoreName(tag)
		if _, dup := seen[cat]; dup {
			continue
		}
		seen[cat] = struct{}{}
		out = append(out, cat)
	}
	return out
}

func normalizeCategory(cat string) string {
	if cat == "" {
		return CategoryGeneral
	}
	return CategorizeStoreName(cat)
}

// BuildSearchURL substitutes the query and location context into a store's
// search template. {query} is percent-encoded; all other placeholders are
// substituted raw. A locality-priced store with no location context still
// yields a usable query-only URL. Returns "" when the store has no template.
func BuildSearchURL(store pricing.Store, query string, loc *pricing.LocationContext) string {
	if store.SearchURL == "" {
		return ""
	}
	result := strings.ReplaceAll(store.SearchURL, "{query}", url.QueryEscape(query))

	zip, storeID, lat, lng := "", "", "", ""
	if loc != nil {
		zip = loc.ZipCode
		storeID = loc.StoreID
		if loc.Latitude != 0 || loc.Longitude != 0 {
			lat = strconv.FormatFloat(loc.Latitude, 'f', -1, 64)
			lng = strconv.FormatFloat(loc.Longitude, 'f', -1, 64)
		}
	}
	result = strings.ReplaceAll(result, "{zip}", zip)
	result = strings.ReplaceAll(result, "{store_id}", storeID)
	result = strings.ReplaceAll(result, "{lat}", lat)
	result = strings.ReplaceAll(result, "{lng}", lng)
	return result
}
