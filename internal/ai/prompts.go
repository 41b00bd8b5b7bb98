package ai

import (
	"fmt"
	"strings"

	"github.com/grocerlabs/pricescout/internal/pricing"
)

// offerSchema describes the JSON shape every price prompt asks for; the
// parser depends on these field names.
const offerSchema = `Respond with a single JSON object and no other text:
{
  "offers": [
    {"title": "...", "price": 0.00, "retailer": "...", "url": "...", "in_stock": true}
  ],
  "is_generic": false,
  "unit_of_measure": "",
  "summary": "one sentence about the results"
}`

// BuildDiscoveryPrompt asks a provider which vendors likely carry the item
// and what price knowledge it has. Local-store context is injected only when
// the user enabled shop-local for this query.
func BuildDiscoveryPrompt(query string, opts pricing.JobOptions, localStores []pricing.LocalStore) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Find current retail prices for: %s\n", query)
	if opts.IsGeneric && opts.UnitOfMeasure != "" {
		fmt.Fprintf(&b, "This is a generic item; quote prices per %s and set unit_of_measure accordingly.\n", opts.UnitOfMeasure)
	}
	b.WriteString("List the retailers most likely to carry this item and any price knowledge you have. Only include offers you have a reasonable basis for.\n")

	if opts.ShopLocal {
		b.WriteString("\nThe shopper prefers to buy locally")
		if opts.ZipCode != "" {
			fmt.Fprintf(&b, " near zip code %s", opts.ZipCode)
		}
		b.WriteString(".\n")
		if len(localStores) > 0 {
			b.WriteString("Nearby stores:\n")
			for _, s := range localStores {
				fmt.Fprintf(&b, "- %s (%.1f miles, %s)\n", s.Name, s.DistanceMiles, s.Category)
			}
			b.WriteString("Prefer offers from these stores when they plausibly carry the item.\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(offerSchema)
	return b.String()
}

// BuildEstimationPrompt asks for best-effort market price estimates when no
// scrape or discovery path produced results.
func BuildEstimationPrompt(query string, opts pricing.JobOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Estimate typical current market prices for: %s\n", query)
	if opts.IsGeneric && opts.UnitOfMeasure != "" {
		fmt.Fprintf(&b, "Quote estimates per %s and set unit_of_measure accordingly.\n", opts.UnitOfMeasure)
	}
	b.WriteString("These are estimates, not observed prices; include the major national retailers and a realistic price for each. Omit the url field.\n\n")
	b.WriteString(offerSchema)
	return b.String()
}

// BuildExtractionPrompt asks a provider to pull structured offers out of a
// scraped page's markdown.
func BuildExtractionPrompt(query, retailer, markdown string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The following is a scraped search results page from %s. Extract product listings matching %q with their prices.\n\n", retailer, query)
	b.WriteString(markdown)
	b.WriteString("\n\n")
	b.WriteString(offerSchema)
	return b.String()
}

// BuildAggregationPrompt asks one provider to reconcile multiple providers'
// raw answers into a single response of the originally requested shape.
func BuildAggregationPrompt(originalPrompt string, responses []ProviderResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Multiple assistants answered the same request. Reconcile their answers into one, keeping the exact output format the request asked for and dropping duplicate or contradictory offers.\n\nOriginal request:\n%s\n", originalPrompt)
	for _, r := range responses {
		fmt.Fprintf(&b, "\nAnswer from %s:\n%s\n", r.Provider, r.Response)
	}
	return b.String()
}

// IdentificationPrompt asks a provider to name the product in an image so a
// normal discovery run can follow.
const IdentificationPrompt = `Identify the retail product shown in this image. Respond with a single JSON object and no other text:
{"query": "product name suitable for a shopping search", "is_generic": false, "unit_of_measure": ""}`
