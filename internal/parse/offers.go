// Package parse extracts structured price offers from free-form model
// output or scraped page text. The parser is tolerant by design: malformed
// input yields empty defaults, never an error.
package parse

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/grocerlabs/pricescout/internal/pricing"
)

// Result is the normalized output of one parse pass.
type Result struct {
	Offers        []pricing.PriceOffer
	IsGeneric     bool
	UnitOfMeasure string
	Summary       string
}

type rawPayload struct {
	Offers        []rawOffer `json:"offers"`
	IsGeneric     bool       `json:"is_generic"`
	UnitOfMeasure string     `json:"unit_of_measure"`
	Summary       string     `json:"summary"`
}

type rawOffer struct {
	Title    string          `json:"title"`
	Price    json.RawMessage `json:"price"`
	Retailer string          `json:"retailer"`
	URL      string          `json:"url"`
	ImageURL string          `json:"image_url"`
	InStock  *bool           `json:"in_stock"`
}

// Offers locates the first top-level JSON object in text and extracts price
// offers from it. Candidate offers without a title or a price field are
// dropped; prices that normalize to zero are dropped as well.
func Offers(text string) Result {
	block, ok := firstJSONObject(text)
	if !ok {
		return Result{}
	}

	var payload rawPayload
	if err := json.Unmarshal([]byte(block), &payload); err != nil {
		return Result{}
	}

	result := Result{
		IsGeneric:     payload.IsGeneric,
		UnitOfMeasure: payload.UnitOfMeasure,
		Summary:       payload.Summary,
	}
	for _, raw := range payload.Offers {
		title := strings.TrimSpace(raw.Title)
		if title == "" || len(raw.Price) == 0 {
			continue
		}
		price := priceFromRaw(raw.Price)
		if price <= 0 {
			continue
		}
		inStock := true
		if raw.InStock != nil {
			inStock = *raw.InStock
		}
		result.Offers = append(result.Offers, pricing.PriceOffer{
			Title:    title,
			Price:    price,
			Retailer: strings.TrimSpace(raw.Retailer),
			URL:      strings.TrimSpace(raw.URL),
			ImageURL: strings.TrimSpace(raw.ImageURL),
			InStock:  inStock,
		})
	}
	return result
}

// Price normalizes a price representation: plain numerics pass through,
// strings are stripped of currency symbols and grouping before parsing.
// Unparsable values normalize to 0, which callers must treat as a discard.
func Price(value string) float64 {
	cleaned := strings.Builder{}
	seenDot := false
	for _, r := range strings.TrimSpace(value) {
		switch {
		case r >= '0' && r <= '9':
			cleaned.WriteRune(r)
		case r == '.' && !seenDot:
			cleaned.WriteRune(r)
			seenDot = true
		}
	}
	parsed, err := strconv.ParseFloat(cleaned.String(), 64)
	if err != nil {
		return 0
	}
	return parsed
}

func priceFromRaw(raw json.RawMessage) float64 {
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return num
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return Price(str)
	}
	return 0
}

// firstJSONObject returns the first balanced top-level {...} block in text.
// Braces inside JSON strings are skipped so embedded prose cannot break the
// scan.
func firstJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
