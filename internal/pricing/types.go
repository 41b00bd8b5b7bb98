// Package pricing defines core types shared across subsystems.
package pricing

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a background job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// JobType identifies the kind of work a job performs.
type JobType string

// Supported job types.
const (
	JobTypeDiscovery      JobType = "discovery"
	JobTypeRefresh        JobType = "refresh"
	JobTypeIdentification JobType = "identification"
)

// JobOptions captures per-job knobs requested by the client.
type JobOptions struct {
	Query         string  `json:"query"`
	ItemID        string  `json:"item_id,omitempty"`
	IsGeneric     bool    `json:"is_generic"`
	UnitOfMeasure string  `json:"unit_of_measure,omitempty"`
	ShopLocal     bool    `json:"shop_local"`
	ZipCode       string  `json:"zip_code,omitempty"`
	Latitude      float64 `json:"latitude,omitempty"`
	Longitude     float64 `json:"longitude,omitempty"`
	FavoritesOnly bool    `json:"favorites_only,omitempty"`
	// FavoriteStores lists registry slugs the search is narrowed to when
	// FavoritesOnly is set.
	FavoriteStores []string `json:"favorite_stores,omitempty"`
	// SkipCache forces a fresh search even when a recent result exists.
	// Set for refresh jobs.
	SkipCache bool `json:"skip_cache,omitempty"`
	// ImageData carries a base64 payload for identification jobs.
	ImageData string `json:"image_data,omitempty"`
	ImageMIME string `json:"image_mime,omitempty"`
}

// Job represents the metadata persisted for each submitted request.
type Job struct {
	ID              string          `json:"id"`
	Type            JobType         `json:"type"`
	Status          JobStatus       `json:"status"`
	Progress        int             `json:"progress"`
	InputSummary    string          `json:"input_summary,omitempty"`
	Options         JobOptions      `json:"options"`
	Output          json.RawMessage `json:"output_data,omitempty"`
	ErrorText       string          `json:"error_message,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	Logs            []LogLine       `json:"logs,omitempty"`
	Created         time.Time       `json:"created_at"`
	Started         *time.Time      `json:"started_at,omitempty"`
	Completed       *time.Time      `json:"completed_at,omitempty"`
}

// LogLevel classifies a structured job log line.
type LogLevel string

// Supported log levels for job output.
const (
	LogInfo    LogLevel = "info"
	LogSuccess LogLevel = "success"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
	LogDebug   LogLevel = "debug"
)

// LogLine is one structured progress/audit line attached to a job.
type LogLine struct {
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// OfferSource identifies which subsystem produced a price offer.
type OfferSource string

// Known offer sources, in rough order of confidence.
const (
	SourceStoreTemplate OfferSource = "store-template-scrape"
	SourceAIDiscovery   OfferSource = "ai-discovery"
	SourceAIEstimation  OfferSource = "ai-estimation"
	SourceWebSearch     OfferSource = "web-search"
)

// PriceOffer is one vendor's price observation for a product.
type PriceOffer struct {
	Title    string      `json:"title"`
	Price    float64     `json:"price"`
	Retailer string      `json:"retailer"`
	URL      string      `json:"url,omitempty"`
	ImageURL string      `json:"image_url,omitempty"`
	InStock  bool        `json:"in_stock"`
	Source   OfferSource `json:"source"`
	Provider string      `json:"provider,omitempty"`
}

// IdentityKey returns the deduplication key for the offer: the normalized
// product URL when present, else title plus retailer.
func (o PriceOffer) IdentityKey() string {
	if o.URL != "" {
		if normalized, err := NormalizeURL(o.URL); err == nil {
			return normalized
		}
		return o.URL
	}
	return o.Title + "|" + o.Retailer
}

// AggregatedResult is the engine's response to one query. It is built once
// per orchestration run and never mutated afterwards.
type AggregatedResult struct {
	Query         string       `json:"query"`
	Offers        []PriceOffer `json:"offers"`
	LowestPrice   float64      `json:"lowest_price"`
	HighestPrice  float64      `json:"highest_price"`
	ProvidersUsed []string     `json:"providers_used"`
	SourcesUsed   []string     `json:"sources_used"`
	Error         string       `json:"error,omitempty"`
	IsGeneric     bool         `json:"is_generic"`
	UnitOfMeasure string       `json:"unit_of_measure,omitempty"`
	Cancelled     bool         `json:"cancelled,omitempty"`
	GeneratedAt   time.Time    `json:"generated_at"`
}

// JobOutput is the JSON blob persisted for a finished job.
type JobOutput struct {
	Result AggregatedResult `json:"result"`
	Logs   []LogLine        `json:"logs"`
}

// Store is a known vendor with a reusable search URL template.
// Templates may contain {query}, {zip}, {store_id}, {lat} and {lng}
// placeholders; {query} is percent-encoded before substitution.
type Store struct {
	Name         string `json:"name"`
	Slug         string `json:"slug"`
	Domain       string `json:"domain"`
	SearchURL    string `json:"search_url_template"`
	Category     string `json:"category"`
	LocalPricing bool   `json:"local_pricing"`
	Active       bool   `json:"active"`
	Priority     int    `json:"priority"`
	Custom       bool   `json:"custom"`
}

// LocationContext refines templated search URLs for locality-priced stores.
type LocationContext struct {
	ZipCode   string
	Latitude  float64
	Longitude float64
	StoreID   string
}

// LocalStore is one nearby physical store returned by the places lookup.
type LocalStore struct {
	PlaceID       string  `json:"place_id"`
	Name          string  `json:"name"`
	Address       string  `json:"address"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	DistanceMiles float64 `json:"distance_miles"`
	Category      string  `json:"category"`
	Website       string  `json:"website,omitempty"`
	Rating        float64 `json:"rating,omitempty"`
}

// RequestService labels the external system behind a request log record.
type RequestService string

// External services tracked by the request audit log.
const (
	ServiceAI     RequestService = "ai"
	ServiceScrape RequestService = "scrape"
	ServicePlaces RequestService = "places"
)

// RequestLogRecord is one append-only audit row per external call.
type RequestLogRecord struct {
	ID              string         `json:"id"`
	JobID           string         `json:"job_id,omitempty"`
	Service         RequestService `json:"service"`
	Provider        string         `json:"provider,omitempty"`
	RequestType     string         `json:"request_type"`
	RequestExcerpt  string         `json:"request_excerpt"`
	ResponseExcerpt string         `json:"response_excerpt"`
	TokensIn        int            `json:"tokens_in"`
	TokensOut       int            `json:"tokens_out"`
	DurationMs      int64          `json:"duration_ms"`
	Success         bool           `json:"success"`
	ErrorText       string         `json:"error_text,omitempty"`
	BlobURI         string         `json:"blob_uri,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ScrapeOptions tune a single scrape service call.
type ScrapeOptions struct {
	// WaitFor is an optional CSS selector the browser waits for.
	WaitFor string
	// Timeout bounds the page load; zero means the client default.
	Timeout time.Duration
}

// ScrapeResult is the outcome of scraping one URL.
type ScrapeResult struct {
	URL      string
	Success  bool
	Markdown string
	Title    string
	Error    string
	// Suspicious is set when the content matched a bot-block signature.
	// The call still counts as successful; callers may discount it.
	Suspicious bool
	Duration   time.Duration
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Type      JobType
	Options   JobOptions
	Attempt   int
	Submitted int64
}
