package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrJobNotFound is returned by job stores when no job matches the ID.
var ErrJobNotFound = errors.New("job not found")

// ErrJobTerminal is returned when a write targets a finished job.
var ErrJobTerminal = errors.New("job already in a terminal state")

// JobStore persists job metadata, progress, and output.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// MarkProcessing flips a pending job to processing once.
	MarkProcessing(ctx context.Context, jobID string, startedAt time.Time) error
	// UpdateProgress writes a progress percentage. Values lower than the
	// current one are ignored so progress never decreases.
	UpdateProgress(ctx context.Context, jobID string, progress int) error
	AppendLog(ctx context.Context, jobID string, line LogLine) error
	// RequestCancel sets the cooperative cancellation flag.
	RequestCancel(ctx context.Context, jobID string) error
	IsCancelRequested(ctx context.Context, jobID string) (bool, error)
	// CompleteJob writes the terminal status, output, and error exactly
	// once; later calls return ErrJobTerminal.
	CompleteJob(ctx context.Context, jobID string, status JobStatus, output json.RawMessage, errText string, at time.Time) error
}

// AuditStore records append-only request log rows for external calls.
type AuditStore interface {
	AppendRequestLog(ctx context.Context, rec RequestLogRecord) error
	ListRequestLogs(ctx context.Context, jobID string) ([]RequestLogRecord, error)
}

// StoreRegistry exposes the vendor catalog.
type StoreRegistry interface {
	ActiveStores(ctx context.Context) ([]Store, error)
	AddStore(ctx context.Context, store Store) error
}

// Scraper talks to the external headless-browser scrape service.
type Scraper interface {
	ScrapeOne(ctx context.Context, url string, opts ScrapeOptions) (ScrapeResult, error)
	// ScrapeBatch preserves input ordering in its output slice.
	ScrapeBatch(ctx context.Context, urls []string, opts ScrapeOptions) ([]ScrapeResult, error)
	HealthCheck(ctx context.Context) bool
}

// PlacesClient resolves a location to nearby physical stores.
type PlacesClient interface {
	NearbyStores(ctx context.Context, lat, lng, radiusMiles float64, categories []string) ([]LocalStore, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes job completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for background jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for cache keys and blob paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
