// Package worker implements the job execution loop.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/grocerlabs/pricescout/internal/ai"
	"github.com/grocerlabs/pricescout/internal/audit"
	"github.com/grocerlabs/pricescout/internal/metrics"
	"github.com/grocerlabs/pricescout/internal/pricing"
)

// Searcher runs the tiered price search for one job.
type Searcher interface {
	Run(ctx context.Context, jobID string, opts pricing.JobOptions) (pricing.AggregatedResult, error)
}

// Identifier analyzes a product photo and names the item.
type Identifier interface {
	AnalyzeImage(ctx context.Context, imageBase64, mimeType, prompt string) (string, string, error)
}

// Config controls Worker behavior.
type Config struct {
	// Topic is the completion event topic; empty disables publishing.
	Topic string
}

// Worker consumes queue items and drives jobs to a terminal state.
type Worker struct {
	queue      pricing.Queue
	jobs       pricing.JobStore
	search     Searcher
	identifier Identifier
	publisher  pricing.Publisher
	clock      pricing.Clock
	cfg        Config
	logger     *zap.Logger
}

// CompletionEvent is the payload published when a job reaches a terminal state.
type CompletionEvent struct {
	JobID       string            `json:"job_id"`
	Type        pricing.JobType   `json:"type"`
	Status      pricing.JobStatus `json:"status"`
	Error       string            `json:"error,omitempty"`
	CompletedAt int64             `json:"completed_at"`
}

// New constructs a Worker.
func New(
	queue pricing.Queue,
	jobs pricing.JobStore,
	search Searcher,
	identifier Identifier,
	publisher pricing.Publisher,
	clock pricing.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:      queue,
		jobs:       jobs,
		search:     search,
		identifier: identifier,
		publisher:  publisher,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item pricing.QueueItem) {
	ctx = audit.WithJobID(ctx, item.JobID)
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if err := w.jobs.MarkProcessing(ctx, item.JobID, w.clock.Now()); err != nil {
		// A job cancelled before pickup is already terminal; skip quietly.
		w.logger.Warn("job not claimable", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}

	// Honor a cancel that arrived while the job sat in the queue.
	if cancelled, err := w.jobs.IsCancelRequested(ctx, item.JobID); err == nil && cancelled {
		w.finish(ctx, item, pricing.JobStatusCancelled, cancelledOutput(item.Options.Query), "")
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("job panicked", zap.String("job_id", item.JobID), zap.Any("panic", rec))
			w.finish(ctx, item, pricing.JobStatusFailed, nil, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	switch item.Type {
	case pricing.JobTypeDiscovery, pricing.JobTypeRefresh:
		w.runSearch(ctx, item)
	case pricing.JobTypeIdentification:
		w.runIdentification(ctx, item)
	default:
		w.finish(ctx, item, pricing.JobStatusFailed, nil, fmt.Sprintf("unknown job type %q", item.Type))
	}
}

func (w *Worker) runSearch(ctx context.Context, item pricing.QueueItem) {
	if item.Type == pricing.JobTypeRefresh {
		item.Options.SkipCache = true
	}
	result, err := w.search.Run(ctx, item.JobID, item.Options)
	if err != nil {
		w.finish(ctx, item, pricing.JobStatusFailed, nil, err.Error())
		return
	}

	output := w.marshalOutput(ctx, item.JobID, result)
	if result.Cancelled {
		w.finish(ctx, item, pricing.JobStatusCancelled, output, "")
		return
	}
	w.finish(ctx, item, pricing.JobStatusCompleted, output, "")
}

func (w *Worker) runIdentification(ctx context.Context, item pricing.QueueItem) {
	if w.identifier == nil {
		w.finish(ctx, item, pricing.JobStatusFailed, nil, "no AI provider configured")
		return
	}
	if item.Options.ImageData == "" {
		w.finish(ctx, item, pricing.JobStatusFailed, nil, "image data is required")
		return
	}
	mime := item.Options.ImageMIME
	if mime == "" {
		mime = "image/jpeg"
	}
	response, provider, err := w.identifier.AnalyzeImage(ctx, item.Options.ImageData, mime, ai.IdentificationPrompt)
	if err != nil {
		w.finish(ctx, item, pricing.JobStatusFailed, nil, err.Error())
		return
	}
	output, err := json.Marshal(map[string]string{
		"identification": response,
		"provider":       provider,
	})
	if err != nil {
		w.finish(ctx, item, pricing.JobStatusFailed, nil, fmt.Sprintf("marshal output: %v", err))
		return
	}
	w.finish(ctx, item, pricing.JobStatusCompleted, output, "")
}

// marshalOutput bundles the result with the job's accumulated log lines.
func (w *Worker) marshalOutput(ctx context.Context, jobID string, result pricing.AggregatedResult) json.RawMessage {
	out := pricing.JobOutput{Result: result}
	if job, err := w.jobs.GetJob(ctx, jobID); err == nil {
		out.Logs = job.Logs
	}
	data, err := json.Marshal(out)
	if err != nil {
		w.logger.Error("marshal job output failed", zap.String("job_id", jobID), zap.Error(err))
		return nil
	}
	return data
}

func (w *Worker) finish(ctx context.Context, item pricing.QueueItem, status pricing.JobStatus, output json.RawMessage, errText string) {
	if err := w.jobs.CompleteJob(ctx, item.JobID, status, output, errText, w.clock.Now()); err != nil {
		w.logger.Error("complete job failed",
			zap.String("job_id", item.JobID), zap.String("status", string(status)), zap.Error(err))
		return
	}
	metrics.ObserveJob(string(item.Type), string(status))
	w.publishCompletion(ctx, item, status, errText)
}

func (w *Worker) publishCompletion(ctx context.Context, item pricing.QueueItem, status pricing.JobStatus, errText string) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	event := CompletionEvent{
		JobID:       item.JobID,
		Type:        item.Type,
		Status:      status,
		Error:       errText,
		CompletedAt: w.clock.Now().Unix(),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		w.logger.Warn("completion publish failed", zap.String("job_id", item.JobID), zap.Error(err))
	}
}

func cancelledOutput(query string) json.RawMessage {
	out := pricing.JobOutput{Result: pricing.AggregatedResult{Query: query, Cancelled: true}}
	data, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return data
}
