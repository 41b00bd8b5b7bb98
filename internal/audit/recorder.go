// Package audit captures an append-only record of every external call the
// engine makes, for later inspection.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/grocerlabs/pricescout/internal/pricing"
)

// excerptLimit bounds the payload excerpts stored on each audit row; full
// payloads go to the blob archive when one is configured.
const excerptLimit = 2000

type jobIDKey struct{}

// WithJobID attaches a job ID to the context so downstream audit rows can be
// correlated with the job that caused them.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

// JobIDFrom extracts the job ID attached by WithJobID, if any.
func JobIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}

// Recorder writes request log rows and optionally archives full payloads.
type Recorder struct {
	store       pricing.AuditStore
	blobs       pricing.BlobStore
	prefix      string
	contentType string
	hasher      pricing.Hasher
	clock       pricing.Clock
	idGen       pricing.IDGenerator
	logger      *zap.Logger
}

// NewRecorder constructs a Recorder. blobs may be nil to disable archiving.
func NewRecorder(
	store pricing.AuditStore,
	blobs pricing.BlobStore,
	prefix string,
	contentType string,
	hasher pricing.Hasher,
	clock pricing.Clock,
	idGen pricing.IDGenerator,
	logger *zap.Logger,
) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if contentType == "" {
		contentType = "text/markdown; charset=utf-8"
	}
	return &Recorder{
		store:       store,
		blobs:       blobs,
		prefix:      prefix,
		contentType: contentType,
		hasher:      hasher,
		clock:       clock,
		idGen:       idGen,
		logger:      logger,
	}
}

// Call describes one completed external request.
type Call struct {
	Service     pricing.RequestService
	Provider    string
	RequestType string
	Request     string
	Response    string
	Started     time.Time
	Err         error
	// Archive requests full-response blob archiving for this call.
	Archive bool
}

// Record persists one audit row. Failures are logged, never propagated:
// auditing must not fail the pipeline it observes.
func (r *Recorder) Record(ctx context.Context, call Call) {
	if r == nil || r.store == nil {
		return
	}

	id, err := r.idGen.NewID()
	if err != nil {
		r.logger.Warn("audit id generation failed", zap.Error(err))
		return
	}

	rec := pricing.RequestLogRecord{
		ID:              id,
		JobID:           JobIDFrom(ctx),
		Service:         call.Service,
		Provider:        call.Provider,
		RequestType:     call.RequestType,
		RequestExcerpt:  truncate(call.Request),
		ResponseExcerpt: truncate(call.Response),
		TokensIn:        EstimateTokens(call.Request),
		TokensOut:       EstimateTokens(call.Response),
		DurationMs:      r.clock.Now().Sub(call.Started).Milliseconds(),
		Success:         call.Err == nil,
		CreatedAt:       r.clock.Now(),
	}
	if call.Err != nil {
		rec.ErrorText = call.Err.Error()
	}

	if call.Archive && r.blobs != nil && call.Response != "" {
		rec.BlobURI = r.archive(ctx, rec.JobID, call.Response)
	}

	if err := r.store.AppendRequestLog(ctx, rec); err != nil {
		r.logger.Warn("audit row write failed", zap.Error(err))
	}
}

func (r *Recorder) archive(ctx context.Context, jobID, payload string) string {
	hash, err := r.hasher.Hash([]byte(payload))
	if err != nil {
		r.logger.Warn("audit payload hash failed", zap.Error(err))
		return ""
	}
	if jobID == "" {
		jobID = "adhoc"
	}
	path := r.prefix + "/" + jobID + "/" + hash + ".md"
	uri, err := r.blobs.PutObject(ctx, path, r.contentType, []byte(payload))
	if err != nil {
		r.logger.Warn("audit payload archive failed", zap.Error(err))
		return ""
	}
	return uri
}

// EstimateTokens approximates the token count of text as len/4, which is
// close enough for cost accounting across providers.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

func truncate(s string) string {
	if len(s) <= excerptLimit {
		return s
	}
	return s[:excerptLimit]
}
