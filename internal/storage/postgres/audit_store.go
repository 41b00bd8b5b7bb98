package postgres

import (
	"context"
	"fmt"

	"github.com/grocerlabs/pricescout/internal/pricing"
)

// AuditStore persists append-only request log rows in the `request_logs` table.
type AuditStore struct {
	pool pgxPool
}

// NewAuditStore creates a Postgres-backed AuditStore using the provided config.
func NewAuditStore(ctx context.Context, cfg Config) (*AuditStore, error) {
	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &AuditStore{pool: pool}, nil
}

// NewAuditStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewAuditStoreWithPool(pool pgxPool) (*AuditStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &AuditStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *AuditStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// AppendRequestLog inserts one audit row. Rows are never updated afterwards.
func (s *AuditStore) AppendRequestLog(ctx context.Context, rec pricing.RequestLogRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	query := `
INSERT INTO request_logs (
	id, job_id, service, provider, request_type,
	request_excerpt, response_excerpt, tokens_in, tokens_out,
	duration_ms, success, error_text, blob_uri, created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)`
	args := []any{
		rec.ID, rec.JobID, rec.Service, rec.Provider, rec.RequestType,
		rec.RequestExcerpt, rec.ResponseExcerpt, rec.TokensIn, rec.TokensOut,
		rec.DurationMs, rec.Success, rec.ErrorText, rec.BlobURI, rec.CreatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

// ListRequestLogs returns the audit rows for one job, oldest first.
func (s *AuditStore) ListRequestLogs(ctx context.Context, jobID string) ([]pricing.RequestLogRecord, error) {
	query := `
SELECT id, job_id, service, provider, request_type,
	request_excerpt, response_excerpt, tokens_in, tokens_out,
	duration_ms, success, error_text, blob_uri, created_at
FROM request_logs
WHERE job_id = $1
ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list request logs: %w", err)
	}
	defer rows.Close()

	var records []pricing.RequestLogRecord
	for rows.Next() {
		var rec pricing.RequestLogRecord
		err := rows.Scan(
			&rec.ID, &rec.JobID, &rec.Service, &rec.Provider, &rec.RequestType,
			&rec.RequestExcerpt, &rec.ResponseExcerpt, &rec.TokensIn, &rec.TokensOut,
			&rec.DurationMs, &rec.Success, &rec.ErrorText, &rec.BlobURI, &rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan request log row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate request logs: %w", err)
	}
	return records, nil
}
