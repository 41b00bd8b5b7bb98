package memory

import (
	"context"
	"sync"

	"github.com/grocerlabs/pricescout/internal/pricing"
)

// AuditStore keeps request log rows in memory, append-only.
type AuditStore struct {
	mu   sync.RWMutex
	rows []pricing.RequestLogRecord
}

// NewAuditStore constructs an AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// AppendRequestLog appends one audit row.
func (s *AuditStore) AppendRequestLog(_ context.Context, rec pricing.RequestLogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rec)
	return nil
}

// ListRequestLogs returns the rows recorded for a job, in insertion order.
func (s *AuditStore) ListRequestLogs(_ context.Context, jobID string) ([]pricing.RequestLogRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pricing.RequestLogRecord
	for _, r := range s.rows {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}
