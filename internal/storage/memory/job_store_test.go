package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grocerlabs/pricescout/internal/pricing"
)

func newStoredJob(t *testing.T, s *JobStore) string {
	t.Helper()
	job := pricing.Job{
		ID:      "job-1",
		Type:    pricing.JobTypeDiscovery,
		Status:  pricing.JobStatusPending,
		Created: time.Unix(100, 0),
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job.ID
}

func TestJobStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	id := newStoredJob(t, s)

	got, err := s.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, pricing.JobStatusPending, got.Status)

	require.Error(t, s.CreateJob(context.Background(), pricing.Job{ID: id}))

	_, err = s.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, pricing.ErrJobNotFound)
}

func TestJobStore_ProgressIsMonotonic(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	id := newStoredJob(t, s)
	ctx := context.Background()

	require.NoError(t, s.MarkProcessing(ctx, id, time.Unix(101, 0)))
	require.NoError(t, s.UpdateProgress(ctx, id, 20))
	require.NoError(t, s.UpdateProgress(ctx, id, 10)) // ignored
	require.NoError(t, s.UpdateProgress(ctx, id, 70))

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 70, job.Progress)
}

func TestJobStore_TerminalStateIsImmutable(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	id := newStoredJob(t, s)
	ctx := context.Background()

	output := json.RawMessage(`{"result":{}}`)
	require.NoError(t, s.CompleteJob(ctx, id, pricing.JobStatusCompleted, output, "", time.Unix(200, 0)))

	err := s.CompleteJob(ctx, id, pricing.JobStatusFailed, nil, "late failure", time.Unix(201, 0))
	require.ErrorIs(t, err, pricing.ErrJobTerminal)
	require.ErrorIs(t, s.MarkProcessing(ctx, id, time.Unix(202, 0)), pricing.ErrJobTerminal)
	require.NoError(t, s.UpdateProgress(ctx, id, 99)) // silently ignored

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, pricing.JobStatusCompleted, job.Status)
	require.Equal(t, 100, job.Progress)
	require.JSONEq(t, `{"result":{}}`, string(job.Output))
}

func TestJobStore_CompleteRejectsNonTerminal(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	id := newStoredJob(t, s)
	err := s.CompleteJob(context.Background(), id, pricing.JobStatusProcessing, nil, "", time.Now())
	require.Error(t, err)
}

func TestJobStore_CancelFlag(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	id := newStoredJob(t, s)
	ctx := context.Background()

	cancelled, err := s.IsCancelRequested(ctx, id)
	require.NoError(t, err)
	require.False(t, cancelled)

	require.NoError(t, s.RequestCancel(ctx, id))
	cancelled, err = s.IsCancelRequested(ctx, id)
	require.NoError(t, err)
	require.True(t, cancelled)
}

func TestJobStore_AppendLog(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	id := newStoredJob(t, s)
	ctx := context.Background()

	require.NoError(t, s.AppendLog(ctx, id, pricing.LogLine{Level: pricing.LogInfo, Message: "tier 1 started"}))
	require.NoError(t, s.AppendLog(ctx, id, pricing.LogLine{Level: pricing.LogSuccess, Message: "2 offers found"}))

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	require.Len(t, job.Logs, 2)
	require.Equal(t, "tier 1 started", job.Logs[0].Message)
}
