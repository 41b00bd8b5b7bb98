package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grocerlabs/pricescout/internal/hash/sha256"
	"github.com/grocerlabs/pricescout/internal/pricing"
	storememory "github.com/grocerlabs/pricescout/internal/storage/memory"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

func newTestRecorder(store pricing.AuditStore, blobs pricing.BlobStore) *Recorder {
	return NewRecorder(store, blobs, "audits", "", sha256.New(), fixedClock{at: time.Unix(1000, 0)}, &seqIDs{}, nil)
}

func TestRecord_WritesRowWithJobID(t *testing.T) {
	t.Parallel()

	store := storememory.NewAuditStore()
	rec := newTestRecorder(store, nil)

	ctx := WithJobID(context.Background(), "job-7")
	rec.Record(ctx, Call{
		Service:     pricing.ServiceAI,
		Provider:    "claude",
		RequestType: "discovery",
		Request:     "find prices",
		Response:    `{"offers": []}`,
		Started:     time.Unix(999, 0),
	})

	rows, err := store.ListRequestLogs(ctx, "job-7")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	require.Equal(t, pricing.ServiceAI, row.Service)
	require.Equal(t, "claude", row.Provider)
	require.True(t, row.Success)
	require.EqualValues(t, 1000, row.DurationMs)
	require.Equal(t, EstimateTokens("find prices"), row.TokensIn)
	require.Empty(t, row.BlobURI)
}

func TestRecord_ErrorSetsFailure(t *testing.T) {
	t.Parallel()

	store := storememory.NewAuditStore()
	rec := newTestRecorder(store, nil)

	ctx := WithJobID(context.Background(), "job-8")
	rec.Record(ctx, Call{
		Service:     pricing.ServiceScrape,
		RequestType: "scrape",
		Request:     "https://example.com",
		Started:     time.Unix(999, 0),
		Err:         errors.New("status 503"),
	})

	rows, err := store.ListRequestLogs(ctx, "job-8")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.False(t, rows[0].Success)
	require.Equal(t, "status 503", rows[0].ErrorText)
}

func TestRecord_TruncatesExcerpts(t *testing.T) {
	t.Parallel()

	store := storememory.NewAuditStore()
	rec := newTestRecorder(store, nil)

	long := strings.Repeat("x", excerptLimit+500)
	ctx := WithJobID(context.Background(), "job-9")
	rec.Record(ctx, Call{Service: pricing.ServiceAI, Request: long, Response: long, Started: time.Unix(999, 0)})

	rows, err := store.ListRequestLogs(ctx, "job-9")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Len(t, rows[0].RequestExcerpt, excerptLimit)
	require.Len(t, rows[0].ResponseExcerpt, excerptLimit)
	// Token estimates still use the full payload.
	require.Equal(t, EstimateTokens(long), rows[0].TokensIn)
}

func TestRecord_ArchivesFullPayload(t *testing.T) {
	t.Parallel()

	store := storememory.NewAuditStore()
	blobs := storememory.NewBlobStore()
	rec := newTestRecorder(store, blobs)

	ctx := WithJobID(context.Background(), "job-10")
	rec.Record(ctx, Call{
		Service:     pricing.ServiceScrape,
		RequestType: "batch",
		Request:     "https://example.com/s?k=tv",
		Response:    "# Results\n\n$499.99",
		Started:     time.Unix(999, 0),
		Archive:     true,
	})

	rows, err := store.ListRequestLogs(ctx, "job-10")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, strings.HasPrefix(rows[0].BlobURI, "memory://audits/job-10/"))
	require.True(t, strings.HasSuffix(rows[0].BlobURI, ".md"))

	stored, ok := blobs.GetObject(strings.TrimPrefix(rows[0].BlobURI, "memory://"))
	require.True(t, ok)
	require.Equal(t, "# Results\n\n$499.99", string(stored))
}

func TestRecord_NilRecorderIsNoOp(t *testing.T) {
	t.Parallel()

	var rec *Recorder
	rec.Record(context.Background(), Call{Service: pricing.ServiceAI})
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, EstimateTokens(""))
	require.Equal(t, 1, EstimateTokens("abc"))
	require.Equal(t, 2, EstimateTokens("abcdefg"))
}
