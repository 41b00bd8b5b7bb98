package ai

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grocerlabs/pricescout/internal/pricing"
)

type fakeProvider struct {
	kind      Kind
	response  string
	err       error
	completes atomic.Int64
}

func (f *fakeProvider) Kind() Kind { return f.kind }

func (f *fakeProvider) Complete(_ context.Context, _ string) (string, error) {
	f.completes.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *fakeProvider) AnalyzeImage(_ context.Context, _, _, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *fakeProvider) TestConnection(_ context.Context) error { return f.err }

func newTestService(aggregator Kind, providers ...Provider) *Service {
	return NewService(providers, time.Second, aggregator, nil, zap.NewNop())
}

func TestDispatchToAll_PartialFailure(t *testing.T) {
	t.Parallel()

	svc := newTestService("",
		&fakeProvider{kind: KindClaude, err: errors.New("rate limited")},
		&fakeProvider{kind: KindOpenAI, err: errors.New("timeout")},
		&fakeProvider{kind: KindLocal, response: `{"offers":[]}`},
	)

	res := svc.DispatchToAll(context.Background(), "prompt")
	require.Empty(t, res.Error, "one success keeps the top-level error empty")
	require.NotEmpty(t, res.Aggregated)
	require.Len(t, res.PerProvider, 3)

	var successes int
	for _, r := range res.PerProvider {
		if r.Error == "" {
			successes++
		}
	}
	require.Equal(t, 1, successes)
}

func TestDispatchToAll_AllFail(t *testing.T) {
	t.Parallel()

	svc := newTestService("",
		&fakeProvider{kind: KindClaude, err: errors.New("boom")},
	)
	res := svc.DispatchToAll(context.Background(), "prompt")
	require.Equal(t, "all AI providers failed", res.Error)
	require.Empty(t, res.Aggregated)
}

func TestDispatchToAll_SingleProviderPassthrough(t *testing.T) {
	t.Parallel()

	only := &fakeProvider{kind: KindClaude, response: "raw answer"}
	svc := newTestService("", only)

	res := svc.DispatchToAll(context.Background(), "prompt")
	require.Equal(t, "raw answer", res.Aggregated)
	// No synthesis call for a single provider.
	require.Equal(t, int64(1), only.completes.Load())
}

func TestDispatchToAll_LoneSurvivorSkipsSynthesis(t *testing.T) {
	t.Parallel()

	claude := &fakeProvider{kind: KindClaude, response: "only answer"}
	local := &fakeProvider{kind: KindLocal, err: errors.New("connection refused")}
	svc := newTestService(KindLocal, claude, local)

	res := svc.DispatchToAll(context.Background(), "prompt")
	require.Empty(t, res.Error)
	require.Equal(t, "only answer", res.Aggregated)
	// The aggregator failed its fan-out call and must not be asked to
	// reconcile a single answer.
	require.Equal(t, int64(1), claude.completes.Load())
	require.Equal(t, int64(1), local.completes.Load())
}

func TestDispatchToAll_MultiProviderAggregates(t *testing.T) {
	t.Parallel()

	claude := &fakeProvider{kind: KindClaude, response: "answer A"}
	local := &fakeProvider{kind: KindLocal, response: "answer B"}
	svc := newTestService(KindLocal, claude, local)

	res := svc.DispatchToAll(context.Background(), "prompt")
	require.Empty(t, res.Error)
	// The aggregator (local) is called twice: once for the fan-out, once
	// to reconcile.
	require.Equal(t, int64(2), local.completes.Load())
	require.Equal(t, int64(1), claude.completes.Load())
	require.Equal(t, "answer B", res.Aggregated)
}

func TestDispatchToAll_NoProviders(t *testing.T) {
	t.Parallel()

	svc := newTestService("")
	res := svc.DispatchToAll(context.Background(), "prompt")
	require.Equal(t, "no AI provider configured", res.Error)
}

func TestAnalyzeImage_FallsThroughProviders(t *testing.T) {
	t.Parallel()

	svc := newTestService("",
		&fakeProvider{kind: KindClaude, err: errors.New("no vision")},
		&fakeProvider{kind: KindOpenAI, response: `{"query":"Sony WH-1000XM5"}`},
	)
	response, provider, err := svc.AnalyzeImage(context.Background(), "aW1n", "image/png", "identify")
	require.NoError(t, err)
	require.Equal(t, "openai", provider)
	require.Contains(t, response, "Sony")
}

func TestBuildDiscoveryPrompt_ShopLocalContext(t *testing.T) {
	t.Parallel()

	opts := pricing.JobOptions{
		Query:     "whole milk",
		IsGeneric: true, UnitOfMeasure: "gallon",
		ShopLocal: true,
		ZipCode:   "90210",
	}
	stores := []pricing.LocalStore{
		{Name: "Ralphs", DistanceMiles: 1.2, Category: "grocery"},
		{Name: "Vons", DistanceMiles: 2.5, Category: "grocery"},
	}
	prompt := BuildDiscoveryPrompt("whole milk", opts, stores)
	require.Contains(t, prompt, "90210")
	require.Contains(t, prompt, "Ralphs")
	require.Contains(t, prompt, "gallon")

	// Without shop-local the location context stays out of the prompt.
	opts.ShopLocal = false
	prompt = BuildDiscoveryPrompt("whole milk", opts, stores)
	require.NotContains(t, prompt, "90210")
	require.NotContains(t, prompt, "Ralphs")
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	for _, valid := range []string{"claude", "openai", "gemini", "local"} {
		kind, err := ParseKind(valid)
		require.NoError(t, err)
		require.Equal(t, Kind(valid), kind)
	}
	_, err := ParseKind("bard")
	require.Error(t, err)
}
