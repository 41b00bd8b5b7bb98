package ai

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/grocerlabs/pricescout/internal/audit"
	"github.com/grocerlabs/pricescout/internal/config"
	"github.com/grocerlabs/pricescout/internal/metrics"
	"github.com/grocerlabs/pricescout/internal/pricing"
)

// ProviderResult captures one provider's outcome within a fan-out.
type ProviderResult struct {
	Provider string        `json:"provider"`
	Response string        `json:"response,omitempty"`
	Error    string        `json:"error,omitempty"`
	Latency  time.Duration `json:"latency"`
}

// DispatchResult is the outcome of fanning a prompt out to all providers.
// Error is empty as long as at least one provider succeeded.
type DispatchResult struct {
	Aggregated  string
	PerProvider []ProviderResult
	Error       string
}

// Service fans prompts out to every active provider concurrently.
type Service struct {
	providers  []Provider
	timeout    time.Duration
	aggregator Kind
	recorder   *audit.Recorder
	logger     *zap.Logger
}

// NewService constructs a Service over the given providers.
func NewService(providers []Provider, timeout time.Duration, aggregator Kind, recorder *audit.Recorder, logger *zap.Logger) *Service {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		providers:  providers,
		timeout:    timeout,
		aggregator: aggregator,
		recorder:   recorder,
		logger:     logger,
	}
}

// BuildProviders instantiates every enabled provider from config. Providers
// missing credentials are skipped with a warning, not failed.
func BuildProviders(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) []Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	var providers []Provider
	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		kind, err := ParseKind(name)
		if err != nil {
			logger.Warn("ignoring unknown provider", zap.String("provider", name))
			continue
		}
		p, err := NewProvider(ctx, kind, pc)
		if err != nil {
			logger.Warn("skipping provider", zap.String("provider", name), zap.Error(err))
			continue
		}
		providers = append(providers, p)
	}
	return providers
}

// Available reports whether any provider is configured.
func (s *Service) Available() bool {
	return len(s.providers) > 0
}

// ProviderNames lists the configured providers' kinds.
func (s *Service) ProviderNames() []string {
	names := make([]string, len(s.providers))
	for i, p := range s.providers {
		names[i] = string(p.Kind())
	}
	return names
}

// Provider returns the configured provider of the given kind.
func (s *Service) Provider(kind Kind) (Provider, bool) {
	for _, p := range s.providers {
		if p.Kind() == kind {
			return p, true
		}
	}
	return nil, false
}

// DispatchToAll sends prompt to every provider concurrently and synthesizes
// one answer. A failing provider never aborts its siblings; the top-level
// error is set only when every provider fails.
func (s *Service) DispatchToAll(ctx context.Context, prompt string) DispatchResult {
	if len(s.providers) == 0 {
		return DispatchResult{Error: "no AI provider configured"}
	}

	results := make([]ProviderResult, len(s.providers))
	var wg sync.WaitGroup
	for i, p := range s.providers {
		wg.Add(1)
		go func(idx int, prov Provider) {
			defer wg.Done()
			results[idx] = s.callProvider(ctx, prov, prompt, "completion")
		}(i, p)
	}
	wg.Wait()

	var successes []ProviderResult
	for _, r := range results {
		if r.Error == "" {
			successes = append(successes, r)
		}
	}
	if len(successes) == 0 {
		return DispatchResult{PerProvider: results, Error: "all AI providers failed"}
	}

	// One answer needs no reconciling, whether from a single configured
	// provider or the lone survivor of a fan-out.
	if len(successes) == 1 {
		return DispatchResult{Aggregated: successes[0].Response, PerProvider: results}
	}

	aggregated := s.aggregate(ctx, prompt, successes)
	return DispatchResult{Aggregated: aggregated, PerProvider: results}
}

// Complete sends the prompt to a single provider (the configured aggregator,
// else the first) and returns its response and kind. Used for cheap
// per-document calls where a full fan-out would be wasteful.
func (s *Service) Complete(ctx context.Context, prompt string) (string, string, error) {
	p := s.pickAggregator()
	if p == nil {
		return "", "", fmt.Errorf("no AI provider configured")
	}
	result := s.callProvider(ctx, p, prompt, "completion")
	if result.Error != "" {
		return "", result.Provider, errors.New(result.Error)
	}
	return result.Response, result.Provider, nil
}

// AnalyzeImage runs image analysis on the first provider that succeeds, in
// configured order.
func (s *Service) AnalyzeImage(ctx context.Context, imageBase64, mimeType, prompt string) (string, string, error) {
	if len(s.providers) == 0 {
		return "", "", fmt.Errorf("no AI provider configured")
	}
	var lastErr error
	for _, p := range s.providers {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		started := time.Now()
		response, err := p.AnalyzeImage(callCtx, imageBase64, mimeType, prompt)
		cancel()
		s.recorder.Record(ctx, audit.Call{
			Service:     pricing.ServiceAI,
			Provider:    string(p.Kind()),
			RequestType: "image_analysis",
			Request:     prompt,
			Response:    response,
			Started:     started,
			Err:         err,
		})
		if err != nil {
			s.logger.Warn("image analysis failed", zap.String("provider", string(p.Kind())), zap.Error(err))
			lastErr = err
			continue
		}
		return response, string(p.Kind()), nil
	}
	return "", "", fmt.Errorf("image analysis failed on all providers: %w", lastErr)
}

func (s *Service) callProvider(ctx context.Context, p Provider, prompt, requestType string) (result ProviderResult) {
	result.Provider = string(p.Kind())
	started := time.Now()

	// A misbehaving provider library must not take down the fan-out.
	defer func() {
		if rec := recover(); rec != nil {
			result.Error = fmt.Sprintf("provider panic: %v", rec)
			result.Latency = time.Since(started)
			s.logger.Error("provider panicked", zap.String("provider", result.Provider), zap.Any("panic", rec))
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	response, err := p.Complete(callCtx, prompt)
	result.Latency = time.Since(started)
	s.recorder.Record(ctx, audit.Call{
		Service:     pricing.ServiceAI,
		Provider:    result.Provider,
		RequestType: requestType,
		Request:     prompt,
		Response:    response,
		Started:     started,
		Err:         err,
	})
	if err != nil {
		result.Error = err.Error()
		metrics.ObserveAIRequest(result.Provider, "error", result.Latency)
		s.logger.Warn("provider call failed", zap.String("provider", result.Provider), zap.Error(err))
		return result
	}
	metrics.ObserveAIRequest(result.Provider, "ok", result.Latency)
	result.Response = response
	return result
}

// aggregate asks one provider to reconcile the successful raw responses. If
// the aggregation call fails, the first successful individual response is
// returned instead.
func (s *Service) aggregate(ctx context.Context, originalPrompt string, successes []ProviderResult) string {
	aggProvider := s.pickAggregator()
	if aggProvider == nil {
		return successes[0].Response
	}

	prompt := BuildAggregationPrompt(originalPrompt, successes)
	result := s.callProvider(ctx, aggProvider, prompt, "aggregation")
	if result.Error != "" {
		s.logger.Warn("aggregation failed, falling back to first response",
			zap.String("provider", result.Provider), zap.String("error", result.Error))
		return successes[0].Response
	}
	return result.Response
}

func (s *Service) pickAggregator() Provider {
	if s.aggregator != "" {
		if p, ok := s.Provider(s.aggregator); ok {
			return p
		}
	}
	if len(s.providers) > 0 {
		return s.providers[0]
	}
	return nil
}
