// Package api exposes the HTTP interface for the price discovery service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/grocerlabs/pricescout/internal/ai"
	"github.com/grocerlabs/pricescout/internal/config"
	"github.com/grocerlabs/pricescout/internal/dispatcher"
	"github.com/grocerlabs/pricescout/internal/metrics"
	"github.com/grocerlabs/pricescout/internal/pricing"
	"github.com/grocerlabs/pricescout/internal/registry"
)

// AIService is the subset of the AI layer the API needs.
type AIService interface {
	ProviderNames() []string
	Provider(kind ai.Kind) (ai.Provider, bool)
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router     chi.Router
	jobs       pricing.JobStore
	audits     pricing.AuditStore
	registry   pricing.StoreRegistry
	scraper    pricing.Scraper
	ai         AIService
	dispatcher *dispatcher.Dispatcher
	idGen      pricing.IDGenerator
	clock      pricing.Clock
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobs pricing.JobStore,
	audits pricing.AuditStore,
	registry pricing.StoreRegistry,
	scraper pricing.Scraper,
	aiSvc AIService,
	disp *dispatcher.Dispatcher,
	idGen pricing.IDGenerator,
	clock pricing.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:       jobs,
		audits:     audits,
		registry:   registry,
		scraper:    scraper,
		ai:         aiSvc,
		dispatcher: disp,
		idGen:      idGen,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/searches", s.submitSearch)
		r.Post("/identifications", s.submitIdentification)
		r.Route("/jobs/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Post("/cancel", s.cancelJob)
			r.Get("/requests", s.listJobRequests)
		})
		r.Route("/stores", func(r chi.Router) {
			r.Get("/", s.listStores)
			r.Post("/", s.addStore)
		})
		r.Get("/providers/{kind}/test", s.testProvider)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.scraper != nil && !s.scraper.HealthCheck(r.Context()) {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"scrape": "unreachable",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type searchRequest struct {
	Query         string  `json:"query"`
	Type          string  `json:"type"`
	ItemID        string  `json:"item_id"`
	IsGeneric     bool    `json:"is_generic"`
	UnitOfMeasure string  `json:"unit_of_measure"`
	ShopLocal     bool    `json:"shop_local"`
	ZipCode       string  `json:"zip_code"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	FavoritesOnly bool    `json:"favorites_only"`
	// FavoriteStores narrows the template-scrape tier to these registry slugs.
	FavoriteStores []string `json:"favorite_stores"`
}

func (s *Server) submitSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		s.writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	jobType := pricing.JobTypeDiscovery
	switch req.Type {
	case "", string(pricing.JobTypeDiscovery):
	case string(pricing.JobTypeRefresh):
		jobType = pricing.JobTypeRefresh
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported job type %q", req.Type))
		return
	}
	opts := pricing.JobOptions{
		Query:          query,
		ItemID:         req.ItemID,
		IsGeneric:      req.IsGeneric,
		UnitOfMeasure:  req.UnitOfMeasure,
		ShopLocal:      req.ShopLocal,
		ZipCode:        req.ZipCode,
		Latitude:       req.Latitude,
		Longitude:      req.Longitude,
		FavoritesOnly:  req.FavoritesOnly,
		FavoriteStores: req.FavoriteStores,
	}
	jobID, err := s.enqueueJob(r.Context(), jobType, query, opts)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

type identificationRequest struct {
	ImageData string `json:"image_data"`
	ImageMIME string `json:"image_mime"`
}

func (s *Server) submitIdentification(w http.ResponseWriter, r *http.Request) {
	var req identificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.ImageData) == "" {
		s.writeError(w, http.StatusBadRequest, "image_data is required")
		return
	}
	opts := pricing.JobOptions{
		ImageData: req.ImageData,
		ImageMIME: req.ImageMIME,
	}
	jobID, err := s.enqueueJob(r.Context(), pricing.JobTypeIdentification, "image identification", opts)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, pricing.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to fetch job")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	err := s.jobs.RequestCancel(r.Context(), jobID)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id":           jobID,
			"cancel_requested": true,
		})
	case errors.Is(err, pricing.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, pricing.ErrJobTerminal):
		s.writeError(w, http.StatusConflict, "job already finished")
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) listJobRequests(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.jobs.GetJob(r.Context(), jobID); err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	records, err := s.audits.ListRequestLogs(r.Context(), jobID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to fetch request logs")
		return
	}
	if records == nil {
		records = []pricing.RequestLogRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"requests": records})
}

func (s *Server) listStores(w http.ResponseWriter, r *http.Request) {
	stores, err := s.registry.ActiveStores(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list stores")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"stores": stores})
}

type addStoreRequest struct {
	Name         string `json:"name"`
	Domain       string `json:"domain"`
	SearchURL    string `json:"search_url_template"`
	Category     string `json:"category"`
	LocalPricing bool   `json:"local_pricing"`
	Priority     int    `json:"priority"`
}

func (s *Server) addStore(w http.ResponseWriter, r *http.Request) {
	var req addStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	store := pricing.Store{
		Name:         req.Name,
		Domain:       req.Domain,
		SearchURL:    req.SearchURL,
		Category:     req.Category,
		LocalPricing: req.LocalPricing,
		Priority:     req.Priority,
	}
	if err := s.registry.AddStore(r.Context(), store); err != nil {
		if errors.Is(err, registry.ErrDuplicateSlug) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (s *Server) testProvider(w http.ResponseWriter, r *http.Request) {
	kind, err := ai.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	provider, ok := s.ai.Provider(kind)
	if !ok {
		s.writeError(w, http.StatusNotFound, "provider not configured")
		return
	}
	testCtx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	if err := provider.TestConnection(testCtx); err != nil {
		s.writeJSON(w, http.StatusBadGateway, map[string]string{
			"provider": string(kind),
			"status":   "error",
			"error":    err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"provider": string(kind),
		"status":   "ok",
	})
}

func (s *Server) enqueueJob(ctx context.Context, jobType pricing.JobType, summary string, opts pricing.JobOptions) (string, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := pricing.Job{
		ID:           jobID,
		Type:         jobType,
		Status:       pricing.JobStatusPending,
		InputSummary: summary,
		Options:      opts,
		Created:      now,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	item := pricing.QueueItem{
		JobID:     jobID,
		Type:      jobType,
		Options:   opts,
		Attempt:   1,
		Submitted: now.Unix(),
	}
	if err := s.dispatcher.Enqueue(queueCtx, item); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return jobID, nil
}
