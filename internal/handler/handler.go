// Package handler serves the question generation JSON API.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/bloomgen/internal/cache"
	"github.com/pavelanni/bloomgen/internal/export"
	"github.com/pavelanni/bloomgen/internal/jobs"
	"github.com/pavelanni/bloomgen/internal/model"
	"github.com/pavelanni/bloomgen/internal/store"
	"github.com/pavelanni/bloomgen/internal/syllabus"
)

// Generator is the orchestration façade the API drives.
type Generator interface {
	GenerateQuestion(ctx context.Context, req model.GenerationRequest) (model.Question, error)
	GeneratePaper(ctx context.Context, bp model.Blueprint) (model.Paper, error)
	Syllabus() *syllabus.Syllabus
}

// Pinger reports whether a remote dependency answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// IndexStatus reports whether the retrieval index has passages loaded.
type IndexStatus interface {
	Ready() bool
}

// Deps are the collaborators of a Handler. Jobs, Cache, LLM and Index are optional.
type Deps struct {
	Generator Generator
	Store     store.Repository
	Jobs      *jobs.Queue
	Cache     *cache.Cache
	LLM       Pinger
	Index     IndexStatus
}

// Config tunes the API.
type Config struct {
	// AnalyticsTTL bounds how long cached analytics are served.
	AnalyticsTTL time.Duration
	// HealthTimeout bounds each readiness probe.
	HealthTimeout time.Duration
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	gen    Generator
	store  store.Repository
	jobs   *jobs.Queue
	cache  *cache.Cache
	llm    Pinger
	index  IndexStatus
	config Config

	renderPaper func(model.Paper, model.CourseInfo, export.Options) (string, error)
}

// New creates a new Handler.
func New(d Deps, cfg Config) (*Handler, error) {
	if cfg.AnalyticsTTL <= 0 {
		cfg.AnalyticsTTL = 5 * time.Minute
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 2 * time.Second
	}
	return &Handler{
		gen:    d.Generator,
		store:  d.Store,
		jobs:   d.Jobs,
		cache:  d.Cache,
		llm:    d.LLM,
		index:  d.Index,
		config: cfg,

		renderPaper: export.PaperMarkdown,
	}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Get("/syllabus", h.handleSyllabus)

	r.Post("/generate-question", h.handleGenerateQuestion)
	r.Get("/questions", h.handleListQuestions)
	r.Get("/questions/{id}", h.handleGetQuestion)
	r.With(h.requireReviewer).Post("/questions/{id}/review", h.handleReviewQuestion)
	r.Get("/analytics", h.handleAnalytics)

	r.Post("/papers/generate", h.handleGeneratePaper)
	r.Get("/papers", h.handleListPapers)
	r.Get("/papers/{id}", h.handleGetPaper)
	r.Get("/papers/{id}/export", h.handleExportPaper)

	if h.jobs != nil {
		r.Post("/jobs/generate-batch", h.handleSubmitJob)
		r.Get("/jobs/{id}", h.handleGetJob)
		r.Delete("/jobs/{id}", h.handleCancelJob)
	}
}

type healthResponse struct {
	Status    string `json:"status"`
	Database  bool   `json:"database"`
	LLM       bool   `json:"llm"`
	Index     bool   `json:"index"`
	Syllabus  bool   `json:"syllabus"`
	Cache     *bool  `json:"cache,omitempty"`
	Questions int    `json:"questions"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.config.HealthTimeout)
	defer cancel()

	resp := healthResponse{
		Database: h.store.Ping(ctx) == nil,
		LLM:      h.llm != nil && h.llm.Ping(ctx) == nil,
		Index:    h.index != nil && h.index.Ready(),
		Syllabus: h.gen.Syllabus() != nil,
	}
	if resp.Database {
		if n, err := h.store.CountQuestions(ctx); err == nil {
			resp.Questions = n
		}
	}
	if h.cache != nil {
		ok := h.cache.HealthCheck(ctx) == nil
		resp.Cache = &ok
	}

	resp.Status = "ok"
	if !resp.Database || !resp.LLM || !resp.Index || !resp.Syllabus {
		resp.Status = "degraded"
		slog.Warn("health check degraded", "database", resp.Database, "llm", resp.LLM,
			"index", resp.Index, "syllabus", resp.Syllabus)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSyllabus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gen.Syllabus().Raw())
}
