package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/bloomgen/internal/bloom"
	"github.com/pavelanni/bloomgen/internal/cache"
	"github.com/pavelanni/bloomgen/internal/export"
	"github.com/pavelanni/bloomgen/internal/generation"
	"github.com/pavelanni/bloomgen/internal/handler"
	appI18n "github.com/pavelanni/bloomgen/internal/i18n"
	"github.com/pavelanni/bloomgen/internal/jobs"
	"github.com/pavelanni/bloomgen/internal/llm"
	"github.com/pavelanni/bloomgen/internal/llm/prompts"
	"github.com/pavelanni/bloomgen/internal/model"
	"github.com/pavelanni/bloomgen/internal/retrieval"
	"github.com/pavelanni/bloomgen/internal/scoring"
	"github.com/pavelanni/bloomgen/internal/store"
	"github.com/pavelanni/bloomgen/internal/syllabus"
	"github.com/pavelanni/bloomgen/internal/tracing"
)

const version = "0.1.0"

// pipeline is everything built from the shared generation flags.
type pipeline struct {
	db       store.Repository
	llm      *llm.Client
	arena    *retrieval.Arena
	service  *generation.Service
	shutdown tracing.Shutdown
}

func (p *pipeline) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.shutdown(ctx); err != nil {
		slog.Warn("tracing shutdown", "error", err)
	}
	if err := p.db.Close(); err != nil {
		slog.Warn("close database", "error", err)
	}
}

func buildPipeline(ctx context.Context, v *viper.Viper) (*pipeline, error) {
	shutdown, err := tracing.Init(ctx, tracing.Config{
		Enabled:     v.GetBool("trace"),
		ServiceName: "bloomgen",
		Version:     version,
		SampleRatio: v.GetFloat64("trace-ratio"),
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	syl, err := syllabus.Load(v.GetString("syllabus"))
	if err != nil {
		return nil, err
	}
	if err := prompts.Load(); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	client := llm.New(llm.Options{
		BaseURL:           v.GetString("llm-url"),
		APIKey:            v.GetString("llm-key"),
		Model:             v.GetString("llm-model"),
		EmbedModel:        v.GetString("embed-model"),
		RequestsPerSecond: v.GetFloat64("llm-rps"),
		Burst:             1,
		Temperature:       float32(v.GetFloat64("llm-temperature")),
	})

	var embedder retrieval.Embedder = retrieval.HashEmbedder{}
	switch strings.ToLower(v.GetString("embedder")) {
	case "hash", "":
	case "llm":
		embedder = client
	default:
		return nil, fmt.Errorf("unknown embedder %q (want hash or llm)", v.GetString("embedder"))
	}

	chunks, err := retrieval.LoadChunks(v.GetString("chunks"))
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		if _, ok := syl.Unit(c.UnitID); !ok {
			slog.Warn("chunk tagged with a unit missing from the syllabus", "unit_id", c.UnitID, "source", c.SourceFile)
		}
	}
	arena, err := retrieval.Build(ctx, embedder, v.GetDuration("retrieval-timeout"), chunks)
	if err != nil {
		return nil, fmt.Errorf("build retrieval index: %w", err)
	}
	for _, unitID := range arena.Units() {
		slog.Info("unit index built", "unit_id", unitID, "passages", arena.Count(unitID))
	}

	db, err := store.Open(ctx, v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.RecordBank(ctx, db, syl.Course().CourseCode, embedder.ModelName()); err != nil {
		db.Close()
		return nil, fmt.Errorf("record bank metadata: %w", err)
	}

	scorer := scoring.Default()
	llmTimeout := v.GetDuration("llm-timeout")
	var critic generation.Critic = generation.NewRubricCritic(scorer, v.GetInt("min-compliance"))
	if v.GetBool("model-critique") {
		variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
		if !prompts.IsValidVariant(variant) {
			slog.Warn("invalid prompt-variant, using standard", "variant", variant)
			variant = string(prompts.PromptStandard)
		}
		critic = generation.NewChainCritic(
			generation.NewRubricCritic(scorer, v.GetInt("min-compliance")),
			generation.NewModelCritic(client, syl, prompts.PromptVariant(variant), llmTimeout),
		)
	}

	svc := generation.NewService(generation.Deps{
		Syllabus:  syl,
		Retriever: arena,
		Drafter:   generation.NewModelDrafter(client, syl, llmTimeout),
		Critic:    critic,
		Scorer:    scorer,
		Store:     db,
	}, generation.Config{
		MaxIterations:    v.GetInt("max-iterations"),
		ForceAccept:      v.GetBool("force-accept"),
		RequestTimeout:   v.GetDuration("generation-timeout"),
		ModelName:        client.ChatModel(),
		AllowFreshInBank: v.GetBool("allow-fresh-in-bank"),
	})

	return &pipeline{db: db, llm: client, arena: arena, service: svc, shutdown: shutdown}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	p, err := buildPipeline(ctx, v)
	if err != nil {
		return err
	}
	defer p.Close()

	// Seed default admin user if no users exist.
	if err := seedAdmin(ctx, p.db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	if err := p.llm.Ping(ctx); err != nil {
		slog.Warn("LLM endpoint not reachable, starting degraded", "url", v.GetString("llm-url"), "error", err)
	} else {
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}

	var c *cache.Cache
	if url := v.GetString("redis-url"); url != "" {
		c, err = cache.New(ctx, url)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer c.Close()
		slog.Info("analytics cache enabled")
	}

	queue := jobs.NewQueue(p.service, v.GetInt("job-backlog"))
	queue.SetRetention(v.GetDuration("job-retention"))
	go queue.Run(ctx)

	h, err := handler.New(handler.Deps{
		Generator: p.service,
		Store:     p.db,
		Jobs:      queue,
		Cache:     c,
		LLM:       p.llm,
		Index:     p.arena,
	}, handler.Config{AnalyticsTTL: v.GetDuration("analytics-ttl")})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   v.GetStringSlice("cors-origins"),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Language", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition", "Content-Language"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(appI18n.Middleware(lang))

	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}

	srv := &http.Server{
		Addr:              v.GetString("addr"),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", srv.Addr,
			"model", v.GetString("llm-model"),
			"llm_url", v.GetString("llm-url"),
			"course", p.service.Syllabus().Course().CourseCode,
			"lang", lang,
			"base_path", basePath,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	level, err := bloom.ParseKey(v.GetString("bloom"))
	if err != nil {
		return err
	}
	req := model.GenerationRequest{
		UnitID:     v.GetString("unit"),
		COID:       v.GetString("co"),
		BloomLevel: level,
		Difficulty: model.Difficulty(strings.ToLower(v.GetString("difficulty"))),
		Marks:      v.GetInt("marks"),
	}

	p, err := buildPipeline(ctx, v)
	if err != nil {
		return err
	}
	defer p.Close()

	q, err := p.service.GenerateQuestion(ctx, req)
	if err != nil {
		return err
	}
	slog.Info("question generated", "id", q.ID, "compliance", q.ComplianceScore, "iterations", q.RefinementCount+1)
	return writeJSONTo(os.Stdout, q)
}

func runPaper(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	format, err := export.ParseFormat(v.GetString("format"))
	if err != nil {
		return err
	}
	syl, err := syllabus.Load(v.GetString("syllabus"))
	if err != nil {
		return err
	}
	db, err := store.Open(ctx, v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	paper, err := db.GetPaper(ctx, v.GetInt64("id"))
	if err != nil {
		return err
	}

	return withOutput(v.GetString("output"), func(w io.Writer) error {
		if format == export.FormatXLSX {
			return export.PaperXLSX(w, paper, syl.Course())
		}
		doc, err := export.PaperMarkdown(paper, syl.Course(), export.Options{Answers: v.GetBool("answers")})
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, doc)
		return err
	})
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	status := model.ReviewStatus(strings.ToLower(v.GetString("status")))
	if status != "" && !status.Valid() {
		return fmt.Errorf("invalid status %q (want pending, accepted, edited or rejected)", status)
	}
	syl, err := syllabus.Load(v.GetString("syllabus"))
	if err != nil {
		return err
	}
	db, err := store.Open(ctx, v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	bank, err := store.ExportBank(ctx, db, syl.Course(), status)
	if err != nil {
		return fmt.Errorf("export bank: %w", err)
	}
	slog.Info("exported question bank", "questions", bank.NumQuestion)
	return withOutput(v.GetString("output"), func(w io.Writer) error {
		return writeJSONTo(w, bank)
	})
}

// withOutput runs write against stdout for "-" or an empty path, otherwise a new file.
func withOutput(path string, write func(io.Writer) error) error {
	if path == "" || path == "-" {
		return write(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeJSONTo(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}

func seedAdmin(ctx context.Context, db store.Repository, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or BLOOMGEN_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(ctx, model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
