// Package generation orchestrates question generation: validation, scoped
// retrieval, the draft-critique loop, scoring and persistence. It also
// composes exam papers from blueprints.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pavelanni/bloomgen/internal/bloom"
	"github.com/pavelanni/bloomgen/internal/model"
	"github.com/pavelanni/bloomgen/internal/scoring"
	"github.com/pavelanni/bloomgen/internal/syllabus"
)

const tracerName = "github.com/pavelanni/bloomgen/internal/generation"

// Retriever is the unit-scoped similarity search collaborator.
type Retriever interface {
	Retrieve(ctx context.Context, unitID, query string, k int) ([]model.RetrievedPassage, error)
}

// Store is the persistence the service needs.
type Store interface {
	SaveQuestion(ctx context.Context, q *model.Question) (int64, error)
	QueryQuestions(ctx context.Context, f model.QuestionFilter, page, pageSize int) ([]model.Question, int, error)
	SavePaper(ctx context.Context, p *model.Paper) (int64, error)
}

// Config tunes generation.
type Config struct {
	MaxIterations int
	ForceAccept   bool
	// RequestTimeout bounds a whole generate_question call; zero disables it.
	RequestTimeout time.Duration
	// ModelName is recorded in provenance.
	ModelName string
	// AllowFreshInBank lets bank mode fall back to generation; off by default.
	AllowFreshInBank bool
}

// Deps are the collaborators of a Service.
type Deps struct {
	Syllabus  *syllabus.Syllabus
	Retriever Retriever
	Drafter   Drafter
	Critic    Critic
	Scorer    *scoring.Scorer
	Store     Store
}

// Service is the single entry point for generation requests.
type Service struct {
	syllabus  *syllabus.Syllabus
	retriever Retriever
	loop      *Loop
	scorer    *scoring.Scorer
	store     Store
	cfg       Config
	tracer    trace.Tracer
}

// NewService wires a Service. A nil scorer uses the default weights.
func NewService(d Deps, cfg Config) *Service {
	scorer := d.Scorer
	if scorer == nil {
		scorer = scoring.Default()
	}
	return &Service{
		syllabus:  d.Syllabus,
		retriever: d.Retriever,
		loop:      NewLoop(d.Drafter, d.Critic, scorer, LoopConfig{MaxIterations: cfg.MaxIterations, ForceAccept: cfg.ForceAccept}),
		scorer:    scorer,
		store:     d.Store,
		cfg:       cfg,
		tracer:    otel.Tracer(tracerName),
	}
}

// Syllabus returns the syllabus requests are validated against.
func (s *Service) Syllabus() *syllabus.Syllabus {
	return s.syllabus
}

// ValidateRequest checks a request against the syllabus without any external call.
func (s *Service) ValidateRequest(req model.GenerationRequest) error {
	if err := bloom.Validate(req.BloomLevel); err != nil {
		return err
	}
	if req.UnitID == "" {
		return model.FieldError(model.KindValidation, "unit_id", "unit_id is required")
	}
	if _, ok := s.syllabus.Unit(req.UnitID); !ok {
		return model.FieldError(model.KindUnknownUnit, "unit_id", fmt.Sprintf("unknown unit %q", req.UnitID))
	}
	if req.COID == "" {
		return model.FieldError(model.KindValidation, "co_id", "co_id is required")
	}
	if _, ok := s.syllabus.Outcome(req.COID); !ok {
		return model.FieldError(model.KindValidation, "co_id", fmt.Sprintf("unknown course outcome %q", req.COID))
	}
	if !req.Difficulty.Valid() {
		return model.FieldError(model.KindValidation, "difficulty", "difficulty must be easy, medium or hard")
	}
	if req.Marks < 0 || req.Marks > 100 {
		return model.FieldError(model.KindValidation, "marks", "marks must be between 0 (derive from difficulty) and 100")
	}
	return nil
}

// GenerateQuestion validates, retrieves, runs the loop, scores and persists one question.
func (s *Service) GenerateQuestion(ctx context.Context, req model.GenerationRequest) (model.Question, error) {
	ctx, span := s.tracer.Start(ctx, "generate_question", trace.WithAttributes(
		attribute.String("unit_id", req.UnitID),
		attribute.String("co_id", req.COID),
		attribute.Int("bloom_level", req.BloomLevel),
		attribute.String("difficulty", string(req.Difficulty)),
	))
	defer span.End()

	q, err := s.generateQuestion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(model.KindOf(err)))
		return model.Question{}, err
	}
	span.SetAttributes(attribute.Int64("question_id", q.ID), attribute.Int("compliance_score", q.ComplianceScore))
	return q, nil
}

func (s *Service) generateQuestion(ctx context.Context, req model.GenerationRequest) (model.Question, error) {
	if err := s.ValidateRequest(req); err != nil {
		return model.Question{}, err
	}
	if req.Marks == 0 {
		req.Marks = scoring.MarksForDifficulty(req.Difficulty)
	}
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	depth, err := bloom.DepthForBloom(req.BloomLevel)
	if err != nil {
		return model.Question{}, err
	}
	query := s.syllabus.RetrievalQuery(req.UnitID)

	rctx, rspan := s.tracer.Start(ctx, "retrieve", trace.WithAttributes(attribute.Int("k", depth)))
	passages, err := s.retriever.Retrieve(rctx, req.UnitID, query, depth)
	rspan.SetAttributes(attribute.Int("passages", len(passages)))
	rspan.End()
	if err != nil {
		return model.Question{}, fmt.Errorf("retrieve passages: %w", err)
	}

	lctx, lspan := s.tracer.Start(ctx, "loop")
	outcome, err := s.loop.Run(lctx, req, passages)
	lspan.SetAttributes(attribute.Int("iterations", outcome.Iterations), attribute.String("state", outcome.State.String()))
	lspan.End()
	if err != nil {
		slog.Warn("generation loop ended without a question",
			"unit_id", req.UnitID, "bloom_level", req.BloomLevel, "iterations", outcome.Iterations, "error", err)
		return model.Question{}, err
	}

	// Scoring always runs on the accepted candidate before persistence.
	score := s.scorer.Score(outcome.Candidate, req, passages)

	unit, _ := s.syllabus.Unit(req.UnitID)
	q := model.Question{
		Text:            outcome.Candidate.QuestionText,
		AnswerScheme:    outcome.Candidate.AnswerScheme,
		QuestionType:    outcome.Candidate.QuestionType,
		KeyConcepts:     outcome.Candidate.KeyConcepts,
		CourseCode:      s.syllabus.Course().CourseCode,
		UnitID:          req.UnitID,
		UnitName:        unit.Name,
		PrimaryCO:       req.COID,
		SecondaryCOs:    s.syllabus.RelatedOutcomes(req.UnitID, req.COID),
		BloomLevel:      req.BloomLevel,
		Difficulty:      req.Difficulty,
		Marks:           req.Marks,
		TimeMinutes:     TimeForMarks(req.Marks),
		ComplianceScore: score.Total,
		QualityScore:    QualityScore(outcome.Quality),
		RefinementCount: outcome.Candidate.Iteration - 1,
		ReviewStatus:    model.ReviewPending,
		Provenance: model.Provenance{
			Query:      query,
			Depth:      depth,
			Passages:   passages,
			Iterations: outcome.Trace,
			Outcome:    outcome.State.String(),
			Breakdown:  score.Breakdown,
			Model:      s.cfg.ModelName,
		},
	}
	if outcome.Forced {
		q.Provenance.Outcome = "accepted_best_seen"
	}
	if q.RefinementCount < 0 {
		q.RefinementCount = 0
	}

	id, err := s.store.SaveQuestion(ctx, &q)
	if err != nil {
		if model.KindOf(err) == "" {
			err = model.Wrap(model.KindPersistence, err, "save question")
		}
		return model.Question{}, err
	}
	q.ID = id
	slog.Info("question generated",
		"id", id, "unit_id", q.UnitID, "co", q.PrimaryCO, "bloom_level", q.BloomLevel,
		"score", q.ComplianceScore, "iterations", outcome.Iterations, "outcome", q.Provenance.Outcome)
	return q, nil
}

// TimeForMarks is the suggested answering time, 1.8 minutes per mark rounded up.
func TimeForMarks(marks int) int {
	return (marks*9 + 4) / 5
}
