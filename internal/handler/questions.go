package handler

import (
	"log/slog"
	"net/http"

	"github.com/pavelanni/bloomgen/internal/bloom"
	"github.com/pavelanni/bloomgen/internal/cache"
	"github.com/pavelanni/bloomgen/internal/model"
	"github.com/pavelanni/bloomgen/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type generateQuestionResponse struct {
	Success    bool           `json:"success"`
	QuestionID int64          `json:"question_id"`
	Question   model.Question `json:"question"`
}

func (h *Handler) handleGenerateQuestion(w http.ResponseWriter, r *http.Request) {
	var req model.GenerationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	q, err := h.gen.GenerateQuestion(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.invalidateAnalytics(r)
	writeJSON(w, http.StatusOK, generateQuestionResponse{Success: true, QuestionID: q.ID, Question: q})
}

type listQuestionsResponse struct {
	Questions  []model.Question `json:"questions"`
	Total      int              `json:"total"`
	Page       int              `json:"page"`
	Limit      int              `json:"limit"`
	TotalPages int              `json:"total_pages"`
}

func (h *Handler) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	f, err := questionFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := intQuery(r, "page", 1)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := intQuery(r, "limit", defaultPageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page = max(page, 1)
	limit = min(max(limit, 1), maxPageSize)

	questions, total, err := h.store.QueryQuestions(r.Context(), f, page, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listQuestionsResponse{
		Questions:  questions,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: store.TotalPages(total, limit),
	})
}

func questionFilter(r *http.Request) (model.QuestionFilter, error) {
	q := r.URL.Query()
	f := model.QuestionFilter{
		UnitID:        q.Get("unit_id"),
		CourseOutcome: q.Get("course_outcome"),
		Difficulty:    model.Difficulty(q.Get("difficulty")),
		ReviewStatus:  model.ReviewStatus(q.Get("review_status")),
	}
	if raw := q.Get("bloom_level"); raw != "" {
		level, err := bloom.ParseKey(raw)
		if err != nil {
			return f, err
		}
		f.BloomLevel = level
	}
	if f.Difficulty != "" && !f.Difficulty.Valid() {
		return f, model.FieldError(model.KindValidation, "difficulty", "difficulty must be easy, medium or hard")
	}
	if f.ReviewStatus != "" && !f.ReviewStatus.Valid() {
		return f, model.FieldError(model.KindValidation, "review_status", "review_status must be pending, accepted, edited or rejected")
	}
	return f, nil
}

func (h *Handler) handleGetQuestion(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q, err := h.store.GetQuestion(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type reviewResponse struct {
	Success  bool           `json:"success"`
	Question model.Question `json:"question"`
}

func (h *Handler) handleReviewQuestion(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var review model.Review
	if err := decodeJSON(w, r, &review); err != nil {
		writeError(w, r, err)
		return
	}
	user := model.UserFromContext(r.Context())
	q, err := h.store.ReviewQuestion(r.Context(), id, user.ID, review)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("question reviewed", "id", id, "status", review.Status, "reviewer", user.Username)
	h.invalidateAnalytics(r)
	writeJSON(w, http.StatusOK, reviewResponse{Success: true, Question: q})
}

func (h *Handler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var a model.Analytics
	if h.cache != nil {
		hit, err := h.cache.GetJSON(ctx, cache.AnalyticsKey, &a)
		if err != nil {
			slog.Warn("analytics cache read failed", "error", err)
		}
		if hit {
			writeJSON(w, http.StatusOK, a)
			return
		}
	}

	a, err := h.store.Analytics(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	syl := h.gen.Syllabus().Raw()
	a.SyllabusUnits = len(syl.Units)
	a.CourseOutcomes = len(syl.Outcomes)

	if h.cache != nil {
		if err := h.cache.SetJSON(ctx, cache.AnalyticsKey, a, h.config.AnalyticsTTL); err != nil {
			slog.Warn("analytics cache write failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) invalidateAnalytics(r *http.Request) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Delete(r.Context(), cache.AnalyticsKey); err != nil {
		slog.Warn("analytics cache invalidation failed", "error", err)
	}
}
