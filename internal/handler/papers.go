package handler

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/pavelanni/bloomgen/internal/bloom"
	"github.com/pavelanni/bloomgen/internal/export"
	"github.com/pavelanni/bloomgen/internal/model"
)

// blueprintRequest accepts Bloom distribution keys as "L3" or "3".
type blueprintRequest struct {
	Name              string               `json:"name"`
	ExamType          string               `json:"exam_type"`
	TotalMarks        int                  `json:"total_marks"`
	DurationMinutes   int                  `json:"duration_minutes"`
	BloomDistribution map[string]int       `json:"bloom_distribution"`
	Mode              model.GenerationMode `json:"generation_mode"`
	Units             []string             `json:"units"`
	CourseOutcomes    []string             `json:"course_outcomes"`
}

func (b blueprintRequest) blueprint() (model.Blueprint, error) {
	bp := model.Blueprint{
		Name:              b.Name,
		ExamType:          b.ExamType,
		TotalMarks:        b.TotalMarks,
		DurationMinutes:   b.DurationMinutes,
		Mode:              b.Mode,
		Units:             b.Units,
		CourseOutcomes:    b.CourseOutcomes,
		BloomDistribution: make(map[int]int, len(b.BloomDistribution)),
	}
	for key, pct := range b.BloomDistribution {
		level, err := bloom.ParseKey(key)
		if err != nil {
			return bp, model.FieldError(model.KindInvalidBloomLevel, "bloom_distribution",
				fmt.Sprintf("invalid bloom level key %q", key))
		}
		bp.BloomDistribution[level] += pct
	}
	return bp, nil
}

type generatePaperResponse struct {
	Success  bool        `json:"success"`
	Paper    model.Paper `json:"paper"`
	Document string      `json:"document"`
}

func (h *Handler) handleGeneratePaper(w http.ResponseWriter, r *http.Request) {
	var req blueprintRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	bp, err := req.blueprint()
	if err != nil {
		writeError(w, r, err)
		return
	}
	paper, err := h.gen.GeneratePaper(r.Context(), bp)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.invalidateAnalytics(r)

	// The paper is already stored; a render failure leaves the document empty.
	doc, err := h.renderPaper(paper, h.gen.Syllabus().Course(), export.Options{})
	if err != nil {
		slog.Error("render paper document", "paper_id", paper.ID, "error", err)
		doc = ""
	}
	writeJSON(w, http.StatusOK, generatePaperResponse{Success: true, Paper: paper, Document: doc})
}

type listPapersResponse struct {
	Papers []model.PaperSummary `json:"papers"`
	Total  int                  `json:"total"`
}

func (h *Handler) handleListPapers(w http.ResponseWriter, r *http.Request) {
	papers, err := h.store.ListPapers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listPapersResponse{Papers: papers, Total: len(papers)})
}

func (h *Handler) handleGetPaper(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	paper, err := h.store.GetPaper(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paper)
}

func (h *Handler) handleExportPaper(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	answers, _ := strconv.ParseBool(r.URL.Query().Get("answers"))

	paper, err := h.store.GetPaper(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	course := h.gen.Syllabus().Course()

	var buf bytes.Buffer
	switch format {
	case export.FormatXLSX:
		err = export.PaperXLSX(&buf, paper, course)
	default:
		var doc string
		doc, err = h.renderPaper(paper, course, export.Options{Answers: answers})
		buf.WriteString(doc)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="paper-%d.%s"`, id, format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
