package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/bloomgen/internal/i18n"
	"github.com/pavelanni/bloomgen/internal/jobs"
	"github.com/pavelanni/bloomgen/internal/model"
)

type submitJobRequest struct {
	Requests []model.GenerationRequest `json:"requests"`
}

type submitJobResponse struct {
	Success bool        `json:"success"`
	JobID   string      `json:"job_id"`
	Status  jobs.Status `json:"status"`
}

type jobResponse struct {
	jobs.Job
	Progress float64 `json:"progress"`
	Summary  string  `json:"summary"`
}

func (h *Handler) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := h.jobs.Submit(req.Requests)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitJobResponse{Success: true, JobID: job.ID, Status: job.Status})
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.describeJob(r, job))
}

func (h *Handler) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.describeJob(r, job))
}

func (h *Handler) describeJob(r *http.Request, job jobs.Job) jobResponse {
	return jobResponse{
		Job:      job,
		Progress: job.Progress(),
		Summary:  appI18n.Tp(r.Context(), "QuestionsGenerated", len(job.QuestionIDs)),
	}
}
