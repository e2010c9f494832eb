// Package jobs runs batches of question generation requests in the background.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/bloomgen/internal/model"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Finished reports whether s is terminal.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

const (
	// MaxBatch is the largest number of requests one job may carry.
	MaxBatch = 50
	// DefaultBacklog is the number of jobs that may wait for the worker.
	DefaultBacklog = 16
	// DefaultRetention is how long finished jobs stay queryable.
	DefaultRetention = time.Hour
)

// Generator produces and persists one question.
type Generator interface {
	ValidateRequest(req model.GenerationRequest) error
	GenerateQuestion(ctx context.Context, req model.GenerationRequest) (model.Question, error)
}

// ItemError records why one request in a batch failed.
type ItemError struct {
	Index   int        `json:"index"`
	Kind    model.Kind `json:"kind"`
	Message string     `json:"message"`
}

// Job is a snapshot of a batch generation job.
type Job struct {
	ID          string                    `json:"id"`
	Status      Status                    `json:"status"`
	Requests    []model.GenerationRequest `json:"requests"`
	Total       int                       `json:"total"`
	Done        int                       `json:"done"`
	QuestionIDs []int64                   `json:"question_ids"`
	Errors      []ItemError               `json:"errors"`
	CreatedAt   time.Time                 `json:"created_at"`
	StartedAt   *time.Time                `json:"started_at,omitempty"`
	FinishedAt  *time.Time                `json:"finished_at,omitempty"`
}

// Progress is the completed fraction of the batch in [0,1].
func (j Job) Progress() float64 {
	if j.Total == 0 {
		return 0
	}
	return float64(j.Done) / float64(j.Total)
}

type entry struct {
	job    Job
	cancel context.CancelFunc
}

// Queue holds jobs and runs them one at a time on a single worker.
type Queue struct {
	gen       Generator
	mu        sync.Mutex
	jobs      map[string]*entry
	pending   chan string
	retention time.Duration
	now       func() time.Time
}

// NewQueue creates a queue whose backlog holds up to backlog waiting jobs.
func NewQueue(gen Generator, backlog int) *Queue {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Queue{
		gen:       gen,
		jobs:      make(map[string]*entry),
		pending:   make(chan string, backlog),
		retention: DefaultRetention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetRetention sets how long finished jobs are kept; zero or less keeps the default.
func (q *Queue) SetRetention(d time.Duration) {
	if d <= 0 {
		return
	}
	q.mu.Lock()
	q.retention = d
	q.mu.Unlock()
}

// evictLocked drops finished jobs older than the retention window.
func (q *Queue) evictLocked() {
	cutoff := q.now().Add(-q.retention)
	for id, e := range q.jobs {
		if e.job.FinishedAt != nil && e.job.FinishedAt.Before(cutoff) {
			delete(q.jobs, id)
		}
	}
}

// Run processes jobs until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.pending:
			q.process(ctx, id)
		}
	}
}

// Submit validates reqs and enqueues them as one job.
func (q *Queue) Submit(reqs []model.GenerationRequest) (Job, error) {
	if len(reqs) == 0 {
		return Job{}, model.FieldError(model.KindValidation, "requests", "at least one request is required")
	}
	if len(reqs) > MaxBatch {
		return Job{}, model.FieldError(model.KindValidation, "requests", fmt.Sprintf("at most %d requests per job", MaxBatch))
	}
	for i, r := range reqs {
		if err := q.gen.ValidateRequest(r); err != nil {
			return Job{}, fmt.Errorf("request %d: %w", i+1, err)
		}
	}

	job := Job{
		ID:          uuid.NewString(),
		Status:      StatusPending,
		Requests:    append([]model.GenerationRequest(nil), reqs...),
		Total:       len(reqs),
		QuestionIDs: []int64{},
		Errors:      []ItemError{},
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictLocked()
	job.CreatedAt = q.now()
	select {
	case q.pending <- job.ID:
	default:
		return Job{}, model.Errorf(model.KindUnavailable, "job queue is full, try again later")
	}
	q.jobs[job.ID] = &entry{job: job}
	slog.Info("job queued", "job_id", job.ID, "requests", job.Total)
	return job, nil
}

// Get returns a snapshot of the job.
func (q *Queue) Get(id string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictLocked()
	e, ok := q.jobs[id]
	if !ok {
		return Job{}, model.Errorf(model.KindNotFound, "job %s not found", id)
	}
	return snapshot(e.job), nil
}

// Cancel stops a pending or running job.
func (q *Queue) Cancel(id string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return Job{}, model.Errorf(model.KindNotFound, "job %s not found", id)
	}
	switch e.job.Status {
	case StatusPending:
		finish(&e.job, StatusCancelled, q.now())
	case StatusRunning:
		e.cancel()
	default:
		return Job{}, model.Errorf(model.KindValidation, "job %s already %s", id, e.job.Status)
	}
	slog.Info("job cancel requested", "job_id", id)
	return snapshot(e.job), nil
}

func (q *Queue) process(ctx context.Context, id string) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	q.mu.Lock()
	e, ok := q.jobs[id]
	if !ok || e.job.Status != StatusPending {
		q.mu.Unlock()
		return
	}
	now := q.now()
	e.job.Status = StatusRunning
	e.job.StartedAt = &now
	e.cancel = cancel
	reqs := e.job.Requests
	q.mu.Unlock()

	slog.Info("job started", "job_id", id, "requests", len(reqs))
	for i, req := range reqs {
		if jobCtx.Err() != nil {
			break
		}
		question, err := q.gen.GenerateQuestion(jobCtx, req)

		q.mu.Lock()
		e.job.Done++
		if err != nil {
			e.job.Errors = append(e.job.Errors, ItemError{Index: i, Kind: model.KindOf(err), Message: err.Error()})
		} else {
			e.job.QuestionIDs = append(e.job.QuestionIDs, question.ID)
		}
		q.mu.Unlock()
		if err != nil {
			slog.Warn("job request failed", "job_id", id, "index", i, "error", err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case jobCtx.Err() != nil:
		finish(&e.job, StatusCancelled, q.now())
	case len(e.job.QuestionIDs) == 0:
		finish(&e.job, StatusFailed, q.now())
	default:
		finish(&e.job, StatusCompleted, q.now())
	}
	slog.Info("job finished", "job_id", id, "status", e.job.Status,
		"generated", len(e.job.QuestionIDs), "failed", len(e.job.Errors))
}

func finish(j *Job, status Status, now time.Time) {
	j.Status = status
	j.FinishedAt = &now
}

func snapshot(j Job) Job {
	j.Requests = append([]model.GenerationRequest(nil), j.Requests...)
	j.QuestionIDs = append([]int64{}, j.QuestionIDs...)
	j.Errors = append([]ItemError{}, j.Errors...)
	return j
}
