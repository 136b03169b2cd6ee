package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/threatplane/reportd/internal/assembler"
	"github.com/threatplane/reportd/internal/queue"
	"github.com/threatplane/reportd/internal/report"
	"github.com/threatplane/reportd/internal/storage"
	"github.com/threatplane/reportd/internal/telemetry"
)

// Service is the submission and inspection surface of the pipeline. Submit
// returns as soon as the job is durably queued; all rendering happens in the
// worker pool.
type Service struct {
	queue   queue.Queue
	store   storage.Provider
	metrics *telemetry.Metrics
}

// New creates a service over the given queue and storage provider.
func New(q queue.Queue, store storage.Provider) *Service {
	return &Service{
		queue:   q,
		store:   store,
		metrics: telemetry.GetMetrics(),
	}
}

// Submit validates the request and enqueues it, returning the job ID. A
// request with no ID gets a fresh one; resubmitting a queued request ID
// returns the original job ID.
func (s *Service) Submit(ctx context.Context, req report.Request, opts queue.EnqueueOptions) (string, error) {
	if req.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("failed to generate request id: %w", err)
		}
		req.ID = id.String()
	}

	if err := req.Validate(); err != nil {
		return "", assembler.NewValidationError(err)
	}

	jobID, err := s.queue.Enqueue(ctx, req, opts)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue request %s: %w", req.ID, err)
	}

	s.metrics.JobsEnqueuedTotal.Add(ctx, 1)
	log.Info().
		Str("job_id", jobID).
		Str("request_id", req.ID).
		Str("report_type", string(req.ReportType)).
		Str("format", string(req.Format)).
		Msg("Report job submitted")

	return jobID, nil
}

// GetJob returns the current state of a job.
func (s *Service) GetJob(ctx context.Context, jobID string) (*queue.Job, error) {
	return s.queue.Get(ctx, jobID)
}

// ListJobs returns up to limit jobs in the given status, newest first.
func (s *Service) ListJobs(ctx context.Context, status queue.Status, limit int) ([]*queue.Job, error) {
	return s.queue.List(ctx, status, limit)
}

// QueueStats returns queue counters.
func (s *Service) QueueStats(ctx context.Context) (*queue.Stats, error) {
	return s.queue.Stats(ctx)
}

// Download returns the rendered artifact bytes for a completed job.
func (s *Service) Download(ctx context.Context, jobID string) ([]byte, *storage.Meta, error) {
	job, err := s.queue.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != queue.StatusCompleted || job.Result == nil {
		return nil, nil, fmt.Errorf("job %s has no report: status %s", jobID, job.Status)
	}
	return s.store.Get(ctx, job.Result.ReportID)
}

// SignedURL returns a time-limited retrieval URL for a completed job's report.
func (s *Service) SignedURL(ctx context.Context, jobID string, ttl time.Duration) (string, error) {
	job, err := s.queue.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != queue.StatusCompleted || job.Result == nil {
		return "", fmt.Errorf("job %s has no report: status %s", jobID, job.Status)
	}
	return s.store.SignedURL(ctx, job.Result.ReportID, ttl)
}

// Retry re-enters a failed job with a fresh attempt budget. Retrying a
// completed job is a no-op returning the existing job.
func (s *Service) Retry(ctx context.Context, jobID string) (*queue.Job, error) {
	return s.queue.Retry(ctx, jobID)
}

// Cancel removes a pending or active job.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	if err := s.queue.Cancel(ctx, jobID); err != nil {
		return err
	}
	s.metrics.JobsCancelledTotal.Add(ctx, 1)
	return nil
}

// PauseQueue stops workers from claiming new jobs; in-flight jobs finish.
func (s *Service) PauseQueue(ctx context.Context) error {
	return s.queue.Pause(ctx)
}

// ResumeQueue reverses PauseQueue.
func (s *Service) ResumeQueue(ctx context.Context) error {
	return s.queue.Resume(ctx)
}
