package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/threatplane/reportd/internal/report"
	"github.com/threatplane/reportd/internal/telemetry"
)

// MemoryQueue implements Queue with in-process storage. It is the default
// backend for single-node deployments and for tests.
type MemoryQueue struct {
	mu sync.RWMutex

	jobs map[string]*Job // job ID -> job (canonical copy)

	// Idempotency: request ID -> job ID.
	requestIDs map[string]string

	// Enqueue sequence, used to keep FIFO order within a priority tier.
	seq     uint64
	jobSeqs map[string]uint64

	paused  bool
	stopped bool

	// wake is signalled (non-blocking) whenever a job may have become
	// claimable: enqueue, nack reschedule, stall requeue, retry, resume.
	wake chan struct{}

	reaperTicker *time.Ticker
	stopReaper   chan struct{}

	// reapInterval is how often expired leases are reclaimed.
	reapInterval time.Duration
}

// NewMemoryQueue creates an in-memory queue. Start must be called before use.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:         make(map[string]*Job),
		requestIDs:   make(map[string]string),
		jobSeqs:      make(map[string]uint64),
		wake:         make(chan struct{}, 1),
		stopReaper:   make(chan struct{}),
		reapInterval: time.Second,
	}
}

// Start begins the background lease reaper.
func (q *MemoryQueue) Start() error {
	q.reaperTicker = time.NewTicker(q.reapInterval)
	go q.reaperLoop()
	return nil
}

// Stop terminates background operations.
func (q *MemoryQueue) Stop() error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	q.mu.Unlock()

	if q.reaperTicker != nil {
		q.reaperTicker.Stop()
	}
	close(q.stopReaper)
	return nil
}

// WakeCh returns the claimability signal channel.
func (q *MemoryQueue) WakeCh() <-chan struct{} {
	return q.wake
}

func (q *MemoryQueue) reaperLoop() {
	for {
		select {
		case <-q.reaperTicker.C:
			q.reapExpiredLeases()
		case <-q.stopReaper:
			return
		}
	}
}

// reapExpiredLeases requeues Active jobs whose lease deadline has elapsed
// without a heartbeat. The crashed worker's partial work is discarded and the
// attempt charged at claim time is refunded.
func (q *MemoryQueue) reapExpiredLeases() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	requeued := false
	for _, job := range q.jobs {
		if job.Status != StatusActive || now.Before(job.LeaseDeadline) {
			continue
		}
		log.Warn().
			Str("job_id", job.JobID).
			Str("worker_id", job.WorkerID).
			Time("lease_deadline", job.LeaseDeadline).
			Msg("Visibility timeout elapsed, requeueing job")

		job.Status = StatusPending
		job.WorkerID = ""
		job.LeaseDeadline = time.Time{}
		job.StartedAt = nil
		job.NotBefore = now
		// The claim charged an attempt, but no render outcome was observed,
		// so the stalled execution does not consume retry budget.
		job.Attempts--
		requeued = true
		telemetry.GetMetrics().JobsRedeliveredTotal.Add(context.Background(), 1)
	}
	if requeued {
		q.signalWake()
	}
}

func (q *MemoryQueue) signalWake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue admits a request as a Pending job. Request IDs are idempotency keys:
// re-submitting an ID that already maps to a job returns that job's ID.
func (q *MemoryQueue) Enqueue(ctx context.Context, req report.Request, opts EnqueueOptions) (string, error) {
	opts.ApplyDefaults()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return "", ErrQueueStopped
	}

	if req.ID != "" {
		if existingID, ok := q.requestIDs[req.ID]; ok {
			log.Debug().Str("job_id", existingID).Str("request_id", req.ID).Msg("Job already exists (idempotent)")
			return existingID, nil
		}
	}

	jobID := uuid.Must(uuid.NewV7()).String()
	now := time.Now()

	job := &Job{
		JobID:       jobID,
		Request:     req,
		Status:      StatusPending,
		MaxAttempts: opts.MaxAttempts,
		Priority:    opts.Priority,
		BackoffBase: opts.BackoffBase,
		BackoffCap:  opts.BackoffCap,
		CreatedAt:   now,
		NotBefore:   now.Add(opts.Delay),
	}

	q.seq++
	q.jobs[jobID] = job
	q.jobSeqs[jobID] = q.seq
	if req.ID != "" {
		q.requestIDs[req.ID] = jobID
	}

	log.Info().
		Str("job_id", jobID).
		Str("report_type", string(req.ReportType)).
		Str("format", string(req.Format)).
		Int("priority", opts.Priority).
		Msg("Enqueued job")

	q.signalWake()
	return jobID, nil
}

// Claim atomically leases the best ready job: highest priority first, then
// enqueue order within the tier. Returns nil when nothing is claimable.
func (q *MemoryQueue) Claim(ctx context.Context, workerID string, visibilityTimeout time.Duration) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return nil, ErrQueueStopped
	}
	if q.paused {
		return nil, nil
	}

	now := time.Now()
	var best *Job
	var bestSeq uint64
	for _, job := range q.jobs {
		if job.Status != StatusPending || now.Before(job.NotBefore) {
			continue
		}
		seq := q.jobSeqs[job.JobID]
		if best == nil || job.Priority > best.Priority || (job.Priority == best.Priority && seq < bestSeq) {
			best = job
			bestSeq = seq
		}
	}
	if best == nil {
		return nil, nil
	}

	started := now
	best.Status = StatusActive
	best.WorkerID = workerID
	best.LeaseDeadline = now.Add(visibilityTimeout)
	best.StartedAt = &started
	best.Attempts++

	log.Debug().
		Str("job_id", best.JobID).
		Str("worker_id", workerID).
		Int("attempt", best.Attempts).
		Msg("Claimed job")

	c := *best
	return &c, nil
}

// Heartbeat extends the lease of an Active job held by workerID.
func (q *MemoryQueue) Heartbeat(ctx context.Context, jobID, workerID string, extension time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.activeJobHeldBy(jobID, workerID)
	if err != nil {
		return err
	}
	job.LeaseDeadline = time.Now().Add(extension)
	return nil
}

// Ack marks the job Completed and records its result.
func (q *MemoryQueue) Ack(ctx context.Context, jobID, workerID string, result *report.Report) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.activeJobHeldBy(jobID, workerID)
	if err != nil {
		return err
	}

	now := time.Now()
	job.Status = StatusCompleted
	job.Result = result
	job.CompletedAt = &now
	job.LastError = ""
	job.WorkerID = ""
	job.LeaseDeadline = time.Time{}

	log.Info().Str("job_id", jobID).Int("attempts", job.Attempts).Msg("Job completed")
	return nil
}

// Nack records a failed attempt. terminal short-circuits to Failed without
// consuming the retry budget; otherwise the job is rescheduled with
// exponential backoff until attempts reach the ceiling.
func (q *MemoryQueue) Nack(ctx context.Context, jobID, workerID string, jobErr error, terminal bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.activeJobHeldBy(jobID, workerID)
	if err != nil {
		return err
	}

	job.LastError = jobErr.Error()
	job.WorkerID = ""
	job.LeaseDeadline = time.Time{}

	if terminal {
		// Non-retryable failure: the attempt that discovered it is not
		// charged against the retry budget.
		job.Attempts--
		q.failLocked(job)
		return nil
	}

	if job.Attempts >= job.MaxAttempts {
		q.failLocked(job)
		return nil
	}

	delay := BackoffDelay(job.BackoffBase, job.BackoffCap, job.Attempts)
	job.Status = StatusPending
	job.StartedAt = nil
	job.NotBefore = time.Now().Add(delay)

	log.Warn().
		Str("job_id", jobID).
		Int("attempts", job.Attempts).
		Int("max_attempts", job.MaxAttempts).
		Dur("backoff", delay).
		Str("error", job.LastError).
		Msg("Job attempt failed, rescheduled")

	q.signalWake()
	return nil
}

func (q *MemoryQueue) failLocked(job *Job) {
	now := time.Now()
	job.Status = StatusFailed
	job.StartedAt = nil
	job.CompletedAt = &now

	log.Error().
		Str("job_id", job.JobID).
		Int("attempts", job.Attempts).
		Str("error", job.LastError).
		Msg("Job failed permanently")
}

// Cancel removes a Pending or Active job. Terminal jobs cannot be cancelled.
func (q *MemoryQueue) Cancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if !validTransition(job.Status, StatusCancelled) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, StatusCancelled)
	}

	now := time.Now()
	job.Status = StatusCancelled
	job.CompletedAt = &now
	job.WorkerID = ""
	job.LeaseDeadline = time.Time{}

	log.Info().Str("job_id", jobID).Msg("Job cancelled")
	return nil
}

// Retry re-enters a Failed job as Pending with a fresh attempt budget.
// Retrying a Completed job is a no-op that returns the existing job.
func (q *MemoryQueue) Retry(ctx context.Context, jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	switch job.Status {
	case StatusCompleted:
		c := *job
		return &c, nil
	case StatusFailed:
		job.Status = StatusPending
		job.Attempts = 0
		job.LastError = ""
		job.CompletedAt = nil
		job.NotBefore = time.Now()

		q.seq++
		q.jobSeqs[jobID] = q.seq

		log.Info().Str("job_id", jobID).Msg("Job re-entered queue after retry")
		q.signalWake()
		c := *job
		return &c, nil
	default:
		return nil, fmt.Errorf("%w: retry from %s", ErrInvalidTransition, job.Status)
	}
}

// Get returns a copy of the job.
func (q *MemoryQueue) Get(ctx context.Context, jobID string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	c := *job
	return &c, nil
}

// List returns up to limit jobs in the given status, newest first.
func (q *MemoryQueue) List(ctx context.Context, status Status, limit int) ([]*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	var jobs []*Job
	for _, job := range q.jobs {
		if status != "" && job.Status != status {
			continue
		}
		c := *job
		jobs = append(jobs, &c)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Stats returns queue counters.
func (q *MemoryQueue) Stats(ctx context.Context) (*Stats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	now := time.Now()
	stats := &Stats{}
	for _, job := range q.jobs {
		switch job.Status {
		case StatusPending:
			if now.Before(job.NotBefore) {
				stats.Delayed++
			} else {
				stats.Waiting++
			}
		case StatusActive:
			stats.Active++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

// Pause stops Claim from handing out jobs until Resume.
func (q *MemoryQueue) Pause(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	log.Info().Msg("Queue paused")
	return nil
}

// Resume re-enables claiming.
func (q *MemoryQueue) Resume(ctx context.Context) error {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	log.Info().Msg("Queue resumed")
	q.signalWake()
	return nil
}

// activeJobHeldBy returns the job if it is Active and leased to workerID.
func (q *MemoryQueue) activeJobHeldBy(jobID, workerID string) (*Job, error) {
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status != StatusActive {
		return nil, fmt.Errorf("%w: job is %s", ErrInvalidTransition, job.Status)
	}
	if job.WorkerID != workerID {
		return nil, fmt.Errorf("%w: job %s held by %s", ErrNotLeaseHolder, jobID, job.WorkerID)
	}
	return job, nil
}
