package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/threatplane/reportd/internal/queue"
	"github.com/threatplane/reportd/internal/report"
	"github.com/threatplane/reportd/internal/telemetry"
)

// Queue implements queue.Queue backed by PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never lease the same job,
// and all job state survives process restarts.
type Queue struct {
	pool *pgxpool.Pool
	cfg  *Config

	// Local wake signal. Cross-process workers fall back to their poll
	// interval; within one process enqueue wakes claimers immediately.
	wake chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

const jobColumns = `job_id::text, request, status, attempts, max_attempts, priority,
	backoff_base_ms, backoff_cap_ms, created_at, started_at, completed_at,
	not_before, last_error, result, worker_id, lease_deadline`

// New creates a PostgreSQL-backed queue. It establishes the connection pool,
// pings the database, and optionally runs embedded migrations.
func New(ctx context.Context, cfg *Config) (*Queue, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("database", poolConfig.ConnConfig.Database).
		Str("host", poolConfig.ConnConfig.Host).
		Int32("max_conns", cfg.MaxConns).
		Msg("Connected to PostgreSQL")

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return &Queue{
		pool:   pool,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}, nil
}

// Start launches the lease reaper.
func (q *Queue) Start() error {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.reaperLoop()
	}()
	return nil
}

// Stop shuts down background tasks and closes the pool.
func (q *Queue) Stop() error {
	close(q.stopCh)
	q.wg.Wait()
	q.pool.Close()
	return nil
}

// WakeCh returns the local claimability signal channel.
func (q *Queue) WakeCh() <-chan struct{} {
	return q.wake
}

func (q *Queue) signalWake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) reaperLoop() {
	ticker := time.NewTicker(q.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := q.reapExpiredLeases(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to reap expired leases")
			}
			cancel()
		case <-q.stopCh:
			return
		}
	}
}

// reapExpiredLeases requeues Active jobs whose lease deadline has elapsed.
// The attempt charged at claim time is refunded: no outcome was observed.
func (q *Queue) reapExpiredLeases(ctx context.Context) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET
			status = 'pending',
			worker_id = '',
			lease_deadline = NULL,
			started_at = NULL,
			not_before = NOW(),
			attempts = GREATEST(attempts - 1, 0)
		WHERE status = 'active' AND lease_deadline < NOW()
	`)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() > 0 {
		log.Warn().Int64("count", tag.RowsAffected()).Msg("Requeued jobs with expired leases")
		telemetry.GetMetrics().JobsRedeliveredTotal.Add(ctx, tag.RowsAffected())
		q.signalWake()
	}
	return nil
}

// Enqueue inserts a Pending job. The request ID is an idempotency key:
// a conflicting insert returns the existing job's ID.
func (q *Queue) Enqueue(ctx context.Context, req report.Request, opts queue.EnqueueOptions) (string, error) {
	opts.ApplyDefaults()

	if req.ID != "" {
		existingID, err := q.jobIDByRequestID(ctx, req.ID)
		if err != nil {
			return "", err
		}
		if existingID != "" {
			log.Debug().Str("job_id", existingID).Str("request_id", req.ID).Msg("Job already exists (idempotent)")
			return existingID, nil
		}
	}

	jobID := uuid.Must(uuid.NewV7()).String()
	now := time.Now()

	requestJSON, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var returnedID string
	err = q.pool.QueryRow(ctx, `
		INSERT INTO jobs (
			job_id, request_id, request, status, attempts, max_attempts, priority,
			backoff_base_ms, backoff_cap_ms, created_at, not_before
		) VALUES ($1, $2, $3, 'pending', 0, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id) WHERE request_id <> '' DO NOTHING
		RETURNING job_id::text
	`,
		jobID,
		req.ID,
		requestJSON,
		opts.MaxAttempts,
		opts.Priority,
		opts.BackoffBase.Milliseconds(),
		opts.BackoffCap.Milliseconds(),
		now,
		now.Add(opts.Delay),
	).Scan(&returnedID)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost an idempotency race; fetch the winner.
			existingID, err := q.jobIDByRequestID(ctx, req.ID)
			if err != nil {
				return "", err
			}
			if existingID == "" {
				return "", fmt.Errorf("concurrent insert conflict but job not found")
			}
			return existingID, nil
		}
		return "", mapError(err)
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

func (q *Queue) jobIDByRequestID(ctx context.Context, requestID string) (string, error) {
	var jobID string
	err := q.pool.QueryRow(ctx,
		`SELECT job_id::text FROM jobs WHERE request_id = $1`, requestID,
	).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", mapError(err)
	}
	return jobID, nil
}

// Claim leases the best ready job using FOR UPDATE SKIP LOCKED.
func (q *Queue) Claim(ctx context.Context, workerID string, visibilityTimeout time.Duration) (*queue.Job, error) {
	paused, err := q.isPaused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	rows, err := q.pool.Query(ctx, fmt.Sprintf(`
		WITH claimable AS (
			SELECT job_id
			FROM jobs
			WHERE status = 'pending' AND not_before <= NOW()
			ORDER BY priority DESC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs SET
			status = 'active',
			worker_id = $1,
			lease_deadline = $2,
			started_at = NOW(),
			attempts = jobs.attempts + 1
		FROM claimable
		WHERE jobs.job_id = claimable.job_id
		RETURNING %s
	`, prefixedJobColumns("jobs.")), workerID, time.Now().Add(visibilityTimeout))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	job, err := scanJob(rows)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("job_id", job.JobID).
		Str("worker_id", workerID).
		Int("attempt", job.Attempts).
		Msg("Claimed job")

	return job, nil
}

// Heartbeat extends the lease of an Active job held by workerID.
func (q *Queue) Heartbeat(ctx context.Context, jobID, workerID string, extension time.Duration) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET lease_deadline = $3
		WHERE job_id = $1 AND status = 'active' AND worker_id = $2
	`, jobID, workerID, time.Now().Add(extension))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return q.leaseError(ctx, jobID, workerID)
	}
	return nil
}

// Ack marks the job Completed with its result and releases the lease.
func (q *Queue) Ack(ctx context.Context, jobID, workerID string, result *report.Report) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET
			status = 'completed',
			result = $3,
			completed_at = NOW(),
			last_error = '',
			worker_id = '',
			lease_deadline = NULL
		WHERE job_id = $1 AND status = 'active' AND worker_id = $2
	`, jobID, workerID, resultJSON)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return q.leaseError(ctx, jobID, workerID)
	}

	log.Info().Str("job_id", jobID).Msg("Job completed")
	return nil
}

// Nack records a failed attempt, rescheduling with backoff or failing
// terminally when the budget is exhausted or the error is non-retryable.
func (q *Queue) Nack(ctx context.Context, jobID, workerID string, jobErr error, terminal bool) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe after commit

	var attempts, maxAttempts int
	var backoffBaseMs, backoffCapMs int64
	err = tx.QueryRow(ctx, `
		SELECT attempts, max_attempts, backoff_base_ms, backoff_cap_ms
		FROM jobs
		WHERE job_id = $1 AND status = 'active' AND worker_id = $2
		FOR UPDATE
	`, jobID, workerID).Scan(&attempts, &maxAttempts, &backoffBaseMs, &backoffCapMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return q.leaseError(ctx, jobID, workerID)
	}
	if err != nil {
		return mapError(err)
	}

	switch {
	case terminal:
		// Non-retryable: the discovering attempt is not charged.
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET
				status = 'failed',
				attempts = GREATEST(attempts - 1, 0),
				last_error = $2,
				completed_at = NOW(),
				started_at = NULL,
				worker_id = '',
				lease_deadline = NULL
			WHERE job_id = $1
		`, jobID, jobErr.Error())

	case attempts >= maxAttempts:
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET
				status = 'failed',
				last_error = $2,
				completed_at = NOW(),
				started_at = NULL,
				worker_id = '',
				lease_deadline = NULL
			WHERE job_id = $1
		`, jobID, jobErr.Error())
		log.Error().Str("job_id", jobID).Int("attempts", attempts).Msg("Job failed permanently")

	default:
		delay := queue.BackoffDelay(
			time.Duration(backoffBaseMs)*time.Millisecond,
			time.Duration(backoffCapMs)*time.Millisecond,
			attempts,
		)
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET
				status = 'pending',
				last_error = $2,
				started_at = NULL,
				not_before = $3,
				worker_id = '',
				lease_deadline = NULL
			WHERE job_id = $1
		`, jobID, jobErr.Error(), time.Now().Add(delay))
		log.Warn().
			Str("job_id", jobID).
			Int("attempts", attempts).
			Dur("backoff", delay).
			Msg("Job attempt failed, rescheduled")
	}
	if err != nil {
		return mapError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError(err)
	}
	q.signalWake()
	return nil
}

// Cancel removes a Pending or Active job.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET
			status = 'cancelled',
			completed_at = NOW(),
			worker_id = '',
			lease_deadline = NULL
		WHERE job_id = $1 AND status IN ('pending', 'active')
	`, jobID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		job, err := q.Get(ctx, jobID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s", queue.ErrInvalidTransition, job.Status, queue.StatusCancelled)
	}

	log.Info().Str("job_id", jobID).Msg("Job cancelled")
	return nil
}

// Retry re-enters a Failed job as Pending with a fresh attempt budget.
// Retrying a Completed job is a no-op returning the existing job.
func (q *Queue) Retry(ctx context.Context, jobID string) (*queue.Job, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case queue.StatusCompleted:
		return job, nil
	case queue.StatusFailed:
		tag, err := q.pool.Exec(ctx, `
			UPDATE jobs SET
				status = 'pending',
				attempts = 0,
				last_error = '',
				completed_at = NULL,
				not_before = NOW(),
				seq = nextval(pg_get_serial_sequence('jobs', 'seq'))
			WHERE job_id = $1 AND status = 'failed'
		`, jobID)
		if err != nil {
			return nil, mapError(err)
		}
		if tag.RowsAffected() == 0 {
			// Lost a race with another admin action.
			return nil, fmt.Errorf("%w: retry from %s", queue.ErrInvalidTransition, job.Status)
		}
		log.Info().Str("job_id", jobID).Msg("Job re-entered queue after retry")
		q.signalWake()
		return q.Get(ctx, jobID)
	default:
		return nil, fmt.Errorf("%w: retry from %s", queue.ErrInvalidTransition, job.Status)
	}
}

// Get returns the job by ID.
func (q *Queue) Get(ctx context.Context, jobID string) (*queue.Job, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, mapError(err)
		}
		return nil, fmt.Errorf("%w: %s", queue.ErrJobNotFound, jobID)
	}
	return scanJob(rows)
}

// List returns up to limit jobs in the given status, newest first.
func (q *Queue) List(ctx context.Context, status queue.Status, limit int) ([]*queue.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := q.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var jobs []*queue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Stats returns queue counters.
func (q *Queue) Stats(ctx context.Context) (*queue.Stats, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT
			CASE
				WHEN status = 'pending' AND not_before > NOW() THEN 'delayed'
				ELSE status
			END AS bucket,
			COUNT(*)
		FROM jobs
		GROUP BY bucket
	`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	stats := &queue.Stats{}
	for rows.Next() {
		var bucket string
		var count int
		if err := rows.Scan(&bucket, &count); err != nil {
			return nil, err
		}
		switch bucket {
		case "pending":
			stats.Waiting = count
		case "delayed":
			stats.Delayed = count
		case "active":
			stats.Active = count
		case "completed":
			stats.Completed = count
		case "failed":
			stats.Failed = count
		case "cancelled":
			stats.Cancelled = count
		}
	}
	return stats, rows.Err()
}

// Pause sets the durable pause flag; all workers stop claiming.
func (q *Queue) Pause(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, `UPDATE queue_control SET paused = TRUE WHERE id = 1`)
	if err != nil {
		return mapError(err)
	}
	log.Info().Msg("Queue paused")
	return nil
}

// Resume clears the pause flag.
func (q *Queue) Resume(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, `UPDATE queue_control SET paused = FALSE WHERE id = 1`)
	if err != nil {
		return mapError(err)
	}
	log.Info().Msg("Queue resumed")
	q.signalWake()
	return nil
}

func (q *Queue) isPaused(ctx context.Context) (bool, error) {
	var paused bool
	err := q.pool.QueryRow(ctx, `SELECT paused FROM queue_control WHERE id = 1`).Scan(&paused)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	return paused, nil
}

// leaseError distinguishes "job missing" from "lease lost" for a zero-row update.
func (q *Queue) leaseError(ctx context.Context, jobID, workerID string) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != queue.StatusActive {
		return fmt.Errorf("%w: job is %s", queue.ErrInvalidTransition, job.Status)
	}
	return fmt.Errorf("%w: job %s held by %s", queue.ErrNotLeaseHolder, jobID, job.WorkerID)
}

// prefixedJobColumns qualifies the shared column list for UPDATE ... RETURNING.
func prefixedJobColumns(prefix string) string {
	cols := []string{
		"job_id::text", "request", "status", "attempts", "max_attempts", "priority",
		"backoff_base_ms", "backoff_cap_ms", "created_at", "started_at", "completed_at",
		"not_before", "last_error", "result", "worker_id", "lease_deadline",
	}
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += prefix + c
	}
	return out
}

// scanJob maps one row of jobColumns onto a queue.Job.
func scanJob(rows pgx.Rows) (*queue.Job, error) {
	var (
		job           queue.Job
		requestJSON   []byte
		resultJSON    []byte
		status        string
		backoffBaseMs int64
		backoffCapMs  int64
		startedAt     *time.Time
		completedAt   *time.Time
		leaseDeadline *time.Time
	)

	err := rows.Scan(
		&job.JobID,
		&requestJSON,
		&status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.Priority,
		&backoffBaseMs,
		&backoffCapMs,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&job.NotBefore,
		&job.LastError,
		&resultJSON,
		&job.WorkerID,
		&leaseDeadline,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Status = queue.Status(status)
	job.BackoffBase = time.Duration(backoffBaseMs) * time.Millisecond
	job.BackoffCap = time.Duration(backoffCapMs) * time.Millisecond
	job.StartedAt = startedAt
	job.CompletedAt = completedAt
	if leaseDeadline != nil {
		job.LeaseDeadline = *leaseDeadline
	}

	if err := json.Unmarshal(requestJSON, &job.Request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	if len(resultJSON) > 0 {
		job.Result = &report.Report{}
		if err := json.Unmarshal(resultJSON, job.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return &job, nil
}
