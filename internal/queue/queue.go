package queue

import (
	"context"
	"errors"
	"time"

	"github.com/threatplane/reportd/internal/report"
)

// Sentinel errors for common queue conditions.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrNotLeaseHolder    = errors.New("worker does not hold the job lease")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrQueuePaused       = errors.New("queue is paused")
	ErrQueueStopped      = errors.New("queue is stopped")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// validTransition encodes the job state machine. Active -> Pending covers both
// nack-with-attempts-remaining and stall requeue; Failed -> Pending is the
// explicit administrative retry path.
func validTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusActive || to == StatusCancelled
	case StatusActive:
		return to == StatusPending || to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusFailed:
		return to == StatusPending
	default:
		return false
	}
}

// Job is one queued unit of report-generation work. Fields are mutated only by
// the queue under its own lock; callers receive copies.
type Job struct {
	JobID   string         `json:"job_id"`
	Request report.Request `json:"request"`
	Status  Status         `json:"status"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`
	Priority    int `json:"priority"`

	// Backoff policy fixed at enqueue time.
	BackoffBase time.Duration `json:"backoff_base"`
	BackoffCap  time.Duration `json:"backoff_cap"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// NotBefore delays claim eligibility; set on enqueue with a delay and on
	// every nack reschedule.
	NotBefore time.Time `json:"not_before,omitempty"`

	LastError string         `json:"last_error,omitempty"`
	Result    *report.Report `json:"result,omitempty"`

	// Lease bookkeeping, meaningful only while Active.
	WorkerID      string    `json:"worker_id,omitempty"`
	LeaseDeadline time.Time `json:"lease_deadline,omitempty"`
}

// EnqueueOptions tune scheduling and the retry policy for one job.
type EnqueueOptions struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// ApplyDefaults fills unset options with pipeline defaults.
func (o *EnqueueOptions) ApplyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 5 * time.Minute
	}
}

// BackoffDelay computes the reschedule delay after the given number of
// attempts: min(cap, base * 2^attempts).
func BackoffDelay(base, cap time.Duration, attempts int) time.Duration {
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// Stats is a point-in-time census of the queue.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Cancelled int `json:"cancelled"`
}

// Queue is the durable, priority-ordered job queue with visibility-timeout
// semantics. All implementations must make Claim atomic: no two workers may
// ever claim the same pending job.
type Queue interface {
	// Enqueue admits a validated request. Submitting a request ID that is
	// already queued returns the existing job ID (idempotent).
	Enqueue(ctx context.Context, req report.Request, opts EnqueueOptions) (string, error)

	// Claim atomically leases the highest-priority ready job to workerId,
	// marking it Active with the given visibility timeout. Returns nil when
	// no job is ready; it never blocks.
	Claim(ctx context.Context, workerID string, visibilityTimeout time.Duration) (*Job, error)

	// Heartbeat extends the lease deadline of an Active job held by workerId.
	Heartbeat(ctx context.Context, jobID, workerID string, extension time.Duration) error

	// Ack marks the job Completed with its result and releases the lease.
	Ack(ctx context.Context, jobID, workerID string, result *report.Report) error

	// Nack records a failed attempt. With attempts remaining the job is
	// rescheduled Pending after the backoff delay; at the ceiling it becomes
	// terminal Failed. terminal forces immediate failure without consuming
	// the retry budget (non-retryable errors).
	Nack(ctx context.Context, jobID, workerID string, jobErr error, terminal bool) error

	// Cancel removes a Pending or Active job. Active jobs observe the
	// cancellation cooperatively at their next stage boundary.
	Cancel(ctx context.Context, jobID string) error

	// Retry re-enters a Failed job as Pending with a fresh attempt budget.
	// Retrying a Completed job is a no-op returning the existing job.
	Retry(ctx context.Context, jobID string) (*Job, error)

	// Get returns a copy of the job.
	Get(ctx context.Context, jobID string) (*Job, error)

	// List returns up to limit jobs in the given status, newest first.
	// An empty status matches all jobs.
	List(ctx context.Context, status Status, limit int) ([]*Job, error)

	// Stats returns queue counters.
	Stats(ctx context.Context) (*Stats, error)

	// Pause stops Claim from handing out jobs; Resume reverses it.
	// Enqueue, Ack, Nack and reads are unaffected.
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	// WakeCh is signalled whenever a job may have become claimable.
	// Workers select on it to avoid hot polling.
	WakeCh() <-chan struct{}

	Start() error
	Stop() error
}
