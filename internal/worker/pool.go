package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/threatplane/reportd/internal/assembler"
	"github.com/threatplane/reportd/internal/queue"
	"github.com/threatplane/reportd/internal/telemetry"
)

// Config tunes the worker pool.
type Config struct {
	// Concurrency is the number of executors; at most this many jobs are
	// Active system-wide. Default: 4.
	Concurrency int

	// VisibilityTimeout is the claim lease duration. Default: 2 minutes.
	VisibilityTimeout time.Duration

	// HeartbeatInterval is how often active executors extend their lease.
	// Default: VisibilityTimeout / 3.
	HeartbeatInterval time.Duration

	// RenderTimeout is the per-job wall-clock budget. Exceeding it is a
	// render failure, not a hang. Default: 5 minutes.
	RenderTimeout time.Duration

	// PollInterval caps the idle wait between claim attempts. Default: 5s.
	PollInterval time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 2 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.VisibilityTimeout / 3
	}
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
}

// Pool is a fixed-size set of executors claiming jobs from the queue and
// driving the assembler. It is the only component that bounds concurrency:
// no more than Concurrency jobs are ever mid-render.
type Pool struct {
	queue     queue.Queue
	assembler *assembler.Assembler
	cfg       Config

	stopCh  chan struct{}
	wg      sync.WaitGroup
	metrics *telemetry.Metrics
}

// New creates a worker pool.
func New(q queue.Queue, asm *assembler.Assembler, cfg Config) *Pool {
	cfg.ApplyDefaults()
	return &Pool{
		queue:     q,
		assembler: asm,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		metrics:   telemetry.GetMetrics(),
	}
}

// Start launches the executors.
func (p *Pool) Start() {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", hostname, i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.executorLoop(workerID)
		}()
	}
	log.Info().Int("concurrency", p.cfg.Concurrency).Msg("Worker pool started")
}

// Stop asks executors to finish their current job and waits for them.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	log.Info().Msg("Worker pool stopped")
}

// executorLoop claims and runs jobs until stopped. Idle executors wait on the
// queue's wake signal with an exponential idle backoff as the fallback poll.
func (p *Pool) executorLoop(workerID string) {
	idle := p.newIdleBackOff()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		ctx := context.Background()
		job, err := p.queue.Claim(ctx, workerID, p.cfg.VisibilityTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrQueueStopped) {
				return
			}
			log.Error().Err(err).Str("worker_id", workerID).Msg("Failed to claim job")
			p.idleWait(idle.NextBackOff())
			continue
		}
		if job == nil {
			p.idleWait(idle.NextBackOff())
			continue
		}

		idle = p.newIdleBackOff()
		p.metrics.JobsClaimedTotal.Add(ctx, 1)
		p.execute(workerID, job)
	}
}

func (p *Pool) newIdleBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = p.cfg.PollInterval
	return b
}

// idleWait blocks until the queue signals claimability, the wait elapses,
// or the pool stops.
func (p *Pool) idleWait(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.queue.WakeCh():
	case <-timer.C:
	case <-p.stopCh:
	}
}

// execute runs one claimed job under the render deadline, heartbeating the
// lease until the job finishes, and translates the outcome into ack/nack.
func (p *Pool) execute(workerID string, job *queue.Job) {
	jobCtx, cancel := context.WithTimeout(context.Background(), p.cfg.RenderTimeout)
	defer cancel()

	done := make(chan struct{})
	go p.watchJob(jobCtx, cancel, workerID, job.JobID, done)

	started := time.Now()
	result, err := p.assembler.Process(jobCtx, job)
	close(done)

	ackCtx, ackCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer ackCancel()

	if err == nil {
		if ackErr := p.queue.Ack(ackCtx, job.JobID, workerID, result); ackErr != nil {
			log.Error().Err(ackErr).Str("job_id", job.JobID).Msg("Failed to ack job")
			return
		}
		p.metrics.JobsCompletedTotal.Add(ackCtx, 1)
		p.metrics.RenderDuration.Record(ackCtx, float64(time.Since(started).Milliseconds()))
		return
	}

	if errors.Is(err, context.Canceled) {
		// Cancelled by an administrative action; the queue already holds
		// the terminal state, so there is nothing to nack.
		log.Info().Str("job_id", job.JobID).Msg("Job cancelled during execution")
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = assembler.NewRenderError(fmt.Errorf("render timed out after %s", p.cfg.RenderTimeout))
	}

	terminal := !assembler.Retryable(err)
	if nackErr := p.queue.Nack(ackCtx, job.JobID, workerID, err, terminal); nackErr != nil {
		log.Error().Err(nackErr).Str("job_id", job.JobID).Msg("Failed to nack job")
		return
	}
	p.metrics.JobsFailedTotal.Add(ackCtx, 1)
}

// watchJob extends the lease on a heartbeat cadence and cancels the job
// context when the job is cancelled administratively. Cancellation is
// observed by the assembler at its next stage boundary.
func (p *Pool) watchJob(ctx context.Context, cancel context.CancelFunc, workerID, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := p.queue.Get(ctx, jobID)
			if err != nil {
				log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to check job during heartbeat")
				continue
			}
			if current.Status == queue.StatusCancelled {
				log.Info().Str("job_id", jobID).Msg("Cancellation observed, stopping render")
				cancel()
				return
			}
			if err := p.queue.Heartbeat(ctx, jobID, workerID, p.cfg.VisibilityTimeout); err != nil {
				log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to extend lease")
			}
		}
	}
}
