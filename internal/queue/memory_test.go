package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/threatplane/reportd/internal/report"
)

func testRequest(id string) report.Request {
	return report.Request{
		ID:         id,
		ReportType: report.TypeThreatModel,
		Format:     report.FormatJSON,
		SubjectID:  "subject-1",
	}
}

func newStartedQueue(t *testing.T) *MemoryQueue {
	t.Helper()
	q := NewMemoryQueue()
	require.NoError(t, q.Start())
	t.Cleanup(func() { _ = q.Stop() })
	return q
}

func TestMemoryQueueEnqueueClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("claim returns enqueued job", func(t *testing.T) {
		q := newStartedQueue(t)

		jobID, err := q.Enqueue(ctx, testRequest("req-1"), EnqueueOptions{})
		require.NoError(t, err)

		job, err := q.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.Equal(t, jobID, job.JobID)
		require.Equal(t, StatusActive, job.Status)
		require.Equal(t, 1, job.Attempts)
		require.Equal(t, "worker-1", job.WorkerID)
		require.NotNil(t, job.StartedAt)
	})

	t.Run("claim on empty queue returns nil", func(t *testing.T) {
		q := newStartedQueue(t)

		job, err := q.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.Nil(t, job)
	})

	t.Run("no job is claimed twice", func(t *testing.T) {
		q := newStartedQueue(t)

		_, err := q.Enqueue(ctx, testRequest("req-1"), EnqueueOptions{})
		require.NoError(t, err)

		first, err := q.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, first)

		second, err := q.Claim(ctx, "worker-2", time.Minute)
		require.NoError(t, err)
		require.Nil(t, second)
	})

	t.Run("delayed job is not claimable until due", func(t *testing.T) {
		q := newStartedQueue(t)

		_, err := q.Enqueue(ctx, testRequest("req-1"), EnqueueOptions{Delay: time.Hour})
		require.NoError(t, err)

		job, err := q.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.Nil(t, job)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Delayed)
		require.Equal(t, 0, stats.Waiting)
	})
}

func TestMemoryQueueOrdering(t *testing.T) {
	ctx := context.Background()

	t.Run("higher priority claimed first", func(t *testing.T) {
		q := newStartedQueue(t)

		_, err := q.Enqueue(ctx, testRequest("low"), EnqueueOptions{Priority: 1})
		require.NoError(t, err)
		highID, err := q.Enqueue(ctx, testRequest("high"), EnqueueOptions{Priority: 10})
		require.NoError(t, err)

		job, err := q.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, highID, job.JobID)
	})

	t.Run("fifo within a priority tier", func(t *testing.T) {
		q := newStartedQueue(t)

		firstID, err := q.Enqueue(ctx, testRequest("first"), EnqueueOptions{Priority: 5})
		require.NoError(t, err)
		secondID, err := q.Enqueue(ctx, testRequest("second"), EnqueueOptions{Priority: 5})
		require.NoError(t, err)

		job1, err := q.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, firstID, job1.JobID)

		job2, err := q.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, secondID, job2.JobID)
	})
}

func TestMemoryQueueIdempotency(t *testing.T) {
	ctx := context.Background()

	t.Run("same request id returns same job", func(t *testing.T) {
		q := newStartedQueue(t)

		id1, err := q.Enqueue(ctx, testRequest("req-1"), EnqueueOptions{})
		require.NoError(t, err)
		id2, err := q.Enqueue(ctx, testRequest("req-1"), EnqueueOptions{})
		require.NoError(t, err)
		require.Equal(t, id1, id2)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Waiting)
	})

	t.Run("distinct request ids create distinct jobs", func(t *testing.T) {
		q := newStartedQueue(t)

		id1, err := q.Enqueue(ctx, testRequest("req-1"), EnqueueOptions{})
		require.NoError(t, err)
		id2, err := q.Enqueue(ctx, testRequest("req-2"), EnqueueOptions{})
		require.NoError(t, err)
		require.NotEqual(t, id1, id2)
	})
}

func TestMemoryQueueAck(t *testing.T) {
	ctx := context.Background()

	t.Run("ack completes the job with its result", func(t *testing.T) {
		q := newStartedQueue(t)

		jobID, err := q.Enqueue(ctx, testRequest("req-1"), EnqueueOptions{})
		require.NoError(t, err)
		job, err := q.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)

		result := &report.Report{ReportID: jobID, Format: report.FormatJSON, SizeBytes: 42}
		require.NoError(t, q.Ack(ctx, job.JobID, "worker-1", result))

		got, err := q.Get(ctx, jobID)
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, got.Status)
		require.NotNil(t, got.Result)
		require.Equal(t, int64(42), got.Result.SizeBytes)
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("ack by non-holder fails", func(t *testing.T) {
		q := newStartedQueue(t)

		_, err := q.Enqueue(ctx, testRequest("req-1"), EnqueueOptions{})
		require.NoError(t, err)
		job, err := q.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)

		err = q.Ack(ctx, job.JobID, "worker-2", &report.Report{})
		require.ErrorIs(t, err, ErrNotLeaseHolder)
	})
}

func TestMemoryQueueNack(t *testing.T) {
	ctx := context.Background()

	t.Run("nack reschedules with backoff until the ceiling", func(t *testing.T) {
		q := newStartedQueue(t)

		jobID, err := q.Enqueue(ctx, testRequest("req-1"), EnqueueOptions{
			MaxAttempts: 3,
			BackoffBase: time.Millisecond,
			BackoffCap:  10 * time.Millisecond,
		})
		require.NoError(t, err)

		// Attempt 1 fails -> rescheduled.
		job, err := q.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, 1, job.Attempts)
		require.NoError(t, q.Nack(ctx, job.JobID, "worker-1", errors.New("fetch failed"), false))

		got, err := q.Get(ctx, jobID)
		require.NoError(t, err)
		require.Equal(t, StatusPending, got.Status)
		require.Equal(t, "fetch failed", got.LastError)

		// Wait out the backoff, attempt 2 fails -> rescheduled.
		time.Sleep(20 * time.Millisecond)
		job, err = q.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, 2, job.Attempts)
		require.NoError(t, q.Nack(ctx, job.JobID, "worker-1", errors.New("fetch failed"), false))

		// Attempt 3 fails -> terminal.
		time.Sleep(30 * time.Millisecond)
		job, err = q.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, 3, job.Attempts)
		require.NoError(t, q.Nack(ctx, job.JobID, "worker-1", errors.New("fetch failed"), false))

		got, err = q.Get(ctx, jobID)
		require.NoError(t, err)
		require.Equal(t, StatusFailed, got.Status)
		require.Equal(t, 3, got.Attempts)
	})

	t.Run("terminal nack fails immediately without consuming budget", func(t *testing.T) {
		q := newStartedQueue(t)

		jobID, err := q.Enqueue(ctx, testRequest("req-1"), EnqueueOptions{MaxAttempts: 3})
		require.NoError(t, err)

		job, err := q.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, q.Nack(ctx, job.JobID, "worker-1", errors.New("unsupported format"), true))

		got, err := q.Get(ctx, jobID)
		require.NoError(t, err)
		require.Equal(t, StatusFailed, got.Status)
		require.Equal(t, 0, got.Attempts)
	})

	t.Run("backoff delay grows exponentially and is capped", func(t *testing.T) {
		base := 2 * time.Second
		maxDelay := 5 * time.Minute

		require.Equal(t, 2*time.Second, BackoffDelay(base, maxDelay, 0))
		require.Equal(t, 4*time.Second, BackoffDelay(base, maxDelay, 1))
		require.Equal(t, 8*time.Second, BackoffDelay(base, maxDelay, 2))
		require.Equal(t, maxDelay, BackoffDelay(base, maxDelay, 20))
	})
}

func TestMemoryQueueVisibilityTimeout(t *testing.T) {
	ctx := context.Background()

	t.Run("expired lease requeues the job and refunds the attempt", func(t *testing.T) {
		q := NewMemoryQueue()
		q.reapInterval = 5 * time.Millisecond
		require.NoError(t, q.Start())
		defer func() { _ = q.Stop() }()

		jobID, err := q.Enqueue(ctx, testRequest("req-1"), EnqueueOptions{})
		require.NoError(t, err)

		job, err := q.Claim(ctx, "worker-1", 10*time.Millisecond)
		require.NoError(t, err)
		require.Equal(t, 1, job.Attempts)

		// The worker never heartbeats; the reaper reclaims the lease.
		require.Eventually(t, func() bool {
			got, err := q.Get(ctx, jobID)
			return err == nil && got.Status == StatusPending
		}, time.Second, 5*time.Millisecond)

		got, err := q.Get(ctx, jobID)
		require.NoError(t, err)
		require.Equal(t, 0, got.Attempts)
		require.Empty(t, got.WorkerID)
	})

	t.Run("heartbeat keeps the lease alive", func(t *testing.T) {
		q := NewMemoryQueue()
		q.reapInterval = 5 * time.Millisecond
		require.NoError(t, q.Start())
		defer func() { _ = q.Stop() }()

		jobID, err := q.Enqueue(ctx, testRequest("req-1"), EnqueueOptions{})
		require.NoError(t, err)
		_, err = q.Claim(ctx, "worker-1", 30*time.Millisecond)
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			time.Sleep(15 * time.Millisecond)
			require.NoError(t, q.Heartbeat(ctx, jobID, "worker-1", 30*time.Millisecond))
		}

		got, err := q.Get(ctx, jobID)
		require.NoError(t, err)
		require.Equal(t, StatusActive, got.Status)
	})
}

func TestMemoryQueueCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("pending job can be cancelled", func(t *testing.T) {
		q := newStartedQueue(t)

		jobID, err := q.Enqueue(ctx, testRequest("req-1"), EnqueueOptions{})
		require.NoError(t, err)
		require.NoError(t, q.Cancel(ctx, jobID))

		got, err := q.Get(ctx, jobID)
		require.NoError(t, err)
		require.Equal(t, StatusCancelled, got.Status)

		// Cancelled jobs are not claimable.
		job, err := q.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.Nil(t, job)
	})

	t.Run("terminal job cannot be cancelled", func(t *testing.T) {
		q := newStartedQueue(t)

		jobID, err := q.Enqueue(ctx, testRequest("req-1"), EnqueueOptions{})
		require.NoError(t, err)
		job, err := q.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, q.Ack(ctx, job.JobID, "worker-1", &report.Report{ReportID: jobID}))

		err = q.Cancel(ctx, jobID)
		require.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestMemoryQueueRetry(t *testing.T) {
	ctx := context.Background()

	failJob := func(t *testing.T, q *MemoryQueue, jobID string) {
		t.Helper()
		job, err := q.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, jobID, job.JobID)
		require.NoError(t, q.Nack(ctx, jobID, "worker-1", errors.New("boom"), true))
	}

	t.Run("failed job re-enters with fresh budget", func(t *testing.T) {
		q := newStartedQueue(t)

		jobID, err := q.Enqueue(ctx, testRequest("req-1"), EnqueueOptions{})
		require.NoError(t, err)
		failJob(t, q, jobID)

		job, err := q.Retry(ctx, jobID)
		require.NoError(t, err)
		require.Equal(t, StatusPending, job.Status)
		require.Equal(t, 0, job.Attempts)
		require.Empty(t, job.LastError)
	})

	t.Run("retry of completed job is a no-op", func(t *testing.T) {
		q := newStartedQueue(t)

		jobID, err := q.Enqueue(ctx, testRequest("req-1"), EnqueueOptions{})
		require.NoError(t, err)
		job, err := q.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, q.Ack(ctx, job.JobID, "worker-1", &report.Report{ReportID: jobID}))

		got, err := q.Retry(ctx, jobID)
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, got.Status)
	})

	t.Run("retry of pending job fails", func(t *testing.T) {
		q := newStartedQueue(t)

		jobID, err := q.Enqueue(ctx, testRequest("req-1"), EnqueueOptions{})
		require.NoError(t, err)

		_, err = q.Retry(ctx, jobID)
		require.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestMemoryQueuePauseResume(t *testing.T) {
	ctx := context.Background()

	t.Run("paused queue hands out nothing", func(t *testing.T) {
		q := newStartedQueue(t)

		_, err := q.Enqueue(ctx, testRequest("req-1"), EnqueueOptions{})
		require.NoError(t, err)
		require.NoError(t, q.Pause(ctx))

		job, err := q.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.Nil(t, job)

		// Enqueue still works while paused.
		_, err = q.Enqueue(ctx, testRequest("req-2"), EnqueueOptions{})
		require.NoError(t, err)

		require.NoError(t, q.Resume(ctx))
		job, err = q.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
	})
}

func TestMemoryQueueList(t *testing.T) {
	ctx := context.Background()

	t.Run("list filters by status", func(t *testing.T) {
		q := newStartedQueue(t)

		_, err := q.Enqueue(ctx, testRequest("req-1"), EnqueueOptions{})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, testRequest("req-2"), EnqueueOptions{})
		require.NoError(t, err)
		job, err := q.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)

		pending, err := q.List(ctx, StatusPending, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)

		active, err := q.List(ctx, StatusActive, 10)
		require.NoError(t, err)
		require.Len(t, active, 1)
		require.Equal(t, job.JobID, active[0].JobID)

		all, err := q.List(ctx, "", 10)
		require.NoError(t, err)
		require.Len(t, all, 2)
	})
}
