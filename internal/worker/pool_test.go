package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/threatplane/reportd/internal/assembler"
	"github.com/threatplane/reportd/internal/fetch"
	"github.com/threatplane/reportd/internal/queue"
	"github.com/threatplane/reportd/internal/render"
	"github.com/threatplane/reportd/internal/report"
	"github.com/threatplane/reportd/internal/storage"
)

// flakyFetcher fails the first failures calls, then serves the bundle.
type flakyFetcher struct {
	mu       sync.Mutex
	failures int
	calls    int
	bundle   *report.DataBundle
}

func (f *flakyFetcher) Fetch(ctx context.Context, subjectID string) (*report.DataBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("upstream unavailable")
	}
	return f.bundle, nil
}

// gatedFetcher blocks every call until released, counting concurrent entries.
type gatedFetcher struct {
	release  chan struct{}
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	bundle   *report.DataBundle
}

func (f *gatedFetcher) Fetch(ctx context.Context, subjectID string) (*report.DataBundle, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxSeen.Load()
		if n <= prev || f.maxSeen.CompareAndSwap(prev, n) {
			break
		}
	}
	select {
	case <-f.release:
		return f.bundle, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func testBundle() *report.DataBundle {
	return &report.DataBundle{
		SubjectID:   "subject-1",
		SubjectName: "Payments Platform",
		CapturedAt:  time.Now().UTC(),
		Threats: []report.Threat{
			{ID: "T1", Title: "Token replay", Severity: report.SeverityHigh},
		},
	}
}

func testPool(t *testing.T, fetcher fetch.BundleFetcher, cfg Config) (*Pool, *queue.MemoryQueue) {
	t.Helper()
	q := queue.NewMemoryQueue()
	require.NoError(t, q.Start())
	t.Cleanup(func() { _ = q.Stop() })

	store, err := storage.NewFSProvider(storage.FSConfig{Root: t.TempDir()})
	require.NoError(t, err)

	asm := assembler.New(fetcher, store, &render.BuiltinChartRenderer{}, assembler.Config{})
	pool := New(q, asm, cfg)
	pool.Start()
	t.Cleanup(pool.Stop)
	return pool, q
}

func submitJob(t *testing.T, q queue.Queue, req report.Request, opts queue.EnqueueOptions) string {
	t.Helper()
	jobID, err := q.Enqueue(context.Background(), req, opts)
	require.NoError(t, err)
	return jobID
}

func waitTerminal(t *testing.T, q queue.Queue, jobID string, within time.Duration) *queue.Job {
	t.Helper()
	var job *queue.Job
	require.Eventually(t, func() bool {
		got, err := q.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = got
		return got.Status.Terminal()
	}, within, 10*time.Millisecond)
	return job
}

func TestPoolCompletesJob(t *testing.T) {
	fetcher := &flakyFetcher{bundle: testBundle()}
	_, q := testPool(t, fetcher, Config{Concurrency: 1})

	jobID := submitJob(t, q, report.Request{
		ID:         "req-1",
		ReportType: report.TypeThreatModel,
		Format:     report.FormatJSON,
		SubjectID:  "subject-1",
	}, queue.EnqueueOptions{})

	job := waitTerminal(t, q, jobID, 5*time.Second)
	require.Equal(t, queue.StatusCompleted, job.Status)
	require.NotNil(t, job.Result)
	require.Equal(t, jobID, job.Result.ReportID)
	require.NotEmpty(t, job.Result.Checksum)
	require.Positive(t, job.Result.SizeBytes)
}

func TestPoolRetriesTransientFailures(t *testing.T) {
	t.Run("succeeds on the final attempt", func(t *testing.T) {
		fetcher := &flakyFetcher{failures: 2, bundle: testBundle()}
		_, q := testPool(t, fetcher, Config{Concurrency: 1})

		jobID := submitJob(t, q, report.Request{
			ID:         "req-1",
			ReportType: report.TypeThreatModel,
			Format:     report.FormatJSON,
			SubjectID:  "subject-1",
		}, queue.EnqueueOptions{
			MaxAttempts: 3,
			BackoffBase: time.Millisecond,
			BackoffCap:  5 * time.Millisecond,
		})

		job := waitTerminal(t, q, jobID, 10*time.Second)
		require.Equal(t, queue.StatusCompleted, job.Status)
		require.Equal(t, 3, job.Attempts)
	})

	t.Run("fails permanently at the attempt ceiling", func(t *testing.T) {
		fetcher := &flakyFetcher{failures: 100, bundle: testBundle()}
		_, q := testPool(t, fetcher, Config{Concurrency: 1})

		jobID := submitJob(t, q, report.Request{
			ID:         "req-1",
			ReportType: report.TypeThreatModel,
			Format:     report.FormatJSON,
			SubjectID:  "subject-1",
		}, queue.EnqueueOptions{
			MaxAttempts: 3,
			BackoffBase: time.Millisecond,
			BackoffCap:  5 * time.Millisecond,
		})

		job := waitTerminal(t, q, jobID, 10*time.Second)
		require.Equal(t, queue.StatusFailed, job.Status)
		require.Equal(t, 3, job.Attempts)
		require.Contains(t, job.LastError, "upstream unavailable")
	})
}

func TestPoolValidationFailureIsTerminal(t *testing.T) {
	fetcher := &flakyFetcher{bundle: testBundle()}
	_, q := testPool(t, fetcher, Config{Concurrency: 1})

	// audit-log reports cannot be rendered as PDF; no retry can fix that.
	jobID := submitJob(t, q, report.Request{
		ID:         "req-1",
		ReportType: report.TypeAuditLog,
		Format:     report.FormatPDF,
		SubjectID:  "subject-1",
	}, queue.EnqueueOptions{MaxAttempts: 3})

	job := waitTerminal(t, q, jobID, 5*time.Second)
	require.Equal(t, queue.StatusFailed, job.Status)
	require.Equal(t, 0, job.Attempts)
	require.Contains(t, job.LastError, "does not support format")
}

func TestPoolBoundsConcurrency(t *testing.T) {
	fetcher := &gatedFetcher{release: make(chan struct{}), bundle: testBundle()}
	_, q := testPool(t, fetcher, Config{Concurrency: 2, PollInterval: 10 * time.Millisecond})

	ids := make([]string, 0, 6)
	for _, reqID := range []string{"a", "b", "c", "d", "e", "f"} {
		ids = append(ids, submitJob(t, q, report.Request{
			ID:         reqID,
			ReportType: report.TypeThreatModel,
			Format:     report.FormatJSON,
			SubjectID:  "subject-1",
		}, queue.EnqueueOptions{}))
	}

	// Let both executors pick up work and ask for more.
	require.Eventually(t, func() bool {
		return fetcher.inFlight.Load() == 2
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(2), fetcher.maxSeen.Load())

	close(fetcher.release)
	for _, jobID := range ids {
		job := waitTerminal(t, q, jobID, 10*time.Second)
		require.Equal(t, queue.StatusCompleted, job.Status)
	}
	require.Equal(t, int32(2), fetcher.maxSeen.Load())
}

func TestPoolRenderTimeout(t *testing.T) {
	fetcher := &gatedFetcher{release: make(chan struct{}), bundle: testBundle()}
	_, q := testPool(t, fetcher, Config{
		Concurrency:   1,
		RenderTimeout: 50 * time.Millisecond,
	})

	jobID := submitJob(t, q, report.Request{
		ID:         "req-1",
		ReportType: report.TypeThreatModel,
		Format:     report.FormatJSON,
		SubjectID:  "subject-1",
	}, queue.EnqueueOptions{
		MaxAttempts: 1,
		BackoffBase: time.Millisecond,
	})

	job := waitTerminal(t, q, jobID, 10*time.Second)
	require.Equal(t, queue.StatusFailed, job.Status)
	require.Contains(t, job.LastError, "timed out")
}

func TestPoolObservesCancellation(t *testing.T) {
	fetcher := &gatedFetcher{release: make(chan struct{}), bundle: testBundle()}
	_, q := testPool(t, fetcher, Config{
		Concurrency:       1,
		VisibilityTimeout: time.Minute,
		HeartbeatInterval: 10 * time.Millisecond,
	})

	jobID := submitJob(t, q, report.Request{
		ID:         "req-1",
		ReportType: report.TypeThreatModel,
		Format:     report.FormatJSON,
		SubjectID:  "subject-1",
	}, queue.EnqueueOptions{})

	// Wait until the executor is mid-fetch, then cancel.
	require.Eventually(t, func() bool {
		return fetcher.inFlight.Load() == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, q.Cancel(context.Background(), jobID))

	job := waitTerminal(t, q, jobID, 5*time.Second)
	require.Equal(t, queue.StatusCancelled, job.Status)

	// The blocked fetch is released by the per-job context cancellation.
	require.Eventually(t, func() bool {
		return fetcher.inFlight.Load() == 0
	}, 5*time.Second, 5*time.Millisecond)
}
