package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/threatplane/reportd"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Queue metrics
	JobsEnqueuedTotal    metric.Int64Counter
	JobsClaimedTotal     metric.Int64Counter
	JobsCompletedTotal   metric.Int64Counter
	JobsFailedTotal      metric.Int64Counter
	JobsRedeliveredTotal metric.Int64Counter
	JobsCancelledTotal   metric.Int64Counter

	// Pipeline metrics
	RenderDuration metric.Float64Histogram
	FetchDuration  metric.Float64Histogram

	// Storage metrics
	ReportBytesWritten metric.Int64Counter
	ReportsSweptTotal  metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	// Queue metrics
	m.JobsEnqueuedTotal, _ = meter.Int64Counter(
		"reportd.jobs.enqueued.total",
		metric.WithDescription("Total number of report jobs enqueued"),
		metric.WithUnit("{job}"),
	)

	m.JobsClaimedTotal, _ = meter.Int64Counter(
		"reportd.jobs.claimed.total",
		metric.WithDescription("Total number of report jobs claimed by workers"),
		metric.WithUnit("{job}"),
	)

	m.JobsCompletedTotal, _ = meter.Int64Counter(
		"reportd.jobs.completed.total",
		metric.WithDescription("Total number of report jobs completed"),
		metric.WithUnit("{job}"),
	)

	m.JobsFailedTotal, _ = meter.Int64Counter(
		"reportd.jobs.failed.total",
		metric.WithDescription("Total number of report job failures, including retried attempts"),
		metric.WithUnit("{job}"),
	)

	m.JobsRedeliveredTotal, _ = meter.Int64Counter(
		"reportd.jobs.redelivered.total",
		metric.WithDescription("Total number of jobs requeued after a lease expired"),
		metric.WithUnit("{job}"),
	)

	m.JobsCancelledTotal, _ = meter.Int64Counter(
		"reportd.jobs.cancelled.total",
		metric.WithDescription("Total number of jobs cancelled before completion"),
		metric.WithUnit("{job}"),
	)

	// Pipeline metrics
	m.RenderDuration, _ = meter.Float64Histogram(
		"reportd.render.duration",
		metric.WithDescription("End-to-end duration of report generation"),
		metric.WithUnit("ms"),
	)

	m.FetchDuration, _ = meter.Float64Histogram(
		"reportd.fetch.duration",
		metric.WithDescription("Duration of data bundle fetches"),
		metric.WithUnit("ms"),
	)

	// Storage metrics
	m.ReportBytesWritten, _ = meter.Int64Counter(
		"reportd.storage.bytes_written.total",
		metric.WithDescription("Total bytes of rendered reports written to storage"),
		metric.WithUnit("By"),
	)

	m.ReportsSweptTotal, _ = meter.Int64Counter(
		"reportd.storage.swept.total",
		metric.WithDescription("Total number of expired reports removed by the sweeper"),
		metric.WithUnit("{report}"),
	)

	return m
}
