package assembler

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/minio/crc64nvme"
	"github.com/rs/zerolog/log"

	"github.com/threatplane/reportd/internal/fetch"
	"github.com/threatplane/reportd/internal/queue"
	"github.com/threatplane/reportd/internal/render"
	"github.com/threatplane/reportd/internal/report"
	"github.com/threatplane/reportd/internal/storage"
	"github.com/threatplane/reportd/internal/telemetry"
)

// Config tunes the assembler.
type Config struct {
	// Retention is how long completed artifacts remain retrievable.
	// Default: 30 days.
	Retention time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
}

// Assembler orchestrates one job: capture the bundle, build the intermediate
// document, render charts and the final encoding, checksum, persist, and
// produce the Report record. All collaborators are constructor-injected.
type Assembler struct {
	fetcher fetch.BundleFetcher
	store   storage.Provider
	charts  render.ChartRenderer
	cfg     Config
}

// New creates an assembler. charts may be nil when chart generation is
// unavailable; requests asking for charts then degrade to chart-free output.
func New(fetcher fetch.BundleFetcher, store storage.Provider, charts render.ChartRenderer, cfg Config) *Assembler {
	cfg.ApplyDefaults()
	return &Assembler{
		fetcher: fetcher,
		store:   store,
		charts:  charts,
		cfg:     cfg,
	}
}

// Process runs the full pipeline for one claimed job. Cancellation is
// cooperative: the context is checked at every stage boundary, so a job
// inside an uninterruptible library call finishes that call before aborting.
// No partial artifact is ever exposed; the Report exists only after the
// complete checksummed bytes are stored.
func (a *Assembler) Process(ctx context.Context, job *queue.Job) (*report.Report, error) {
	req := job.Request

	// Unsupported pairings can never succeed, regardless of retries.
	if !report.FormatSupported(req.ReportType, req.Format) {
		return nil, NewValidationError(fmt.Errorf("report type %s does not support format %s (supported: %v)",
			req.ReportType, req.Format, report.SupportedFormats(req.ReportType)))
	}

	fetchStarted := time.Now()
	bundle, err := a.fetcher.Fetch(ctx, req.SubjectID)
	if err != nil {
		return nil, NewDataFetchError(err)
	}
	telemetry.GetMetrics().FetchDuration.Record(ctx, float64(time.Since(fetchStarted).Milliseconds()))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc := render.BuildDocument(req, bundle)

	var charts []render.ChartImage
	if req.Options.IncludeCharts {
		charts = a.renderCharts(ctx, job.JobID, doc)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	renderer, err := render.ForFormat(req.Format)
	if err != nil {
		return nil, NewValidationError(err)
	}

	data, err := renderer.Render(ctx, doc, charts)
	if err != nil {
		return nil, NewRenderError(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	checksum := Checksum(data)
	generatedAt := time.Now().UTC()
	expiresAt := generatedAt.Add(a.cfg.Retention)
	filename := report.Filename(req.ReportType, req.Format)

	storageKey, err := a.store.Save(ctx, job.JobID, filename, data, storage.Meta{
		Filename:    filename,
		SizeBytes:   int64(len(data)),
		Checksum:    checksum,
		ContentType: report.ContentType(req.Format),
		CreatedAt:   generatedAt,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return nil, NewStorageError(err)
	}
	telemetry.GetMetrics().ReportBytesWritten.Add(ctx, int64(len(data)))

	log.Info().
		Str("job_id", job.JobID).
		Str("report_type", string(req.ReportType)).
		Str("format", string(req.Format)).
		Str("storage_key", storageKey).
		Int("size_bytes", len(data)).
		Msg("Assembled report")

	return &report.Report{
		ReportID:    job.JobID,
		Format:      req.Format,
		StorageKey:  storageKey,
		SizeBytes:   int64(len(data)),
		Checksum:    checksum,
		GeneratedAt: generatedAt,
		ExpiresAt:   expiresAt,
	}, nil
}

// renderCharts invokes the charting collaborator for every chart spec in the
// document. A failed chart is logged and omitted; it never fails the report.
func (a *Assembler) renderCharts(ctx context.Context, jobID string, doc *render.Document) []render.ChartImage {
	if a.charts == nil {
		return nil
	}

	var images []render.ChartImage
	for _, section := range append(doc.Sections, doc.Appendix...) {
		for _, spec := range section.Charts {
			png, err := a.charts.RenderChart(ctx, spec)
			if err != nil {
				log.Warn().
					Err(err).
					Str("job_id", jobID).
					Str("chart_id", spec.ID).
					Msg("Chart rendering failed, omitting chart")
				continue
			}
			images = append(images, render.ChartImage{Spec: spec, PNG: png})
		}
	}
	return images
}

// Checksum computes the artifact content hash in the canonical
// "crc64nvme:<hex>" form.
func Checksum(data []byte) string {
	h := crc64nvme.New()
	_, _ = h.Write(data)
	return "crc64nvme:" + hex.EncodeToString(h.Sum(nil))
}
