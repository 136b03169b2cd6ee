package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/threatplane/reportd/internal/assembler"
	"github.com/threatplane/reportd/internal/fetch"
	"github.com/threatplane/reportd/internal/render"
	"github.com/threatplane/reportd/internal/storage"
	"github.com/threatplane/reportd/internal/telemetry"
	"github.com/threatplane/reportd/internal/worker"
)

type WorkerCmd struct {
	Queue   QueueFlags   `embed:"" prefix:"queue-"`
	Storage StorageFlags `embed:"" prefix:"storage-"`

	SnapshotDir string `help:"directory holding subject snapshot bundles" default:"./snapshots" env:"REPORTD_SNAPSHOT_DIR"`

	Concurrency       int           `help:"number of concurrent report executors" default:"4" env:"REPORTD_CONCURRENCY"`
	VisibilityTimeout time.Duration `help:"claim lease duration" default:"2m" env:"REPORTD_VISIBILITY_TIMEOUT"`
	RenderTimeout     time.Duration `help:"per-job render deadline" default:"5m" env:"REPORTD_RENDER_TIMEOUT"`
	PollInterval      time.Duration `help:"maximum idle wait between claim attempts" default:"5s"`

	RetentionDays int           `help:"days completed reports remain retrievable" default:"30" env:"REPORTD_RETENTION_DAYS"`
	SweepInterval time.Duration `help:"how often expired reports are deleted" default:"1h"`

	Telemetry bool `help:"export OTLP metrics" default:"false" env:"REPORTD_TELEMETRY"`
}

func (w *WorkerCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if w.Telemetry {
		shutdown, err := telemetry.InitTelemetry(ctx, "reportd", globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("Telemetry unavailable")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Telemetry shutdown failed")
				}
			}()
		}
	}

	q, err := w.Queue.Build(ctx)
	if err != nil {
		return err
	}
	if err := q.Start(); err != nil {
		return err
	}
	defer func() {
		if err := q.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop queue")
		}
	}()

	store, err := w.Storage.Build(ctx)
	if err != nil {
		return err
	}

	fetcher := fetch.NewSnapshotFetcher(w.SnapshotDir)
	asm := assembler.New(fetcher, store, &render.BuiltinChartRenderer{}, assembler.Config{
		Retention: time.Duration(w.RetentionDays) * 24 * time.Hour,
	})

	pool := worker.New(q, asm, worker.Config{
		Concurrency:       w.Concurrency,
		VisibilityTimeout: w.VisibilityTimeout,
		RenderTimeout:     w.RenderTimeout,
		PollInterval:      w.PollInterval,
	})
	pool.Start()
	defer pool.Stop()

	sweeper := storage.NewSweeper(store, w.SweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	log.Info().
		Str("queue", w.Queue.Type).
		Str("storage", w.Storage.Type).
		Int("concurrency", w.Concurrency).
		Msg("Worker running")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	return nil
}
