package commands

import (
	"context"
	"os"
	"time"

	"github.com/threatplane/reportd/internal/service"
)

type DownloadCmd struct {
	Queue   QueueFlags   `embed:"" prefix:"queue-"`
	Storage StorageFlags `embed:"" prefix:"storage-"`

	JobID  string        `arg:"" help:"Completed job ID"`
	Output string        `help:"Write the artifact to this file; defaults to the stored filename"`
	URL    bool          `help:"Print a signed download URL instead of fetching bytes"`
	TTL    time.Duration `help:"Signed URL lifetime" default:"15m"`
}

func (d *DownloadCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	q, err := d.Queue.Build(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = q.Stop() }()

	store, err := d.Storage.Build(ctx)
	if err != nil {
		return err
	}
	svc := service.New(q, store)

	if d.URL {
		url, err := svc.SignedURL(ctx, d.JobID, d.TTL)
		if err != nil {
			return err
		}
		printf("%s\n", url)
		return nil
	}

	data, meta, err := svc.Download(ctx, d.JobID)
	if err != nil {
		return err
	}

	out := d.Output
	if out == "" {
		out = meta.Filename
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return err
	}
	printf("Wrote %s (%d bytes, %s)\n", out, meta.SizeBytes, meta.Checksum)
	return nil
}
