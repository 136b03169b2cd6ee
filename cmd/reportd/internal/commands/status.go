package commands

import (
	"context"
	"encoding/json"
	"os"
)

type StatusCmd struct {
	Queue QueueFlags `embed:"" prefix:"queue-"`

	JobID string `arg:"" help:"Job ID to inspect"`
}

func (s *StatusCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	q, err := s.Queue.Build(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = q.Stop() }()

	job, err := q.Get(ctx, s.JobID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}
