package commands

import (
	"context"
)

type StatsCmd struct {
	Queue QueueFlags `embed:"" prefix:"queue-"`
}

func (s *StatsCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	q, err := s.Queue.Build(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = q.Stop() }()

	stats, err := q.Stats(ctx)
	if err != nil {
		return err
	}

	printf("waiting:   %d\n", stats.Waiting)
	printf("delayed:   %d\n", stats.Delayed)
	printf("active:    %d\n", stats.Active)
	printf("completed: %d\n", stats.Completed)
	printf("failed:    %d\n", stats.Failed)
	printf("cancelled: %d\n", stats.Cancelled)
	return nil
}
