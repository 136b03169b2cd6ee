package commands

import (
	"context"
)

type RetryCmd struct {
	Queue QueueFlags `embed:"" prefix:"queue-"`

	JobID string `arg:"" help:"Job ID to retry"`
}

func (r *RetryCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	q, err := r.Queue.Build(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = q.Stop() }()

	job, err := q.Retry(ctx, r.JobID)
	if err != nil {
		return err
	}
	printf("Job %s is now %s\n", job.JobID, job.Status)
	return nil
}

type CancelCmd struct {
	Queue QueueFlags `embed:"" prefix:"queue-"`

	JobID string `arg:"" help:"Job ID to cancel"`
}

func (c *CancelCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	q, err := c.Queue.Build(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = q.Stop() }()

	if err := q.Cancel(ctx, c.JobID); err != nil {
		return err
	}
	printf("Job %s cancelled\n", c.JobID)
	return nil
}

type PauseCmd struct {
	Queue QueueFlags `embed:"" prefix:"queue-"`
}

func (p *PauseCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	q, err := p.Queue.Build(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = q.Stop() }()

	if err := q.Pause(ctx); err != nil {
		return err
	}
	printf("Queue paused\n")
	return nil
}

type ResumeCmd struct {
	Queue QueueFlags `embed:"" prefix:"queue-"`
}

func (r *ResumeCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	q, err := r.Queue.Build(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = q.Stop() }()

	if err := q.Resume(ctx); err != nil {
		return err
	}
	printf("Queue resumed\n")
	return nil
}
