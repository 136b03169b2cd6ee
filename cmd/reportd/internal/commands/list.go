package commands

import (
	"context"

	"github.com/threatplane/reportd/internal/queue"
)

type ListCmd struct {
	Queue QueueFlags `embed:"" prefix:"queue-"`

	Status string `help:"Filter by status (pending, active, completed, failed, cancelled); empty for all" default:""`
	Limit  int    `help:"Maximum jobs to show" default:"20"`
}

func (l *ListCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	q, err := l.Queue.Build(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = q.Stop() }()

	jobs, err := q.List(ctx, queue.Status(l.Status), l.Limit)
	if err != nil {
		return err
	}

	printf("%-36s %-10s %-18s %-10s %-9s %-20s\n", "Job ID", "Status", "Type", "Format", "Attempts", "Created At")
	for _, job := range jobs {
		printf("%-36s %-10s %-18s %-10s %d/%-7d %-20s\n",
			job.JobID,
			job.Status,
			job.Request.ReportType,
			job.Request.Format,
			job.Attempts,
			job.MaxAttempts,
			job.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	printf("\nTotal jobs: %d\n", len(jobs))
	return nil
}
