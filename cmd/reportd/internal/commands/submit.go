package commands

import (
	"context"
	"time"

	"github.com/threatplane/reportd/internal/queue"
	"github.com/threatplane/reportd/internal/report"
	"github.com/threatplane/reportd/internal/service"
)

type SubmitCmd struct {
	Queue QueueFlags `embed:"" prefix:"queue-"`

	ReportType string `arg:"" help:"Report type (threat-model, risk-assessment, compliance, executive-summary, mitigation-plan, audit-log)"`
	SubjectID  string `arg:"" help:"Subject to report on"`

	Format      string `help:"Output format (pdf, html, json, markdown)" default:"pdf"`
	RequestID   string `help:"Idempotency key; generated when omitted"`
	RequesterID string `help:"Submitting principal" default:""`

	Priority    int           `help:"Scheduling priority; higher runs first" default:"0"`
	Delay       time.Duration `help:"Delay before the job becomes claimable" default:"0"`
	MaxAttempts int           `help:"Retry ceiling" default:"3"`
	BackoffBase time.Duration `help:"Initial retry backoff" default:"2s"`
	BackoffCap  time.Duration `help:"Maximum retry backoff" default:"5m"`

	Charts    bool   `help:"Include charts" default:"true"`
	Appendix  bool   `help:"Include appendix sections" default:"false"`
	Title     string `help:"Branding title override"`
	Watermark string `help:"Watermark text"`
}

func (s *SubmitCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	q, err := s.Queue.Build(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = q.Stop() }()

	svc := service.New(q, nil)
	jobID, err := svc.Submit(ctx, report.Request{
		ID:          s.RequestID,
		ReportType:  report.ReportType(s.ReportType),
		Format:      report.Format(s.Format),
		SubjectID:   s.SubjectID,
		RequesterID: s.RequesterID,
		Options: report.Options{
			IncludeCharts:   s.Charts,
			IncludeAppendix: s.Appendix,
			Branding: report.Branding{
				Title:     s.Title,
				Watermark: s.Watermark,
			},
		},
	}, queue.EnqueueOptions{
		Priority:    s.Priority,
		Delay:       s.Delay,
		MaxAttempts: s.MaxAttempts,
		BackoffBase: s.BackoffBase,
		BackoffCap:  s.BackoffCap,
	})
	if err != nil {
		return err
	}

	printf("Job submitted: %s\n", jobID)
	return nil
}
