package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/threatplane/reportd/cmd/reportd/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Worker   commands.WorkerCmd   `cmd:"" help:"Run the report generation worker"`
		Submit   commands.SubmitCmd   `cmd:"" help:"Submit a report request"`
		Status   commands.StatusCmd   `cmd:"" help:"Show a job's status"`
		List     commands.ListCmd     `cmd:"" help:"List jobs"`
		Stats    commands.StatsCmd    `cmd:"" help:"Show queue counters"`
		Retry    commands.RetryCmd    `cmd:"" help:"Retry a failed job"`
		Cancel   commands.CancelCmd   `cmd:"" help:"Cancel a job"`
		Pause    commands.PauseCmd    `cmd:"" help:"Pause job claiming"`
		Resume   commands.ResumeCmd   `cmd:"" help:"Resume job claiming"`
		Download commands.DownloadCmd `cmd:"" help:"Download a completed report"`
		Sweep    commands.SweepCmd    `cmd:"" help:"Delete expired report artifacts"`
		Debug    bool                 `help:"Enable debug mode."`
		Version  kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
