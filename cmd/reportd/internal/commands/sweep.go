package commands

import (
	"context"

	"github.com/threatplane/reportd/internal/storage"
)

type SweepCmd struct {
	Storage StorageFlags `embed:"" prefix:"storage-"`
}

func (s *SweepCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	store, err := s.Storage.Build(ctx)
	if err != nil {
		return err
	}

	sweeper := storage.NewSweeper(store, 0)
	deleted, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	printf("Deleted %d expired artifacts\n", deleted)
	return nil
}
