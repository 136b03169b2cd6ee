package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/threatplane/reportd/internal/telemetry"
)

// Sweeper periodically deletes artifacts past their retention horizon.
type Sweeper struct {
	provider Provider
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSweeper creates a retention sweeper over the given provider.
func NewSweeper(provider Provider, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				if _, err := s.Sweep(ctx); err != nil {
					log.Error().Err(err).Msg("Retention sweep failed")
				}
				cancel()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the sweep loop.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Sweep runs one retention pass and returns the number of artifacts deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	expired, err := s.provider.ListExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, reportID := range expired {
		if err := s.provider.Delete(ctx, reportID); err != nil {
			log.Warn().Err(err).Str("report_id", reportID).Msg("Failed to delete expired artifact")
			continue
		}
		deleted++
		log.Info().Str("report_id", reportID).Msg("Deleted expired artifact")
	}
	if deleted > 0 {
		telemetry.GetMetrics().ReportsSweptTotal.Add(ctx, int64(deleted))
	}
	return deleted, nil
}
