// internal/lockers/sweeper.go
package lockers

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper periodically marks lockers offline when their heartbeat is stale.
type Sweeper struct {
	cron    *cron.Cron
	service *Service
	logger  zerolog.Logger
}

// NewSweeper schedules the sweep with a standard cron expression or descriptor
// such as "@every 1m".
func NewSweeper(service *Service, schedule string, logger zerolog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		cron:    cron.New(),
		service: service,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.logger.Info().Msg("starting locker sweeper")
	s.cron.Start()
}

// Stop waits for a running sweep to finish or ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.service.MarkStaleOffline(ctx); err != nil {
		s.logger.Error().Err(err).Msg("locker sweep failed")
	}
}
