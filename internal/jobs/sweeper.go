package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically evicts expired job records.
type Sweeper struct {
	cron     *cron.Cron
	registry *Registry
}

func NewSweeper(registry *Registry, schedule string) (*Sweeper, error) {
	s := &Sweeper{
		cron:     cron.New(cron.WithSeconds()),
		registry: registry,
	}

	_, err := s.cron.AddFunc(schedule, func() {
		registry.EvictExpired()
	})
	if err != nil {
		return nil, fmt.Errorf("invalid retention sweep schedule '%s': %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
	slog.Info("retention sweeper started")
}

func (s *Sweeper) Stop(ctx context.Context) {
	stopped := s.cron.Stop()

	select {
	case <-stopped.Done():
		slog.Info("retention sweeper stopped")
	case <-ctx.Done():
		slog.Warn("retention sweeper stop timed out")
	case <-time.After(30 * time.Second):
		slog.Warn("retention sweeper stop timed out")
	}
}
