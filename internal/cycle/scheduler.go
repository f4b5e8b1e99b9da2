package cycle

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler runs cycles at a fixed interval. Cycles never overlap: a tick
// arriving while a cycle is still running is dropped, not queued. Shutdown
// is cooperative through the context; an in-flight cycle sees the
// cancellation and writes a partial run log before the loop returns.
type Scheduler struct {
	Interval     time.Duration
	Orchestrator *Orchestrator
}

// Run executes an immediate first cycle, then one per tick until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().Dur("interval", s.Interval).Msg("Scheduler started")

	s.Orchestrator.RunCycle(ctx)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Scheduler stopping")
			return
		case <-ticker.C:
			s.Orchestrator.RunCycle(ctx)
		}
	}
}
