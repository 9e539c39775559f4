package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"hls-transcode-engine/internal/platform/metrics"
)

// DefaultSweepSchedule runs the idle sweep every thirty seconds.
const DefaultSweepSchedule = "@every 30s"

// Sweeper periodically evicts stale sessions on a cron schedule.
type Sweeper struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
	cron    *cron.Cron
}

// NewSweeper validates schedule (standard five-field cron or a descriptor
// such as "@every 1m") and registers the sweep. Nothing runs until Run.
func NewSweeper(svc *Service, schedule string, log *slog.Logger, m *metrics.Metrics) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Sweeper{
		svc:     svc,
		log:     log.With("component", "sweeper"),
		metrics: m,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.Tick(context.Background()) }); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for an
// in-flight sweep to finish.
func (s *Sweeper) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// Tick performs one sweep and refreshes the active session gauge.
func (s *Sweeper) Tick(ctx context.Context) []string {
	evicted := s.svc.SweepStale(ctx)
	active := s.svc.ActiveSessions()
	s.metrics.SetActiveSessions(active)
	if len(evicted) > 0 {
		s.log.Info("stale sessions evicted",
			slog.Int("count", len(evicted)),
			slog.Int("active", active))
	}
	return evicted
}
