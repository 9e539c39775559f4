package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"hls-transcode-engine/internal/catalog"
	"hls-transcode-engine/internal/job"
	"hls-transcode-engine/internal/orchestrator"
	"hls-transcode-engine/internal/platform/config"
	"hls-transcode-engine/internal/platform/logger"
	"hls-transcode-engine/internal/platform/metrics"
	"hls-transcode-engine/internal/probe"
	"hls-transcode-engine/internal/process"
	"hls-transcode-engine/internal/session"
	"hls-transcode-engine/internal/transcoder"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	s := config.FromEnv()
	log := logger.New(s.LogLevel, s.LogFormat)
	met := metrics.New()

	cache, closeCache, err := probeCache(cmd.Context(), s, log)
	if err != nil {
		return err
	}
	defer closeCache()

	media, err := catalog.LoadFile(s.CatalogFile)
	if err != nil {
		return err
	}
	tc, err := transcoder.New(transcoder.Config{Socket: s.TranscoderSocket, BaseURL: s.TranscoderURL}, log)
	if err != nil {
		return err
	}

	prober := probe.New(process.NewExecRunner(log), cache, probe.Config{
		FFprobePath:   s.FFprobePath,
		Timeout:       s.ProbeTimeout,
		MaxConcurrent: s.MaxConcurrentProbes,
	}, log, met)

	sessions := session.NewRegistry(session.Config{
		IdleTimeout:        s.IdleTimeout,
		RestartCooldown:    s.RestartCooldown,
		BacktrackTolerance: int64(s.BacktrackTolerance),
		ForwardTolerance:   int64(s.ForwardTolerance),
		PauseGrace:         s.PauseGrace,
		MaxLifetime:        s.MaxSessionLifetime,
		MaxTrackedSegments: s.MaxTrackedSegments,
	}, session.NewMemoryStore(), log, met)

	svc := orchestrator.NewService(orchestrator.Config{
		WindowSize:      s.WindowSize,
		SegmentDuration: s.SegmentDuration,
		PlaylistBaseURI: s.PlaylistBaseURI,
		TranscodeDir:    s.TranscodeDir,
	}, orchestrator.Deps{
		Sessions:   sessions,
		Jobs:       job.NewController(time.Now, log, met),
		Repo:       orchestrator.NewInMemoryRepository(),
		Catalog:    media,
		Prober:     prober,
		Transcoder: tc,
		Log:        log,
	})
	sweeper, err := orchestrator.NewSweeper(svc, s.SweepSchedule, log, met)
	if err != nil {
		return err
	}
	h := orchestrator.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Handle("/metrics", met.Handler(func() {
		met.SetActiveSessions(svc.ActiveSessions())
		met.SetProducingSessions(svc.ProducingSessions())
	}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := tc.Health(r.Context()); err != nil {
			http.Error(w, "transcoder unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	h.Routes(r)

	srv := &http.Server{
		Addr:              ":" + s.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting",
			slog.String("port", s.Port),
			slog.Int("sliding_window_size", s.WindowSize),
			slog.Int("catalog_items", len(media.IDs())),
			slog.String("sweep_schedule", s.SweepSchedule),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", slog.String("error", err.Error()))
		return err
	}
	log.Info("server stopped")
	return nil
}

// probeCache returns the Redis-backed cache when REDIS_URL is set, else an
// in-process one. An unreachable Redis falls back to the in-process cache
// unless REDIS_REQUIRED is set.
func probeCache(ctx context.Context, s config.Settings, log *slog.Logger) (probe.Cache, func(), error) {
	if s.RedisURL == "" {
		return probe.NewMemoryCache(), func() {}, nil
	}
	rc, err := probe.NewRedisCacheFromURL(s.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx); err != nil {
		_ = rc.Close()
		if s.RedisRequired {
			return nil, nil, fmt.Errorf("redis probe cache: %w", err)
		}
		log.Warn("redis unreachable, using in-process probe cache", slog.String("error", err.Error()))
		return probe.NewMemoryCache(), func() {}, nil
	}
	log.Info("probe cache backed by redis")
	return rc, func() { _ = rc.Close() }, nil
}
