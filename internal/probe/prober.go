// Package probe extracts technical metadata from media files with ffprobe,
// caching results by path and collapsing concurrent requests for the same
// file onto a single subprocess.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"hls-transcode-engine/internal/platform/metrics"
	"hls-transcode-engine/internal/process"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultMaxConcurrent = 4
)

// Config controls how ffprobe is invoked.
type Config struct {
	FFprobePath   string
	Timeout       time.Duration
	MaxConcurrent int
}

// Options are extra ffprobe flags, rendered as "-key value" in key order.
// An empty value renders the bare flag.
type Options map[string]string

// call is one in-flight probe shared by every caller waiting on its key.
type call struct {
	done    chan struct{}
	res     Result
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Prober runs ffprobe through a process.Runner.
type Prober struct {
	runner  process.Runner
	cache   Cache
	cfg     Config
	sem     *semaphore.Weighted
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]*call
}

// New returns a Prober. A nil cache means a fresh MemoryCache;
// m may be nil.
func New(runner process.Runner, cache Cache, cfg Config, log *slog.Logger, m *metrics.Metrics) *Prober {
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Prober{
		runner:   runner,
		cache:    cache,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		log:      log.With("component", "probe"),
		metrics:  m,
		inflight: make(map[string]*call),
	}
}

// Analyze returns metadata for path, from cache when available.
//
// Concurrent calls for the same path share one subprocess. If ctx ends, the
// call returns ErrCancelled; the subprocess is killed only when every caller
// sharing it has gone, and in that case Analyze returns after it has exited.
func (p *Prober) Analyze(ctx context.Context, path string, opts Options) (Result, error) {
	if strings.TrimSpace(path) == "" {
		return Result{}, errors.New("probe: path is required")
	}
	key := CacheKey(path)

	if res, ok := p.cached(ctx, key); ok {
		p.metrics.IncProbeCacheHit()
		return res, nil
	}
	p.metrics.IncProbeCacheMiss()

	p.mu.Lock()
	c, ok := p.inflight[key]
	if !ok {
		// The subprocess must outlive any single caller, so it gets its own context.
		runCtx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
		c = &call{done: make(chan struct{}), cancel: cancel}
		p.inflight[key] = c
		go p.run(runCtx, key, path, opts, c)
	}
	c.waiters++
	p.mu.Unlock()

	select {
	case <-c.done:
		return c.res, c.err
	case <-ctx.Done():
	}

	p.mu.Lock()
	c.waiters--
	last := c.waiters == 0
	if last && p.inflight[key] == c {
		delete(p.inflight, key)
	}
	p.mu.Unlock()

	if last {
		c.cancel()
		<-c.done
		p.log.Debug("probe abandoned", slog.String("path", path))
	}
	return Result{}, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
}

// Invalidate drops the cached result for path.
func (p *Prober) Invalidate(ctx context.Context, path string) error {
	return p.cache.Delete(ctx, CacheKey(path))
}

func (p *Prober) cached(ctx context.Context, key string) (Result, bool) {
	res, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		p.log.Warn("probe cache read failed", slog.String("key", key), slog.String("error", err.Error()))
		return Result{}, false
	}
	return res, ok
}

func (p *Prober) run(ctx context.Context, key, path string, opts Options, c *call) {
	defer c.cancel()
	res, err := p.execute(ctx, key, path, opts)

	c.res, c.err = res, err
	p.mu.Lock()
	if p.inflight[key] == c {
		delete(p.inflight, key)
	}
	p.mu.Unlock()
	close(c.done)
}

func (p *Prober) execute(ctx context.Context, key, path string, opts Options) (Result, error) {
	// A previous flight for this key may have finished between the caller's
	// cache miss and this one starting.
	if res, ok := p.cached(ctx, key); ok {
		return res, nil
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	defer p.sem.Release(1)

	cmd := process.Command{Name: p.cfg.FFprobePath, Args: BuildArgs(path, opts)}
	p.metrics.IncProbeExecution()
	out, err := p.runner.Run(ctx, cmd)
	if err != nil {
		p.metrics.IncProbeFailure()
		if errors.Is(err, process.ErrCancelled) {
			return Result{}, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		return Result{}, fmt.Errorf("run ffprobe: %w", err)
	}

	if out.ExitCode != 0 {
		p.metrics.IncProbeFailure()
		execErr := &ExecutionError{ExitCode: out.ExitCode, Stderr: stderrExcerpt(out.Stderr)}
		p.log.Warn("ffprobe failed",
			slog.String("path", path),
			slog.Int("exit_code", out.ExitCode),
			slog.String("stderr", execErr.Stderr),
		)
		return Result{}, execErr
	}

	res, err := parseOutput(path, out.Stdout)
	if err != nil {
		p.metrics.IncProbeFailure()
		return Result{}, err
	}

	if err := p.cache.Set(ctx, key, res); err != nil {
		p.log.Warn("probe cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	p.log.Debug("probe complete",
		slog.String("path", path),
		slog.Float64("duration", res.Duration),
		slog.Int64("elapsed_ms", out.Duration.Milliseconds()),
	)
	return res, nil
}

// BuildArgs returns the ffprobe argument list for path.
func BuildArgs(path string, opts Options) []string {
	args := []string{"-v", "error", "-print_format", "json", "-show_format", "-show_streams"}
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-"+strings.TrimLeft(k, "-"))
		if v := opts[k]; v != "" {
			args = append(args, v)
		}
	}
	if strings.HasPrefix(path, "-") {
		path = "file:" + path
	}
	return append(args, path)
}
