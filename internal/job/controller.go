// Package job tracks transcode jobs driven by the external transcoder
// application and correlates each job with the session it encodes for.
package job

import (
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"hls-transcode-engine/internal/platform/metrics"
)

// Controller owns every job's state machine. It is safe for concurrent use.
type Controller struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	bySession map[string]string

	now     func() time.Time
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewController returns an empty controller. now, log and m may be nil.
func NewController(now func() time.Time, log *slog.Logger, m *metrics.Metrics) *Controller {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		jobs:      make(map[string]*Job),
		bySession: make(map[string]string),
		now:       now,
		log:       log.With("component", "job"),
		metrics:   m,
	}
}

// StartJob creates a pending job for sessionID. A session has at most one
// current job; starting another replaces the correlation but leaves the
// earlier job's record in place.
func (c *Controller) StartJob(sessionID string, opts Options) (string, error) {
	if sessionID == "" {
		return "", errors.New("job: session id is required")
	}
	now := c.now()
	j := &Job{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		State:     StatePending,
		Options:   opts,
		CreatedAt: now,
		UpdatedAt: now,
	}
	j.Status.TotalSegments = opts.TotalSegments

	c.mu.Lock()
	c.jobs[j.ID] = j
	c.bySession[sessionID] = j.ID
	c.mu.Unlock()

	c.log.Info("job created", slog.String("job_id", j.ID), slog.String("session_id", sessionID))
	return j.ID, nil
}

// MarkStarting records that the transcoder accepted the job.
func (c *Controller) MarkStarting(jobID string) (Job, error) {
	return c.mutate(jobID, func(j *Job, now time.Time) error {
		return c.transition(j, StateStarting, now)
	})
}

// UpdateProgress applies a progress callback. Progress is clamped to [0,1]
// and must not go backwards; reaching 1 completes the job. Terminal states
// cannot be requested here: failures go through Fail, which records a reason.
func (c *Controller) UpdateProgress(jobID string, u Update) (Job, error) {
	return c.mutate(jobID, func(j *Job, now time.Time) error {
		target := u.State
		if target == "" {
			target = j.State
			if !j.State.Active() {
				target = StateProcessing
			}
		}
		if !target.valid() || target == StatePending || target.Terminal() || j.State.Terminal() {
			return &TransitionError{From: j.State, To: target}
		}

		progress := j.Status.Progress
		if u.Progress != nil {
			progress = clamp01(*u.Progress)
		} else if total := u.TotalSegments; total != nil && *total > 0 {
			progress = clamp01(float64(u.SegmentsProcessed) / float64(*total))
		}
		if progress < j.Status.Progress {
			return ErrProgressRegression
		}
		if progress >= 1 {
			target = StateCompleted
		}

		if target == StateCompleted && (j.State == StatePending || j.State == StateStarting) {
			if err := c.transition(j, StateProcessing, now); err != nil {
				return err
			}
		}
		if target != j.State {
			if err := c.transition(j, target, now); err != nil {
				return err
			}
		}

		j.Status.Progress = progress
		j.Status.SegmentsProcessed = u.SegmentsProcessed
		if u.TotalSegments != nil {
			v := *u.TotalSegments
			j.Status.TotalSegments = &v
		}
		j.Status.CurrentSegment = u.CurrentSegment
		j.Status.FramesPerSecond = u.FramesPerSecond
		j.Status.Bitrate = u.Bitrate
		j.Status.EstimatedTimeRemainingSeconds = estimate(j, u, now)
		return nil
	})
}

// Complete moves the job to completed. Completing a completed job is a no-op.
func (c *Controller) Complete(jobID string) (Job, error) {
	return c.mutate(jobID, func(j *Job, now time.Time) error {
		if j.State == StateCompleted {
			return nil
		}
		if err := c.transition(j, StateCompleted, now); err != nil {
			return err
		}
		j.Status.Progress = 1
		zero := 0.0
		j.Status.EstimatedTimeRemainingSeconds = &zero
		return nil
	})
}

// Fail moves the job to failed with reason. Failing a failed job is a no-op
// and keeps the first reason.
func (c *Controller) Fail(jobID, reason string) (Job, error) {
	if reason == "" {
		return Job{}, ErrReasonRequired
	}
	return c.mutate(jobID, func(j *Job, now time.Time) error {
		if j.State == StateFailed {
			return nil
		}
		if err := c.transition(j, StateFailed, now); err != nil {
			return err
		}
		j.ErrorMessage = reason
		j.Status.EstimatedTimeRemainingSeconds = nil
		return nil
	})
}

func (c *Controller) Get(jobID string) (Job, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	j, ok := c.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return j.clone(), nil
}

// ForSession returns the current job for sessionID.
func (c *Controller) ForSession(sessionID string) (Job, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.bySession[sessionID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return c.jobs[id].clone(), nil
}

// List returns every tracked job, oldest first.
func (c *Controller) List() []Job {
	c.mu.RLock()
	out := make([]Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, j.clone())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Prune forgets terminal jobs that finished more than retain ago and returns
// how many were removed.
func (c *Controller) Prune(retain time.Duration) int {
	cutoff := c.now().Add(-retain)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, j := range c.jobs {
		if !j.State.Terminal() || !j.FinishedAt.Before(cutoff) {
			continue
		}
		delete(c.jobs, id)
		if c.bySession[j.SessionID] == id {
			delete(c.bySession, j.SessionID)
		}
		n++
	}
	return n
}

func (c *Controller) mutate(jobID string, fn func(j *Job, now time.Time) error) (Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	now := c.now()
	if err := fn(j, now); err != nil {
		return j.clone(), err
	}
	j.UpdatedAt = now
	return j.clone(), nil
}

// transition validates and applies from→to. Caller holds c.mu.
func (c *Controller) transition(j *Job, to State, now time.Time) error {
	if !CanTransition(j.State, to) {
		return &TransitionError{From: j.State, To: to}
	}
	from := j.State
	j.State = to
	if j.StartedAt.IsZero() && (to == StateStarting || to.Active()) {
		j.StartedAt = now
	}
	if to.Terminal() {
		j.FinishedAt = now
		c.metrics.IncJobsFinished(string(to))
	}
	c.log.Debug("job transition",
		slog.String("job_id", j.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	return nil
}

// estimate prefers the transcoder's own figure and otherwise extrapolates
// from elapsed time.
func estimate(j *Job, u Update, now time.Time) *float64 {
	if j.State == StateCompleted {
		zero := 0.0
		return &zero
	}
	if u.EstimatedTimeRemainingSeconds != nil {
		v := math.Max(*u.EstimatedTimeRemainingSeconds, 0)
		return &v
	}
	p := j.Status.Progress
	if p <= 0 || j.StartedAt.IsZero() {
		return nil
	}
	elapsed := now.Sub(j.StartedAt).Seconds()
	v := elapsed * (1 - p) / p
	return &v
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(math.Max(v, 0), 1)
}
