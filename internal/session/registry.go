// Package session tracks live transcode sessions and the viewers sharing
// them. There is at most one session per (media, variant, format) key; a
// viewer request either attaches to it or, when the requested position is
// too far from what the encode is producing, replaces it.
package session

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"hls-transcode-engine/internal/platform/metrics"
)

const (
	DefaultIdleTimeout        = 2 * time.Minute
	DefaultRestartCooldown    = 10 * time.Second
	DefaultBacktrackTolerance = 3
	DefaultForwardTolerance   = 5
	DefaultPauseGrace         = 10 * time.Minute
	DefaultMaxLifetime        = 6 * time.Hour
	DefaultMaxTrackedSegments = 64

	lockStripes = 64
	maxForwards = 8
)

// Config holds the registry's timing and tolerance policy.
type Config struct {
	IdleTimeout     time.Duration
	RestartCooldown time.Duration
	// BacktrackTolerance is how many segments before StartSegment a viewer
	// may request and still be served by the running encode.
	BacktrackTolerance int64
	// ForwardTolerance is how many segments past MaxSegment+1 a viewer may
	// request and still be served by the running encode.
	ForwardTolerance   int64
	PauseGrace         time.Duration
	MaxLifetime        time.Duration
	MaxTrackedSegments int
	Now                func() time.Time
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:        DefaultIdleTimeout,
		RestartCooldown:    DefaultRestartCooldown,
		BacktrackTolerance: DefaultBacktrackTolerance,
		ForwardTolerance:   DefaultForwardTolerance,
		PauseGrace:         DefaultPauseGrace,
		MaxLifetime:        DefaultMaxLifetime,
		MaxTrackedSegments: DefaultMaxTrackedSegments,
		Now:                time.Now,
	}
}

// Request is one viewer asking for a segment of a rendition.
type Request struct {
	MediaID   string
	VariantID string
	Format    Format
	Segment   int64
	UserID    string
	Height    int
	Client    *ClientInfo
}

// Resolution is the outcome of ResolveOrCreate. Superseded holds the ID of
// the session that was replaced, if any; its encode should be stopped.
// Skipped means the session could not be replaced during its cooldown and was
// moved to the requested segment instead; its encode has to seek there.
type Resolution struct {
	Session    SessionInfo `json:"session"`
	Created    bool        `json:"created"`
	Superseded string      `json:"superseded,omitempty"`
	Skipped    bool        `json:"skipped,omitempty"`
}

// forward remembers where a retired session ID went. To is empty when the
// session was stopped or evicted rather than replaced.
type forward struct {
	to string
	at time.Time
}

// Registry is safe for concurrent use. Operations on one key are serialized
// by that key's stripe lock; unrelated keys proceed in parallel.
type Registry struct {
	cfg     Config
	store   Store
	log     *slog.Logger
	metrics *metrics.Metrics

	stripes [lockStripes]sync.Mutex

	fwdMu    sync.Mutex
	forwards map[string]forward
}

// NewRegistry returns a registry over store. Zero durations, a zero
// MaxTrackedSegments and a nil Now take their defaults; negative tolerances
// are treated as 0. store, log and m may be nil.
func NewRegistry(cfg Config, store Store, log *slog.Logger, m *metrics.Metrics) *Registry {
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.RestartCooldown <= 0 {
		cfg.RestartCooldown = def.RestartCooldown
	}
	if cfg.PauseGrace <= 0 {
		cfg.PauseGrace = def.PauseGrace
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = def.MaxLifetime
	}
	if cfg.MaxTrackedSegments <= 0 {
		cfg.MaxTrackedSegments = def.MaxTrackedSegments
	}
	cfg.BacktrackTolerance = max(cfg.BacktrackTolerance, 0)
	cfg.ForwardTolerance = max(cfg.ForwardTolerance, 0)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		store:    store,
		log:      log.With("component", "session"),
		metrics:  m,
		forwards: make(map[string]forward),
	}
}

func (r *Registry) stripe(key Key) *sync.Mutex {
	return &r.stripes[xxhash.Sum64String(key.String())%lockStripes]
}

// ResolveOrCreate attaches the viewer to the live session for the request's
// key, or creates one starting at the requested segment.
//
// An existing session is reused when the segment lies within
// [StartSegment-BacktrackTolerance, MaxSegment+1+ForwardTolerance]. Outside
// that window it is replaced, unless it is still inside its restart cooldown:
// then it is rebased onto the segment and the resolution reports Skipped.
func (r *Registry) ResolveOrCreate(req Request) (Resolution, error) {
	if err := validate(req); err != nil {
		return Resolution{}, err
	}
	if req.Format == "" {
		req.Format = FormatHLS
	}
	key := Key{MediaID: req.MediaID, VariantID: req.VariantID, Format: req.Format}

	mu := r.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	now := r.cfg.Now()
	cur, exists := r.store.GetByKey(key)
	if exists {
		within := r.withinTolerance(cur, req.Segment)
		if within || now.Before(cur.RestartBlockedUntil) {
			if !within {
				// The encode is about to be told to skip; what it produced
				// so far no longer describes where it is heading.
				cur.StartSegment = req.Segment
				cur.MaxSegment = req.Segment - 1
			}
			r.attach(cur, req.UserID, req.Segment, req.Client, now)
			r.store.Save(cur)
			r.log.Debug("viewer attached",
				slog.String("session_id", cur.ID),
				slog.String("user_id", req.UserID),
				slog.Int64("segment", req.Segment),
				slog.Bool("skipped", !within),
				slog.Any("client", req.Client),
			)
			return Resolution{Session: cur.info(), Skipped: !within}, nil
		}
	}

	height := req.Height
	if height == 0 && exists {
		height = cur.Height
	}
	ns := newSession(uuid.NewString(), key, req.Segment, height, now)
	res := Resolution{Created: true}
	if exists {
		// Viewers of the old encode follow the key to its replacement.
		ns.ActiveUsers = cur.ActiveUsers
		ns.RestartBlockedUntil = now.Add(r.cfg.RestartCooldown)
		res.Superseded = cur.ID
	}
	r.attach(ns, req.UserID, req.Segment, req.Client, now)
	r.store.Save(ns)
	if exists {
		r.store.Delete(cur.ID)
		r.retire(cur.ID, ns.ID, now)
	}
	r.metrics.IncSessionsCreated()

	r.log.Info("session created",
		slog.String("session_id", ns.ID),
		slog.String("key", key.String()),
		slog.Int64("start_segment", ns.StartSegment),
		slog.String("superseded", res.Superseded),
	)
	res.Session = ns.info()
	return res, nil
}

func validate(req Request) error {
	var missing []string
	if req.MediaID == "" {
		missing = append(missing, "media id")
	}
	if req.VariantID == "" {
		missing = append(missing, "variant id")
	}
	if req.UserID == "" {
		missing = append(missing, "user id")
	}
	if len(missing) > 0 {
		return errors.Join(ErrInvalidRequest, errors.New("missing "+strings.Join(missing, ", ")))
	}
	if req.Segment < 0 {
		return errors.Join(ErrInvalidRequest, errors.New("segment must not be negative"))
	}
	switch req.Format {
	case "", FormatHLS, FormatDASH:
	default:
		return errors.Join(ErrInvalidRequest, errors.New("unknown format "+string(req.Format)))
	}
	return nil
}

// withinTolerance reports whether segment n is close enough to what s's
// encode is producing to be served by it.
func (r *Registry) withinTolerance(s *Session, n int64) bool {
	return n >= s.StartSegment-r.cfg.BacktrackTolerance && n <= s.MaxSegment+1+r.cfg.ForwardTolerance
}

// attach records a viewer request. MaxSegment follows the request only when
// the session already reached that far; anything beyond is left to
// AdvanceMaxSegment. Caller holds the key's stripe.
func (r *Registry) attach(s *Session, userID string, segment int64, client *ClientInfo, now time.Time) {
	s.LastUsed = now
	u, ok := s.ActiveUsers[userID]
	if !ok {
		u = &UserRequest{UserID: userID}
		s.ActiveUsers[userID] = u
	}
	u.Segment = segment
	u.Timestamp = now
	u.RequestCount++
	if client != nil {
		u.ClientInfo = client.clone()
	}
	if segment > s.MaxSegment && r.withinTolerance(s, segment) {
		s.MaxSegment = segment
	}
	s.LastRequestedSegments[segment] = now
	r.pruneRequested(s)
}

// pruneRequested keeps the MaxTrackedSegments most recent entries.
func (r *Registry) pruneRequested(s *Session) {
	excess := len(s.LastRequestedSegments) - r.cfg.MaxTrackedSegments
	if excess <= 0 {
		return
	}
	segs := make([]int64, 0, len(s.LastRequestedSegments))
	for seg := range s.LastRequestedSegments {
		segs = append(segs, seg)
	}
	sort.Slice(segs, func(i, j int) bool {
		ti, tj := s.LastRequestedSegments[segs[i]], s.LastRequestedSegments[segs[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return segs[i] < segs[j]
	})
	for _, seg := range segs[:excess] {
		delete(s.LastRequestedSegments, seg)
	}
}

func (r *Registry) retire(oldID, newID string, now time.Time) {
	r.fwdMu.Lock()
	r.forwards[oldID] = forward{to: newID, at: now}
	r.fwdMu.Unlock()
}

// lookupForward reports where a retired ID went, following replacement chains.
// retired is false for IDs the registry has never retired.
func (r *Registry) lookupForward(id string) (current string, retired bool) {
	r.fwdMu.Lock()
	defer r.fwdMu.Unlock()
	cur := id
	for i := 0; i < maxForwards; i++ {
		f, ok := r.forwards[cur]
		if !ok {
			break
		}
		retired = true
		if f.to == "" {
			return "", true
		}
		cur = f.to
	}
	return cur, retired
}

// withSession runs fn on the live session for id under its key's stripe.
// When follow is set, IDs of replaced sessions resolve to their replacement.
func (r *Registry) withSession(id string, follow bool, fn func(s *Session, now time.Time) error) error {
	for attempt := 0; attempt < maxForwards; attempt++ {
		target := id
		if _, ok := r.store.Get(id); !ok {
			if !follow {
				return ErrSessionNotFound
			}
			cur, retired := r.lookupForward(id)
			if !retired || cur == "" {
				return ErrSessionNotFound
			}
			target = cur
		}

		s, ok := r.store.Get(target)
		if !ok {
			if follow {
				continue
			}
			return ErrSessionNotFound
		}
		mu := r.stripe(s.Key)
		mu.Lock()
		s, ok = r.store.Get(target)
		if !ok {
			// Replaced or removed between lookup and lock.
			mu.Unlock()
			continue
		}
		err := fn(s, r.cfg.Now())
		mu.Unlock()
		return err
	}
	return ErrSessionNotFound
}

// RecordHeartbeat updates a viewer's position on a session.
func (r *Registry) RecordHeartbeat(id, userID string, segment int64, client *ClientInfo) (SessionInfo, error) {
	if userID == "" || segment < 0 {
		return SessionInfo{}, errors.Join(ErrInvalidRequest, errors.New("heartbeat needs a user id and a non-negative segment"))
	}
	var info SessionInfo
	err := r.withSession(id, true, func(s *Session, now time.Time) error {
		r.attach(s, userID, segment, client, now)
		r.store.Save(s)
		info = s.info()
		return nil
	})
	return info, err
}

// AdvanceMaxSegment raises MaxSegment to n if n is higher, reporting whether
// it changed. The encode producing segments calls this.
func (r *Registry) AdvanceMaxSegment(id string, n int64) (bool, error) {
	advanced := false
	err := r.withSession(id, false, func(s *Session, _ time.Time) error {
		if n > s.MaxSegment {
			s.MaxSegment = n
			advanced = true
			r.store.Save(s)
		}
		return nil
	})
	return advanced, err
}

// RequestRestart replaces the session with a fresh one starting from the
// lowest segment any viewer is on. It fails with *RestartBlockedError while
// the session's cooldown is running. The replacement keeps the viewers and
// starts its own cooldown.
func (r *Registry) RequestRestart(id string) (Resolution, error) {
	var res Resolution
	err := r.withSession(id, true, func(s *Session, now time.Time) error {
		if now.Before(s.RestartBlockedUntil) {
			r.metrics.IncRestartsBlocked()
			return &RestartBlockedError{SessionID: s.ID, Remaining: s.RestartBlockedUntil.Sub(now)}
		}

		start := s.StartSegment
		if low, ok := s.info().LowestViewerSegment(); ok {
			start = low
		}
		ns := newSession(uuid.NewString(), s.Key, start, s.Height, now)
		ns.ActiveUsers = s.ActiveUsers
		ns.RestartBlockedUntil = now.Add(r.cfg.RestartCooldown)
		r.store.Save(ns)
		r.store.Delete(s.ID)
		r.retire(s.ID, ns.ID, now)
		r.metrics.IncSessionsCreated()

		r.log.Info("session restarted",
			slog.String("session_id", ns.ID),
			slog.String("previous", s.ID),
			slog.Int64("start_segment", start),
		)
		res = Resolution{Session: ns.info(), Created: true, Superseded: s.ID}
		return nil
	})
	return res, err
}

// MarkPaused toggles the paused flag. Pausing an already paused session keeps
// the original PausedAt; resuming counts as activity.
func (r *Registry) MarkPaused(id string, paused bool) (SessionInfo, error) {
	var info SessionInfo
	err := r.withSession(id, true, func(s *Session, now time.Time) error {
		if paused && !s.IsPaused {
			s.PausedAt = now
		}
		if !paused {
			s.PausedAt = time.Time{}
			s.LastUsed = now
		}
		s.IsPaused = paused
		r.store.Save(s)
		info = s.info()
		return nil
	})
	return info, err
}

// Stop removes the session. Exactly one of several concurrent Stop calls for
// the same ID reports stopped=true; the rest, and any call naming an already
// retired ID, return false with no error.
func (r *Registry) Stop(id string) (stopped bool, err error) {
	err = r.withSession(id, false, func(s *Session, now time.Time) error {
		r.store.Delete(s.ID)
		r.retire(s.ID, "", now)
		stopped = true
		return nil
	})
	if errors.Is(err, ErrSessionNotFound) {
		if _, retired := r.lookupForward(id); retired {
			return false, nil
		}
	}
	if stopped {
		r.log.Info("session stopped", slog.String("session_id", id))
	}
	return stopped, err
}

// SweepStale evicts sessions with no active viewers whose LastUsed is older
// than idle, and prunes viewers silent for longer than idle. A non-positive
// idle means the configured IdleTimeout. Paused sessions are left alone until
// PauseGrace after pausing or MaxLifetime after creation, whichever is first.
// Each key is locked on its own, so the sweep never blocks unrelated keys.
func (r *Registry) SweepStale(idle time.Duration) []string {
	if idle <= 0 {
		idle = r.cfg.IdleTimeout
	}

	var evicted []string
	for _, candidate := range r.store.List() {
		id, key := candidate.ID, candidate.Key
		mu := r.stripe(key)
		mu.Lock()
		if s, ok := r.store.Get(id); ok && r.sweepOne(s, idle) {
			evicted = append(evicted, id)
		}
		mu.Unlock()
	}

	now := r.cfg.Now()
	r.fwdMu.Lock()
	for id, f := range r.forwards {
		if now.Sub(f.at) > idle {
			delete(r.forwards, id)
		}
	}
	r.fwdMu.Unlock()

	if len(evicted) > 0 {
		r.metrics.AddSessionsEvicted(len(evicted))
		r.log.Info("stale sessions evicted", slog.Int("count", len(evicted)), slog.Any("session_ids", evicted))
	}
	return evicted
}

// sweepOne applies the idle policy to s and reports whether it was evicted.
// Caller holds the key's stripe.
func (r *Registry) sweepOne(s *Session, idle time.Duration) bool {
	now := r.cfg.Now()
	if s.IsPaused {
		graceEnd := s.PausedAt.Add(r.cfg.PauseGrace)
		hardEnd := s.CreatedAt.Add(r.cfg.MaxLifetime)
		if now.Before(graceEnd) && now.Before(hardEnd) {
			return false
		}
	}

	pruned := false
	for uid, u := range s.ActiveUsers {
		if now.Sub(u.Timestamp) > idle {
			delete(s.ActiveUsers, uid)
			pruned = true
		}
	}

	if len(s.ActiveUsers) == 0 && now.Sub(s.LastUsed) > idle {
		r.store.Delete(s.ID)
		r.retire(s.ID, "", now)
		return true
	}
	if pruned {
		r.store.Save(s)
	}
	return false
}

// Snapshot returns a copy of the session, following replacements.
func (r *Registry) Snapshot(id string) (SessionInfo, error) {
	var info SessionInfo
	err := r.withSession(id, true, func(s *Session, _ time.Time) error {
		info = s.info()
		return nil
	})
	return info, err
}

// Find returns the live session for key, if any.
func (r *Registry) Find(key Key) (SessionInfo, bool) {
	mu := r.stripe(key)
	mu.Lock()
	defer mu.Unlock()
	s, ok := r.store.GetByKey(key)
	if !ok {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// List returns copies of all live sessions, oldest first.
func (r *Registry) List() []SessionInfo {
	var out []SessionInfo
	for _, candidate := range r.store.List() {
		id, key := candidate.ID, candidate.Key
		mu := r.stripe(key)
		mu.Lock()
		if s, ok := r.store.Get(id); ok {
			out = append(out, s.info())
		}
		mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Count() int {
	return len(r.store.List())
}
