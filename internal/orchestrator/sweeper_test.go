package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-transcode-engine/internal/platform/logger"
	"hls-transcode-engine/internal/platform/metrics"
	"hls-transcode-engine/internal/session"
)

func TestNewSweeper_rejects_bad_schedule(t *testing.T) {
	f := newFixture(t)
	_, err := NewSweeper(f.svc, "every so often", logger.Discard(), nil)
	assert.Error(t, err)

	_, err = NewSweeper(f.svc, "*/5 * * * *", logger.Discard(), nil)
	assert.NoError(t, err)
}

func TestSweeper_Tick(t *testing.T) {
	f := newFixture(t)
	m := metrics.New()
	sw, err := NewSweeper(f.svc, "", logger.Discard(), m)
	require.NoError(t, err)

	stale := f.open(t, "A", 0)
	f.clock.Advance(session.DefaultIdleTimeout + time.Second)
	fresh, err := f.svc.Segment(context.Background(), SegmentRequest{MediaID: "m1", VariantID: "1080p", Segment: 0, UserID: "B"})
	require.ErrorIs(t, err, ErrSegmentNotReady)

	evicted := sw.Tick(context.Background())
	assert.Equal(t, []string{stale.SessionID}, evicted)
	assert.Equal(t, []string{stale.SessionID}, f.tc.stopped())

	_, err = f.svc.Session(fresh.SessionID)
	assert.NoError(t, err)

	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "transcode_sessions_active 1"), rec.Body.String())
}

func TestSweeper_Run_stops_with_context(t *testing.T) {
	f := newFixture(t)
	sw, err := NewSweeper(f.svc, "@every 1h", logger.Discard(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
