package process

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-transcode-engine/internal/platform/logger"
)

func sh(script string) Command {
	return Command{Name: "sh", Args: []string{"-c", script}}
}

func TestExecRunner_captures_output_and_exit_code(t *testing.T) {
	r := NewExecRunner(logger.Discard())

	res, err := r.Run(context.Background(), sh("echo out; echo err 1>&2; exit 3"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", string(res.Stdout))
	assert.Equal(t, "err\n", string(res.Stderr))
}

func TestExecRunner_success(t *testing.T) {
	r := NewExecRunner(logger.Discard())

	res, err := r.Run(context.Background(), sh(`printf '{"ok":true}'`))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.JSONEq(t, `{"ok":true}`, string(res.Stdout))
}

func TestExecRunner_env_and_dir(t *testing.T) {
	r := NewExecRunner(logger.Discard())
	dir := t.TempDir()

	c := sh(`echo "$RUNNER_TEST_VAR"; pwd`)
	c.Env = []string{"RUNNER_TEST_VAR=hello"}
	c.Dir = dir

	res, err := r.Run(context.Background(), c)
	require.NoError(t, err)
	assert.Contains(t, string(res.Stdout), "hello\n")
	assert.Contains(t, string(res.Stdout), dir)
}

func TestExecRunner_large_output_on_both_pipes(t *testing.T) {
	r := NewExecRunner(logger.Discard())

	// About 200KB per stream, well past the 64KiB pipe buffer.
	pad := strings.Repeat("x", 32)
	res, err := r.Run(context.Background(), sh(`i=0; while [ $i -lt 5000 ]; do echo "line $i `+pad+`"; echo "err $i `+pad+`" 1>&2; i=$((i+1)); done`))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Greater(t, len(res.Stdout), 64*1024)
	assert.Greater(t, len(res.Stderr), 64*1024)
}

func TestExecRunner_cancel_kills_process(t *testing.T) {
	r := NewExecRunner(logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := r.Run(ctx, sh("exec sleep 10"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecRunner_already_cancelled(t *testing.T) {
	r := NewExecRunner(logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, sh("echo never"))
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestExecRunner_missing_binary(t *testing.T) {
	r := NewExecRunner(logger.Discard())

	_, err := r.Run(context.Background(), Command{Name: "definitely-not-a-real-binary-xyz"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrCancelled))
}

func TestExecRunner_stderr_line_callback(t *testing.T) {
	r := NewExecRunner(logger.Discard())
	var mu sync.Mutex
	var lines []string
	r.OnStderrLine = func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}

	res, err := r.Run(context.Background(), sh("echo one 1>&2; echo two 1>&2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lines)
	assert.Equal(t, "one\ntwo\n", string(res.Stderr))
}

func TestCommand_String(t *testing.T) {
	c := Command{Name: "ffprobe", Args: []string{"-v", "error", "/media/My Movie's.mkv", ""}}
	assert.Equal(t, `ffprobe -v error '/media/My Movie'\''s.mkv' ''`, c.String())
}
