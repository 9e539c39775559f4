package probe

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrExecutionFailed matches any *ExecutionError.
	ErrExecutionFailed = errors.New("probe execution failed")
	ErrParseFailed     = errors.New("probe output parse failed")
	// ErrCancelled is returned once the caller's context ended and, if it was
	// the last caller waiting, the subprocess has exited.
	ErrCancelled = errors.New("probe cancelled")
)

// maxStderrExcerpt bounds the stderr carried by ExecutionError.
const maxStderrExcerpt = 512

// ExecutionError reports a probe subprocess that exited non-zero.
type ExecutionError struct {
	ExitCode int
	Stderr   string
}

func (e *ExecutionError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("ffprobe exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("ffprobe exited with code %d: %s", e.ExitCode, e.Stderr)
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecutionFailed
}

func stderrExcerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxStderrExcerpt {
		s = strings.ToValidUTF8(s[:maxStderrExcerpt], "")
	}
	return s
}
