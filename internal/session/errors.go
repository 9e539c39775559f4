package session

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrRestartBlocked matches every *RestartBlockedError.
	ErrRestartBlocked = errors.New("session restart blocked")
	ErrInvalidRequest = errors.New("invalid session request")
)

// RestartBlockedError is returned when a restart is requested inside the
// cooldown window. Remaining is how long the caller should wait.
type RestartBlockedError struct {
	SessionID string
	Remaining time.Duration
}

func (e *RestartBlockedError) Error() string {
	return fmt.Sprintf("restart of session %s blocked for another %ds", e.SessionID, e.RemainingSeconds())
}

func (e *RestartBlockedError) Is(target error) bool {
	return target == ErrRestartBlocked
}

// RemainingSeconds rounds Remaining up, so it is at least 1 while blocked.
func (e *RestartBlockedError) RemainingSeconds() int {
	return int(math.Ceil(e.Remaining.Seconds()))
}
