package playlist

import "errors"

// ErrInvalidState matches every *InvalidStateError.
var ErrInvalidState = errors.New("invalid playlist state")

// InvalidStateError is returned by Validate and Render when a playlist would
// not be accepted by a player.
type InvalidStateError struct {
	Reason string
}

func (e *InvalidStateError) Error() string {
	return "invalid playlist: " + e.Reason
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

func invalid(reason string) error {
	return &InvalidStateError{Reason: reason}
}
