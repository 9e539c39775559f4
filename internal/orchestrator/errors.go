package orchestrator

import "errors"

var (
	ErrVariantNotFound  = errors.New("variant not found")
	ErrPlaylistNotFound = errors.New("playlist not found")
	// ErrSegmentNotReady means the encode has not produced the segment yet.
	ErrSegmentNotReady   = errors.New("segment not ready")
	ErrInvalidSegment    = errors.New("invalid segment")
	ErrEncodeUnavailable = errors.New("encode could not be started")
)
