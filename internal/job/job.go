package job

import (
	"errors"
	"fmt"
	"time"
)

// State is a transcode job's lifecycle state.
type State string

const (
	StatePending    State = "pending"
	StateStarting   State = "starting"
	StateProcessing State = "processing"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

var transitions = map[State][]State{
	StatePending:    {StateStarting, StateProcessing, StateRunning, StateFailed},
	StateStarting:   {StateProcessing, StateRunning, StateFailed},
	StateProcessing: {StateRunning, StateCompleted, StateFailed},
	StateRunning:    {StateProcessing, StateCompleted, StateFailed},
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Active reports whether an encode is producing output.
func (s State) Active() bool {
	return s == StateProcessing || s == StateRunning
}

func (s State) valid() bool {
	switch s {
	case StatePending, StateStarting, StateProcessing, StateRunning, StateCompleted, StateFailed:
		return true
	}
	return false
}

// CanTransition reports whether from→to is a legal state change.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrTransitionInvalid  = errors.New("invalid job transition")
	ErrProgressRegression = errors.New("job progress went backwards")
	ErrReasonRequired     = errors.New("failure reason is required")
)

// TransitionError is returned when a job is asked to move between two states
// that are not connected.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job cannot move from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrTransitionInvalid
}

// Options describe the encode a job performs.
type Options struct {
	MediaID      string `json:"media_id"`
	VariantID    string `json:"variant_id"`
	Format       string `json:"format"`
	StartSegment int64  `json:"start_segment"`
	Height       int    `json:"height,omitempty"`
	VideoBitrate int64  `json:"video_bitrate,omitempty"`
	AudioBitrate int64  `json:"audio_bitrate,omitempty"`
	// TotalSegments is unknown for live encodes.
	TotalSegments *int64 `json:"total_segments,omitempty"`
}

// Status is the progress reported by the transcoder application.
type Status struct {
	Progress                      float64  `json:"progress"`
	SegmentsProcessed             int64    `json:"segments_processed"`
	TotalSegments                 *int64   `json:"total_segments"`
	CurrentSegment                int64    `json:"current_segment"`
	FramesPerSecond               float64  `json:"frames_per_second"`
	Bitrate                       int64    `json:"bitrate"`
	EstimatedTimeRemainingSeconds *float64 `json:"estimated_time_remaining_seconds"`
}

// Job is a snapshot of one transcode job.
type Job struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	State        State     `json:"state"`
	Options      Options   `json:"options"`
	Status       Status    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	UpdatedAt    time.Time `json:"updated_at"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`
}

func (j *Job) clone() Job {
	cp := *j
	if j.Options.TotalSegments != nil {
		v := *j.Options.TotalSegments
		cp.Options.TotalSegments = &v
	}
	if j.Status.TotalSegments != nil {
		v := *j.Status.TotalSegments
		cp.Status.TotalSegments = &v
	}
	if j.Status.EstimatedTimeRemainingSeconds != nil {
		v := *j.Status.EstimatedTimeRemainingSeconds
		cp.Status.EstimatedTimeRemainingSeconds = &v
	}
	return cp
}

// Update is a progress callback from the transcoder application. A zero
// State leaves the state alone, except that a pending or starting job moves
// to processing on its first update.
type Update struct {
	State                         State    `json:"state,omitempty"`
	Progress                      *float64 `json:"progress,omitempty"`
	SegmentsProcessed             int64    `json:"segments_processed"`
	TotalSegments                 *int64   `json:"total_segments,omitempty"`
	CurrentSegment                int64    `json:"current_segment"`
	FramesPerSecond               float64  `json:"frames_per_second"`
	Bitrate                       int64    `json:"bitrate"`
	EstimatedTimeRemainingSeconds *float64 `json:"estimated_time_remaining_seconds,omitempty"`
}
