package queue

import (
	"errors"
	"fmt"
	"time"

	"broadcast-uploader/internal/models"
	"broadcast-uploader/internal/segment"
)

// Kind identifies what a job does when it is transferred.
type Kind string

const (
	KindCreateStream   Kind = "create_stream"
	KindSegmentUpload  Kind = "segment_upload"
	KindUpdateLocation Kind = "update_location"
	KindPreviewImage   Kind = "preview_image"
	KindStopStream     Kind = "stop_stream"
)

// State is a job's position in its lifecycle:
// Pending → InFlight → {Succeeded | Failed}; Failed → Pending once its
// backoff elapses; PermanentlyFailed once retries are exhausted.
type State string

const (
	StatePending           State = "pending"
	StateInFlight          State = "in_flight"
	StateSucceeded         State = "succeeded"
	StateFailed            State = "failed"
	StatePermanentlyFailed State = "permanently_failed"
	StateAbandoned         State = "abandoned"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StatePermanentlyFailed || s == StateAbandoned
}

// SegmentInfo describes the segment a SegmentUpload job carries. The payload
// itself lives in the store under Job.Blob.
type SegmentInfo struct {
	Sequence  uint64    `json:"sequence"`
	Duration  float64   `json:"duration"`
	CreatedAt time.Time `json:"created_at"`
}

// Job is one durable unit of queued work.
type Job struct {
	ID          string                 `json:"id"`
	Kind        Kind                   `json:"kind"`
	BroadcastID string                 `json:"broadcast_id"`
	Segment     *SegmentInfo           `json:"segment,omitempty"`
	Metadata    *models.StreamMetadata `json:"metadata,omitempty"`
	Coordinate  *models.Coordinate     `json:"coordinate,omitempty"`
	Blob        string                 `json:"blob,omitempty"`
	Size        int64                  `json:"size,omitempty"`
	State       State                  `json:"state"`
	RetryCount  int                    `json:"retry_count"`
	LastError   string                 `json:"last_error,omitempty"`
	EnqueuedAt  time.Time              `json:"enqueued_at"`
	NotBefore   time.Time              `json:"not_before"`

	payload []byte
}

// NewCreateStream returns a job asking the server to create the stream for broadcastID.
func NewCreateStream(broadcastID string, meta models.StreamMetadata) Job {
	return Job{Kind: KindCreateStream, BroadcastID: broadcastID, Metadata: &meta}
}

// NewSegmentUpload takes ownership of seg's payload.
func NewSegmentUpload(broadcastID string, seg segment.Segment) Job {
	return Job{
		Kind:        KindSegmentUpload,
		BroadcastID: broadcastID,
		Segment: &SegmentInfo{
			Sequence:  seg.Sequence,
			Duration:  seg.Duration,
			CreatedAt: seg.CreatedAt,
		},
		payload: seg.Payload,
	}
}

// NewUpdateLocation returns a job that sends c as the stream location.
func NewUpdateLocation(broadcastID string, c models.Coordinate) Job {
	return Job{Kind: KindUpdateLocation, BroadcastID: broadcastID, Coordinate: &c}
}

// NewPreviewImage uploads image and attaches its URL to the stream.
func NewPreviewImage(broadcastID string, image []byte) Job {
	return Job{Kind: KindPreviewImage, BroadcastID: broadcastID, payload: image}
}

// NewStopStream returns the job that marks the stream ended.
func NewStopStream(broadcastID string) Job {
	return Job{Kind: KindStopStream, BroadcastID: broadcastID}
}

func (j Job) String() string {
	if j.Segment != nil {
		return fmt.Sprintf("%s[%s #%d]", j.Kind, j.ID, j.Segment.Sequence)
	}
	return fmt.Sprintf("%s[%s]", j.Kind, j.ID)
}

// Outcome is what a transfer reports back for an InFlight job.
type Outcome struct {
	Err      error
	StreamID string // set by a successful CreateStream
}

// Success is the outcome of a completed transfer.
func Success() Outcome { return Outcome{} }

// Created is the outcome of a successful CreateStream.
func Created(streamID string) Outcome { return Outcome{StreamID: streamID} }

// Failure is the outcome of a failed transfer.
func Failure(err error) Outcome {
	if err == nil {
		err = errors.New("transfer failed")
	}
	return Outcome{Err: err}
}

// OutcomeOf maps a transfer error to an outcome; nil is a success.
func OutcomeOf(err error) Outcome {
	if err != nil {
		return Outcome{Err: err}
	}
	return Success()
}

// Result describes the transition ReportResult applied.
type Result struct {
	Job       Job
	StreamID  string
	RetryAt   time.Time // when a Failed job becomes Pending again
	Abandoned []Job     // jobs discarded because their CreateStream permanently failed
}

// Terminal reports whether the job left the queue.
func (r Result) Terminal() bool {
	return r.Job.State.Terminal()
}

var (
	// ErrUnknownJob is returned for a job id the queue does not hold, which
	// includes jobs that already reached a terminal state.
	ErrUnknownJob = errors.New("queue: unknown job")
	// ErrNotInFlight is returned when a result is reported for a job that is not InFlight.
	ErrNotInFlight = errors.New("queue: job is not in flight")
	// ErrBroadcastAbandoned rejects work for a broadcast whose stream could not be created.
	ErrBroadcastAbandoned = errors.New("queue: broadcast was abandoned")
	// ErrNoSnapshot is returned by a Store that holds no snapshot yet.
	ErrNoSnapshot = errors.New("queue: no snapshot")
	// ErrBlobNotFound is returned by a Store for a missing payload.
	ErrBlobNotFound = errors.New("queue: blob not found")
)

// PersistenceError means the queue could not make a transition durable. The
// transition was rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "queue: persist " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
