// Package broadcast ties capture, encoder output and location updates into
// the lifecycle of one broadcast and feeds the resulting jobs to the upload
// queue.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"broadcast-uploader/internal/models"
	"broadcast-uploader/internal/platform/metrics"
	"broadcast-uploader/internal/quality"
	"broadcast-uploader/internal/queue"
	"broadcast-uploader/internal/segment"
)

// State is the lifecycle state of a Session.
type State string

const (
	StateIdle         State = "idle"
	StatePreviewing   State = "previewing"
	StateBroadcasting State = "broadcasting"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

// Capture is the capture device as the session sees it.
type Capture interface {
	StartPreview(ctx context.Context) error
	StopPreview() error
	ToggleSource() error
	Encoder(preset quality.Preset) (segment.Encoder, error)
}

// Starter starts the uploader when a broadcast begins.
type Starter interface {
	Start(ctx context.Context)
}

// ErrInvalidPreset rejects a preset name that is not known.
var ErrInvalidPreset = errors.New("broadcast: invalid quality preset")

// Config configures a Session.
type Config struct {
	Capture    Capture
	Queue      *queue.Queue
	Uploader   Starter
	Bus        *Bus
	Preset     quality.Preset
	Connection quality.ConnectionClass
	Title      string
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Clock      func() time.Time
}

// Session is the single writer for one broadcast at a time. All transitions
// and all enqueues for the current broadcast happen under its mutex.
type Session struct {
	capture  Capture
	q        *queue.Queue
	uploader Starter
	bus      *Bus
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	title    string

	mu          sync.Mutex
	state       State
	preset      quality.Preset // requested; applied at the next broadcast
	connection  quality.ConnectionClass
	coordinate  *models.Coordinate
	broadcastID string
	streamID    string
	effective   quality.Preset
	encoder     segment.Encoder
	cancelPump  context.CancelFunc
	pumpDone    chan struct{}
	produced    int
	posterSent  bool
	encoderDone bool
	bytesSent   int64
	lostSegs    int
	lostBytes   int64
	failure     string
}

// New returns an Idle session.
func New(cfg Config) (*Session, error) {
	if cfg.Capture == nil || cfg.Queue == nil {
		return nil, errors.New("broadcast: capture and queue are required")
	}
	if !cfg.Preset.Valid() {
		return nil, ErrInvalidPreset
	}
	if cfg.Bus == nil {
		cfg.Bus = NewBus(0)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		capture:    cfg.Capture,
		q:          cfg.Queue,
		uploader:   cfg.Uploader,
		bus:        cfg.Bus,
		log:        log,
		metrics:    cfg.Metrics,
		now:        cfg.Clock,
		title:      cfg.Title,
		state:      StateIdle,
		preset:     cfg.Preset,
		connection: cfg.Connection,
	}
	s.metrics.SetBroadcastState(string(StateIdle))
	return s, nil
}

// Bus returns the event bus the session publishes to.
func (s *Session) Bus() *Bus {
	return s.bus
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StreamID returns the server stream id once CreateStream succeeded.
func (s *Session) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.log.Info("session state changed", slog.String("from", string(s.state)), slog.String("to", string(st)), slog.String("broadcast", s.broadcastID))
	s.state = st
	s.metrics.SetBroadcastState(string(st))
}

func (s *Session) publishLocked(e Event) {
	e.BroadcastID = s.broadcastID
	if e.StreamID == "" {
		e.StreamID = s.streamID
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	s.bus.Publish(e)
}

// StartPreview moves an Idle or Stopped session to Previewing. It fails when
// the capture has no preview target. In any other state it does nothing.
func (s *Session) StartPreview(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle && s.state != StateStopped {
		return nil
	}
	if err := s.capture.StartPreview(ctx); err != nil {
		return fmt.Errorf("start preview: %w", err)
	}
	s.setStateLocked(StatePreviewing)
	return nil
}

// StopPreview returns a Previewing session to Idle. While a broadcast is in
// progress it does nothing.
func (s *Session) StopPreview() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePreviewing {
		return nil
	}
	if err := s.capture.StopPreview(); err != nil {
		return fmt.Errorf("stop preview: %w", err)
	}
	s.setStateLocked(StateIdle)
	return nil
}

// StartBroadcasting starts a broadcast from Previewing: it picks the
// effective preset for the current connection, enqueues CreateStream,
// starts the encoder and the uploader. In any other state it does nothing.
func (s *Session) StartBroadcasting(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePreviewing {
		return nil
	}

	effective := quality.EffectivePreset(s.preset, s.connection)
	enc, err := s.capture.Encoder(effective)
	if err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}

	bid := uuid.NewString()
	w, h := effective.Resolution()
	meta := models.StreamMetadata{
		Title:      s.title,
		Preset:     effective.String(),
		Width:      w,
		Height:     h,
		Bitrate:    effective.Bitrate(),
		Coordinate: s.coordinate,
		StartedAt:  s.now(),
	}
	if _, err := s.q.Enqueue(ctx, queue.NewCreateStream(bid, meta)); err != nil {
		enc.Stop()
		return fmt.Errorf("enqueue create stream: %w", err)
	}

	s.broadcastID = bid
	s.streamID = ""
	s.effective = effective
	s.encoder = enc
	s.produced = 0
	s.posterSent = false
	s.encoderDone = false
	s.bytesSent = 0
	s.lostSegs = 0
	s.lostBytes = 0
	s.failure = ""
	s.setStateLocked(StateBroadcasting)

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelPump = cancel
	done := make(chan struct{})
	s.pumpDone = done
	go func() {
		defer cancel()
		s.pump(pumpCtx, bid, enc, done)
	}()

	if s.uploader != nil {
		s.uploader.Start(context.WithoutCancel(ctx))
	}
	s.log.Info("broadcast started",
		slog.String("broadcast", bid),
		slog.String("requested", s.preset.String()),
		slog.String("preset", effective.String()),
		slog.String("connection", s.connection.String()))
	return nil
}

// StopBroadcasting stops the encoder of a Broadcasting session. The encoder
// flushes its last partial segment, after which StopStream is enqueued behind
// every outstanding upload. In any other state it does nothing.
func (s *Session) StopBroadcasting() error {
	s.mu.Lock()
	if s.state != StateBroadcasting {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateStopping)
	enc := s.encoder
	s.mu.Unlock()

	// Stop may block until the encoder has flushed; the pump needs the
	// mutex meanwhile.
	enc.Stop()
	return nil
}

// Wait blocks until the encoder of the current broadcast has finished.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.pumpDone
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) pump(ctx context.Context, bid string, enc segment.Encoder, done chan struct{}) {
	defer close(done)
	for {
		seg, err := enc.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				err = nil
			}
			s.encoderFinished(ctx, bid, err)
			return
		}
		s.segmentProduced(ctx, bid, seg)
	}
}

func (s *Session) segmentProduced(ctx context.Context, bid string, seg segment.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bid != s.broadcastID || (s.state != StateBroadcasting && s.state != StateStopping) {
		// Output after a failure is never uploaded.
		return
	}
	s.produced++
	s.metrics.IncSegmentsProduced()

	poster := seg.Poster
	if _, err := s.q.Enqueue(ctx, queue.NewSegmentUpload(bid, seg)); err != nil {
		if errors.Is(err, queue.ErrBroadcastAbandoned) {
			// The stream was never created; its output is discarded.
			s.log.Debug("segment discarded", slog.String("broadcast", bid), slog.Uint64("sequence", seg.Sequence))
			return
		}
		s.log.Error("segment not queued",
			slog.String("broadcast", bid),
			slog.Uint64("sequence", seg.Sequence),
			slog.String("error", err.Error()))
		s.lostSegs++
		s.lostBytes += seg.Size()
		s.publishLocked(Event{Kind: EventSegmentLost, Sequence: seg.Sequence, LostBytes: seg.Size(), Error: err.Error()})
		return
	}

	if poster == nil {
		return
	}
	s.publishLocked(Event{Kind: EventPreviewImage, Sequence: seg.Sequence, Image: poster})
	if s.posterSent {
		return
	}
	if _, err := s.q.Enqueue(ctx, queue.NewPreviewImage(bid, poster)); err != nil {
		s.log.Warn("preview image not queued", slog.String("broadcast", bid), slog.String("error", err.Error()))
		return
	}
	s.posterSent = true
}

func (s *Session) encoderFinished(ctx context.Context, bid string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bid != s.broadcastID {
		return
	}
	s.encoderDone = true

	switch {
	case err != nil && s.state != StateFailed:
		s.log.Error("recording failed", slog.String("broadcast", bid), slog.String("error", err.Error()))
		s.failure = err.Error()
		s.setStateLocked(StateFailed)
		s.publishLocked(Event{Kind: EventRecordingFailed, Sequence: faultSequence(err), Error: err.Error()})
	case err == nil && s.state == StateBroadcasting:
		// The source ended on its own.
		s.setStateLocked(StateStopping)
	}
	if err == nil && s.state != StateFailed {
		s.publishLocked(Event{Kind: EventRecordingStopped, Sequence: uint64(s.produced)})
	}

	// A failed recording still closes the server stream once its segments
	// are out. An abandoned broadcast has no stream to close.
	if _, qerr := s.q.Enqueue(ctx, queue.NewStopStream(bid)); qerr != nil && !errors.Is(qerr, queue.ErrBroadcastAbandoned) {
		s.log.Error("stop stream not queued", slog.String("broadcast", bid), slog.String("error", qerr.Error()))
	}
	s.checkStoppedLocked()
}

func faultSequence(err error) uint64 {
	var fault *segment.CaptureFault
	if errors.As(err, &fault) {
		return fault.Sequence
	}
	return 0
}

// JobFinished implements uploader.Reporter.
func (s *Session) JobFinished(res queue.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.Job.BroadcastID != s.broadcastID {
		return
	}

	job := res.Job
	switch {
	case job.Kind == queue.KindCreateStream && job.State == queue.StateSucceeded:
		s.streamID = res.StreamID
		s.publishLocked(Event{Kind: EventStarted})

	case job.Kind == queue.KindCreateStream && job.State == queue.StatePermanentlyFailed:
		s.failure = job.LastError
		if s.state == StateBroadcasting || s.state == StateStopping {
			s.setStateLocked(StateFailed)
			s.cancelPump()
			go s.encoder.Stop()
		}
		s.publishLocked(Event{Kind: EventCreateFailed, Error: job.LastError, LostSegments: len(res.Abandoned)})

	case job.Kind == queue.KindSegmentUpload && job.State == queue.StatePermanentlyFailed:
		s.lostSegs++
		s.lostBytes += job.Size
		ev := Event{Kind: EventSegmentLost, LostBytes: job.Size, Error: job.LastError}
		if job.Segment != nil {
			ev.Sequence = job.Segment.Sequence
		}
		s.publishLocked(ev)

	case job.Kind == queue.KindUpdateLocation && job.State == queue.StateSucceeded:
		s.publishLocked(Event{Kind: EventLocationUpdated, Coordinate: job.Coordinate})
	}

	s.checkStoppedLocked()
}

// BytesSent implements uploader.Reporter. It is the only writer of the byte
// counter.
func (s *Session) BytesSent(broadcastID string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if broadcastID == s.broadcastID && delta > 0 {
		s.bytesSent += delta
	}
}

// checkStoppedLocked completes a stop once the encoder has flushed and
// every job of the broadcast, StopStream included, is terminal.
func (s *Session) checkStoppedLocked() {
	if s.state != StateStopping || !s.encoderDone {
		return
	}
	if s.q.Outstanding(s.broadcastID) > 0 {
		return
	}
	s.setStateLocked(StateStopped)
	s.publishLocked(Event{Kind: EventStopped, BytesSent: s.bytesSent, LostSegments: s.lostSegs, LostBytes: s.lostBytes})
}

// UpdateLocation records coord as the last known position. While
// broadcasting it is also sent to the server; pending updates not yet
// dispatched are superseded.
func (s *Session) UpdateLocation(ctx context.Context, coord models.Coordinate) error {
	if !coord.Valid() {
		return fmt.Errorf("broadcast: invalid coordinate %s", coord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coordinate = &coord
	if s.state != StateBroadcasting {
		return nil
	}
	if _, err := s.q.Enqueue(ctx, queue.NewUpdateLocation(s.broadcastID, coord)); err != nil {
		return fmt.Errorf("enqueue location: %w", err)
	}
	return nil
}

// SetPreset changes the requested preset. It applies to the next broadcast.
func (s *Session) SetPreset(p quality.Preset) error {
	if !p.Valid() {
		return ErrInvalidPreset
	}
	s.mu.Lock()
	s.preset = p
	s.mu.Unlock()
	return nil
}

// SetConnectionClass records the current network class. It applies to the
// next broadcast.
func (s *Session) SetConnectionClass(c quality.ConnectionClass) {
	s.mu.Lock()
	s.connection = c
	s.mu.Unlock()
}

// ToggleSource switches capture to the alternate input.
func (s *Session) ToggleSource() error {
	return s.capture.ToggleSource()
}

// CaptureFailed reports a capture fault outside the encoder, for example
// while previewing. A Previewing or Broadcasting session fails.
func (s *Session) CaptureFailed(err error) {
	s.mu.Lock()
	if s.state != StatePreviewing && s.state != StateBroadcasting {
		s.mu.Unlock()
		return
	}
	s.failure = err.Error()
	s.log.Error("capture failed", slog.String("state", string(s.state)), slog.String("error", err.Error()))
	broadcasting := s.state == StateBroadcasting
	enc := s.encoder
	s.setStateLocked(StateFailed)
	s.publishLocked(Event{Kind: EventRecordingFailed, Error: err.Error()})
	s.mu.Unlock()

	// The pump then enqueues StopStream for whatever was recorded.
	if broadcasting && enc != nil {
		enc.Stop()
	}
}

// Status is a point-in-time view of the session.
type Status struct {
	State        State              `json:"state"`
	BroadcastID  string             `json:"broadcast_id,omitempty"`
	StreamID     string             `json:"stream_id,omitempty"`
	Preset       string             `json:"preset"`
	Effective    string             `json:"effective_preset,omitempty"`
	Connection   string             `json:"connection"`
	Coordinate   *models.Coordinate `json:"coordinate,omitempty"`
	Segments     int                `json:"segments_produced"`
	BytesSent    int64              `json:"bytes_sent"`
	LostSegments int                `json:"lost_segments"`
	LostBytes    int64              `json:"lost_bytes"`
	Outstanding  int                `json:"outstanding_jobs"`
	Error        string             `json:"error,omitempty"`
}

// Snapshot returns a consistent copy of the session status.
func (s *Session) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:        s.state,
		BroadcastID:  s.broadcastID,
		StreamID:     s.streamID,
		Preset:       s.preset.String(),
		Connection:   s.connection.String(),
		Coordinate:   s.coordinate,
		Segments:     s.produced,
		BytesSent:    s.bytesSent,
		LostSegments: s.lostSegs,
		LostBytes:    s.lostBytes,
		Error:        s.failure,
	}
	if s.broadcastID != "" {
		st.Effective = s.effective.String()
		st.Outstanding = s.q.Outstanding(s.broadcastID)
	}
	return st
}
