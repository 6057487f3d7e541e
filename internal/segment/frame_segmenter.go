package segment

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// FrameSegmenter cuts a FrameSource into keyframe-aligned segments of
// TargetDuration. Leading frames before the first keyframe are dropped.
type FrameSegmenter struct {
	src    FrameSource
	mux    Muxer
	target time.Duration
	now    func() time.Time

	seq      uint64
	pending  []Frame
	start    time.Duration
	poster   []byte
	posterOK bool
	done     bool
}

// FrameSegmenterOption customises a FrameSegmenter.
type FrameSegmenterOption func(*FrameSegmenter)

// WithMuxer replaces the default AnnexBMuxer.
func WithMuxer(m Muxer) FrameSegmenterOption {
	return func(s *FrameSegmenter) { s.mux = m }
}

// WithTargetDuration overrides TargetDuration. Used by tests and tooling.
func WithTargetDuration(d time.Duration) FrameSegmenterOption {
	return func(s *FrameSegmenter) {
		if d > 0 {
			s.target = d
		}
	}
}

// WithClock sets the clock used for Segment.CreatedAt.
func WithClock(now func() time.Time) FrameSegmenterOption {
	return func(s *FrameSegmenter) { s.now = now }
}

// NewFrameSegmenter returns a segmenter reading from src.
func NewFrameSegmenter(src FrameSource, opts ...FrameSegmenterOption) *FrameSegmenter {
	s := &FrameSegmenter{
		src:    src,
		mux:    AnnexBMuxer{},
		target: TargetDuration,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stop stops the underlying capture. The next call to Next flushes the
// partial segment, if any, and the one after returns io.EOF.
func (s *FrameSegmenter) Stop() {
	s.src.Stop()
}

// Next implements Encoder.
func (s *FrameSegmenter) Next(ctx context.Context) (Segment, error) {
	if s.done {
		return Segment{}, io.EOF
	}
	for {
		f, err := s.src.NextFrame(ctx)
		if errors.Is(err, io.EOF) {
			s.done = true
			if len(s.pending) == 0 {
				return Segment{}, io.EOF
			}
			last := s.pending[len(s.pending)-1]
			end := last.PTS + s.frameDuration(last)
			return s.cut(end, nil)
		}
		if err != nil {
			if ctx.Err() != nil {
				return Segment{}, ctx.Err()
			}
			return Segment{}, &CaptureFault{Sequence: s.seq, Err: err}
		}

		if f.Image != nil && !s.posterOK && s.poster == nil {
			s.poster = f.Image
		}

		if len(s.pending) == 0 {
			if !f.Keyframe {
				continue
			}
			s.start = f.PTS
			s.pending = append(s.pending, f)
			continue
		}

		if f.Keyframe && f.PTS-s.start >= s.target {
			return s.cut(f.PTS, &f)
		}
		s.pending = append(s.pending, f)
	}
}

// cut closes the pending segment at end and starts the next one with next,
// when given.
func (s *FrameSegmenter) cut(end time.Duration, next *Frame) (Segment, error) {
	frames := s.pending
	payload, err := s.mux.Mux(frames)
	if err != nil {
		s.done = true
		return Segment{}, &CaptureFault{Sequence: s.seq, Err: err}
	}

	seg := Segment{
		Sequence:  s.seq,
		Duration:  (end - s.start).Seconds(),
		CreatedAt: s.now(),
		Payload:   payload,
	}
	if s.poster != nil && !s.posterOK {
		seg.Poster = s.poster
		s.poster = nil
		s.posterOK = true
	}
	s.seq++

	s.pending = nil
	if next != nil {
		s.start = next.PTS
		s.pending = []Frame{*next}
	}
	return seg, nil
}

// frameDuration estimates the duration of the trailing frame from the
// average spacing of the pending frames.
func (s *FrameSegmenter) frameDuration(last Frame) time.Duration {
	if last.Duration > 0 {
		return last.Duration
	}
	if n := len(s.pending); n > 1 {
		return (last.PTS - s.start) / time.Duration(n-1)
	}
	return 0
}

// ChanSource is a FrameSource fed through a channel. Closing the channel or
// calling Stop ends capture; frames still buffered when Stop is called are
// discarded.
type ChanSource struct {
	frames <-chan Frame
	stop   chan struct{}
	once   sync.Once
}

// NewChanSource returns a FrameSource reading from frames.
func NewChanSource(frames <-chan Frame) *ChanSource {
	return &ChanSource{frames: frames, stop: make(chan struct{})}
}

// NextFrame returns the next pushed frame, or io.EOF once the source is stopped.
func (c *ChanSource) NextFrame(ctx context.Context) (Frame, error) {
	select {
	case <-c.stop:
		return Frame{}, io.EOF
	default:
	}
	select {
	case f, ok := <-c.frames:
		if !ok {
			return Frame{}, io.EOF
		}
		return f, nil
	case <-c.stop:
		return Frame{}, io.EOF
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Stop ends the source. It is safe to call more than once.
func (c *ChanSource) Stop() {
	c.once.Do(func() { close(c.stop) })
}
