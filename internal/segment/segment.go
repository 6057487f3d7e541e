// Package segment turns a continuous capture into a sequence of short,
// independently decodable media segments.
package segment

import (
	"bytes"
	"context"
	"fmt"
	"time"
)

// TargetDuration is the length every segment aims for. Only the final
// segment of a broadcast may be shorter.
const TargetDuration = 8 * time.Second

// Segment is one encoded chunk of a broadcast. It is immutable once created;
// the encoder hands ownership to the upload queue when the segment is enqueued.
type Segment struct {
	Sequence  uint64    `json:"sequence"`
	Duration  float64   `json:"duration"`
	CreatedAt time.Time `json:"created_at"`

	// Payload holds the encoded media. It is persisted separately from the
	// queue snapshot, hence not serialised here.
	Payload []byte `json:"-"`

	// Poster is an optional still image captured with the segment; only the
	// first segment that sees one carries it.
	Poster []byte `json:"-"`
}

// Size returns the payload length in bytes.
func (s Segment) Size() int64 {
	return int64(len(s.Payload))
}

// Encoder produces segments for one broadcasting session.
//
// Next blocks until the next segment is complete. Once capture has been
// stopped and the trailing partial segment flushed, Next returns io.EOF.
// Encoding failures are returned as *CaptureFault and are not retried.
// Next is called from a single goroutine; Stop may be called from any.
type Encoder interface {
	Next(ctx context.Context) (Segment, error)
	Stop()
}

// CaptureFault reports a capture or encoding failure. It is fatal to the
// broadcast that produced it.
type CaptureFault struct {
	Sequence uint64
	Err      error
}

func (f *CaptureFault) Error() string {
	return fmt.Sprintf("recording failed at segment %d: %v", f.Sequence, f.Err)
}

func (f *CaptureFault) Unwrap() error {
	return f.Err
}

// Frame is one encoded access unit delivered by the capture capability.
type Frame struct {
	PTS      time.Duration
	Duration time.Duration // optional; estimated from frame spacing when zero
	Keyframe bool
	Data     []byte

	// Image is an optional rendered still of this frame (JPEG), used as the
	// broadcast's preview image.
	Image []byte
}

// FrameSource is the capture side of a FrameSegmenter. NextFrame returns
// io.EOF once capture has stopped.
type FrameSource interface {
	NextFrame(ctx context.Context) (Frame, error)
	Stop()
}

// Muxer packs the frames of one segment into its payload. The first frame
// is always a keyframe.
type Muxer interface {
	Mux(frames []Frame) ([]byte, error)
}

// MuxerFunc adapts a function to the Muxer interface.
type MuxerFunc func(frames []Frame) ([]byte, error)

func (f MuxerFunc) Mux(frames []Frame) ([]byte, error) {
	return f(frames)
}

// AnnexBMuxer concatenates H.264/H.265 Annex B access units. An Annex B
// elementary stream that starts on an IDR frame is decodable on its own.
type AnnexBMuxer struct{}

func (AnnexBMuxer) Mux(frames []Frame) ([]byte, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("mux: no frames")
	}
	if !frames[0].Keyframe {
		return nil, fmt.Errorf("mux: segment does not start on a keyframe")
	}
	n := 0
	for _, f := range frames {
		n += len(f.Data)
	}
	var buf bytes.Buffer
	buf.Grow(n)
	for _, f := range frames {
		buf.Write(f.Data)
	}
	return buf.Bytes(), nil
}
