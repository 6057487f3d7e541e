package segment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

// feed builds a closed channel of frames at 1 fps with a keyframe every
// keyEvery frames, starting at frame start.
func feed(n, keyEvery int) <-chan Frame {
	ch := make(chan Frame, n)
	for i := 0; i < n; i++ {
		ch <- Frame{
			PTS:      time.Duration(i) * time.Second,
			Keyframe: i%keyEvery == 0,
			Data:     []byte{byte(i)},
		}
	}
	close(ch)
	return ch
}

func collect(t *testing.T, enc Encoder) []Segment {
	t.Helper()
	var out []Segment
	for {
		seg, err := enc.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, seg)
	}
}

func TestFrameSegmenter_cuts_on_keyframes_at_target(t *testing.T) {
	// 20 frames, keyframe every 4s: cuts at 8s and 16s, partial 4s tail.
	s := NewFrameSegmenter(NewChanSource(feed(20, 4)))
	segs := collect(t, s)

	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}
	for i, seg := range segs {
		if seg.Sequence != uint64(i) {
			t.Errorf("segment %d has sequence %d", i, seg.Sequence)
		}
	}
	if segs[0].Duration != 8 || segs[1].Duration != 8 {
		t.Errorf("full segments should be 8s, got %v and %v", segs[0].Duration, segs[1].Duration)
	}
	if segs[2].Duration != 4 {
		t.Errorf("flushed tail should be 4s, got %v", segs[2].Duration)
	}
	if !bytes.Equal(segs[1].Payload, []byte{8, 9, 10, 11, 12, 13, 14, 15}) {
		t.Errorf("segment 1 payload = %v", segs[1].Payload)
	}
}

func TestFrameSegmenter_waits_for_keyframe_past_target(t *testing.T) {
	// Keyframes every 5s: first cut can only happen at 10s.
	s := NewFrameSegmenter(NewChanSource(feed(12, 5)))
	segs := collect(t, s)
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	if segs[0].Duration != 10 {
		t.Errorf("first segment should run to the 10s keyframe, got %v", segs[0].Duration)
	}
}

func TestFrameSegmenter_drops_leading_non_keyframes(t *testing.T) {
	ch := make(chan Frame, 4)
	ch <- Frame{PTS: 0, Data: []byte{0xAA}}
	ch <- Frame{PTS: time.Second, Keyframe: true, Data: []byte{1}}
	ch <- Frame{PTS: 2 * time.Second, Data: []byte{2}}
	close(ch)

	segs := collect(t, NewFrameSegmenter(NewChanSource(ch)))
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if !bytes.Equal(segs[0].Payload, []byte{1, 2}) {
		t.Errorf("leading non-keyframe should be dropped, payload %v", segs[0].Payload)
	}
	if segs[0].Duration != 2 {
		t.Errorf("tail duration should include estimated last frame, got %v", segs[0].Duration)
	}
}

func TestFrameSegmenter_attaches_poster_once(t *testing.T) {
	ch := make(chan Frame, 20)
	for i := 0; i < 20; i++ {
		f := Frame{PTS: time.Duration(i) * time.Second, Keyframe: i%4 == 0, Data: []byte{byte(i)}}
		if i == 0 || i == 9 {
			f.Image = []byte("jpeg")
		}
		ch <- f
	}
	close(ch)

	segs := collect(t, NewFrameSegmenter(NewChanSource(ch)))
	if string(segs[0].Poster) != "jpeg" {
		t.Errorf("first segment should carry the poster")
	}
	for _, seg := range segs[1:] {
		if seg.Poster != nil {
			t.Errorf("segment %d should not carry a poster", seg.Sequence)
		}
	}
}

func TestFrameSegmenter_mux_failure_is_capture_fault(t *testing.T) {
	boom := errors.New("encoder exploded")
	s := NewFrameSegmenter(NewChanSource(feed(10, 4)), WithMuxer(MuxerFunc(func([]Frame) ([]byte, error) {
		return nil, boom
	})))

	_, err := s.Next(context.Background())
	var fault *CaptureFault
	if !errors.As(err, &fault) || !errors.Is(err, boom) {
		t.Fatalf("expected CaptureFault wrapping cause, got %v", err)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("segmenter should be finished after a fault, got %v", err)
	}
}

func TestFrameSegmenter_stop_flushes_partial(t *testing.T) {
	ch := make(chan Frame)
	src := NewChanSource(ch)
	s := NewFrameSegmenter(src, WithTargetDuration(time.Hour))

	go func() {
		ch <- Frame{PTS: 0, Keyframe: true, Data: []byte{1}, Duration: time.Second}
		ch <- Frame{PTS: time.Second, Data: []byte{2}, Duration: time.Second}
		src.Stop()
	}()

	seg, err := s.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !bytes.Equal(seg.Payload, []byte{1, 2}) || seg.Duration != 2 {
		t.Errorf("flushed segment = %v / %vs", seg.Payload, seg.Duration)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after flush, got %v", err)
	}
}

func TestFrameSegmenter_context_cancel(t *testing.T) {
	s := NewFrameSegmenter(NewChanSource(make(chan Frame)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestAnnexBMuxer_requires_keyframe(t *testing.T) {
	if _, err := (AnnexBMuxer{}).Mux([]Frame{{Data: []byte{1}}}); err == nil {
		t.Error("expected error for segment not starting on a keyframe")
	}
	if _, err := (AnnexBMuxer{}).Mux(nil); err == nil {
		t.Error("expected error for empty segment")
	}
}
