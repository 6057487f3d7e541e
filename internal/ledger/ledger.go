// Package ledger keeps track of which segments of each stream have reached
// the file store, so the delivered part of a broadcast can be inspected and
// played back while uploads are still draining.
package ledger

import (
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/livepeer/m3u8"

	"broadcast-uploader/internal/queue"
)

// ErrStreamEnded is returned when recording a segment for a stream that has
// been stopped.
var ErrStreamEnded = errors.New("ledger: stream has ended")

// Entry is one delivered segment.
type Entry struct {
	Sequence    uint64
	Duration    float64
	URI         string
	DeliveredAt time.Time
}

type streamState struct {
	entries map[uint64]Entry
	ended   bool
}

// Ledger is safe for concurrent use. It implements uploader.Reporter.
type Ledger struct {
	uri func(streamID string, sequence uint64) string
	log *slog.Logger
	now func() time.Time

	mu      sync.RWMutex
	streams map[string]*streamState
}

// New returns an empty ledger. uri maps a delivered segment to the URI
// written into playlists; nil uses "<sequence>.ts".
func New(uri func(streamID string, sequence uint64) string, log *slog.Logger) *Ledger {
	if uri == nil {
		uri = func(_ string, seq uint64) string { return strconv.FormatUint(seq, 10) + ".ts" }
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{uri: uri, log: log, now: time.Now, streams: make(map[string]*streamState)}
}

// Record adds a delivered segment. Recording the same sequence twice keeps
// the first entry.
func (l *Ledger) Record(streamID string, seq uint64, duration float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.streams[streamID]
	if st == nil {
		st = &streamState{entries: make(map[uint64]Entry)}
		l.streams[streamID] = st
	}
	if st.ended {
		return ErrStreamEnded
	}
	if _, dup := st.entries[seq]; dup {
		return nil
	}
	st.entries[seq] = Entry{Sequence: seq, Duration: duration, URI: l.uri(streamID, seq), DeliveredAt: l.now().UTC()}
	return nil
}

// End marks streamID as stopped. Ending an unknown stream records it as an
// empty, ended stream.
func (l *Ledger) End(streamID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.streams[streamID]
	if st == nil {
		st = &streamState{entries: make(map[uint64]Entry)}
		l.streams[streamID] = st
	}
	st.ended = true
}

// Snapshot returns the delivered segments of streamID sorted by sequence.
func (l *Ledger) Snapshot(streamID string) (entries []Entry, ended bool, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.streams[streamID]
	if !ok {
		return nil, false, false
	}
	entries = make([]Entry, 0, len(st.entries))
	for _, e := range st.entries {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		}
		return 0
	})
	return entries, st.ended, true
}

// ContiguousThrough returns the highest sequence n such that every segment
// 0..n has been delivered.
func (l *Ledger) ContiguousThrough(streamID string) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.streams[streamID]
	if !ok {
		return 0, false
	}
	if _, ok := st.entries[0]; !ok {
		return 0, false
	}
	n := uint64(0)
	for {
		if _, ok := st.entries[n+1]; !ok {
			return n, true
		}
		n++
	}
}

// ActiveStreams returns the number of streams not yet ended.
func (l *Ledger) ActiveStreams() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, st := range l.streams {
		if !st.ended {
			n++
		}
	}
	return n
}

// BytesSent implements uploader.Reporter; the ledger only tracks deliveries.
func (l *Ledger) BytesSent(string, int64) {}

// JobFinished implements uploader.Reporter.
func (l *Ledger) JobFinished(res queue.Result) {
	if res.StreamID == "" {
		return
	}
	job := res.Job
	switch {
	case job.Kind == queue.KindSegmentUpload && job.State == queue.StateSucceeded && job.Segment != nil:
		if err := l.Record(res.StreamID, job.Segment.Sequence, job.Segment.Duration); err != nil {
			l.log.Warn("late segment delivery",
				slog.String("stream", res.StreamID),
				slog.Uint64("sequence", job.Segment.Sequence),
				slog.String("error", err.Error()))
		}
	case job.Kind == queue.KindStopStream && job.State.Terminal():
		l.End(res.StreamID)
	}
}

// contiguousWindow returns the run of consecutive sequences starting at the
// first entry, trimmed to its last window entries when window > 0.
// entries must be sorted by sequence.
func contiguousWindow(entries []Entry, window int) []Entry {
	if len(entries) == 0 {
		return nil
	}
	end := 1
	for end < len(entries) && entries[end].Sequence == entries[end-1].Sequence+1 {
		end++
	}
	run := entries[:end]
	if window > 0 && len(run) > window {
		run = run[len(run)-window:]
	}
	return run
}

// Playlist renders an HLS media playlist of the contiguous delivered run of
// streamID, limited to the last window segments when window > 0. An ended
// stream whose segments are all contiguous gets #EXT-X-ENDLIST.
func (l *Ledger) Playlist(streamID string, window int) (string, bool) {
	entries, ended, ok := l.Snapshot(streamID)
	if !ok {
		return "", false
	}
	run := contiguousWindow(entries, window)

	p, err := m3u8.NewMediaPlaylist(0, uint(max(len(run), 1)))
	if err != nil {
		l.log.Error("playlist allocation failed", slog.String("error", err.Error()))
		return "", false
	}
	for _, e := range run {
		if err := p.Append(e.URI, e.Duration, ""); err != nil {
			l.log.Error("playlist append failed", slog.String("error", err.Error()))
			return "", false
		}
	}
	if len(run) > 0 {
		p.SeqNo = run[0].Sequence
	}
	if p.TargetDuration == 0 {
		p.TargetDuration = 1
	}
	complete := len(entries) > 0 && entries[len(entries)-1].Sequence-entries[0].Sequence+1 == uint64(len(entries))
	if ended && (complete || len(entries) == 0) {
		p.Close()
	}
	return p.String(), true
}
