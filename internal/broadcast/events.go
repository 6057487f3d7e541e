package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"broadcast-uploader/internal/models"
)

// EventKind names a one-way notification about a broadcast.
type EventKind string

const (
	EventStarted          EventKind = "started"
	EventStopped          EventKind = "stopped"
	EventCreateFailed     EventKind = "create_failed"
	EventPreviewImage     EventKind = "preview_image"
	EventLocationUpdated  EventKind = "location_updated"
	EventRecordingFailed  EventKind = "recording_failed"
	EventRecordingStopped EventKind = "recording_stopped"
	EventSegmentLost      EventKind = "segment_lost"
)

// Event carries enough detail for a listener to decide whether to retry the
// broadcast. Fields not relevant to Kind are zero.
type Event struct {
	Kind         EventKind          `json:"kind"`
	BroadcastID  string             `json:"broadcast_id"`
	StreamID     string             `json:"stream_id,omitempty"`
	Sequence     uint64             `json:"sequence,omitempty"`
	BytesSent    int64              `json:"bytes_sent,omitempty"`
	LostSegments int                `json:"lost_segments,omitempty"`
	LostBytes    int64              `json:"lost_bytes,omitempty"`
	Coordinate   *models.Coordinate `json:"coordinate,omitempty"`
	Image        []byte             `json:"-"`
	Error        string             `json:"error,omitempty"`
	At           time.Time          `json:"at"`
}

const defaultBusBuffer = 32

// Bus fans events out to subscribers. Publish never blocks: an event is
// dropped for a subscriber whose buffer is full.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	dropped atomic.Int64
}

// NewBus returns a bus whose subscribers each buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBusBuffer
	}
	return &Bus{subs: make(map[*Subscription]struct{}), buffer: buffer}
}

// Publish delivers e to every subscriber with room for it.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribe registers a new subscriber. Callers must Close it.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{bus: b, ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Subscription receives the events published after it was created.
type Subscription struct {
	once sync.Once
	bus  *Bus
	ch   chan Event
}

// Events returns the receive channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close unsubscribes and closes the events channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
