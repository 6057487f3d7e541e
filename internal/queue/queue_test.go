package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"broadcast-uploader/internal/models"
	"broadcast-uploader/internal/segment"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, store Store, clock *fakeClock) *Queue {
	t.Helper()
	if store == nil {
		store = NewMemoryStore()
	}
	if clock == nil {
		clock = newFakeClock()
	}
	return New(store, Options{Clock: clock.Now})
}

func seg(n uint64) segment.Segment {
	return segment.Segment{Sequence: n, Duration: 8, Payload: []byte{byte(n), 0xFF}}
}

func mustEnqueue(t *testing.T, q *Queue, j Job) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), j)
	if err != nil {
		t.Fatalf("Enqueue %s: %v", j.Kind, err)
	}
	return id
}

func mustDequeue(t *testing.T, q *Queue) Job {
	t.Helper()
	j, ok, err := q.DequeueNextReady(context.Background())
	if err != nil {
		t.Fatalf("DequeueNextReady: %v", err)
	}
	if !ok {
		t.Fatal("DequeueNextReady: nothing ready")
	}
	return j
}

func expectNothingReady(t *testing.T, q *Queue) {
	t.Helper()
	j, ok, err := q.DequeueNextReady(context.Background())
	if err != nil {
		t.Fatalf("DequeueNextReady: %v", err)
	}
	if ok {
		t.Fatalf("expected nothing ready, got %s", j)
	}
}

func mustReport(t *testing.T, q *Queue, id string, out Outcome) Result {
	t.Helper()
	res, err := q.ReportResult(context.Background(), id, out)
	if err != nil {
		t.Fatalf("ReportResult: %v", err)
	}
	return res
}

func startBroadcast(t *testing.T, q *Queue, bid string) {
	t.Helper()
	mustEnqueue(t, q, NewCreateStream(bid, models.StreamMetadata{Preset: "640"}))
	create := mustDequeue(t, q)
	mustReport(t, q, create.ID, Created("stream-"+bid))
}

func TestQueue_segments_wait_for_create_stream(t *testing.T) {
	q := newTestQueue(t, nil, nil)
	createID := mustEnqueue(t, q, NewCreateStream("b1", models.StreamMetadata{}))
	mustEnqueue(t, q, NewSegmentUpload("b1", seg(0)))
	mustEnqueue(t, q, NewUpdateLocation("b1", models.Coordinate{Latitude: 60.17, Longitude: 24.94}))

	first := mustDequeue(t, q)
	if first.ID != createID {
		t.Fatalf("expected CreateStream first, got %s", first)
	}
	// CreateStream is InFlight: nothing else for b1 may start.
	expectNothingReady(t, q)

	mustReport(t, q, createID, Created("s-1"))
	next := mustDequeue(t, q)
	if next.Kind != KindSegmentUpload {
		t.Errorf("expected segment after create, got %s", next)
	}
	if sid, ok := q.StreamID("b1"); !ok || sid != "s-1" {
		t.Errorf("StreamID = %q, %v", sid, ok)
	}
}

func TestQueue_unknown_broadcast_rejected(t *testing.T) {
	q := newTestQueue(t, nil, nil)
	_, err := q.Enqueue(context.Background(), NewSegmentUpload("nope", seg(0)))
	if !errors.Is(err, ErrUnknownBroadcast) {
		t.Errorf("expected ErrUnknownBroadcast, got %v", err)
	}
}

func TestQueue_no_job_in_flight_twice(t *testing.T) {
	q := newTestQueue(t, nil, nil)
	startBroadcast(t, q, "b1")
	for i := uint64(0); i < 50; i++ {
		mustEnqueue(t, q, NewSegmentUpload("b1", seg(i)))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, ok, err := q.DequeueNextReady(context.Background())
				if err != nil {
					t.Errorf("DequeueNextReady: %v", err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
				if _, err := q.ReportResult(context.Background(), j.ID, Success()); err != nil {
					t.Errorf("ReportResult: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Errorf("expected 50 distinct jobs dequeued, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s dequeued %d times", id, n)
		}
	}
	if q.HasPendingWork() {
		t.Error("queue should be empty")
	}
}

func TestQueue_report_twice_is_rejected(t *testing.T) {
	store := NewMemoryStore()
	q := newTestQueue(t, store, nil)
	startBroadcast(t, q, "b1")
	mustEnqueue(t, q, NewSegmentUpload("b1", seg(0)))
	j := mustDequeue(t, q)

	mustReport(t, q, j.ID, Success())
	if _, err := q.ReportResult(context.Background(), j.ID, Success()); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("second report should be ErrUnknownJob, got %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("job should not be duplicated, len=%d", q.Len())
	}
	if store.BlobCount() != 0 {
		t.Errorf("payload should be deleted after success, %d blobs left", store.BlobCount())
	}
}

func TestQueue_report_for_pending_job(t *testing.T) {
	q := newTestQueue(t, nil, nil)
	id := mustEnqueue(t, q, NewCreateStream("b1", models.StreamMetadata{}))
	if _, err := q.ReportResult(context.Background(), id, Success()); !errors.Is(err, ErrNotInFlight) {
		t.Errorf("expected ErrNotInFlight, got %v", err)
	}
}

func TestQueue_retry_with_backoff(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, nil, clock)
	startBroadcast(t, q, "b1")
	mustEnqueue(t, q, NewSegmentUpload("b1", seg(0)))

	j := mustDequeue(t, q)
	res := mustReport(t, q, j.ID, Failure(errors.New("timeout")))
	if res.Job.State != StateFailed || res.Job.RetryCount != 1 {
		t.Fatalf("expected Failed with retry 1, got %s/%d", res.Job.State, res.Job.RetryCount)
	}
	if want := clock.Now().Add(2 * time.Second); !res.RetryAt.Equal(want) {
		t.Errorf("RetryAt = %v, want %v", res.RetryAt, want)
	}
	if wake, ok := q.NextWake(); !ok || !wake.Equal(res.RetryAt) {
		t.Errorf("NextWake = %v, %v", wake, ok)
	}

	expectNothingReady(t, q)
	clock.Advance(2 * time.Second)
	again := mustDequeue(t, q)
	if again.ID != j.ID || again.RetryCount != 1 {
		t.Errorf("expected same job re-armed, got %s retry %d", again, again.RetryCount)
	}

	res = mustReport(t, q, again.ID, Failure(errors.New("timeout")))
	if want := clock.Now().Add(4 * time.Second); !res.RetryAt.Equal(want) {
		t.Errorf("second backoff should double: %v, want %v", res.RetryAt, want)
	}
}

func TestQueue_segment_lost_after_max_retries(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, nil, clock)
	startBroadcast(t, q, "b1")
	mustEnqueue(t, q, NewSegmentUpload("b1", seg(0)))

	var res Result
	for i := 0; i < 3; i++ {
		j := mustDequeue(t, q)
		res = mustReport(t, q, j.ID, Failure(errors.New("503")))
		clock.Advance(time.Hour)
	}
	if res.Job.State != StatePermanentlyFailed {
		t.Fatalf("expected PermanentlyFailed after 3 failures, got %s", res.Job.State)
	}
	rec, _ := q.Record("b1")
	if rec.LostSegments != 1 || rec.LostBytes != 2 {
		t.Errorf("lost accounting = %d segments / %d bytes", rec.LostSegments, rec.LostBytes)
	}
	if q.HasPendingWork() {
		t.Error("permanently failed job should leave the queue")
	}
}

func TestQueue_create_stream_failure_abandons_broadcast(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, nil, clock)
	createID := mustEnqueue(t, q, NewCreateStream("b1", models.StreamMetadata{}))
	mustEnqueue(t, q, NewSegmentUpload("b1", seg(0)))
	mustEnqueue(t, q, NewSegmentUpload("b1", seg(1)))

	var res Result
	for i := 0; i < 3; i++ {
		j := mustDequeue(t, q)
		if j.ID != createID {
			t.Fatalf("only CreateStream may be dequeued, got %s", j)
		}
		res = mustReport(t, q, j.ID, Failure(errors.New("500")))
		clock.Advance(time.Hour)
	}

	if res.Job.State != StatePermanentlyFailed {
		t.Fatalf("CreateStream should be PermanentlyFailed, got %s", res.Job.State)
	}
	if len(res.Abandoned) != 2 {
		t.Errorf("expected 2 abandoned segments, got %d", len(res.Abandoned))
	}
	expectNothingReady(t, q)
	if _, err := q.Enqueue(context.Background(), NewSegmentUpload("b1", seg(2))); !errors.Is(err, ErrBroadcastAbandoned) {
		t.Errorf("late segment should be rejected, got %v", err)
	}
}

func TestQueue_stop_waits_for_in_flight_segments(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, nil, clock)
	startBroadcast(t, q, "b1")
	mustEnqueue(t, q, NewSegmentUpload("b1", seg(0)))
	mustEnqueue(t, q, NewSegmentUpload("b1", seg(1)))

	a := mustDequeue(t, q)
	b := mustDequeue(t, q)
	stopID := mustEnqueue(t, q, NewStopStream("b1"))

	expectNothingReady(t, q)
	mustReport(t, q, a.ID, Success())
	expectNothingReady(t, q)

	// A segment waiting for its retry still holds the stop back; once it is
	// lost for good the stop is released.
	mustReport(t, q, b.ID, Failure(errors.New("reset")))
	expectNothingReady(t, q)
	for i := 0; i < 2; i++ {
		clock.Advance(time.Hour)
		b = mustDequeue(t, q)
		if b.Kind != KindSegmentUpload {
			t.Fatalf("expected segment retry, got %s", b)
		}
		mustReport(t, q, b.ID, Failure(errors.New("reset")))
	}

	stop := mustDequeue(t, q)
	if stop.ID != stopID {
		t.Fatalf("expected StopStream, got %s", stop)
	}
	mustReport(t, q, stop.ID, Success())
	if _, ok := q.Record("b1"); ok {
		t.Error("stopped broadcast without jobs should be pruned")
	}
}

func TestQueue_location_updates_coalesce(t *testing.T) {
	q := newTestQueue(t, nil, nil)
	startBroadcast(t, q, "b1")

	first := mustEnqueue(t, q, NewUpdateLocation("b1", models.Coordinate{Latitude: 1, Longitude: 1}))
	second := mustEnqueue(t, q, NewUpdateLocation("b1", models.Coordinate{Latitude: 2, Longitude: 2}))
	if first != second {
		t.Fatalf("second location should reuse the pending job")
	}
	if q.Len() != 1 {
		t.Fatalf("expected one location job, got %d", q.Len())
	}

	j := mustDequeue(t, q)
	if j.Coordinate.Latitude != 2 {
		t.Errorf("latest coordinate should win, got %v", j.Coordinate)
	}

	// The InFlight job is not touched; a new one is queued behind it.
	third := mustEnqueue(t, q, NewUpdateLocation("b1", models.Coordinate{Latitude: 3, Longitude: 3}))
	if third == j.ID {
		t.Error("in-flight location job must not be replaced")
	}
}

func TestQueue_snapshot_round_trip_resets_in_flight(t *testing.T) {
	store := NewMemoryStore()
	q := newTestQueue(t, store, nil)
	startBroadcast(t, q, "b1")
	mustEnqueue(t, q, NewSegmentUpload("b1", seg(0)))
	mustEnqueue(t, q, NewSegmentUpload("b1", seg(1)))
	mustEnqueue(t, q, NewStopStream("b1"))
	inFlight := mustDequeue(t, q)

	restored := newTestQueue(t, store, nil)
	if err := restored.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	before, after := q.Jobs(), restored.Jobs()
	if len(before) != len(after) {
		t.Fatalf("job count %d after load, want %d", len(after), len(before))
	}
	for i := range before {
		if before[i].ID != after[i].ID || before[i].Kind != after[i].Kind {
			t.Errorf("job %d: got %s, want %s", i, after[i], before[i])
		}
		want := before[i].State
		if before[i].ID == inFlight.ID {
			want = StatePending
		}
		if after[i].State != want {
			t.Errorf("job %s state %s, want %s", after[i], after[i].State, want)
		}
	}
	if sid, ok := restored.StreamID("b1"); !ok || sid != "stream-b1" {
		t.Errorf("stream id not restored: %q", sid)
	}

	payload, err := restored.Payload(context.Background(), after[0])
	if err != nil || len(payload) != 2 {
		t.Errorf("payload after load = %v, %v", payload, err)
	}
}

func TestQueue_restart_keeps_only_unfinished_segments(t *testing.T) {
	store := NewMemoryStore()
	q := newTestQueue(t, store, nil)
	startBroadcast(t, q, "b1")
	for i := uint64(1); i <= 5; i++ {
		mustEnqueue(t, q, NewSegmentUpload("b1", seg(i)))
	}
	for i := 0; i < 3; i++ {
		j := mustDequeue(t, q)
		mustReport(t, q, j.ID, Success())
	}

	// Process dies here; a new one loads the snapshot.
	resumed := newTestQueue(t, store, nil)
	if err := resumed.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	jobs := resumed.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs after restart, got %d", len(jobs))
	}
	for i, want := range []uint64{4, 5} {
		if jobs[i].Segment.Sequence != want || jobs[i].State != StatePending {
			t.Errorf("job %d = segment %d %s, want segment %d pending", i, jobs[i].Segment.Sequence, jobs[i].State, want)
		}
	}
}

type failingStore struct {
	*MemoryStore
	fail bool
}

func (s *failingStore) SaveSnapshot(ctx context.Context, data []byte) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.SaveSnapshot(ctx, data)
}

func TestQueue_persistence_failure_rolls_back(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	q := newTestQueue(t, store, nil)
	startBroadcast(t, q, "b1")
	segID := mustEnqueue(t, q, NewSegmentUpload("b1", seg(0)))
	j := mustDequeue(t, q)

	store.fail = true
	_, err := q.ReportResult(context.Background(), j.ID, Success())
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	jobs := q.Jobs()
	if len(jobs) != 1 || jobs[0].ID != segID || jobs[0].State != StateInFlight {
		t.Fatalf("transition should be rolled back, jobs=%v", jobs)
	}

	if _, err := q.Enqueue(context.Background(), NewSegmentUpload("b1", seg(1))); !errors.As(err, &perr) {
		t.Fatalf("enqueue should fail to persist, got %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("failed enqueue must not add a job, len=%d", q.Len())
	}
	if store.BlobCount() != 1 {
		t.Errorf("payload of failed enqueue should be removed, blobs=%d", store.BlobCount())
	}

	store.fail = false
	mustReport(t, q, j.ID, Success())
}

func TestQueue_abandon(t *testing.T) {
	q := newTestQueue(t, nil, nil)
	startBroadcast(t, q, "b1")
	mustEnqueue(t, q, NewSegmentUpload("b1", seg(0)))
	mustEnqueue(t, q, NewSegmentUpload("b1", seg(1)))
	inFlight := mustDequeue(t, q)

	dropped, err := q.Abandon(context.Background(), "b1")
	if err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if len(dropped) != 1 || dropped[0].State != StateAbandoned {
		t.Errorf("expected one abandoned pending job, got %v", dropped)
	}
	if q.Outstanding("b1") != 1 {
		t.Errorf("in-flight job should remain until reported")
	}
	mustReport(t, q, inFlight.ID, Success())
}

func TestQueue_abandoned_records_are_bounded(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := newTestQueue(t, nil, clock)
	n := keepAbandoned + 2
	for i := range n {
		bid := fmt.Sprintf("b%d", i)
		mustEnqueue(t, q, NewCreateStream(bid, models.StreamMetadata{}))
		if _, err := q.Abandon(ctx, bid); err != nil {
			t.Fatalf("Abandon(%s): %v", bid, err)
		}
		clock.Advance(time.Second)
	}

	q.mu.Lock()
	kept := len(q.broadcasts)
	q.mu.Unlock()
	if kept != keepAbandoned {
		t.Errorf("kept %d broadcast records, want %d", kept, keepAbandoned)
	}
	if _, err := q.Enqueue(ctx, NewSegmentUpload("b0", seg(0))); !errors.Is(err, ErrUnknownBroadcast) {
		t.Errorf("oldest abandoned broadcast should be forgotten, got %v", err)
	}
	last := fmt.Sprintf("b%d", n-1)
	if _, err := q.Enqueue(ctx, NewSegmentUpload(last, seg(0))); !errors.Is(err, ErrBroadcastAbandoned) {
		t.Errorf("newest abandoned broadcast should still reject work, got %v", err)
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := DefaultPolicy
	cases := map[int]time.Duration{
		0:  0,
		1:  2 * time.Second,
		2:  4 * time.Second,
		3:  8 * time.Second,
		8:  256 * time.Second,
		9:  5 * time.Minute,
		40: 5 * time.Minute,
	}
	for retry, want := range cases {
		if got := p.Delay(retry); got != want {
			t.Errorf("Delay(%d) = %v, want %v", retry, got, want)
		}
	}
	if p.Exhausted(2) || !p.Exhausted(3) {
		t.Error("three failures should exhaust the default policy")
	}
}
