// Package queue is the durable, ordered holding area for upload jobs: the
// single source of truth for what still has to reach the server.
//
// The queue does not drive itself. A driver (the uploader) pulls ready jobs
// with DequeueNextReady and reports each transfer with ReportResult. Every
// transition is persisted before it becomes visible; a failed save rolls the
// transition back.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"broadcast-uploader/internal/platform/metrics"
)

const (
	snapshotVersion = 1

	// keepAbandoned bounds how many abandoned broadcasts without jobs are
	// remembered so late work for them is still rejected.
	keepAbandoned = 8
)

// Snapshot is the durable form of the queue.
type Snapshot struct {
	Version    int                        `json:"version"`
	Jobs       []Job                      `json:"jobs"`
	Broadcasts map[string]BroadcastRecord `json:"broadcasts"`
}

// BroadcastRecord is the queue's bookkeeping for one broadcast. It outlives
// the broadcast's jobs until the stream is stopped.
type BroadcastRecord struct {
	ID           string    `json:"id"`
	StreamID     string    `json:"stream_id,omitempty"`
	Abandoned    bool      `json:"abandoned,omitempty"`
	AbandonedAt  time.Time `json:"abandoned_at,omitzero"`
	Stopped      bool      `json:"stopped,omitempty"`
	LostSegments int       `json:"lost_segments,omitempty"`
	LostBytes    int64     `json:"lost_bytes,omitempty"`
}

// ErrUnknownBroadcast rejects non-create work for a broadcast the queue has
// never seen a CreateStream job for.
var ErrUnknownBroadcast = errors.New("queue: unknown broadcast")

// Options configures a Queue. Zero values select defaults.
type Options struct {
	Policy  Policy
	Clock   func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Queue is safe for concurrent use.
type Queue struct {
	store   Store
	policy  Policy
	now     func() time.Time
	log     *slog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	jobs       []Job
	broadcasts map[string]BroadcastRecord
	ready      chan struct{}
}

// New returns an empty queue backed by store. Call Load to restore a
// previous snapshot.
func New(store Store, opts Options) *Queue {
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue{
		store:      store,
		policy:     opts.Policy,
		now:        opts.Clock,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		broadcasts: make(map[string]BroadcastRecord),
		ready:      make(chan struct{}, 1),
	}
}

// Load replaces the in-memory queue with the stored snapshot. Jobs that were
// InFlight when the snapshot was taken are reset to Pending, and payloads no
// job refers to (written just before a crash) are deleted.
func (q *Queue) Load(ctx context.Context) error {
	data, err := q.store.LoadSnapshot(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.jobs = nil
		q.broadcasts = make(map[string]BroadcastRecord)
		q.sweepBlobsLocked(ctx)
		return nil
	}
	if err != nil {
		return &PersistenceError{Op: "load", Err: err}
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return &PersistenceError{Op: "load", Err: fmt.Errorf("decode snapshot: %w", err)}
	}
	if snap.Version > snapshotVersion {
		return &PersistenceError{Op: "load", Err: fmt.Errorf("snapshot version %d is newer than %d", snap.Version, snapshotVersion)}
	}

	jobs := make([]Job, 0, len(snap.Jobs))
	reset := 0
	for _, j := range snap.Jobs {
		if j.State.Terminal() {
			continue
		}
		if j.State == StateInFlight {
			j.State = StatePending
			reset++
		}
		jobs = append(jobs, j)
	}
	if snap.Broadcasts == nil {
		snap.Broadcasts = make(map[string]BroadcastRecord)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = jobs
	q.broadcasts = snap.Broadcasts
	if reset > 0 {
		if err := q.persistLocked(ctx, "load"); err != nil {
			return err
		}
	}
	q.sweepBlobsLocked(ctx)
	q.metrics.SetQueueDepth(len(q.jobs))
	q.log.Info("upload queue loaded", slog.Int("jobs", len(jobs)), slog.Int("reset_in_flight", reset))
	q.notify()
	return nil
}

// sweepBlobsLocked deletes stored payloads that no job refers to.
func (q *Queue) sweepBlobsLocked(ctx context.Context) {
	keys, err := q.store.BlobKeys(ctx)
	if err != nil {
		q.log.Warn("payloads not listed", slog.String("error", err.Error()))
		return
	}
	referenced := make(map[string]bool, len(q.jobs))
	for _, j := range q.jobs {
		if j.Blob != "" {
			referenced[j.Blob] = true
		}
	}
	swept := 0
	for _, key := range keys {
		if referenced[key] {
			continue
		}
		q.deleteBlob(ctx, key)
		swept++
	}
	if swept > 0 {
		q.log.Info("orphaned payloads deleted", slog.Int("count", swept))
	}
}

// Flush writes the current state. It is the teardown hook; every transition
// already persists on its own.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.persistLocked(ctx, "flush")
}

// Enqueue appends job at the tail and persists it before returning its id.
// A segment or preview payload is written to the store first.
//
// An UpdateLocation job for a broadcast that already has an undispatched
// location job replaces that job's coordinate instead of queueing another.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.BroadcastID == "" {
		return "", errors.New("queue: job has no broadcast id")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	rec, known := q.broadcasts[job.BroadcastID]
	if rec.Abandoned {
		return "", ErrBroadcastAbandoned
	}
	if !known && job.Kind != KindCreateStream {
		return "", ErrUnknownBroadcast
	}

	if job.Kind == KindUpdateLocation {
		for i, existing := range q.jobs {
			if existing.BroadcastID != job.BroadcastID || existing.Kind != KindUpdateLocation {
				continue
			}
			if existing.State != StatePending && existing.State != StateFailed {
				continue
			}
			err := q.commit(ctx, "coalesce", func() error {
				q.jobs[i].Coordinate = job.Coordinate
				return nil
			})
			if err != nil {
				return "", err
			}
			q.log.Debug("location update coalesced", slog.String("job_id", existing.ID))
			return existing.ID, nil
		}
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.State = StatePending
	job.EnqueuedAt = q.now()
	job.RetryCount = 0
	job.LastError = ""
	job.NotBefore = time.Time{}

	payload := job.payload
	job.payload = nil
	if payload != nil {
		job.Blob = job.ID
		job.Size = int64(len(payload))
		if err := q.store.PutBlob(ctx, job.Blob, payload); err != nil {
			return "", &PersistenceError{Op: "blob", Err: err}
		}
	}

	err := q.commit(ctx, "enqueue", func() error {
		if !known {
			q.broadcasts[job.BroadcastID] = BroadcastRecord{ID: job.BroadcastID}
		}
		q.jobs = append(q.jobs, job)
		return nil
	})
	if err != nil {
		if job.Blob != "" {
			q.deleteBlob(ctx, job.Blob)
		}
		return "", err
	}

	q.metrics.JobEnqueued(string(job.Kind))
	q.log.Debug("job enqueued", slog.String("job", job.String()), slog.String("broadcast_id", job.BroadcastID))
	q.notify()
	return job.ID, nil
}

// DequeueNextReady returns the earliest Pending job whose ordering
// constraint is satisfied and marks it InFlight. Failed jobs whose backoff
// has elapsed are re-armed to Pending on the way. ok is false when nothing
// is ready.
func (q *Queue) DequeueNextReady(ctx context.Context) (job Job, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	idx := -1
	var rearm []int
	for i, j := range q.jobs {
		if j.State == StateFailed && !now.Before(j.NotBefore) {
			rearm = append(rearm, i)
			j.State = StatePending
		}
		if idx < 0 && j.State == StatePending && q.readyLocked(j) {
			idx = i
		}
	}
	if idx < 0 && len(rearm) == 0 {
		return Job{}, false, nil
	}

	err = q.commit(ctx, "dequeue", func() error {
		for _, i := range rearm {
			q.jobs[i].State = StatePending
		}
		if idx >= 0 {
			q.jobs[idx].State = StateInFlight
		}
		return nil
	})
	if err != nil {
		return Job{}, false, err
	}
	if idx < 0 {
		return Job{}, false, nil
	}
	return q.jobs[idx], true, nil
}

// readyLocked applies the per-broadcast ordering: CreateStream first, then
// anything else, and StopStream only once nothing else is outstanding.
func (q *Queue) readyLocked(j Job) bool {
	if j.Kind == KindCreateStream {
		return true
	}
	if q.broadcasts[j.BroadcastID].StreamID == "" {
		return false
	}
	if j.Kind != KindStopStream {
		return true
	}
	for _, other := range q.jobs {
		if other.BroadcastID == j.BroadcastID && other.ID != j.ID {
			return false
		}
	}
	return true
}

// ReportResult records the outcome of an InFlight job. Success removes the
// job. Failure schedules a retry with backoff or, once retries are
// exhausted, removes the job as PermanentlyFailed. A CreateStream that fails
// permanently abandons every other job of its broadcast.
//
// Reporting for a job that is no longer InFlight returns ErrUnknownJob or
// ErrNotInFlight and changes nothing.
func (q *Queue) ReportResult(ctx context.Context, id string, out Outcome) (Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return Result{}, ErrUnknownJob
	}
	if q.jobs[idx].State != StateInFlight {
		return Result{}, ErrNotInFlight
	}
	if out.Err == nil && q.jobs[idx].Kind == KindCreateStream && out.StreamID == "" {
		out = Failure(errors.New("create stream: server returned no stream id"))
	}

	var (
		res       Result
		dropBlobs []string
	)
	err := q.commit(ctx, "report", func() error {
		res = Result{}
		dropBlobs = dropBlobs[:0]

		j := q.jobs[idx]
		rec := q.broadcasts[j.BroadcastID]
		rec.ID = j.BroadcastID

		switch {
		case out.Err == nil:
			j.State = StateSucceeded
			j.LastError = ""
			switch j.Kind {
			case KindCreateStream:
				rec.StreamID = out.StreamID
			case KindStopStream:
				rec.Stopped = true
			}
			q.removeLocked(idx)

		case q.policy.Exhausted(j.RetryCount + 1):
			j.RetryCount++
			j.LastError = out.Err.Error()
			j.State = StatePermanentlyFailed
			q.removeLocked(idx)
			switch j.Kind {
			case KindSegmentUpload:
				rec.LostSegments++
				rec.LostBytes += j.Size
			case KindCreateStream:
				rec.Abandoned = true
				rec.AbandonedAt = q.now()
				res.Abandoned = q.abandonLocked(j.BroadcastID)
			case KindStopStream:
				rec.Stopped = true
			}

		default:
			j.RetryCount++
			j.LastError = out.Err.Error()
			j.State = StateFailed
			j.NotBefore = q.now().Add(q.policy.Delay(j.RetryCount))
			q.jobs[idx] = j
			res.RetryAt = j.NotBefore
		}

		if j.State.Terminal() && j.Blob != "" {
			dropBlobs = append(dropBlobs, j.Blob)
		}
		for _, a := range res.Abandoned {
			if a.Blob != "" {
				dropBlobs = append(dropBlobs, a.Blob)
			}
		}

		q.broadcasts[j.BroadcastID] = rec
		q.pruneLocked()
		res.Job = j
		res.StreamID = rec.StreamID
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	for _, key := range dropBlobs {
		q.deleteBlob(ctx, key)
	}
	q.record(res)
	q.notify()
	return res, nil
}

// Abandon drops every job of broadcastID that is not InFlight and rejects
// further work for it. It is the explicit give-up path for a broadcast.
func (q *Queue) Abandon(ctx context.Context, broadcastID string) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped []Job
	err := q.commit(ctx, "abandon", func() error {
		rec := q.broadcasts[broadcastID]
		rec.ID = broadcastID
		rec.Abandoned = true
		rec.AbandonedAt = q.now()
		q.broadcasts[broadcastID] = rec
		dropped = q.abandonLocked(broadcastID)
		q.pruneLocked()
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, j := range dropped {
		if j.Blob != "" {
			q.deleteBlob(ctx, j.Blob)
		}
		q.metrics.JobLost(string(j.Kind))
	}
	return dropped, nil
}

// abandonLocked removes the broadcast's jobs that are not InFlight.
func (q *Queue) abandonLocked(broadcastID string) []Job {
	var dropped []Job
	kept := q.jobs[:0]
	for _, j := range q.jobs {
		if j.BroadcastID == broadcastID && j.State != StateInFlight {
			j.State = StateAbandoned
			dropped = append(dropped, j)
			continue
		}
		kept = append(kept, j)
	}
	q.jobs = kept
	return dropped
}

// pruneLocked forgets stopped broadcasts once their last job is gone.
// Abandoned broadcasts without jobs are kept, newest first, up to
// keepAbandoned.
func (q *Queue) pruneLocked() {
	type idle struct {
		id string
		at time.Time
	}
	var abandoned []idle
	for id, rec := range q.broadcasts {
		if slices.ContainsFunc(q.jobs, func(j Job) bool { return j.BroadcastID == id }) {
			continue
		}
		switch {
		case rec.Abandoned:
			abandoned = append(abandoned, idle{id: id, at: rec.AbandonedAt})
		case rec.Stopped:
			delete(q.broadcasts, id)
		}
	}
	if len(abandoned) <= keepAbandoned {
		return
	}
	slices.SortFunc(abandoned, func(a, b idle) int { return b.at.Compare(a.at) })
	for _, a := range abandoned[keepAbandoned:] {
		delete(q.broadcasts, a.id)
	}
}

func (q *Queue) removeLocked(idx int) {
	q.jobs = slices.Delete(q.jobs, idx, idx+1)
}

func (q *Queue) indexLocked(id string) int {
	return slices.IndexFunc(q.jobs, func(j Job) bool { return j.ID == id })
}

// commit applies mutate and persists the result; on any error the previous
// in-memory state is restored.
func (q *Queue) commit(ctx context.Context, op string, mutate func() error) error {
	prevJobs := slices.Clone(q.jobs)
	prevBroadcasts := maps.Clone(q.broadcasts)

	err := mutate()
	if err == nil {
		err = q.persistLocked(ctx, op)
	}
	if err != nil {
		q.jobs = prevJobs
		q.broadcasts = prevBroadcasts
		return err
	}
	q.metrics.SetQueueDepth(len(q.jobs))
	return nil
}

func (q *Queue) persistLocked(ctx context.Context, op string) error {
	data, err := json.Marshal(Snapshot{
		Version:    snapshotVersion,
		Jobs:       q.jobs,
		Broadcasts: q.broadcasts,
	})
	if err != nil {
		return &PersistenceError{Op: op, Err: err}
	}
	if err := q.store.SaveSnapshot(ctx, data); err != nil {
		q.log.Error("queue snapshot not saved", slog.String("op", op), slog.String("error", err.Error()))
		return &PersistenceError{Op: op, Err: err}
	}
	return nil
}

func (q *Queue) deleteBlob(ctx context.Context, key string) {
	if err := q.store.DeleteBlob(ctx, key); err != nil {
		q.log.Warn("payload not deleted", slog.String("blob", key), slog.String("error", err.Error()))
	}
}

func (q *Queue) record(res Result) {
	kind := string(res.Job.Kind)
	switch res.Job.State {
	case StateSucceeded:
		q.metrics.JobSucceeded(kind)
	case StateFailed:
		q.metrics.JobFailed(kind)
	case StatePermanentlyFailed:
		q.metrics.JobFailed(kind)
		q.metrics.JobLost(kind)
		q.log.Warn("job permanently failed",
			slog.String("job", res.Job.String()),
			slog.Int("retries", res.Job.RetryCount),
			slog.String("error", res.Job.LastError))
	}
	for _, a := range res.Abandoned {
		q.metrics.JobLost(string(a.Kind))
	}
}

func (q *Queue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled whenever a job may have become ready: after an
// enqueue, a reported result or a load.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// HasPendingWork reports whether any job has yet to reach a terminal state.
func (q *Queue) HasPendingWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs) > 0
}

// Len returns the number of non-terminal jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Outstanding returns the number of non-terminal jobs for broadcastID.
func (q *Queue) Outstanding(broadcastID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.BroadcastID == broadcastID {
			n++
		}
	}
	return n
}

// NextWake returns the earliest time a Failed job becomes eligible again.
func (q *Queue) NextWake() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next time.Time
	for _, j := range q.jobs {
		if j.State != StateFailed {
			continue
		}
		if next.IsZero() || j.NotBefore.Before(next) {
			next = j.NotBefore
		}
	}
	return next, !next.IsZero()
}

// Jobs returns a copy of the non-terminal jobs in queue order.
func (q *Queue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.jobs)
}

// Record returns the bookkeeping for broadcastID.
func (q *Queue) Record(broadcastID string) (BroadcastRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.broadcasts[broadcastID]
	return rec, ok
}

// StreamID returns the server-assigned stream id once CreateStream succeeded.
func (q *Queue) StreamID(broadcastID string) (string, bool) {
	rec, ok := q.Record(broadcastID)
	return rec.StreamID, ok && rec.StreamID != ""
}

// Payload loads the segment or image bytes a job carries.
func (q *Queue) Payload(ctx context.Context, job Job) ([]byte, error) {
	if job.Blob == "" {
		return nil, nil
	}
	data, err := q.store.GetBlob(ctx, job.Blob)
	if err != nil {
		return nil, fmt.Errorf("load payload for %s: %w", job, err)
	}
	return data, nil
}
