// Package uploader drains the upload queue with a small bounded pool of
// concurrent transfers.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"broadcast-uploader/internal/platform/metrics"
	"broadcast-uploader/internal/queue"
)

const (
	DefaultWorkers         = 2
	MaxWorkers             = 3
	DefaultInFlightTimeout = 2 * time.Minute
	defaultPollInterval    = time.Second
	retryPersistDelay      = time.Second
	maxReportDelay         = 30 * time.Second
)

// ErrStreamUnresolved fails a job whose broadcast has no stream id yet. The
// queue never releases such a job, so seeing it means the record was lost.
var ErrStreamUnresolved = errors.New("uploader: stream id not resolved")

// Reporter observes transfers. BytesSent is the only path by which a
// broadcast's byte counter advances; it is called once per delivered job,
// before JobFinished, with the bytes of the attempt that succeeded.
type Reporter interface {
	BytesSent(broadcastID string, delta int64)
	JobFinished(res queue.Result)
}

// Reporters fans events out to several reporters in order.
func Reporters(rs ...Reporter) Reporter {
	return multiReporter(rs)
}

type multiReporter []Reporter

func (m multiReporter) BytesSent(broadcastID string, delta int64) {
	for _, r := range m {
		r.BytesSent(broadcastID, delta)
	}
}

func (m multiReporter) JobFinished(res queue.Result) {
	for _, r := range m {
		r.JobFinished(res)
	}
}

// Config configures an Uploader. Zero values select defaults.
type Config struct {
	Queue           *queue.Queue
	Dispatcher      Dispatcher
	Workers         int
	InFlightTimeout time.Duration
	PollInterval    time.Duration
	Reporter        Reporter
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// Uploader pulls ready jobs from the queue and hands each to a worker. It
// does nothing until Start or Resume is called.
type Uploader struct {
	q        *queue.Queue
	dispatch Dispatcher
	workers  int
	timeout  time.Duration
	poll     time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	reporter Reporter
	running  bool
	stop     context.CancelFunc // stops dequeuing
	abort    context.CancelFunc // cancels transfers in progress
	done     chan struct{}

	idle chan struct{}
}

// New returns an idle Uploader.
func New(cfg Config) (*Uploader, error) {
	if cfg.Queue == nil || cfg.Dispatcher == nil {
		return nil, errors.New("uploader: queue and dispatcher are required")
	}
	switch {
	case cfg.Workers <= 0:
		cfg.Workers = DefaultWorkers
	case cfg.Workers > MaxWorkers:
		return nil, fmt.Errorf("uploader: at most %d workers, got %d", MaxWorkers, cfg.Workers)
	}
	if cfg.InFlightTimeout <= 0 {
		cfg.InFlightTimeout = DefaultInFlightTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Uploader{
		q:        cfg.Queue,
		dispatch: cfg.Dispatcher,
		workers:  cfg.Workers,
		timeout:  cfg.InFlightTimeout,
		poll:     cfg.PollInterval,
		log:      log,
		metrics:  cfg.Metrics,
		reporter: cfg.Reporter,
		idle:     make(chan struct{}, 1),
	}, nil
}

// SetReporter replaces the reporter. The session is usually built after the
// uploader, so it registers itself here.
func (u *Uploader) SetReporter(r Reporter) {
	u.mu.Lock()
	u.reporter = r
	u.mu.Unlock()
}

// Running reports whether the uploader is draining the queue.
func (u *Uploader) Running() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.running
}

// Start begins draining the queue. It is the automatic mode used when a
// broadcast starts; calling it while running does nothing.
func (u *Uploader) Start(ctx context.Context) {
	if u.start(ctx) {
		u.log.Info("uploader started", slog.Int("workers", u.workers))
	}
}

// Resume begins draining jobs left over from a previous run. Loading the
// queue never starts uploads by itself; this call does.
func (u *Uploader) Resume(ctx context.Context) int {
	n := u.q.Len()
	if u.start(ctx) {
		u.log.Info("uploader resumed", slog.Int("jobs", n), slog.Int("workers", u.workers))
	}
	return n
}

func (u *Uploader) start(ctx context.Context) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running {
		return false
	}

	// Transfers outlive the dequeue loop so Stop can let them finish.
	xferCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	loopCtx, stop := context.WithCancel(ctx)
	u.stop, u.abort = stop, abort
	u.done = make(chan struct{})
	u.running = true

	done := u.done
	go func() {
		defer close(done)
		defer abort()
		u.run(loopCtx, xferCtx)
		u.mu.Lock()
		u.running = false
		u.mu.Unlock()
	}()
	return true
}

// Stop stops dequeuing and waits for transfers in progress. If ctx expires
// first they are cancelled and reported as failed.
func (u *Uploader) Stop(ctx context.Context) error {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return nil
	}
	stop, abort, done := u.stop, u.abort, u.done
	u.mu.Unlock()

	stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		abort()
		<-done
		return ctx.Err()
	}
}

// Drain blocks until the queue holds no unfinished job or ctx is done.
// It does not start the uploader.
func (u *Uploader) Drain(ctx context.Context) error {
	t := time.NewTicker(u.poll)
	defer t.Stop()
	for u.q.HasPendingWork() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-u.idle:
		case <-t.C:
		}
	}
	return nil
}

func (u *Uploader) run(loopCtx, xferCtx context.Context) {
	g := new(errgroup.Group)
	slots := make(chan struct{}, u.workers)

	for {
		select {
		case slots <- struct{}{}:
		case <-loopCtx.Done():
			g.Wait()
			return
		}

		job, ok, err := u.q.DequeueNextReady(loopCtx)
		if err != nil {
			<-slots
			u.log.Error("dequeue failed", slog.String("error", err.Error()))
			if !u.sleep(loopCtx, time.Now().Add(retryPersistDelay)) {
				g.Wait()
				return
			}
			continue
		}
		if !ok {
			<-slots
			wake, _ := u.q.NextWake()
			if !u.sleep(loopCtx, wake) {
				g.Wait()
				return
			}
			continue
		}

		g.Go(func() error {
			defer func() { <-slots }()
			u.process(xferCtx, job)
			return nil
		})
	}
}

// sleep waits for the queue to signal, for wake (if set) or for the poll
// interval. It returns false when ctx is done.
func (u *Uploader) sleep(ctx context.Context, wake time.Time) bool {
	d := u.poll
	if !wake.IsZero() {
		if until := time.Until(wake); until < d {
			d = max(until, time.Millisecond)
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-u.q.Ready():
	case <-t.C:
	}
	return true
}

func (u *Uploader) process(ctx context.Context, job queue.Job) {
	log := u.log.With(slog.String("job", job.ID), slog.String("kind", string(job.Kind)), slog.String("broadcast", job.BroadcastID))

	out, sent := u.transfer(ctx, log, job)

	res, err := u.report(ctx, log, job.ID, out)
	if err != nil {
		log.Error("report result failed", slog.String("error", err.Error()))
		return
	}
	if out.Err != nil {
		log.Warn("transfer failed",
			slog.String("error", out.Err.Error()),
			slog.Int("retries", res.Job.RetryCount),
			slog.String("state", string(res.Job.State)))
	} else {
		log.Debug("transfer done")
	}

	u.mu.Lock()
	r := u.reporter
	u.mu.Unlock()
	if res.Job.State == queue.StateSucceeded {
		if sent == 0 {
			sent = res.Job.Size
		}
		if sent > 0 {
			u.metrics.AddBytesSent(sent)
			if r != nil {
				r.BytesSent(job.BroadcastID, sent)
			}
		}
	}
	if r != nil {
		r.JobFinished(res)
	}

	select {
	case u.idle <- struct{}{}:
	default:
	}
}

// report hands the outcome to the queue. A result that could not be made
// durable leaves the job InFlight, so it is retried until it lands or the
// transfers are aborted; a job left InFlight then is reset by the next Load.
func (u *Uploader) report(ctx context.Context, log *slog.Logger, id string, out queue.Outcome) (queue.Result, error) {
	delay := u.poll
	for {
		// The result must land even when the transfer was cancelled.
		res, err := u.q.ReportResult(context.WithoutCancel(ctx), id, out)
		var perr *queue.PersistenceError
		if err == nil || !errors.As(err, &perr) {
			return res, err
		}
		log.Warn("result not persisted, retrying", slog.Duration("delay", delay), slog.String("error", err.Error()))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return queue.Result{}, err
		case <-t.C:
		}
		delay = min(2*delay, maxReportDelay)
	}
}

// transfer performs one attempt. It returns the outcome and the bytes the
// dispatcher reported for this attempt; progress after the attempt ended is
// dropped.
func (u *Uploader) transfer(ctx context.Context, log *slog.Logger, job queue.Job) (queue.Outcome, int64) {
	var streamID string
	if job.Kind != queue.KindCreateStream {
		id, ok := u.q.StreamID(job.BroadcastID)
		if !ok {
			return queue.Failure(ErrStreamUnresolved), 0
		}
		streamID = id
	}

	payload, err := u.q.Payload(ctx, job)
	if err != nil {
		return queue.Failure(err), 0
	}

	tctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	var (
		sent  atomic.Int64
		ended atomic.Bool
	)
	progress := func(n int64) {
		if n > 0 && !ended.Load() {
			sent.Add(n)
		}
	}

	log.Debug("transfer started", slog.Int("bytes", len(payload)))

	// A dispatcher that ignores its deadline must not pin the job InFlight.
	done := make(chan queue.Outcome, 1)
	go func() {
		done <- u.dispatch.Perform(tctx, job, streamID, payload, progress)
	}()
	var out queue.Outcome
	select {
	case out = <-done:
	case <-tctx.Done():
		if ctx.Err() != nil {
			out = queue.Failure(ctx.Err())
		} else {
			out = queue.Failure(fmt.Errorf("in flight longer than %s: %w", u.timeout, context.DeadlineExceeded))
		}
	}
	ended.Store(true)
	return out, sent.Load()
}
