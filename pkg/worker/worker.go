// Package worker runs the consumer side of a job queue.
//
// One Worker consumes one queue with bounded in-flight concurrency and an
// optional jobs-per-second ceiling. Each worker owns a duplicated broker
// connection so its blocking commands stay off the primary pipeline. While
// a job is in flight its lock is extended heart-beat style at a third of
// the lock interval; a worker that dies mid-job lets the lock lapse and the
// queue's reclaim loop hands the job to someone else.
//
// On broker error the worker pauses claiming; on recovery it resumes.
// Both transitions are idempotent and safe while jobs are in flight:
// in-flight jobs finish, new claims stop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/xid"
	"github.com/sipsociety/backbone/pkg/broker"
	"github.com/sipsociety/backbone/pkg/jobqueue"
	"github.com/sipsociety/backbone/pkg/ratelimit"
	"go.uber.org/zap"
)

// EventType classifies worker events.
type EventType string

// Worker event types.
const (
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventError     EventType = "error"
)

// Event is one worker life-cycle notification. Subscribers are the metrics
// sink, the broadcast sink and the retention hook.
type Event struct {
	Type  EventType
	Queue string
	Job   *jobqueue.Job
	Err   error
	// Retrying is set on failed events that will be attempted again.
	Retrying bool
}

// Handler processes one job. A returned error surfaces as a retryable
// failure unless wrapped with Terminal.
type Handler func(ctx context.Context, job *jobqueue.Job) error

type terminalError struct{ err error }

func (t *terminalError) Error() string { return t.err.Error() }
func (t *terminalError) Unwrap() error { return t.err }

// Terminal marks an error as non-retryable: the job fails permanently.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether an error was marked with Terminal.
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

// Timing constants of the claim and maintenance loops.
const (
	readyTimeout     = 10 * time.Second
	idleBackoff      = 500 * time.Millisecond
	pausedBackoff    = time.Second
	maintainInterval = 2 * time.Second
	retentionEvery   = 5 * time.Minute
	reclaimBatch     = 128
	promoteBatch     = 256
)

// Worker consumes one queue.
type Worker struct {
	Log     *zap.Logger
	Broker  *broker.Client
	Queue   *jobqueue.Queue
	Handler Handler
	// Limiter throttles claims when the queue config carries a rate limit.
	Limiter *ratelimit.Limiter

	id     string
	conn   *redis.Client
	queue  *jobqueue.Queue
	events chan Event
	paused int32
	wg     sync.WaitGroup
	sem    chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a worker for a queue.
func New(log *zap.Logger, b *broker.Client, q *jobqueue.Queue, handler Handler, limiter *ratelimit.Limiter) *Worker {
	id := "worker-" + xid.New().String()
	return &Worker{
		Log:     log.With(zap.String("queue", q.Name()), zap.String("worker_id", id)),
		Broker:  b,
		Queue:   q,
		Handler: handler,
		Limiter: limiter,
		id:      id,
		events:  make(chan Event, 256),
		sem:     make(chan struct{}, q.Config.Concurrency),
		stopped: make(chan struct{}),
	}
}

// ID returns the worker's claim identity.
func (w *Worker) ID() string { return w.id }

// Events returns the worker event stream. Events are dropped, not blocked
// on, when no subscriber keeps up.
func (w *Worker) Events() <-chan Event { return w.events }

func (w *Worker) emit(ev Event) {
	ev.Queue = w.Queue.Name()
	select {
	case w.events <- ev:
	default:
	}
}

// init duplicates the broker connection, binds the queue to it and waits
// for it to become ready.
func (w *Worker) init(ctx context.Context) error {
	if w.Queue.Config.RateLimit.Max > 0 && w.Limiter == nil {
		return fmt.Errorf("queue %s carries a rate limit but the worker has no limiter", w.Queue.Name())
	}
	conn, err := w.Broker.Duplicate(broker.DuplicateOptions{
		// Long-running consumer: effectively unbounded command retries.
		MaxRetriesPerRequest: 1 << 20,
	})
	if err != nil {
		return fmt.Errorf("failed to duplicate broker connection: %w", err)
	}
	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := conn.Ping(readyCtx).Err(); err == nil {
			w.conn = conn
			w.queue = w.Queue.WithConnection(conn)
			return nil
		}
		select {
		case <-readyCtx.Done():
			_ = conn.Close()
			return fmt.Errorf("broker not ready within %s: %w", readyTimeout, readyCtx.Err())
		case <-ticker.C:
		}
	}
}

// Pause stops new claims. Idempotent; in-flight jobs finish.
func (w *Worker) Pause() {
	if atomic.CompareAndSwapInt32(&w.paused, 0, 1) {
		w.Log.Warn("Worker paused")
	}
}

// Resume restarts claiming. Idempotent.
func (w *Worker) Resume() {
	if atomic.CompareAndSwapInt32(&w.paused, 1, 0) {
		w.Log.Info("Worker resumed")
	}
}

// Paused reports whether claiming is paused.
func (w *Worker) Paused() bool { return atomic.LoadInt32(&w.paused) == 1 }

// Run claims and processes jobs until the context is canceled. It watches
// broker state transitions and pauses itself while the broker is away.
func (w *Worker) Run(ctx context.Context) error {
	defer w.drain()
	if err := w.init(ctx); err != nil {
		return err
	}
	states := w.Broker.Subscribe()
	go w.watchStates(ctx, states)
	go w.maintain(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.Paused() {
			if !sleep(ctx, pausedBackoff) {
				return ctx.Err()
			}
			continue
		}
		if !w.admitRate(ctx) {
			continue
		}
		free := cap(w.sem) - len(w.sem)
		if w.Queue.Config.RateLimit.Max > 0 && free > 1 {
			// One claim per admitted rate event.
			free = 1
		}
		if free == 0 {
			if !sleep(ctx, idleBackoff) {
				return ctx.Err()
			}
			continue
		}
		jobs, err := w.queue.Claim(ctx, w.id, free)
		if err != nil {
			if errors.Is(err, jobqueue.ErrUnavailable) {
				w.Pause()
				continue
			}
			w.emit(Event{Type: EventError, Err: err})
			w.Log.Error("Claim failed", zap.Error(err))
			if !sleep(ctx, idleBackoff) {
				return ctx.Err()
			}
			continue
		}
		if len(jobs) == 0 {
			if !sleep(ctx, idleBackoff) {
				return ctx.Err()
			}
			continue
		}
		for _, job := range jobs {
			w.sem <- struct{}{}
			w.wg.Add(1)
			go w.process(ctx, job)
		}
	}
}

// admitRate blocks one scheduling round when the queue rate limit is hit.
// Returns false when the caller should retry the loop.
func (w *Worker) admitRate(ctx context.Context) bool {
	rl := w.Queue.Config.RateLimit
	if rl.Max == 0 {
		return true
	}
	res, err := w.Limiter.Check(ctx, "queue:"+w.Queue.Name(), rl.Max, rl.Per)
	if err != nil {
		w.Log.Warn("Rate limit check failed", zap.Error(err))
		return true
	}
	if res.Allowed {
		return true
	}
	sleep(ctx, time.Until(res.ResetAt))
	return false
}

// process runs one job with a lock heartbeat.
func (w *Worker) process(ctx context.Context, job *jobqueue.Job) {
	defer w.wg.Done()
	defer func() { <-w.sem }()
	w.emit(Event{Type: EventActive, Job: job})
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(heartbeatCtx, job.ID)
	err := w.runHandler(ctx, job)
	stopHeartbeat()
	// Outcome recording survives shutdown: a canceled run context must not
	// turn a finished job into a stalled one.
	recordCtx, cancelRecord := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelRecord()
	if err == nil {
		if completeErr := w.queue.Complete(recordCtx, job.ID); completeErr != nil {
			w.emit(Event{Type: EventError, Job: job, Err: completeErr})
			w.Log.Error("Failed to record completion", zap.String("job_id", job.ID), zap.Error(completeErr))
			return
		}
		w.emit(Event{Type: EventCompleted, Job: job})
		return
	}
	retrying, failErr := w.queue.Fail(recordCtx, job, err.Error(), !IsTerminal(err))
	if failErr != nil {
		w.emit(Event{Type: EventError, Job: job, Err: failErr})
		w.Log.Error("Failed to record failure", zap.String("job_id", job.ID), zap.Error(failErr))
		return
	}
	w.emit(Event{Type: EventFailed, Job: job, Err: err, Retrying: retrying})
	w.Log.Warn("Job failed",
		zap.String("job_id", job.ID),
		zap.Int("attempts_made", job.AttemptsMade),
		zap.Bool("retrying", retrying),
		zap.Error(err))
}

// runHandler isolates handler panics into errors.
func (w *Worker) runHandler(ctx context.Context, job *jobqueue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.Handler(ctx, job)
}

// heartbeat extends the job lock at a third of the lock interval.
func (w *Worker) heartbeat(ctx context.Context, jobID string) {
	lockDur := w.Queue.Config.LockDuration
	ticker := time.NewTicker(lockDur / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.ExtendLock(ctx, jobID, lockDur); err != nil && ctx.Err() == nil {
				w.Log.Warn("Failed to extend job lock", zap.String("job_id", jobID), zap.Error(err))
			}
		}
	}
}

// watchStates pauses and resumes the worker on broker transitions.
func (w *Worker) watchStates(ctx context.Context, states <-chan broker.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case state := <-states:
			switch state {
			case broker.StateReady:
				w.Resume()
			case broker.StateReconnecting, broker.StateError, broker.StateDisconnected:
				w.Pause()
			}
		}
	}
}

// maintain promotes delayed jobs, reclaims stalled ones and applies the
// retention policy.
func (w *Worker) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintainInterval)
	defer ticker.Stop()
	lastTrim := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if w.Paused() {
			continue
		}
		if _, err := w.queue.PromoteDelayed(ctx, promoteBatch); err != nil && !errors.Is(err, jobqueue.ErrUnavailable) {
			w.Log.Warn("Promote failed", zap.Error(err))
		}
		if _, err := w.queue.ReclaimStalled(ctx, reclaimBatch); err != nil && !errors.Is(err, jobqueue.ErrUnavailable) {
			w.Log.Warn("Reclaim failed", zap.Error(err))
		}
		if time.Since(lastTrim) >= retentionEvery {
			lastTrim = time.Now()
			if err := w.queue.Trim(ctx); err != nil && !errors.Is(err, jobqueue.ErrUnavailable) {
				w.Log.Warn("Retention trim failed", zap.Error(err))
			}
		}
	}
}

// drain waits for in-flight jobs, then closes the duplicated connection and
// the event stream. Closing events unblocks subscriber loops.
func (w *Worker) drain() {
	w.stopOnce.Do(func() {
		w.wg.Wait()
		if w.conn != nil {
			_ = w.conn.Close()
		}
		close(w.events)
		close(w.stopped)
		w.Log.Info("Worker stopped")
	})
}

// Shutdown stops claiming and waits for in-flight jobs up to the context
// deadline. Run must have been canceled first.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.Pause()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// sleep waits for d or context cancellation; reports whether it slept fully.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
