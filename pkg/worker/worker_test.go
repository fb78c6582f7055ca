package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sipsociety/backbone/pkg/brokertest"
	"github.com/sipsociety/backbone/pkg/jobqueue"
)

func testSetup(ctx context.Context, t *testing.T, config jobqueue.Config, handler Handler) (*jobqueue.Queue, *Worker) {
	tb := brokertest.New(ctx, t)
	if config.Name == "" {
		config.Name = "test-work"
	}
	q := jobqueue.NewQueue(zaptest.NewLogger(t), tb.Client, config)
	w := New(zaptest.NewLogger(t), tb.Client, q, handler, nil)
	return q, w
}

func collectEvents(w *Worker) (<-chan struct{}, *[]Event) {
	done := make(chan struct{})
	events := new([]Event)
	go func() {
		defer close(done)
		for ev := range w.Events() {
			*events = append(*events, ev)
		}
	}()
	return done, events
}

func TestWorkerBindsDedicatedConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	q, w := testSetup(ctx, t, jobqueue.Config{}, func(context.Context, *jobqueue.Job) error {
		return nil
	})
	require.NoError(t, w.init(ctx))
	defer w.drain()

	require.NotNil(t, w.conn)
	assert.NotSame(t, w.Broker.Redis(), w.conn)
	require.NotNil(t, w.queue)
	assert.NotSame(t, q, w.queue)

	// The bound handle carries the full queue protocol.
	_, err := q.Enqueue(ctx, "job", nil, jobqueue.EnqueueOpts{ID: "j1"})
	require.NoError(t, err)
	jobs, err := w.queue.Claim(ctx, w.id, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, w.queue.Complete(ctx, "j1"))
}

func TestWorkerRequiresLimiterForRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	_, w := testSetup(ctx, t, jobqueue.Config{
		RateLimit: jobqueue.RateLimit{Max: 5, Per: time.Second},
	}, func(context.Context, *jobqueue.Job) error {
		return nil
	})
	err := w.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no limiter")
}

func TestWorkerProcessesJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	var mu sync.Mutex
	seen := map[string]int{}
	handler := func(ctx context.Context, job *jobqueue.Job) error {
		var n int
		if err := job.UnmarshalPayload(&n); err != nil {
			return err
		}
		mu.Lock()
		seen[job.ID] = n
		mu.Unlock()
		return nil
	}
	q, w := testSetup(ctx, t, jobqueue.Config{Concurrency: 2}, handler)
	for i, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, "job", i, jobqueue.EnqueueOpts{ID: id})
		require.NoError(t, err)
	}
	evDone, events := collectEvents(w)
	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		counts, err := q.Stats(ctx)
		return err == nil && counts.LifetimeCompleted == 3
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-runDone
	<-evDone

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"a": 0, "b": 1, "c": 2}, seen)
	var completed int
	for _, ev := range *events {
		if ev.Type == EventCompleted {
			completed++
		}
	}
	assert.Equal(t, 3, completed)
}

func TestWorkerRetriesFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	var mu sync.Mutex
	var attempts int
	handler := func(ctx context.Context, job *jobqueue.Job) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		return nil
	}
	q, w := testSetup(ctx, t, jobqueue.Config{
		DefaultAttempts: 3,
		BackoffBase:     10 * time.Millisecond,
	}, handler)
	_, err := q.Enqueue(ctx, "job", nil, jobqueue.EnqueueOpts{ID: "flaky"})
	require.NoError(t, err)
	evDone, events := collectEvents(w)
	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		counts, err := q.Stats(ctx)
		return err == nil && counts.LifetimeCompleted == 1
	}, 10*time.Second, 20*time.Millisecond)
	cancel()
	<-runDone
	<-evDone

	var failed, retrying int
	for _, ev := range *events {
		if ev.Type == EventFailed {
			failed++
			if ev.Retrying {
				retrying++
			}
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, retrying)
}

func TestWorkerTerminalError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	handler := func(ctx context.Context, job *jobqueue.Job) error {
		return Terminal(errors.New("bad payload"))
	}
	q, w := testSetup(ctx, t, jobqueue.Config{DefaultAttempts: 3}, handler)
	_, err := q.Enqueue(ctx, "job", nil, jobqueue.EnqueueOpts{ID: "poison"})
	require.NoError(t, err)
	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(ctx) }()

	// Terminal errors skip the remaining attempts.
	require.Eventually(t, func() bool {
		counts, err := q.Stats(ctx)
		return err == nil && counts.LifetimeFailed == 1
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-runDone

	job, err := q.GetJob(context.Background(), "poison")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobqueue.StateFailed, job.State)
	assert.Equal(t, 1, job.AttemptsMade)
}

func TestWorkerPanicRecovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	handler := func(ctx context.Context, job *jobqueue.Job) error {
		panic("handler bug")
	}
	q, w := testSetup(ctx, t, jobqueue.Config{
		DefaultAttempts: 1,
	}, handler)
	_, err := q.Enqueue(ctx, "job", nil, jobqueue.EnqueueOpts{ID: "boom"})
	require.NoError(t, err)
	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		counts, err := q.Stats(ctx)
		return err == nil && counts.LifetimeFailed == 1
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-runDone
}

func TestPauseStopsClaiming(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	var mu sync.Mutex
	var handled int
	handler := func(ctx context.Context, job *jobqueue.Job) error {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	}
	q, w := testSetup(ctx, t, jobqueue.Config{}, handler)
	w.Pause()
	_, err := q.Enqueue(ctx, "job", nil, jobqueue.EnqueueOpts{ID: "waiting"})
	require.NoError(t, err)
	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(ctx) }()

	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, handled)
	mu.Unlock()

	w.Resume()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == 1
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-runDone
}
