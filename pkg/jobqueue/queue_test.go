package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipsociety/backbone/pkg/brokertest"
)

func testQueue(ctx context.Context, t *testing.T, config Config) (*brokertest.Broker, *Queue) {
	tb := brokertest.New(ctx, t)
	if config.Name == "" {
		config.Name = "test-queue"
	}
	q := NewQueue(tb.Client.Log, tb.Client, config)
	return tb, q
}

func TestEnqueueDedupe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	_, q := testQueue(ctx, t, Config{})

	id, err := q.Enqueue(ctx, "job", map[string]int{"n": 1}, EnqueueOpts{ID: "user-42"})
	require.NoError(t, err)
	assert.Equal(t, "user-42", id)

	// Same ID while waiting: duplicate.
	_, err = q.Enqueue(ctx, "job", map[string]int{"n": 2}, EnqueueOpts{ID: "user-42"})
	assert.ErrorIs(t, err, ErrDuplicateJob)

	counts, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Waiting)

	// The duplicate must not have replaced the original payload.
	job, err := q.GetJob(ctx, "user-42")
	require.NoError(t, err)
	require.NotNil(t, job)
	var payload map[string]int
	require.NoError(t, job.UnmarshalPayload(&payload))
	assert.Equal(t, 1, payload["n"])
}

func TestEnqueueAfterTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	_, q := testQueue(ctx, t, Config{})

	_, err := q.Enqueue(ctx, "job", nil, EnqueueOpts{ID: "j1"})
	require.NoError(t, err)
	jobs, err := q.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, q.Complete(ctx, "j1"))

	// A completed job does not block re-enqueue.
	_, err = q.Enqueue(ctx, "job", nil, EnqueueOpts{ID: "j1"})
	assert.NoError(t, err)
}

func TestReEnqueueClearsTerminalIndex(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	_, q := testQueue(ctx, t, Config{})

	_, err := q.Enqueue(ctx, "job", nil, EnqueueOpts{ID: "j1"})
	require.NoError(t, err)
	jobs, err := q.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, q.Complete(ctx, "j1"))

	time.Sleep(50 * time.Millisecond)
	_, err = q.Enqueue(ctx, "job", nil, EnqueueOpts{ID: "j1"})
	require.NoError(t, err)

	// The stale completed-index entry is gone, so retention must not touch
	// the live replacement.
	removed, err := q.Clean(ctx, 10*time.Millisecond, 100, StateCompleted)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	counts, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, counts.Completed)
	assert.EqualValues(t, 1, counts.Waiting)
	job, err := q.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StateWaiting, job.State)
}

func TestBulkReEnqueueClearsTerminalIndex(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	_, q := testQueue(ctx, t, Config{DefaultAttempts: 1})

	_, err := q.Enqueue(ctx, "job", nil, EnqueueOpts{ID: "j1"})
	require.NoError(t, err)
	jobs, err := q.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	_, err = q.Fail(ctx, jobs[0], "boom", false)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	result, err := q.EnqueueBulk(ctx, []BulkJob{{ID: "j1", Name: "job"}}, BulkOpts{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Enqueued)

	removed, err := q.Clean(ctx, 10*time.Millisecond, 100, StateFailed)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	counts, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, counts.Failed)
	assert.EqualValues(t, 1, counts.Waiting)
	job, err := q.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StateWaiting, job.State)
}

func TestPriorityJumpsQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	_, q := testQueue(ctx, t, Config{})

	_, err := q.Enqueue(ctx, "job", nil, EnqueueOpts{ID: "normal-1"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "job", nil, EnqueueOpts{ID: "normal-2"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "job", nil, EnqueueOpts{ID: "urgent", Priority: 1})
	require.NoError(t, err)

	jobs, err := q.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "urgent", jobs[0].ID)

	jobs, err = q.Claim(ctx, "w1", 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "normal-1", jobs[0].ID)
	assert.Equal(t, "normal-2", jobs[1].ID)
}

func TestDelayedPromotion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	_, q := testQueue(ctx, t, Config{})

	_, err := q.Enqueue(ctx, "job", nil, EnqueueOpts{ID: "later", Delay: 100 * time.Millisecond})
	require.NoError(t, err)
	counts, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Delayed)
	assert.EqualValues(t, 0, counts.Waiting)

	// Not due yet.
	n, err := q.PromoteDelayed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	time.Sleep(150 * time.Millisecond)
	n, err = q.PromoteDelayed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	jobs, err := q.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "later", jobs[0].ID)
}

func TestFailRetryThenTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	_, q := testQueue(ctx, t, Config{DefaultAttempts: 2, BackoffBase: 10 * time.Millisecond})

	_, err := q.Enqueue(ctx, "job", nil, EnqueueOpts{ID: "flaky"})
	require.NoError(t, err)
	jobs, err := q.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].AttemptsMade)

	// First failure: retried with backoff.
	retrying, err := q.Fail(ctx, jobs[0], "boom", true)
	require.NoError(t, err)
	assert.True(t, retrying)
	counts, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Delayed)

	time.Sleep(50 * time.Millisecond)
	_, err = q.PromoteDelayed(ctx, 10)
	require.NoError(t, err)
	jobs, err = q.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].AttemptsMade)

	// Attempts exhausted: terminal failure.
	retrying, err = q.Fail(ctx, jobs[0], "boom again", false)
	require.NoError(t, err)
	assert.False(t, retrying)
	counts, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Failed)
	assert.EqualValues(t, 1, counts.LifetimeFailed)

	job, err := q.GetJob(ctx, "flaky")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, "boom again", job.FailureReason)
}

func TestReclaimStalled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	_, q := testQueue(ctx, t, Config{LockDuration: 100 * time.Millisecond})

	_, err := q.Enqueue(ctx, "job", nil, EnqueueOpts{ID: "stuck"})
	require.NoError(t, err)
	jobs, err := q.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// Lock still fresh: nothing to reclaim.
	ids, err := q.ReclaimStalled(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	time.Sleep(150 * time.Millisecond)
	ids, err = q.ReclaimStalled(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"stuck"}, ids)

	// Reclaimed job is claimable again and keeps its attempt count.
	jobs, err = q.Claim(ctx, "w2", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "stuck", jobs[0].ID)
	assert.Equal(t, 2, jobs[0].AttemptsMade)
}

func TestExtendLock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	_, q := testQueue(ctx, t, Config{LockDuration: 100 * time.Millisecond})

	_, err := q.Enqueue(ctx, "job", nil, EnqueueOpts{ID: "long"})
	require.NoError(t, err)
	_, err = q.Claim(ctx, "w1", 1)
	require.NoError(t, err)

	require.NoError(t, q.ExtendLock(ctx, "long", 10*time.Second))
	time.Sleep(150 * time.Millisecond)

	// Heartbeat kept the lock alive past the original expiry.
	ids, err := q.ReclaimStalled(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestEnqueueBulk(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	_, q := testQueue(ctx, t, Config{})

	_, err := q.Enqueue(ctx, "job", nil, EnqueueOpts{ID: "dup-3"})
	require.NoError(t, err)

	jobs := make([]BulkJob, 120)
	for i := range jobs {
		jobs[i] = BulkJob{ID: idFor(i), Name: "job", Payload: i}
	}
	jobs[3].ID = "dup-3"
	result, err := q.EnqueueBulk(ctx, jobs, BulkOpts{ChunkSize: 50})
	require.NoError(t, err)
	assert.Equal(t, 119, result.Enqueued)
	assert.Equal(t, 1, result.Duplicates)
	assert.Equal(t, 0, result.Failed)

	counts, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 120, counts.Waiting)
}

func idFor(i int) string {
	return "bulk-" + string(rune('a'+i/26)) + string(rune('a'+i%26))
}

func TestEnqueueBulkWithProgress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	_, q := testQueue(ctx, t, Config{})

	jobs := make([]BulkJob, 25)
	for i := range jobs {
		jobs[i] = BulkJob{ID: idFor(i), Name: "job"}
	}
	var steps []int
	result, err := q.EnqueueBulkWithProgress(ctx, jobs,
		BulkOpts{ChunkSize: 5, BatchSize: 10},
		func(enqueued, total int) {
			assert.Equal(t, 25, total)
			steps = append(steps, enqueued)
		})
	require.NoError(t, err)
	assert.Equal(t, 25, result.Enqueued)
	assert.Equal(t, []int{10, 20, 25}, steps)
}

func TestClean(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	_, q := testQueue(ctx, t, Config{})

	for _, id := range []string{"old", "fresh"} {
		_, err := q.Enqueue(ctx, "job", nil, EnqueueOpts{ID: id})
		require.NoError(t, err)
	}
	jobs, err := q.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, jobs[0].ID))

	time.Sleep(150 * time.Millisecond)
	jobs, err = q.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, jobs[0].ID))

	// Only the job completed before the cutoff is removed.
	removed, err := q.Clean(ctx, 100*time.Millisecond, 100, StateCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	counts, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Completed)
}

func TestObliterateWithProgress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	_, q := testQueue(ctx, t, Config{})

	for i := 0; i < 30; i++ {
		_, err := q.Enqueue(ctx, "job", nil, EnqueueOpts{ID: idFor(i)})
		require.NoError(t, err)
	}
	jobs, err := q.Claim(ctx, "w1", 5)
	require.NoError(t, err)
	require.Len(t, jobs, 5)

	var phases []ObliteratePhase
	deleted, err := q.ObliterateWithProgress(ctx, func(p ObliterateProgress) {
		phases = append(phases, p.Phase)
	})
	require.NoError(t, err)
	assert.Greater(t, deleted, int64(0))
	require.NotEmpty(t, phases)
	assert.Equal(t, PhaseDone, phases[len(phases)-1])

	counts, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Waiting)
	assert.Zero(t, counts.Active)
}

func TestRecentJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	_, q := testQueue(ctx, t, Config{DefaultAttempts: 1})

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, "job", nil, EnqueueOpts{ID: id})
		require.NoError(t, err)
	}
	jobs, err := q.Claim(ctx, "w1", 3)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	require.NoError(t, q.Complete(ctx, "a"))
	require.NoError(t, q.Complete(ctx, "b"))
	_, err = q.Fail(ctx, jobs[2], "broken", false)
	require.NoError(t, err)

	recent, err := q.RecentJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	states := map[string]State{}
	for _, job := range recent {
		states[job.ID] = job.State
	}
	assert.Equal(t, StateCompleted, states["a"])
	assert.Equal(t, StateCompleted, states["b"])
	assert.Equal(t, StateFailed, states["c"])
}
