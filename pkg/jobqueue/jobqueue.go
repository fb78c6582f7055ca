// Package jobqueue implements named durable job queues on top of the broker.
//
// Queue layout
//
// Each queue keeps its state under a common key prefix:
// waiting and active jobs live on lists, delayed, completed and failed jobs
// on sorted sets scored by promotion or finish time, and every job body in
// its own hash. A sorted set of lock expiry times guards active jobs
// against stalled workers.
//
// The job ID is a caller-supplied dedupe key: two enqueues with the same ID
// while the first job is in a non-terminal state are the same job. This
// gives at-least-once delivery with per-ID serial processing; handlers must
// be idempotent.
//
// All multi-step transitions run as Redis Lua scripts so that concurrent
// producers, consumers and maintenance loops cannot observe half-applied
// state. Scripts only touch keys of a single queue, which keeps them small
// enough for the broker's script execution limits; bulk admission chunks
// its input for the same reason.
package jobqueue

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// State is a job life-cycle state.
type State string

// Job states. A job moves waiting → active → (completed | failed);
// failed → delayed → waiting while attempts remain.
const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether the state ends the job's life-cycle.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ErrDuplicateJob is returned when an enqueue collides with a live job
// carrying the same ID. Callers treat it as success.
var ErrDuplicateJob = errors.New("duplicate job")

// ErrUnavailable is returned when the broker connection is not ready.
var ErrUnavailable = errors.New("job queue unavailable")

// Job is a durable record in a named queue.
type Job struct {
	ID            string
	Name          string
	Payload       json.RawMessage
	Priority      int
	AttemptsMade  int
	State         State
	EnqueuedAt    time.Time
	ProcessedAt   time.Time
	FinishedAt    time.Time
	FailureReason string
}

// UnmarshalPayload decodes the job payload into dest.
func (j *Job) UnmarshalPayload(dest interface{}) error {
	return json.Unmarshal(j.Payload, dest)
}

// jobFromHash parses a job hash as stored in the broker.
func jobFromHash(fields map[string]string) *Job {
	job := &Job{
		ID:            fields["id"],
		Name:          fields["name"],
		Payload:       json.RawMessage(fields["payload"]),
		State:         State(fields["state"]),
		FailureReason: fields["failure_reason"],
	}
	job.Priority, _ = strconv.Atoi(fields["priority"])
	job.AttemptsMade, _ = strconv.Atoi(fields["attempts_made"])
	job.EnqueuedAt = msTime(fields["enqueued_at"])
	job.ProcessedAt = msTime(fields["processed_at"])
	job.FinishedAt = msTime(fields["finished_at"])
	return job
}

func msTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond))
}

// Retention bounds terminal jobs kept for diagnostics.
type Retention struct {
	MaxAge   time.Duration
	MaxCount int64
}

// RateLimit is the per-worker throughput ceiling for a queue.
type RateLimit struct {
	Max int64
	Per time.Duration
}

// Config describes one named queue.
type Config struct {
	Name            string
	DefaultAttempts int           // default 3
	BackoffBase     time.Duration // default 2s, doubled per attempt
	RetentionDone   Retention     // completed jobs, default 2h / 50000
	RetentionFailed Retention     // failed jobs, default 24h / 10000
	Concurrency     int           // worker in-flight bound, default 1
	RateLimit       RateLimit     // zero Max disables
	LockDuration    time.Duration // default 30s
}

// withDefaults fills unset config fields.
func (c Config) withDefaults() Config {
	if c.DefaultAttempts == 0 {
		c.DefaultAttempts = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.RetentionDone == (Retention{}) {
		c.RetentionDone = Retention{MaxAge: 2 * time.Hour, MaxCount: 50000}
	}
	if c.RetentionFailed == (Retention{}) {
		c.RetentionFailed = Retention{MaxAge: 24 * time.Hour, MaxCount: 10000}
	}
	if c.Concurrency == 0 {
		c.Concurrency = 1
	}
	if c.LockDuration == 0 {
		c.LockDuration = 30 * time.Second
	}
	return c
}

// RetryDelay returns the exponential backoff delay before the given attempt
// is retried. attemptsMade is the number of attempts already consumed.
func (c Config) RetryDelay(attemptsMade int) time.Duration {
	delay := c.BackoffBase
	for i := 1; i < attemptsMade; i++ {
		delay *= 2
	}
	return delay
}

// Keys hold the broker keys of one queue.
type Keys struct {
	Wait      string // List: waiting job IDs
	Active    string // List: claimed job IDs
	Delayed   string // Sorted Set: job ID by promotion time
	Completed string // Sorted Set: job ID by finish time
	Failed    string // Sorted Set: job ID by finish time
	Locks     string // Sorted Set: active job ID by lock expiry
	Counters  string // Hash Map: lifetime completed/failed counters
	JobPrefix string // Prefix for per-job hashes
	Prefix    string // Queue key prefix, used by obliterate
}

// NewKeys returns the key set for a queue under a prefix.
func NewKeys(prefix, queue string) Keys {
	base := prefix + ":" + queue
	return Keys{
		Wait:      base + ":wait",
		Active:    base + ":active",
		Delayed:   base + ":delayed",
		Completed: base + ":completed",
		Failed:    base + ":failed",
		Locks:     base + ":locks",
		Counters:  base + ":counters",
		JobPrefix: base + ":job:",
		Prefix:    base + ":",
	}
}
