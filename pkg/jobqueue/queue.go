package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/rs/xid"
	"github.com/sipsociety/backbone/pkg/broker"
	"go.uber.org/zap"
)

// DefaultPrefix namespaces all queue keys in the broker.
const DefaultPrefix = "jobs"

// FailureSink receives jobs whose admission failed beyond retry.
// The failed-enqueue ledger implements it on the relational store.
type FailureSink interface {
	RecordFailedEnqueue(ctx context.Context, job BulkJob, cause error) error
}

// Queue is one named durable job queue.
type Queue struct {
	Log    *zap.Logger
	Broker *broker.Client
	Config Config
	// Sink persists admission failures; optional.
	Sink FailureSink

	keys    Keys
	scripts *scripts
	conn    *redis.Client
}

// NewQueue creates a queue handle. The same configuration must be used by
// every producer and consumer of the queue.
func NewQueue(log *zap.Logger, b *broker.Client, config Config) *Queue {
	config = config.withDefaults()
	return &Queue{
		Log:     log.With(zap.String("queue", config.Name)),
		Broker:  b,
		Config:  config,
		keys:    NewKeys(DefaultPrefix, config.Name),
		scripts: newScripts(),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.Config.Name }

// Keys exposes the queue key layout (used by diagnostics).
func (q *Queue) Keys() Keys { return q.keys }

// WithConnection returns a queue handle whose commands run on rd instead of
// the broker's shared connection. Consumers bind their duplicated connection
// this way so blocking claims stay off the primary pipeline. Broker
// readiness still gates commands.
func (q *Queue) WithConnection(rd *redis.Client) *Queue {
	bound := *q
	bound.conn = rd
	return &bound
}

func (q *Queue) redis() (*redis.Client, error) {
	if q.Broker.Redis() == nil {
		return nil, ErrUnavailable
	}
	if q.conn != nil {
		return q.conn, nil
	}
	return q.Broker.Redis(), nil
}

func nowMS(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// EnqueueOpts configure a single admission.
type EnqueueOpts struct {
	// ID is the dedupe key. Generated when empty.
	ID string
	// Priority above zero jumps the queue.
	Priority int
	// Delay schedules the job for later promotion.
	Delay time.Duration
}

// Enqueue admits one job. Returns ErrDuplicateJob when a live job holds the
// same ID; callers treat that as success.
func (q *Queue) Enqueue(ctx context.Context, name string, payload interface{}, opts EnqueueOpts) (string, error) {
	rd, err := q.redis()
	if err != nil {
		return "", err
	}
	if opts.ID == "" {
		opts.ID = xid.New().String()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	res, err := q.scripts.enqueue.Run(ctx, rd,
		[]string{q.keys.Wait, q.keys.Delayed, q.keys.JobPrefix + opts.ID,
			q.keys.Completed, q.keys.Failed},
		opts.ID, name, string(raw), opts.Priority,
		nowMS(time.Now()), opts.Delay.Milliseconds(),
	).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue via Lua: %w", err)
	}
	if res == "duplicate" {
		return opts.ID, ErrDuplicateJob
	}
	return opts.ID, nil
}

// BulkJob is one job of a bulk admission.
type BulkJob struct {
	ID       string
	Name     string
	Payload  interface{}
	Priority int
	Delay    time.Duration
}

// BulkOpts configure bulk admission.
type BulkOpts struct {
	// ChunkSize bounds one broker script execution (default 50).
	ChunkSize int
	// ChunkDelay is slept between chunks.
	ChunkDelay time.Duration
	// BatchSize bounds one progress step (default 500).
	BatchSize int
}

func (o BulkOpts) withDefaults() BulkOpts {
	if o.ChunkSize == 0 {
		o.ChunkSize = 50
	}
	if o.BatchSize == 0 {
		o.BatchSize = 500
	}
	return o
}

// BulkResult summarizes a bulk admission.
type BulkResult struct {
	Enqueued   int
	Duplicates int
	Failed     int
	// Fallbacks counts chunks that degraded to individual enqueues.
	Fallbacks int
}

// Individual fallback backoff bounds per spec'd admission policy.
const (
	fallbackBase     = 500 * time.Millisecond
	fallbackCap      = 8 * time.Second
	fallbackAttempts = 5
)

// EnqueueBulk admits jobs in chunks of one script execution each. A chunk
// that fails (script limit, broker hiccup) degrades to individual enqueues
// under exponential backoff; jobs that still fail go to the failure sink.
func (q *Queue) EnqueueBulk(ctx context.Context, jobs []BulkJob, opts BulkOpts) (BulkResult, error) {
	opts = opts.withDefaults()
	var result BulkResult
	for start := 0; start < len(jobs); start += opts.ChunkSize {
		end := start + opts.ChunkSize
		if end > len(jobs) {
			end = len(jobs)
		}
		chunk := jobs[start:end]
		added, dups, err := q.enqueueChunk(ctx, chunk)
		if err != nil {
			q.Log.Warn("Bulk enqueue chunk failed, falling back to individual adds",
				zap.Int("chunk_size", len(chunk)), zap.Error(err))
			fallback := q.enqueueFallback(ctx, chunk)
			result.Enqueued += fallback.Enqueued
			result.Duplicates += fallback.Duplicates
			result.Failed += fallback.Failed
			result.Fallbacks++
		} else {
			result.Enqueued += added
			result.Duplicates += dups
		}
		if opts.ChunkDelay > 0 && end < len(jobs) {
			timer := time.NewTimer(opts.ChunkDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return result, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return result, nil
}

// enqueueChunk runs the bulk script for one chunk.
func (q *Queue) enqueueChunk(ctx context.Context, chunk []BulkJob) (added, dups int, err error) {
	rd, err := q.redis()
	if err != nil {
		return 0, 0, err
	}
	argv := make([]interface{}, 0, 2+5*len(chunk))
	argv = append(argv, q.keys.JobPrefix, nowMS(time.Now()))
	for _, job := range chunk {
		id := job.ID
		if id == "" {
			id = xid.New().String()
		}
		raw, err := json.Marshal(job.Payload)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to encode payload for %s: %w", id, err)
		}
		argv = append(argv, id, job.Name, string(raw), job.Priority, job.Delay.Milliseconds())
	}
	res, err := q.scripts.enqueueBulk.Run(ctx, rd,
		[]string{q.keys.Wait, q.keys.Delayed, q.keys.Completed, q.keys.Failed},
		argv...).Result()
	if err != nil {
		return 0, 0, err
	}
	counts, ok := res.([]interface{})
	if !ok || len(counts) != 2 {
		return 0, 0, fmt.Errorf("invalid bulk enqueue return: %#v", res)
	}
	addedI, _ := counts[0].(int64)
	dupsI, _ := counts[1].(int64)
	return int(addedI), int(dupsI), nil
}

// enqueueFallback admits a chunk job-by-job with bounded backoff, recording
// terminal failures in the failure sink.
func (q *Queue) enqueueFallback(ctx context.Context, chunk []BulkJob) BulkResult {
	var result BulkResult
	for _, job := range chunk {
		expo := backoff.NewExponentialBackOff()
		expo.InitialInterval = fallbackBase
		expo.RandomizationFactor = 0
		expo.Multiplier = 2
		expo.MaxInterval = fallbackCap
		expo.MaxElapsedTime = 0
		policy := backoff.WithContext(backoff.WithMaxRetries(expo, fallbackAttempts), ctx)
		var duplicate bool
		err := backoff.Retry(func() error {
			_, err := q.Enqueue(ctx, job.Name, job.Payload, EnqueueOpts{
				ID:       job.ID,
				Priority: job.Priority,
				Delay:    job.Delay,
			})
			if errors.Is(err, ErrDuplicateJob) {
				duplicate = true
				return nil
			}
			return err
		}, policy)
		switch {
		case err == nil && duplicate:
			result.Duplicates++
		case err == nil:
			result.Enqueued++
		default:
			result.Failed++
			if q.Sink != nil {
				if sinkErr := q.Sink.RecordFailedEnqueue(ctx, job, err); sinkErr != nil {
					q.Log.Error("Failed to record enqueue failure",
						zap.String("job_id", job.ID), zap.Error(sinkErr))
				}
			} else {
				q.Log.Error("Dropping failed enqueue, no failure sink configured",
					zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}
	return result
}

// ProgressFunc observes bulk admission progress.
type ProgressFunc func(enqueued, total int)

// EnqueueBulkWithProgress wraps EnqueueBulk in outer batches and reports
// progress between them.
func (q *Queue) EnqueueBulkWithProgress(ctx context.Context, jobs []BulkJob, opts BulkOpts, onProgress ProgressFunc) (BulkResult, error) {
	opts = opts.withDefaults()
	var result BulkResult
	var done int
	for start := 0; start < len(jobs); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(jobs) {
			end = len(jobs)
		}
		batch, err := q.EnqueueBulk(ctx, jobs[start:end], opts)
		result.Enqueued += batch.Enqueued
		result.Duplicates += batch.Duplicates
		result.Failed += batch.Failed
		result.Fallbacks += batch.Fallbacks
		done = end
		if onProgress != nil {
			onProgress(done, len(jobs))
		}
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

// Claim moves up to n jobs from waiting to active under this worker's lock
// and returns their bodies.
func (q *Queue) Claim(ctx context.Context, workerID string, n int) ([]*Job, error) {
	rd, err := q.redis()
	if err != nil {
		return nil, err
	}
	res, err := q.scripts.claim.Run(ctx, rd,
		[]string{q.keys.Wait, q.keys.Active, q.keys.Locks},
		q.keys.JobPrefix, nowMS(time.Now()), q.Config.LockDuration.Milliseconds(),
		workerID, n,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim via Lua: %w", err)
	}
	idsI, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid claim return: %#v", res)
	}
	if len(idsI) == 0 {
		return nil, nil
	}
	ids := make([]string, len(idsI))
	for i, idI := range idsI {
		id, ok := idI.(string)
		if !ok {
			return nil, fmt.Errorf("invalid claim entry: %#v", idI)
		}
		ids[i] = id
	}
	return q.fetchJobs(ctx, rd, ids)
}

// fetchJobs pipelines the hash reads for a set of job IDs.
func (q *Queue) fetchJobs(ctx context.Context, rd *redis.Client, ids []string) ([]*Job, error) {
	pipe := rd.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.keys.JobPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to fetch job bodies: %w", err)
	}
	jobs := make([]*Job, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			q.Log.Warn("Claimed job lost its body", zap.String("job_id", ids[i]))
			continue
		}
		jobs = append(jobs, jobFromHash(fields))
	}
	return jobs, nil
}

// ExtendLock pushes out the lock expiry of an active job.
func (q *Queue) ExtendLock(ctx context.Context, jobID string, lockDur time.Duration) error {
	rd, err := q.redis()
	if err != nil {
		return err
	}
	return rd.ZAddXX(ctx, q.keys.Locks, &redis.Z{
		Score:  float64(nowMS(time.Now()) + lockDur.Milliseconds()),
		Member: jobID,
	}).Err()
}

// Complete finishes a job successfully.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	rd, err := q.redis()
	if err != nil {
		return err
	}
	err = q.scripts.complete.Run(ctx, rd,
		[]string{q.keys.Active, q.keys.Locks, q.keys.Completed, q.keys.Counters, q.keys.JobPrefix + jobID},
		jobID, nowMS(time.Now()),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to complete via Lua: %w", err)
	}
	return nil
}

// Fail finishes a job attempt. Retryable failures with attempts left are
// rescheduled with exponential backoff; the rest land in failed state.
// Returns true when the job will be retried.
func (q *Queue) Fail(ctx context.Context, job *Job, reason string, retryable bool) (bool, error) {
	rd, err := q.redis()
	if err != nil {
		return false, err
	}
	retryFlag := 0
	if retryable {
		retryFlag = 1
	}
	res, err := q.scripts.fail.Run(ctx, rd,
		[]string{q.keys.Active, q.keys.Locks, q.keys.Delayed, q.keys.Failed, q.keys.Counters, q.keys.JobPrefix + job.ID},
		job.ID, nowMS(time.Now()), reason,
		q.Config.DefaultAttempts,
		q.Config.RetryDelay(job.AttemptsMade).Milliseconds(),
		retryFlag,
	).Result()
	if err != nil {
		return false, fmt.Errorf("failed to fail via Lua: %w", err)
	}
	return res == "retried", nil
}

// PromoteDelayed moves due delayed jobs onto the wait list.
func (q *Queue) PromoteDelayed(ctx context.Context, limit int) (int, error) {
	rd, err := q.redis()
	if err != nil {
		return 0, err
	}
	res, err := q.scripts.promote.Run(ctx, rd,
		[]string{q.keys.Delayed, q.keys.Wait},
		q.keys.JobPrefix, nowMS(time.Now()), limit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote via Lua: %w", err)
	}
	return res, nil
}

// ReclaimStalled returns jobs with expired locks to the wait list so that
// another worker can pick them up. Handlers must be idempotent.
func (q *Queue) ReclaimStalled(ctx context.Context, limit int) ([]string, error) {
	rd, err := q.redis()
	if err != nil {
		return nil, err
	}
	res, err := q.scripts.reclaim.Run(ctx, rd,
		[]string{q.keys.Locks, q.keys.Active, q.keys.Wait},
		q.keys.JobPrefix, nowMS(time.Now()), limit,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim via Lua: %w", err)
	}
	idsI, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid reclaim return: %#v", res)
	}
	ids := make([]string, 0, len(idsI))
	for _, idI := range idsI {
		if id, ok := idI.(string); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		q.Log.Warn("Reclaimed stalled jobs", zap.Strings("job_ids", ids))
	}
	return ids, nil
}

// GetJob reads one job body, or nil when unknown.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	rd, err := q.redis()
	if err != nil {
		return nil, err
	}
	fields, err := rd.HGetAll(ctx, q.keys.JobPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return jobFromHash(fields), nil
}
