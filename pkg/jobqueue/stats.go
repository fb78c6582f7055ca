package jobqueue

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Per-command timeouts for diagnostics.
const (
	statTimeout      = 3 * time.Second
	aggregateTimeout = 2 * time.Second
)

// Counts are point-in-time queue depths obtained by direct key scans
// (lists by length, sorted sets by cardinality), plus lifetime counters
// maintained by the completion scripts.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`

	LifetimeCompleted int64 `json:"lifetime_completed"`
	LifetimeFailed    int64 `json:"lifetime_failed"`
}

// Stats gathers queue depths with a bounded per-command timeout.
func (q *Queue) Stats(ctx context.Context) (Counts, error) {
	rd, err := q.redis()
	if err != nil {
		return Counts{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, statTimeout)
	defer cancel()
	pipe := rd.Pipeline()
	waiting := pipe.LLen(ctx, q.keys.Wait)
	active := pipe.LLen(ctx, q.keys.Active)
	delayed := pipe.ZCard(ctx, q.keys.Delayed)
	completed := pipe.ZCard(ctx, q.keys.Completed)
	failed := pipe.ZCard(ctx, q.keys.Failed)
	counters := pipe.HGetAll(ctx, q.keys.Counters)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("failed to gather queue stats: %w", err)
	}
	counts := Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}
	counts.LifetimeCompleted, _ = strconv.ParseInt(counters.Val()["completed"], 10, 64)
	counts.LifetimeFailed, _ = strconv.ParseInt(counters.Val()["failed"], 10, 64)
	return counts, nil
}

// AggregateStats gathers stats for many queues under one shared deadline.
func AggregateStats(ctx context.Context, queues []*Queue) (map[string]Counts, error) {
	ctx, cancel := context.WithTimeout(ctx, aggregateTimeout)
	defer cancel()
	all := make(map[string]Counts, len(queues))
	for _, q := range queues {
		counts, err := q.Stats(ctx)
		if err != nil {
			return all, fmt.Errorf("stats for %s: %w", q.Name(), err)
		}
		all[q.Name()] = counts
	}
	return all, nil
}

// RecentJobs interleaves the most recent completed and failed jobs by
// finish time, newest first.
func (q *Queue) RecentJobs(ctx context.Context, limit int) ([]*Job, error) {
	rd, err := q.redis()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, statTimeout)
	defer cancel()
	var ids []string
	for _, key := range []string{q.keys.Completed, q.keys.Failed} {
		batch, err := rd.ZRevRange(ctx, key, 0, int64(limit)-1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list recent jobs: %w", err)
		}
		ids = append(ids, batch...)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	jobs, err := q.fetchJobs(ctx, rd, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].FinishedAt.After(jobs[j].FinishedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Clean deletes terminal jobs older than maxAge, at most limit of them.
// state must be StateCompleted or StateFailed.
func (q *Queue) Clean(ctx context.Context, maxAge time.Duration, limit int, state State) (int, error) {
	var key string
	switch state {
	case StateCompleted:
		key = q.keys.Completed
	case StateFailed:
		key = q.keys.Failed
	default:
		return 0, fmt.Errorf("cannot clean jobs in state %q", state)
	}
	rd, err := q.redis()
	if err != nil {
		return 0, err
	}
	cutoff := nowMS(time.Now().Add(-maxAge))
	ids, err := rd.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff, 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list cleanable jobs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return len(ids), q.dropTerminal(ctx, rd, key, ids)
}

// dropTerminal removes terminal jobs from their index and deletes bodies.
func (q *Queue) dropTerminal(ctx context.Context, rd *redis.Client, indexKey string, ids []string) error {
	pipe := rd.Pipeline()
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
		pipe.Del(ctx, q.keys.JobPrefix+id)
	}
	pipe.ZRem(ctx, indexKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to drop terminal jobs: %w", err)
	}
	return nil
}

// Trim applies the retention policy to both terminal states. Workers call
// this from their success and failure hooks.
func (q *Queue) Trim(ctx context.Context) error {
	if err := q.trimState(ctx, q.keys.Completed, q.Config.RetentionDone); err != nil {
		return err
	}
	return q.trimState(ctx, q.keys.Failed, q.Config.RetentionFailed)
}

func (q *Queue) trimState(ctx context.Context, key string, ret Retention) error {
	rd, err := q.redis()
	if err != nil {
		return err
	}
	// Age bound.
	cutoff := nowMS(time.Now().Add(-ret.MaxAge))
	old, err := rd.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff, 10),
		Count: 1000,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to list expired jobs: %w", err)
	}
	if len(old) > 0 {
		if err := q.dropTerminal(ctx, rd, key, old); err != nil {
			return err
		}
	}
	// Count bound: drop the oldest overflow.
	card, err := rd.ZCard(ctx, key).Result()
	if err != nil {
		return err
	}
	if overflow := card - ret.MaxCount; overflow > 0 {
		excess, err := rd.ZRange(ctx, key, 0, overflow-1).Result()
		if err != nil {
			return fmt.Errorf("failed to list overflow jobs: %w", err)
		}
		if len(excess) > 0 {
			if err := q.dropTerminal(ctx, rd, key, excess); err != nil {
				return err
			}
		}
	}
	return nil
}
