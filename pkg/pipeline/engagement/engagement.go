// Package engagement runs the engagement-score backfill: one job per active
// user, with run progress tracked in a broker hash so operators can watch a
// backfill converge.
package engagement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sipsociety/backbone/pkg/broker"
	"github.com/sipsociety/backbone/pkg/jobqueue"
	"github.com/sipsociety/backbone/pkg/telemetry"
	"github.com/sipsociety/backbone/pkg/userstore"
	"github.com/sipsociety/backbone/pkg/worker"
	"go.uber.org/zap"
)

// QueueName of the backfill queue.
const QueueName = "engagement-backfill"

// JobName of backfill jobs.
const JobName = "recalculate-engagement"

// QueueConfig returns the backfill queue configuration. Recalculations can
// touch a user's whole order history, so locks are generous.
func QueueConfig() jobqueue.Config {
	return jobqueue.Config{
		Name:         QueueName,
		Concurrency:  10,
		LockDuration: 5 * time.Minute,
	}
}

// Run-metrics hash: total/completed/failed/started_at, expiring a day after
// the run starts.
const (
	runKey = "engagement-backfill:current-run"
	runTTL = 24 * time.Hour
)

// JobPayload is the body of one backfill job.
type JobPayload struct {
	UserID int64 `json:"user_id"`
}

// Recalculator recomputes one user's engagement state.
type Recalculator interface {
	Recalculate(ctx context.Context, userID int64) error
}

// Progress is the live state of the current backfill run.
type Progress struct {
	Total     int64     `json:"total"`
	Completed int64     `json:"completed"`
	Failed    int64     `json:"failed"`
	StartedAt time.Time `json:"started_at"`
	Running   bool      `json:"running"`
}

// Percentage of the run that has reached a terminal state.
func (p Progress) Percentage() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Completed+p.Failed) / float64(p.Total) * 100
}

// Service is the engagement backfill pipeline.
type Service struct {
	Log    *zap.Logger
	Broker *broker.Client
	Queue  *jobqueue.Queue
	Users  *userstore.Store
	Recalc Recalculator
}

// StartBackfill enqueues one job per active user and resets the run-metrics
// hash. It returns the number of admitted jobs.
func (s *Service) StartBackfill(ctx context.Context) (int, error) {
	rd := s.Broker.Redis()
	if rd == nil {
		return 0, jobqueue.ErrUnavailable
	}
	ids, err := s.Users.ActiveUserIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to enumerate active users: %w", err)
	}
	jobs := make([]jobqueue.BulkJob, len(ids))
	for i, id := range ids {
		jobs[i] = jobqueue.BulkJob{
			ID:      fmt.Sprintf("engagement-%d", id),
			Name:    JobName,
			Payload: JobPayload{UserID: id},
		}
	}
	pipe := rd.TxPipeline()
	pipe.Del(ctx, runKey)
	pipe.HSet(ctx, runKey,
		"total", len(jobs),
		"completed", 0,
		"failed", 0,
		"started_at", time.Now().Unix())
	pipe.Expire(ctx, runKey, runTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to initialize run metrics: %w", err)
	}
	result, err := s.Queue.EnqueueBulk(ctx, jobs, jobqueue.BulkOpts{})
	telemetry.EnqueueFallbacks.Add(float64(result.Fallbacks))
	if err != nil {
		return result.Enqueued, err
	}
	s.Log.Info("Started engagement backfill",
		zap.Int("total", len(jobs)),
		zap.Int("enqueued", result.Enqueued),
		zap.Int("duplicates", result.Duplicates))
	return result.Enqueued, nil
}

// BackfillProgress reads the run-metrics hash. A zero-value Progress with
// Running=false means no run was recorded (or the hash expired).
func (s *Service) BackfillProgress(ctx context.Context) (Progress, error) {
	rd := s.Broker.Redis()
	if rd == nil {
		return Progress{}, jobqueue.ErrUnavailable
	}
	raw, err := rd.HGetAll(ctx, runKey).Result()
	if err != nil {
		return Progress{}, fmt.Errorf("failed to read run metrics: %w", err)
	}
	if len(raw) == 0 {
		return Progress{}, nil
	}
	var p Progress
	p.Total, _ = strconv.ParseInt(raw["total"], 10, 64)
	p.Completed, _ = strconv.ParseInt(raw["completed"], 10, 64)
	p.Failed, _ = strconv.ParseInt(raw["failed"], 10, 64)
	if sec, err := strconv.ParseInt(raw["started_at"], 10, 64); err == nil {
		p.StartedAt = time.Unix(sec, 0)
	}
	p.Running = p.Completed+p.Failed < p.Total
	return p, nil
}

// Handle processes one backfill job.
func (s *Service) Handle(ctx context.Context, job *jobqueue.Job) error {
	var payload JobPayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return worker.Terminal(fmt.Errorf("malformed backfill payload: %w", err))
	}
	return s.Recalc.Recalculate(ctx, payload.UserID)
}

// RunEvents consumes worker events and keeps the run-metrics hash current.
func (s *Service) RunEvents(ctx context.Context, w *worker.Worker) {
	for ev := range w.Events() {
		telemetry.Record(ev)
		switch ev.Type {
		case worker.EventCompleted:
			s.bump(ctx, "completed")
		case worker.EventFailed:
			if !ev.Retrying {
				s.bump(ctx, "failed")
			}
		case worker.EventError:
			s.Log.Error("Backfill worker error", zap.Error(ev.Err))
		}
	}
}

func (s *Service) bump(ctx context.Context, field string) {
	rd := s.Broker.Redis()
	if rd == nil {
		return
	}
	if err := rd.HIncrBy(ctx, runKey, field, 1).Err(); err != nil {
		s.Log.Warn("Failed to update run metrics",
			zap.String("field", field), zap.Error(err))
	}
}

// StoreRecalculator is the default recalculator: it refreshes the
// engagement level in the user's classification row from order aggregates.
type StoreRecalculator struct {
	Users      *userstore.Store
	Classifier interface {
		Classify(ctx context.Context, user *userstore.User, stats userstore.Stats) (userstore.Classification, error)
	}
}

func (r *StoreRecalculator) Recalculate(ctx context.Context, userID int64) error {
	user, err := r.Users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return worker.Terminal(fmt.Errorf("user %d does not exist", userID))
	}
	stats, err := r.Users.UserStats(ctx, userID)
	if err != nil {
		return err
	}
	c, err := r.Classifier.Classify(ctx, user, stats)
	if err != nil {
		return err
	}
	c.UserID = userID
	return r.Users.UpsertClassification(ctx, c)
}
