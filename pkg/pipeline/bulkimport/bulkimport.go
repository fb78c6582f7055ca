// Package bulkimport synchronizes the external customer catalog into the
// local store and fans out per-user follow-up work.
//
// A run scans the catalog once with cursor pagination, upserts every record
// page-wise, and bulk-enqueues one import job per user that still has
// history to fetch. At most one run is in progress at a time, guarded by a
// broker lock. Admission failures land in the failed-enqueue ledger and are
// replayed by RetryFailedEnqueues.
package bulkimport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/sipsociety/backbone/pkg/broadcast"
	"github.com/sipsociety/backbone/pkg/broker"
	"github.com/sipsociety/backbone/pkg/catalog"
	"github.com/sipsociety/backbone/pkg/jobqueue"
	"github.com/sipsociety/backbone/pkg/ledger"
	"github.com/sipsociety/backbone/pkg/telemetry"
	"github.com/sipsociety/backbone/pkg/userstore"
	"go.uber.org/zap"
)

// QueueName of the customer import queue.
const QueueName = "customer-import"

// JobName of import jobs.
const JobName = "import-customer"

// QueueConfig returns the import queue configuration.
func QueueConfig() jobqueue.Config {
	return jobqueue.Config{
		Name:        QueueName,
		Concurrency: 3,
		RateLimit:   jobqueue.RateLimit{Max: 5, Per: time.Second},
	}
}

// Broker keys of the run guard and run state.
const (
	runLockKey  = "bulk-import:running"
	runStateKey = "bulk-import:current-run"
	runLockTTL  = 6 * time.Hour
	runStateTTL = 24 * time.Hour
)

// ErrRunInProgress is returned when a bulk import is already running.
var ErrRunInProgress = errors.New("bulk import already in progress")

// JobPayload is the body of one import job.
type JobPayload struct {
	UserID     int64  `json:"user_id"`
	ExternalID string `json:"external_id"`
	Email      string `json:"email"`
}

// Options configure one bulk import run.
type Options struct {
	// ReimportAll includes users whose history is already imported.
	ReimportAll bool
	// TargetUnprocessed stops the catalog scan once this many unprocessed
	// users are identified (intelligent mode). Zero scans everything.
	TargetUnprocessed int
	// MaxCustomers caps the number of users enqueued. Zero is unlimited.
	MaxCustomers int
	// FullImport forces a full history fetch per user.
	FullImport bool
	// BatchSize overrides the outer enqueue batch (default 500).
	BatchSize int
}

// RunState is the queryable state of the current (or last) run.
type RunState struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	Scanned    int    `json:"scanned"`
	Identified int    `json:"identified"`
	Enqueued   int    `json:"enqueued"`
	Duplicates int    `json:"duplicates"`
	Failed     int    `json:"failed"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at,omitempty"`
	Error      string `json:"error,omitempty"`
}

// HistoryImporter fetches and persists a user's full purchase history.
type HistoryImporter interface {
	ImportHistory(ctx context.Context, userID int64, externalID string) error
}

// ClassifyRequester enqueues a classification follow-up for a user.
type ClassifyRequester interface {
	RequestFollowup(ctx context.Context, userID int64) error
}

// Service is the bulk import pipeline.
type Service struct {
	Log       *zap.Logger
	Broker    *broker.Client
	Queue     *jobqueue.Queue
	Users     *userstore.Store
	Ledger    *ledger.Store
	Catalog   *catalog.Client
	Publisher *broadcast.Publisher
	History   HistoryImporter
	Classify  ClassifyRequester
	// GapThrottle bounds catalog-gap snapshots (default 10s).
	GapThrottle time.Duration
}

// Sink adapts the ledger to the queue's failure sink.
func (s *Service) Sink() jobqueue.FailureSink {
	return &ledgerSink{ledger: s.Ledger}
}

type ledgerSink struct {
	ledger *ledger.Store
}

func (l *ledgerSink) RecordFailedEnqueue(ctx context.Context, job jobqueue.BulkJob, cause error) error {
	payload, ok := job.Payload.(JobPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type %T on import queue", job.Payload)
	}
	return l.ledger.Record(ctx, payload.UserID, payload.ExternalID, payload.Email, cause.Error())
}

// Start begins a bulk import run. It refuses while a run is in progress and
// returns the run ID; the scan itself proceeds in the background.
func (s *Service) Start(ctx context.Context, opts Options) (string, error) {
	rd := s.Broker.Redis()
	if rd == nil {
		return "", jobqueue.ErrUnavailable
	}
	runID := xid.New().String()
	ok, err := rd.SetNX(ctx, runLockKey, runID, runLockTTL).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		return "", ErrRunInProgress
	}
	state := RunState{
		RunID:     runID,
		Status:    "scanning",
		StartedAt: time.Now().Unix(),
	}
	s.saveState(ctx, state)
	go s.run(state, opts)
	return runID, nil
}

// Status returns the current run state, or nil when no run was recorded.
func (s *Service) Status(ctx context.Context) (*RunState, error) {
	var state RunState
	found, err := s.Broker.GetJSON(ctx, runStateKey, &state)
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

func (s *Service) saveState(ctx context.Context, state RunState) {
	if err := s.Broker.SetJSON(ctx, runStateKey, state, runStateTTL); err != nil {
		s.Log.Warn("Failed to save import run state", zap.Error(err))
	}
}

// run executes the catalog scan and bulk admission. Detached from the
// request context on purpose: an admin closing the browser must not abort
// a catalog-wide scan.
func (s *Service) run(state RunState, opts Options) {
	ctx := context.Background()
	defer func() {
		if rd := s.Broker.Redis(); rd != nil {
			rd.Del(ctx, runLockKey)
		}
	}()
	log := s.Log.With(zap.String("run_id", state.RunID))
	log.Info("Starting bulk customer import",
		zap.Bool("reimport_all", opts.ReimportAll),
		zap.Int("target_unprocessed", opts.TargetUnprocessed),
		zap.Int("max_customers", opts.MaxCustomers),
		zap.Bool("full_import", opts.FullImport))
	candidates, scanned, err := s.scan(ctx, &state, opts)
	state.Scanned = scanned
	state.Identified = len(candidates)
	if err != nil {
		state.Status = "failed"
		state.Error = err.Error()
		state.FinishedAt = time.Now().Unix()
		s.saveState(ctx, state)
		log.Error("Catalog scan failed", zap.Error(err))
		return
	}
	state.Status = "enqueueing"
	s.saveState(ctx, state)
	result, err := s.Queue.EnqueueBulkWithProgress(ctx, candidates,
		jobqueue.BulkOpts{BatchSize: opts.BatchSize},
		func(enqueued, total int) {
			s.Publisher.Publish(ctx, broadcast.ChannelImportProgress, map[string]interface{}{
				"run_id":   state.RunID,
				"phase":    "enqueueing",
				"enqueued": enqueued,
				"total":    total,
			})
		})
	telemetry.EnqueueFallbacks.Add(float64(result.Fallbacks))
	state.Enqueued = result.Enqueued
	state.Duplicates = result.Duplicates
	state.Failed = result.Failed
	state.FinishedAt = time.Now().Unix()
	if err != nil {
		state.Status = "failed"
		state.Error = err.Error()
	} else {
		state.Status = "completed"
	}
	s.saveState(ctx, state)
	log.Info("Bulk customer import admission finished",
		zap.Int("scanned", scanned),
		zap.Int("identified", len(candidates)),
		zap.Int("enqueued", result.Enqueued),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("failed", result.Failed))
}

// scan walks the catalog, upserts every record and collects import
// candidates. Intelligent mode stops the scan once TargetUnprocessed
// candidates are found, regardless of catalog size.
func (s *Service) scan(ctx context.Context, state *RunState, opts Options) ([]jobqueue.BulkJob, int, error) {
	var candidates []jobqueue.BulkJob
	var scanned int
	err := s.Catalog.Customers(ctx, func(page []catalog.Customer) (bool, error) {
		for _, c := range page {
			scanned++
			if c.ExternalID == "" || c.Email == "" {
				continue
			}
			userID, created, err := s.Users.UpsertCustomer(ctx, userstore.CatalogCustomer{
				ExternalID: c.ExternalID,
				Email:      c.Email,
				FirstName:  c.FirstName,
				LastName:   c.LastName,
				CreatedAt:  c.CreatedAt,
			})
			if err != nil {
				return false, fmt.Errorf("failed to upsert customer %s: %w", c.ExternalID, err)
			}
			include := opts.ReimportAll || opts.FullImport || created
			if !include {
				needs, err := s.Users.NeedsImport(ctx, userID)
				if err != nil {
					return false, err
				}
				include = needs
			}
			if !include {
				continue
			}
			candidates = append(candidates, jobqueue.BulkJob{
				ID:   fmt.Sprintf("import-user-%d", userID),
				Name: JobName,
				Payload: JobPayload{
					UserID:     userID,
					ExternalID: c.ExternalID,
					Email:      c.Email,
				},
			})
			if opts.MaxCustomers > 0 && len(candidates) >= opts.MaxCustomers {
				return false, nil
			}
			if opts.TargetUnprocessed > 0 && len(candidates) >= opts.TargetUnprocessed {
				return false, nil
			}
		}
		state.Scanned = scanned
		s.saveState(ctx, *state)
		return true, nil
	})
	return candidates, scanned, err
}

// RetryFailedEnqueues drains the failed-enqueue ledger: each unresolved row
// is enqueued again; success and duplicate both resolve the row.
func (s *Service) RetryFailedEnqueues(ctx context.Context, limit int) (resolved, failed int, err error) {
	rows, err := s.Ledger.Unresolved(ctx, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list unresolved ledger rows: %w", err)
	}
	for _, row := range rows {
		_, enqErr := s.Queue.Enqueue(ctx, JobName, JobPayload{
			UserID:     row.UserID,
			ExternalID: row.ExternalID.String,
			Email:      row.Email.String,
		}, jobqueue.EnqueueOpts{ID: fmt.Sprintf("import-user-%d", row.UserID)})
		if enqErr == nil || errors.Is(enqErr, jobqueue.ErrDuplicateJob) {
			if markErr := s.Ledger.MarkResolved(ctx, row.UserID); markErr != nil {
				s.Log.Error("Failed to resolve ledger row",
					zap.Int64("user_id", row.UserID), zap.Error(markErr))
				continue
			}
			resolved++
			continue
		}
		failed++
		if bumpErr := s.Ledger.BumpRetry(ctx, row.UserID, enqErr.Error()); bumpErr != nil {
			s.Log.Error("Failed to bump ledger retry",
				zap.Int64("user_id", row.UserID), zap.Error(bumpErr))
		}
	}
	return resolved, failed, nil
}
