package bulkimport

import (
	"context"
	"fmt"
	"time"

	"github.com/sipsociety/backbone/pkg/broadcast"
	"github.com/sipsociety/backbone/pkg/catalog"
	"github.com/sipsociety/backbone/pkg/jobqueue"
	"github.com/sipsociety/backbone/pkg/telemetry"
	"github.com/sipsociety/backbone/pkg/userstore"
	"github.com/sipsociety/backbone/pkg/worker"
	"go.uber.org/zap"
)

// Handle processes one import job: mark the user in progress, fetch the
// purchase history, flag the history as imported, and request a
// classification follow-up.
func (s *Service) Handle(ctx context.Context, job *jobqueue.Job) error {
	var payload JobPayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return worker.Terminal(fmt.Errorf("malformed import payload: %w", err))
	}
	if payload.UserID == 0 {
		return worker.Terminal(fmt.Errorf("import job %s has no user ID", job.ID))
	}
	if err := s.Users.SetImportStatus(ctx, payload.UserID, userstore.ImportInProgress); err != nil {
		return fmt.Errorf("failed to mark import in progress: %w", err)
	}
	if err := s.History.ImportHistory(ctx, payload.UserID, payload.ExternalID); err != nil {
		if stErr := s.Users.SetImportStatus(ctx, payload.UserID, userstore.ImportFailed); stErr != nil {
			s.Log.Error("Failed to mark import failed",
				zap.Int64("user_id", payload.UserID), zap.Error(stErr))
		}
		if catalog.IsTerminal(err) {
			return worker.Terminal(err)
		}
		return err
	}
	if err := s.Users.MarkHistoryImported(ctx, payload.UserID, time.Now()); err != nil {
		return fmt.Errorf("failed to mark history imported: %w", err)
	}
	if s.Classify != nil {
		if err := s.Classify.RequestFollowup(ctx, payload.UserID); err != nil {
			// The import itself succeeded; the next activity signal will
			// trigger classification anyway.
			s.Log.Warn("Failed to request classification follow-up",
				zap.Int64("user_id", payload.UserID), zap.Error(err))
		}
	}
	return nil
}

// RunEvents consumes worker events for telemetry and progress broadcasts.
// It returns when the worker's event channel closes.
func (s *Service) RunEvents(ctx context.Context, w *worker.Worker) {
	throttle := s.GapThrottle
	if throttle <= 0 {
		throttle = broadcast.DefaultThrottle
	}
	for ev := range w.Events() {
		telemetry.Record(ev)
		switch ev.Type {
		case worker.EventActive:
			s.publishProgress(ctx, ev)
		case worker.EventCompleted, worker.EventFailed:
			s.publishProgress(ctx, ev)
			if s.Publisher.ShouldPublish(broadcast.ChannelImportGap, throttle) {
				s.publishGap(ctx)
			}
		case worker.EventError:
			s.Log.Error("Import worker error", zap.Error(ev.Err))
		}
	}
}

func (s *Service) publishProgress(ctx context.Context, ev worker.Event) {
	counts, err := s.Queue.Stats(ctx)
	if err != nil {
		s.Log.Warn("Failed to read import queue stats", zap.Error(err))
		return
	}
	var userID int64
	if ev.Job != nil {
		var payload JobPayload
		if err := ev.Job.UnmarshalPayload(&payload); err == nil {
			userID = payload.UserID
		}
	}
	s.Publisher.Publish(ctx, broadcast.ChannelImportProgress, map[string]interface{}{
		"phase":     "processing",
		"event":     string(ev.Type),
		"user_id":   userID,
		"waiting":   counts.Waiting,
		"active":    counts.Active,
		"delayed":   counts.Delayed,
		"completed": counts.LifetimeCompleted,
		"failed":    counts.LifetimeFailed,
	})
}

// publishGap broadcasts how far the local store lags the catalog.
func (s *Service) publishGap(ctx context.Context) {
	gap, err := s.Users.ImportGap(ctx)
	if err != nil {
		s.Log.Warn("Failed to compute import gap", zap.Error(err))
		return
	}
	s.Publisher.Publish(ctx, broadcast.ChannelImportGap, map[string]interface{}{
		"pending":     gap.Pending,
		"in_progress": gap.InProgress,
		"completed":   gap.Completed,
		"failed":      gap.Failed,
		"at":          time.Now().Unix(),
	})
}

// CatalogHistory imports purchase history straight from the catalog API.
type CatalogHistory struct {
	Log     *zap.Logger
	Catalog *catalog.Client
	Users   *userstore.Store
}

// ImportHistory pages through the customer's orders and persists them.
// Already-known orders are skipped by the store's external-ID constraint.
func (h *CatalogHistory) ImportHistory(ctx context.Context, userID int64, externalID string) error {
	var imported int
	err := h.Catalog.CustomerOrders(ctx, externalID, func(page []catalog.Order) error {
		orders := make([]userstore.Order, 0, len(page))
		for _, o := range page {
			orders = append(orders, userstore.Order{
				UserID:           userID,
				ExternalID:       o.ExternalID,
				TotalCents:       o.TotalCents,
				DistinctProducts: o.LineItems,
				PlacedAt:         o.PlacedAt,
			})
		}
		if err := h.Users.InsertOrders(ctx, orders); err != nil {
			return err
		}
		imported += len(orders)
		return nil
	})
	if err != nil {
		return err
	}
	h.Log.Debug("Imported purchase history",
		zap.Int64("user_id", userID), zap.Int("orders", imported))
	return nil
}
