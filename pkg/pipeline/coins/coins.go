// Package coins recalculates per-user coin balances asynchronously. Each
// coin type has a manager; a job either targets one type or fans out to all
// registered managers.
package coins

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sipsociety/backbone/pkg/broadcast"
	"github.com/sipsociety/backbone/pkg/cache"
	"github.com/sipsociety/backbone/pkg/jobqueue"
	"github.com/sipsociety/backbone/pkg/telemetry"
	"github.com/sipsociety/backbone/pkg/userstore"
	"github.com/sipsociety/backbone/pkg/worker"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// QueueName of the coin recalculation queue.
const QueueName = "coin-recalculation"

// JobName of recalculation jobs.
const JobName = "recalculate-coins"

// QueueConfig returns the coin queue configuration.
func QueueConfig() jobqueue.Config {
	return jobqueue.Config{
		Name:        QueueName,
		Concurrency: 3,
		RateLimit:   jobqueue.RateLimit{Max: 5, Per: time.Second},
	}
}

// CoinTypeAll fans a job out to every registered manager.
const CoinTypeAll = "all"

// Canonical coin types. engagement_coin is the legacy spelling of
// engagement_collection and is normalized on admission.
const (
	TypeEngagement       = "engagement_collection"
	legacyTypeEngagement = "engagement_coin"
	TypePurchase         = "purchase"
)

// JobPayload is the body of one recalculation job.
type JobPayload struct {
	UserID       int64  `json:"user_id"`
	CoinType     string `json:"coin_type"`
	Reason       string `json:"reason"`
	EventContext string `json:"event_context,omitempty"`
}

// Manager recalculates one coin type for a user.
type Manager interface {
	CoinType() string
	Recalculate(ctx context.Context, userID int64, reason, eventContext string) error
}

// Service is the coin recalculation pipeline.
type Service struct {
	Log       *zap.Logger
	Queue     *jobqueue.Queue
	Cache     *cache.Service
	Publisher *broadcast.Publisher

	managers map[string]Manager
}

// NewService registers the given managers. Duplicate coin types panic: that
// is a wiring bug, not a runtime condition.
func NewService(log *zap.Logger, queue *jobqueue.Queue, cacheSvc *cache.Service, pub *broadcast.Publisher, managers ...Manager) *Service {
	s := &Service{
		Log:       log,
		Queue:     queue,
		Cache:     cacheSvc,
		Publisher: pub,
		managers:  make(map[string]Manager),
	}
	for _, m := range managers {
		if _, ok := s.managers[m.CoinType()]; ok {
			panic(fmt.Sprintf("coins: duplicate manager for type %q", m.CoinType()))
		}
		s.managers[m.CoinType()] = m
	}
	return s
}

// NormalizeType maps legacy coin type spellings to their canonical names.
func NormalizeType(coinType string) string {
	if coinType == legacyTypeEngagement {
		return TypeEngagement
	}
	return coinType
}

// Types lists the registered coin types, sorted.
func (s *Service) Types() []string {
	types := make([]string, 0, len(s.managers))
	for t := range s.managers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Request enqueues a recalculation. Dedupe is per (user, type), so a burst
// of triggers for the same balance collapses into one job.
func (s *Service) Request(ctx context.Context, userID int64, coinType, reason, eventContext string) error {
	coinType = NormalizeType(coinType)
	if coinType != CoinTypeAll {
		if _, ok := s.managers[coinType]; !ok {
			return fmt.Errorf("unknown coin type %q", coinType)
		}
	}
	_, err := s.Queue.Enqueue(ctx, JobName, JobPayload{
		UserID:       userID,
		CoinType:     coinType,
		Reason:       reason,
		EventContext: eventContext,
	}, jobqueue.EnqueueOpts{ID: fmt.Sprintf("coin-%d-%s", userID, coinType)})
	if errors.Is(err, jobqueue.ErrDuplicateJob) {
		return nil
	}
	return err
}

// Handle processes one recalculation job, then refreshes every cache the
// balance feeds and announces the update.
func (s *Service) Handle(ctx context.Context, job *jobqueue.Job) error {
	var payload JobPayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return worker.Terminal(fmt.Errorf("malformed coin payload: %w", err))
	}
	coinType := NormalizeType(payload.CoinType)
	var err error
	if coinType == CoinTypeAll {
		for _, t := range s.Types() {
			err = multierr.Append(err, s.managers[t].Recalculate(ctx,
				payload.UserID, payload.Reason, payload.EventContext))
		}
	} else {
		m, ok := s.managers[coinType]
		if !ok {
			return worker.Terminal(fmt.Errorf("unknown coin type %q", coinType))
		}
		err = m.Recalculate(ctx, payload.UserID, payload.Reason, payload.EventContext)
	}
	if err != nil {
		return err
	}
	key := cache.UserKey(payload.UserID)
	s.Cache.Invalidate(ctx, cache.NSProgress, key)
	s.Cache.Invalidate(ctx, cache.NSCoinbook, key)
	s.Cache.Invalidate(ctx, cache.NSLeaderboardPos, key)
	s.Cache.Invalidate(ctx, cache.NSLeaderboard, "")
	s.Publisher.Publish(ctx, broadcast.ChannelAchievementUpdate, map[string]interface{}{
		"user_id":   payload.UserID,
		"coin_type": coinType,
		"reason":    payload.Reason,
		"at":        time.Now().Unix(),
	})
	return nil
}

// RunEvents consumes coin worker events for telemetry.
func (s *Service) RunEvents(ctx context.Context, w *worker.Worker) {
	for ev := range w.Events() {
		telemetry.Record(ev)
		if ev.Type == worker.EventError {
			s.Log.Error("Coin worker error", zap.Error(ev.Err))
		}
	}
}

// Balance is one recomputed coin balance, kept in the coinbook cache.
type Balance struct {
	UserID       int64  `json:"user_id"`
	CoinType     string `json:"coin_type"`
	Amount       int64  `json:"amount"`
	Reason       string `json:"reason,omitempty"`
	CalculatedAt int64  `json:"calculated_at"`
}

// StatsManager derives a coin balance from order aggregates and publishes
// it to the coinbook cache namespace.
type StatsManager struct {
	Type  string
	Users *userstore.Store
	Cache *cache.Service
	// Score maps order aggregates to a coin amount.
	Score func(stats userstore.Stats) int64
}

func (m *StatsManager) CoinType() string { return m.Type }

func (m *StatsManager) Recalculate(ctx context.Context, userID int64, reason, eventContext string) error {
	stats, err := m.Users.UserStats(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to aggregate stats for user %d: %w", userID, err)
	}
	balance := Balance{
		UserID:       userID,
		CoinType:     m.Type,
		Amount:       m.Score(stats),
		Reason:       reason,
		CalculatedAt: time.Now().Unix(),
	}
	m.Cache.Namespace(cache.NSCoinbook).Set(ctx,
		fmt.Sprintf("%d:%s", userID, m.Type), balance)
	return nil
}

// DefaultManagers wires the built-in purchase and engagement managers.
func DefaultManagers(users *userstore.Store, cacheSvc *cache.Service) []Manager {
	return []Manager{
		&StatsManager{
			Type:  TypePurchase,
			Users: users,
			Cache: cacheSvc,
			Score: func(stats userstore.Stats) int64 {
				// One coin per whole currency unit spent.
				return stats.TotalCents / 100
			},
		},
		&StatsManager{
			Type:  TypeEngagement,
			Users: users,
			Cache: cacheSvc,
			Score: func(stats userstore.Stats) int64 {
				return stats.OrderCount*10 + stats.DistinctProducts*5
			},
		},
	}
}
