package classify

import (
	"context"
	"fmt"
	"time"

	"github.com/sipsociety/backbone/pkg/cache"
	"github.com/sipsociety/backbone/pkg/jobqueue"
	"github.com/sipsociety/backbone/pkg/telemetry"
	"github.com/sipsociety/backbone/pkg/userstore"
	"github.com/sipsociety/backbone/pkg/worker"
	"go.uber.org/zap"
)

// Handle processes one classification job: derive the classification from
// the user's order aggregates, persist it, refresh every dependent cache and
// pre-render guidance for all page contexts.
func (s *Service) Handle(ctx context.Context, job *jobqueue.Job) error {
	var payload JobPayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return worker.Terminal(fmt.Errorf("malformed classification payload: %w", err))
	}
	user, err := s.Users.GetUser(ctx, payload.UserID)
	if err != nil {
		return fmt.Errorf("failed to load user %d: %w", payload.UserID, err)
	}
	if user == nil {
		return worker.Terminal(fmt.Errorf("user %d does not exist", payload.UserID))
	}
	stats, err := s.Users.UserStats(ctx, payload.UserID)
	if err != nil {
		return fmt.Errorf("failed to aggregate stats for user %d: %w", payload.UserID, err)
	}
	classification, err := s.Classifier.Classify(ctx, user, stats)
	if err != nil {
		return fmt.Errorf("classifier failed for user %d: %w", payload.UserID, err)
	}
	classification.UserID = payload.UserID
	if err := s.Users.UpsertClassification(ctx, classification); err != nil {
		return fmt.Errorf("failed to persist classification: %w", err)
	}
	s.refreshCaches(ctx, payload.UserID, classification)
	if err := s.renderGuidance(ctx, user, classification); err != nil {
		return err
	}
	// The marker keeps later requests on the debounced path for an hour.
	if rd := s.Broker.Redis(); rd != nil {
		if err := rd.Set(ctx, lastCalcKey(payload.UserID), time.Now().Unix(), lastCalcTTL).Err(); err != nil {
			s.Log.Warn("Failed to set last_calc marker",
				zap.Int64("user_id", payload.UserID), zap.Error(err))
		}
	}
	s.Log.Info("Classified user",
		zap.Int64("user_id", payload.UserID),
		zap.String("source", string(payload.Source)),
		zap.String("journey_stage", classification.JourneyStage),
		zap.String("engagement_level", classification.EngagementLevel))
	return nil
}

// refreshCaches drops every derived entry of the user before the fresh
// classification is written; guidance entries are re-filled by renderGuidance.
func (s *Service) refreshCaches(ctx context.Context, userID int64, c userstore.Classification) {
	key := cache.UserKey(userID)
	s.Cache.Invalidate(ctx, cache.NSProgress, key)
	s.Cache.Invalidate(ctx, cache.NSClassification, key)
	for _, pageContext := range PageContexts {
		s.Cache.Invalidate(ctx, cache.NSGuidance, cache.GuidanceKey(userID, pageContext))
	}
	s.Cache.Namespace(cache.NSClassification).Set(ctx, key, c)
}

func (s *Service) renderGuidance(ctx context.Context, user *userstore.User, c userstore.Classification) error {
	now := time.Now()
	guidanceNS := s.Cache.Namespace(cache.NSGuidance)
	for _, pageContext := range PageContexts {
		data, err := s.Renderer.Render(ctx, user, c, pageContext)
		if err != nil {
			return fmt.Errorf("failed to render %s guidance for user %d: %w",
				pageContext, user.ID, err)
		}
		if err := s.Users.UpsertGuidance(ctx, userstore.Guidance{
			UserID:       user.ID,
			PageContext:  pageContext,
			Data:         data,
			CalculatedAt: now,
		}); err != nil {
			return fmt.Errorf("failed to persist %s guidance for user %d: %w",
				pageContext, user.ID, err)
		}
		guidanceNS.Set(ctx, cache.GuidanceKey(user.ID, pageContext), data)
	}
	return nil
}

// RunEvents consumes classification worker events for telemetry.
func (s *Service) RunEvents(ctx context.Context, w *worker.Worker) {
	for ev := range w.Events() {
		telemetry.Record(ev)
		if ev.Type == worker.EventError {
			s.Log.Error("Classification worker error", zap.Error(ev.Err))
		}
	}
}

// Journey stage, engagement and breadth tiers assigned by the default
// classifier.
const (
	StageNewcomer    = "newcomer"
	StageExploring   = "exploring"
	StageEstablished = "established"
	StageDevoted     = "devoted"
	StageDormant     = "dormant"

	EngagementLow    = "low"
	EngagementMedium = "medium"
	EngagementHigh   = "high"

	BreadthNarrow   = "narrow"
	BreadthBalanced = "balanced"
	BreadthWide     = "wide"
)

// StatsClassifier is the default rule-based classifier over order
// aggregates.
type StatsClassifier struct{}

func (StatsClassifier) Classify(ctx context.Context, user *userstore.User, stats userstore.Stats) (userstore.Classification, error) {
	c := userstore.Classification{
		JourneyStage:           journeyStage(stats),
		EngagementLevel:        engagementLevel(stats),
		ExplorationBreadth:     explorationBreadth(stats),
		FlavorProfileCommunity: flavorCommunity(stats),
	}
	return c, nil
}

func journeyStage(stats userstore.Stats) string {
	if stats.LastOrderAt.Valid && time.Since(stats.LastOrderAt.Time) > 180*24*time.Hour {
		return StageDormant
	}
	switch {
	case stats.OrderCount == 0:
		return StageNewcomer
	case stats.OrderCount < 3:
		return StageExploring
	case stats.OrderCount < 10:
		return StageEstablished
	default:
		return StageDevoted
	}
}

func engagementLevel(stats userstore.Stats) string {
	if !stats.FirstOrderAt.Valid {
		return EngagementLow
	}
	months := time.Since(stats.FirstOrderAt.Time).Hours() / (30 * 24)
	if months < 1 {
		months = 1
	}
	perMonth := float64(stats.OrderCount) / months
	switch {
	case perMonth >= 2:
		return EngagementHigh
	case perMonth >= 0.5:
		return EngagementMedium
	default:
		return EngagementLow
	}
}

func explorationBreadth(stats userstore.Stats) string {
	switch {
	case stats.DistinctProducts >= 12:
		return BreadthWide
	case stats.DistinctProducts >= 4:
		return BreadthBalanced
	default:
		return BreadthNarrow
	}
}

func flavorCommunity(stats userstore.Stats) string {
	// Until taste preferences are tracked, breadth is the best proxy for
	// which community a user belongs to.
	switch explorationBreadth(stats) {
	case BreadthWide:
		return "adventurers"
	case BreadthBalanced:
		return "rotators"
	default:
		return "loyalists"
	}
}

// TemplateRenderer is the default guidance renderer. It emits a compact
// per-context document the frontends template into copy.
type TemplateRenderer struct{}

func (TemplateRenderer) Render(ctx context.Context, user *userstore.User, c userstore.Classification, pageContext string) (interface{}, error) {
	doc := map[string]interface{}{
		"page_context":     pageContext,
		"journey_stage":    c.JourneyStage,
		"engagement_level": c.EngagementLevel,
		"breadth":          c.ExplorationBreadth,
		"community":        c.FlavorProfileCommunity,
		"rendered_at":      time.Now().Unix(),
	}
	switch pageContext {
	case "rank":
		doc["highlight"] = c.JourneyStage
	case "products":
		doc["highlight"] = c.ExplorationBreadth
	case "community":
		doc["highlight"] = c.FlavorProfileCommunity
	case "coinbook":
		doc["highlight"] = c.EngagementLevel
	default:
		doc["highlight"] = c.JourneyStage
	}
	return doc, nil
}
