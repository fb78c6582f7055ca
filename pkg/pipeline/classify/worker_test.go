package classify

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sipsociety/backbone/pkg/brokertest"
	"github.com/sipsociety/backbone/pkg/cache"
	"github.com/sipsociety/backbone/pkg/userstore"
)

func TestRefreshCachesDropsDerivedEntries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	tb := brokertest.New(ctx, t)
	log := zaptest.NewLogger(t)
	cacheSvc := cache.NewService(log, tb.Client)
	s := &Service{Log: log, Broker: tb.Client, Cache: cacheSvc}

	key := cache.UserKey(9)
	cacheSvc.Namespace(cache.NSProgress).Set(ctx, key, map[string]int{"pct": 10})
	cacheSvc.Namespace(cache.NSClassification).Set(ctx, key, map[string]string{"journey_stage": "stale"})
	for _, pageContext := range PageContexts {
		cacheSvc.Namespace(cache.NSGuidance).Set(ctx, cache.GuidanceKey(9, pageContext), "stale")
	}

	s.refreshCaches(ctx, 9, userstore.Classification{UserID: 9, JourneyStage: StageDevoted})

	var progress map[string]int
	assert.False(t, cacheSvc.Namespace(cache.NSProgress).Get(ctx, key, &progress))
	for _, pageContext := range PageContexts {
		var stale string
		assert.False(t,
			cacheSvc.Namespace(cache.NSGuidance).Get(ctx, cache.GuidanceKey(9, pageContext), &stale),
			"guidance for %s should be gone", pageContext)
	}
	var got userstore.Classification
	require.True(t, cacheSvc.Namespace(cache.NSClassification).Get(ctx, key, &got))
	assert.Equal(t, StageDevoted, got.JourneyStage)
}

func validTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}

func TestJourneyStage(t *testing.T) {
	now := time.Now()
	for _, tc := range []struct {
		name  string
		stats userstore.Stats
		want  string
	}{
		{"no orders", userstore.Stats{}, StageNewcomer},
		{"two orders", userstore.Stats{
			OrderCount:  2,
			LastOrderAt: validTime(now.Add(-24 * time.Hour)),
		}, StageExploring},
		{"five orders", userstore.Stats{
			OrderCount:  5,
			LastOrderAt: validTime(now.Add(-24 * time.Hour)),
		}, StageEstablished},
		{"fifteen orders", userstore.Stats{
			OrderCount:  15,
			LastOrderAt: validTime(now.Add(-24 * time.Hour)),
		}, StageDevoted},
		{"long silence wins over volume", userstore.Stats{
			OrderCount:  15,
			LastOrderAt: validTime(now.Add(-200 * 24 * time.Hour)),
		}, StageDormant},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, journeyStage(tc.stats))
		})
	}
}

func TestEngagementLevel(t *testing.T) {
	now := time.Now()
	assert.Equal(t, EngagementLow, engagementLevel(userstore.Stats{}))
	assert.Equal(t, EngagementHigh, engagementLevel(userstore.Stats{
		OrderCount:   6,
		FirstOrderAt: validTime(now.Add(-60 * 24 * time.Hour)),
	}))
	assert.Equal(t, EngagementMedium, engagementLevel(userstore.Stats{
		OrderCount:   2,
		FirstOrderAt: validTime(now.Add(-90 * 24 * time.Hour)),
	}))
	assert.Equal(t, EngagementLow, engagementLevel(userstore.Stats{
		OrderCount:   1,
		FirstOrderAt: validTime(now.Add(-365 * 24 * time.Hour)),
	}))
}

func TestExplorationBreadth(t *testing.T) {
	assert.Equal(t, BreadthNarrow, explorationBreadth(userstore.Stats{DistinctProducts: 3}))
	assert.Equal(t, BreadthBalanced, explorationBreadth(userstore.Stats{DistinctProducts: 4}))
	assert.Equal(t, BreadthWide, explorationBreadth(userstore.Stats{DistinctProducts: 12}))
}

func TestTemplateRendererHighlights(t *testing.T) {
	ctx := context.TODO()
	c := userstore.Classification{
		JourneyStage:           StageEstablished,
		EngagementLevel:        EngagementMedium,
		ExplorationBreadth:     BreadthBalanced,
		FlavorProfileCommunity: "rotators",
	}
	user := &userstore.User{ID: 1}
	for pageContext, highlight := range map[string]string{
		"rank":      StageEstablished,
		"products":  BreadthBalanced,
		"community": "rotators",
		"coinbook":  EngagementMedium,
		"general":   StageEstablished,
	} {
		data, err := TemplateRenderer{}.Render(ctx, user, c, pageContext)
		require.NoError(t, err)
		doc, ok := data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, highlight, doc["highlight"], pageContext)
		assert.Equal(t, pageContext, doc["page_context"])
	}
}
