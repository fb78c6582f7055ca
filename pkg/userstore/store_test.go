package userstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipsociety/backbone/pkg/dbtest"
)

func testStore(ctx context.Context, t *testing.T) *Store {
	db := dbtest.Open(ctx, t)
	dbtest.DropTables(ctx, db, "users", "user_classifications", "user_guidance_cache", "orders")
	s := &Store{DB: db}
	require.NoError(t, s.CreateTables(ctx))
	return s
}

func TestUpsertCustomerMatching(t *testing.T) {
	ctx := context.TODO()
	s := testStore(ctx, t)

	id, created, err := s.UpsertCustomer(ctx, CatalogCustomer{
		ExternalID: "ext-1",
		Email:      "amy@example.com",
		FirstName:  "Amy",
		LastName:   "Li",
		CreatedAt:  time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, created)

	// Same external ID: matched, mutable fields refreshed.
	id2, created, err := s.UpsertCustomer(ctx, CatalogCustomer{
		ExternalID: "ext-1",
		Email:      "amy+new@example.com",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, id2)
	u, err := s.GetUser(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "amy+new@example.com", u.Email)

	// Pre-existing user without an external ID: matched by email, linked.
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (email) VALUES ('bob@example.com');`)
	require.NoError(t, err)
	bobID, err := res.LastInsertId()
	require.NoError(t, err)
	id3, created, err := s.UpsertCustomer(ctx, CatalogCustomer{
		ExternalID: "ext-2",
		Email:      "bob@example.com",
		CreatedAt:  time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, bobID, id3)
	u, err = s.GetUser(ctx, bobID)
	require.NoError(t, err)
	assert.Equal(t, "ext-2", u.ExternalID.String)
}

func TestImportStatusLifecycle(t *testing.T) {
	ctx := context.TODO()
	s := testStore(ctx, t)
	id, _, err := s.UpsertCustomer(ctx, CatalogCustomer{ExternalID: "ext-1", Email: "a@example.com"})
	require.NoError(t, err)

	needs, err := s.NeedsImport(ctx, id)
	require.NoError(t, err)
	assert.True(t, needs)

	require.NoError(t, s.SetImportStatus(ctx, id, ImportInProgress))
	require.NoError(t, s.MarkHistoryImported(ctx, id, time.Now()))

	needs, err = s.NeedsImport(ctx, id)
	require.NoError(t, err)
	assert.False(t, needs)
	u, err := s.GetUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ImportCompleted, u.ImportStatus)
	assert.True(t, u.FullHistoryImported)
	assert.True(t, u.HistoryImportedAt.Valid)

	// Unknown users have nothing to import.
	needs, err = s.NeedsImport(ctx, 99999)
	require.NoError(t, err)
	assert.False(t, needs)
}

func TestImportGap(t *testing.T) {
	ctx := context.TODO()
	s := testStore(ctx, t)
	for i, status := range []string{ImportPending, ImportPending, ImportCompleted, ImportFailed} {
		id, _, err := s.UpsertCustomer(ctx, CatalogCustomer{
			ExternalID: "ext-" + string(rune('a'+i)),
			Email:      string(rune('a'+i)) + "@example.com",
		})
		require.NoError(t, err)
		require.NoError(t, s.SetImportStatus(ctx, id, status))
	}

	gap, err := s.ImportGap(ctx)
	require.NoError(t, err)
	assert.Equal(t, GapCounts{Pending: 2, Completed: 1, Failed: 1}, gap)
}

func TestOrdersAndStats(t *testing.T) {
	ctx := context.TODO()
	s := testStore(ctx, t)
	id, _, err := s.UpsertCustomer(ctx, CatalogCustomer{ExternalID: "ext-1", Email: "a@example.com"})
	require.NoError(t, err)

	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.InsertOrders(ctx, []Order{
		{UserID: id, ExternalID: "o1", TotalCents: 1500, DistinctProducts: 2, PlacedAt: now.Add(-48 * time.Hour)},
		{UserID: id, ExternalID: "o2", TotalCents: 2500, DistinctProducts: 3, PlacedAt: now},
	}))
	// Replaying the same page is idempotent.
	require.NoError(t, s.InsertOrders(ctx, []Order{
		{UserID: id, ExternalID: "o2", TotalCents: 2500, DistinctProducts: 3, PlacedAt: now},
	}))

	stats, err := s.UserStats(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.OrderCount)
	assert.EqualValues(t, 4000, stats.TotalCents)
	assert.True(t, stats.FirstOrderAt.Valid)
	assert.True(t, stats.LastOrderAt.Valid)
}

func TestClassificationAndGuidance(t *testing.T) {
	ctx := context.TODO()
	s := testStore(ctx, t)
	id, _, err := s.UpsertCustomer(ctx, CatalogCustomer{ExternalID: "ext-1", Email: "a@example.com"})
	require.NoError(t, err)

	require.NoError(t, s.UpsertClassification(ctx, Classification{
		UserID:                 id,
		JourneyStage:           "exploring",
		EngagementLevel:        "medium",
		ExplorationBreadth:     "narrow",
		FlavorProfileCommunity: "loyalists",
	}))
	require.NoError(t, s.UpsertClassification(ctx, Classification{
		UserID:                 id,
		JourneyStage:           "established",
		EngagementLevel:        "high",
		ExplorationBreadth:     "balanced",
		FlavorProfileCommunity: "rotators",
	}))
	c, err := s.GetClassification(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "established", c.JourneyStage)

	for _, pageContext := range []string{"rank", "rank", "general"} {
		require.NoError(t, s.UpsertGuidance(ctx, Guidance{
			UserID:       id,
			PageContext:  pageContext,
			Data:         map[string]string{"highlight": "established"},
			CalculatedAt: time.Now(),
		}))
	}
	contexts, err := s.GuidanceContexts(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"rank", "general"}, contexts)
}

func TestActiveUserIDs(t *testing.T) {
	ctx := context.TODO()
	s := testStore(ctx, t)
	var ids []int64
	for _, email := range []string{"a@example.com", "b@example.com"} {
		id, _, err := s.UpsertCustomer(ctx, CatalogCustomer{ExternalID: email, Email: email})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE users SET active = 0 WHERE id = ?;`, ids[1])
	require.NoError(t, err)

	active, err := s.ActiveUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[0]}, active)
}
