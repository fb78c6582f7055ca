package userstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Classification is the derived journey/engagement/community state of one
// user, recomputed by the classification pipeline.
type Classification struct {
	UserID                 int64     `db:"user_id"`
	JourneyStage           string    `db:"journey_stage"`
	EngagementLevel        string    `db:"engagement_level"`
	ExplorationBreadth     string    `db:"exploration_breadth"`
	FlavorProfileCommunity string    `db:"flavor_profile_community"`
	UpdatedAt              time.Time `db:"updated_at"`
}

// UpsertClassification writes a user's classification row.
func (s *Store) UpsertClassification(ctx context.Context, c Classification) error {
	// language=MariaDB
	const stmt = `
INSERT INTO user_classifications
	(user_id, journey_stage, engagement_level, exploration_breadth, flavor_profile_community)
VALUES (:user_id, :journey_stage, :engagement_level, :exploration_breadth, :flavor_profile_community)
ON DUPLICATE KEY UPDATE
	journey_stage = VALUES(journey_stage),
	engagement_level = VALUES(engagement_level),
	exploration_breadth = VALUES(exploration_breadth),
	flavor_profile_community = VALUES(flavor_profile_community);`
	_, err := s.DB.NamedExecContext(ctx, stmt, c)
	return err
}

// GetClassification reads a user's classification, or nil when absent.
func (s *Store) GetClassification(ctx context.Context, userID int64) (*Classification, error) {
	var c Classification
	err := s.DB.GetContext(ctx, &c,
		`SELECT * FROM user_classifications WHERE user_id = ?;`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &c, nil
}

// Guidance is one pre-rendered guidance row for a (user, page context).
type Guidance struct {
	UserID       int64
	PageContext  string
	Data         interface{}
	CalculatedAt time.Time
}

// UpsertGuidance writes a guidance cache row, unique per (user, context).
func (s *Store) UpsertGuidance(ctx context.Context, g Guidance) error {
	raw, err := json.Marshal(g.Data)
	if err != nil {
		return fmt.Errorf("failed to encode guidance data: %w", err)
	}
	// language=MariaDB
	const stmt = `
INSERT INTO user_guidance_cache (user_id, page_context, guidance_data, calculated_at)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
	guidance_data = VALUES(guidance_data),
	calculated_at = VALUES(calculated_at);`
	_, err = s.DB.ExecContext(ctx, stmt, g.UserID, g.PageContext, raw, g.CalculatedAt)
	return err
}

// GuidanceContexts lists the page contexts with a guidance row for a user.
func (s *Store) GuidanceContexts(ctx context.Context, userID int64) ([]string, error) {
	var contexts []string
	err := s.DB.SelectContext(ctx, &contexts,
		`SELECT page_context FROM user_guidance_cache WHERE user_id = ? ORDER BY page_context;`,
		userID)
	return contexts, err
}

// Order is one imported purchase.
type Order struct {
	UserID           int64     `db:"user_id"`
	ExternalID       string    `db:"external_id"`
	TotalCents       int64     `db:"total_cents"`
	DistinctProducts int       `db:"distinct_products"`
	PlacedAt         time.Time `db:"placed_at"`
}

// InsertOrders writes a batch of imported orders, ignoring ones already
// seen. The history import re-runs over the same data on retry.
func (s *Store) InsertOrders(ctx context.Context, orders []Order) error {
	if len(orders) == 0 {
		return nil
	}
	// language=MariaDB
	const stmt = `
INSERT IGNORE INTO orders (user_id, external_id, total_cents, distinct_products, placed_at)
VALUES (:user_id, :external_id, :total_cents, :distinct_products, :placed_at);`
	_, err := s.DB.NamedExecContext(ctx, stmt, orders)
	return err
}

// Stats are the aggregates classification derives from.
type Stats struct {
	OrderCount       int64        `db:"order_count"`
	DistinctProducts int64        `db:"distinct_products"`
	TotalCents       int64        `db:"total_cents"`
	FirstOrderAt     sql.NullTime `db:"first_order_at"`
	LastOrderAt      sql.NullTime `db:"last_order_at"`
}

// UserStats aggregates a user's order history.
func (s *Store) UserStats(ctx context.Context, userID int64) (Stats, error) {
	var st Stats
	// language=MariaDB
	const stmt = `
SELECT COUNT(*) AS order_count,
	COALESCE(SUM(distinct_products), 0) AS distinct_products,
	COALESCE(SUM(total_cents), 0) AS total_cents,
	MIN(placed_at) AS first_order_at,
	MAX(placed_at) AS last_order_at
FROM orders WHERE user_id = ?;`
	err := s.DB.GetContext(ctx, &st, stmt, userID)
	return st, err
}
