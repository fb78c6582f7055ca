// Package cache implements the namespaced, TTL-bounded distributed cache.
//
// Each namespace has a default TTL and its own invalidation surface (one key
// or the whole namespace). Reads and writes go to the broker first; while
// the broker is away a per-namespace in-memory LRU serves as a shadow store.
// The shadow is authoritative only during the outage and is never copied
// back into the broker.
//
// Every operation is best-effort. Callers must tolerate misses and must not
// fail a user request because the cache failed.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sipsociety/backbone/pkg/broker"
	"go.uber.org/zap"
)

// Well-known namespaces and their default TTLs.
const (
	NSHomeStats       = "home-stats"
	NSLeaderboard     = "leaderboard"
	NSLeaderboardPos  = "leaderboard-position"
	NSAchievementDefs = "achievement-definitions"
	NSProducts        = "products"
	NSProductMeta     = "product-metadata"
	NSRankingStats    = "ranking-stats"
	NSClassification  = "user-classification"
	NSProgress        = "progress"
	NSGuidance        = "guidance"
	NSCoinbook        = "coinbook"
)

// DefaultTTLs maps namespaces to their default entry lifetime.
var DefaultTTLs = map[string]time.Duration{
	NSHomeStats:       5 * time.Minute,
	NSLeaderboard:     5 * time.Minute,
	NSLeaderboardPos:  5 * time.Minute,
	NSAchievementDefs: time.Hour,
	NSProducts:        30 * time.Minute,
	NSProductMeta:     30 * time.Minute,
	NSRankingStats:    30 * time.Minute,
	NSClassification:  time.Hour,
	NSProgress:        15 * time.Minute,
	NSGuidance:        time.Hour,
	NSCoinbook:        30 * time.Minute,
}

const shadowSize = 4096

// Service vends namespace handles over a shared broker client.
type Service struct {
	Log    *zap.Logger
	Broker *broker.Client

	mu     sync.Mutex
	spaces map[string]*Namespace
}

// NewService creates the cache service.
func NewService(log *zap.Logger, b *broker.Client) *Service {
	return &Service{
		Log:    log,
		Broker: b,
		spaces: make(map[string]*Namespace),
	}
}

// Namespace returns the handle for a namespace, creating it on first use.
// Unknown namespaces get a 5 minute default TTL.
func (s *Service) Namespace(name string) *Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns, ok := s.spaces[name]; ok {
		return ns
	}
	ttl, ok := DefaultTTLs[name]
	if !ok {
		ttl = 5 * time.Minute
	}
	shadow, err := newMemCache(shadowSize)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic("cache: " + err.Error())
	}
	ns := &Namespace{
		log:    s.Log.With(zap.String("cache.namespace", name)),
		broker: s.Broker,
		name:   name,
		ttl:    ttl,
		shadow: shadow,
	}
	s.spaces[name] = ns
	return ns
}

// Invalidate drops one key, or the whole namespace when key is empty.
// Pipelines call this immediately before writing new authoritative state.
func (s *Service) Invalidate(ctx context.Context, namespace, key string) {
	ns := s.Namespace(namespace)
	if key == "" {
		ns.Clear(ctx)
		return
	}
	ns.Delete(ctx, key)
}

// Namespace is a named partition of the cache.
type Namespace struct {
	log    *zap.Logger
	broker *broker.Client
	name   string
	ttl    time.Duration
	shadow *memCache
}

// TTL returns the namespace default TTL.
func (n *Namespace) TTL() time.Duration { return n.ttl }

func (n *Namespace) redisKey(key string) string {
	return n.name + ":" + key
}

// Get reads a key into dest. Returns false on a miss; never fails the
// caller over broker trouble. While the broker is away, reads degrade to
// the in-process shadow.
func (n *Namespace) Get(ctx context.Context, key string, dest interface{}) bool {
	if rd := n.broker.Redis(); rd != nil {
		ok, err := n.broker.GetJSON(ctx, n.redisKey(key), dest)
		if err == nil {
			return ok
		}
		n.log.Warn("Cache read failed", zap.String("cache.key", key), zap.Error(err))
	}
	raw, ok := n.shadow.Get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		n.shadow.Remove(key)
		return false
	}
	return true
}

// Set writes a key with the namespace default TTL.
func (n *Namespace) Set(ctx context.Context, key string, value interface{}) {
	n.SetTTL(ctx, key, value, n.ttl)
}

// SetTTL writes a key with an explicit TTL. The shadow always takes the
// write; shadow entries never flow back into the broker.
func (n *Namespace) SetTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		n.log.Warn("Cache value not serializable", zap.String("cache.key", key), zap.Error(err))
		return
	}
	n.shadow.Set(key, raw, ttl)
	rd := n.broker.Redis()
	if rd == nil {
		return
	}
	if err := rd.Set(ctx, n.redisKey(key), raw, ttl).Err(); err != nil {
		n.log.Warn("Cache write failed", zap.String("cache.key", key), zap.Error(err))
	}
}

// Delete drops one key from the broker and the shadow.
func (n *Namespace) Delete(ctx context.Context, key string) {
	n.shadow.Remove(key)
	if err := n.broker.Del(ctx, n.redisKey(key)); err != nil {
		n.log.Warn("Cache delete failed", zap.String("cache.key", key), zap.Error(err))
	}
}

// Clear drops every key in the namespace.
func (n *Namespace) Clear(ctx context.Context) {
	n.shadow.Purge()
	deleted, err := n.broker.FlushPrefix(ctx, n.name+":")
	if err != nil {
		n.log.Warn("Cache clear failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		n.log.Debug("Cleared cache namespace", zap.Int64("cache.deleted", deleted))
	}
}

// Key builders shared by pipelines and the request layer.

// UserKey builds the per-user cache key.
func UserKey(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// GuidanceKey builds the per-user-per-context guidance key.
func GuidanceKey(userID int64, pageContext string) string {
	return fmt.Sprintf("user:%d:%s", userID, pageContext)
}
