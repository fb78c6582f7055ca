// Package broadcast publishes compact progress and notification events over
// the broker's pub/sub. Delivery is best-effort: a failed publish is logged
// and dropped, never surfaced to the pipeline that emitted it.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sipsociety/backbone/pkg/broker"
	"go.uber.org/zap"
)

// Well-known channels.
const (
	ChannelImportProgress    = "broadcast:import-progress"
	ChannelImportGap         = "broadcast:import-gap"
	ChannelAchievementUpdate = "broadcast:achievement-update"
	ChannelJobEvents         = "broadcast:job-events"
)

// DefaultThrottle bounds gap-snapshot publishing; configurable via options.
const DefaultThrottle = 10 * time.Second

// Publisher emits JSON events on broker pub/sub channels.
type Publisher struct {
	Log    *zap.Logger
	Broker *broker.Client

	mu   sync.Mutex
	last map[string]time.Time
}

// NewPublisher creates a publisher over the shared broker client.
func NewPublisher(log *zap.Logger, b *broker.Client) *Publisher {
	return &Publisher{
		Log:    log,
		Broker: b,
		last:   make(map[string]time.Time),
	}
}

// Publish emits one event. Best-effort.
func (p *Publisher) Publish(ctx context.Context, channel string, event interface{}) {
	rd := p.Broker.Redis()
	if rd == nil {
		return
	}
	raw, err := json.Marshal(event)
	if err != nil {
		p.Log.Warn("Broadcast event not serializable", zap.String("channel", channel), zap.Error(err))
		return
	}
	if err := rd.Publish(ctx, channel, raw).Err(); err != nil {
		p.Log.Warn("Broadcast publish failed", zap.String("channel", channel), zap.Error(err))
	}
}

// ShouldPublish reports whether the channel's throttle window has elapsed
// and, if so, opens a new window. Callers use it to skip building expensive
// snapshots that would be dropped anyway.
func (p *Publisher) ShouldPublish(channel string, minInterval time.Duration) bool {
	if minInterval <= 0 {
		minInterval = DefaultThrottle
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if last, ok := p.last[channel]; ok && now.Sub(last) < minInterval {
		return false
	}
	p.last[channel] = now
	return true
}

// PublishThrottled emits at most one event per channel per minInterval;
// surplus events are dropped.
func (p *Publisher) PublishThrottled(ctx context.Context, channel string, minInterval time.Duration, event interface{}) bool {
	if !p.ShouldPublish(channel, minInterval) {
		return false
	}
	p.Publish(ctx, channel, event)
	return true
}
