// Package ratelimit implements per-key sliding-window rate limiting over the
// broker, with a best-effort in-process fallback.
//
// Algorithm: https://blog.cloudflare.com/counting-things-a-lot-of-different-things/
//
// Two fixed windows are kept per key; the usage estimate weights the
// previous window by its remaining overlap with the sliding window. The
// broker-side variant enforces the limit across instances. When the broker
// is unavailable the limiter degrades to per-process counters with the same
// key space; callers must treat an allow under fallback as advisory.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sipsociety/backbone/pkg/broker"
)

// Result is the outcome of one admission check.
type Result struct {
	Allowed bool
	// ResetAt is the start of the next window, when counters roll over.
	ResetAt time.Time
	// Fallback is set when the decision came from process-local counters.
	Fallback bool
}

// Limiter checks sliding-window counters per key.
type Limiter struct {
	Broker *broker.Client
	// Prefix namespaces limiter keys in the broker (default "ratelimit").
	Prefix string

	mu    sync.Mutex
	local map[string]*window
	// script counts the current window and reads the previous one.
	script *redis.Script
}

// Script: Increment the current window bucket and fetch the previous one.
// Keys:
// 1. Current window bucket
// 2. Previous window bucket
// Arguments:
// 1. Window length in milliseconds (bucket expiry is twice that)
// Returns: {current count, previous count}
const checkScript = `
local cur = redis.call("INCR", KEYS[1])
if cur == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1] * 2)
end
local prev = tonumber(redis.call("GET", KEYS[2]) or "0")
return {cur, prev}
`

// NewLimiter creates a limiter over the shared broker client.
func NewLimiter(b *broker.Client) *Limiter {
	return &Limiter{
		Broker: b,
		Prefix: "ratelimit",
		local:  make(map[string]*window),
		script: redis.NewScript(checkScript),
	}
}

// Check registers one event against key and reports whether it fits within
// max events per window.
func (l *Limiter) Check(ctx context.Context, key string, max int64, windowDur time.Duration) (Result, error) {
	now := time.Now()
	epoch := now.UnixNano() / int64(windowDur)
	resetAt := time.Unix(0, (epoch+1)*int64(windowDur))
	rd := l.Broker.Redis()
	if rd == nil {
		return l.checkLocal(key, max, windowDur, now), nil
	}
	curKey := fmt.Sprintf("%s:%s:%d", l.Prefix, key, epoch)
	prevKey := fmt.Sprintf("%s:%s:%d", l.Prefix, key, epoch-1)
	res, err := l.script.Run(ctx, rd, []string{curKey, prevKey}, windowDur.Milliseconds()).Result()
	if err != nil {
		return l.checkLocal(key, max, windowDur, now), nil
	}
	counts, ok := res.([]interface{})
	if !ok || len(counts) != 2 {
		return Result{}, fmt.Errorf("invalid rate limit script return: %#v", res)
	}
	cur, _ := counts[0].(int64)
	prev, _ := counts[1].(int64)
	offset := 1.0 - float64(now.UnixNano()-epoch*int64(windowDur))/float64(windowDur)
	usage := offset*float64(prev) + float64(cur)
	return Result{
		Allowed: usage <= float64(max),
		ResetAt: resetAt,
	}, nil
}

// window holds the two process-local buckets for one key.
type window struct {
	epoch    int64
	cur, prv int64
}

// checkLocal mirrors the broker-side algorithm with per-process counters.
func (l *Limiter) checkLocal(key string, max int64, windowDur time.Duration, now time.Time) Result {
	epoch := now.UnixNano() / int64(windowDur)
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.local[key]
	if !ok {
		w = &window{epoch: epoch}
		l.local[key] = w
	}
	switch {
	case w.epoch == epoch:
	case w.epoch == epoch-1:
		w.prv, w.cur = w.cur, 0
		w.epoch = epoch
	default:
		w.prv, w.cur = 0, 0
		w.epoch = epoch
	}
	w.cur++
	offset := 1.0 - float64(now.UnixNano()-epoch*int64(windowDur))/float64(windowDur)
	usage := offset*float64(w.prv) + float64(w.cur)
	return Result{
		Allowed:  usage <= float64(max),
		ResetAt:  time.Unix(0, (epoch+1)*int64(windowDur)),
		Fallback: true,
	}
}
