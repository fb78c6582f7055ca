// Package broker owns the primary connection to the message broker.
//
// A single Client is shared by the cache, the rate limiter and the job
// queues. Workers hold duplicated connections so that their blocking
// commands cannot starve the primary command pipeline.
//
// The client tracks broker health with a background ping loop and fans out
// state transitions to subscribers. Consumers use the transitions to pause
// claiming while the broker is away and resume when it returns.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Deployment modes.
const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
)

// State describes broker connection health.
type State int

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateReconnecting
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrNotReady is returned by commands issued while the broker is away.
var ErrNotReady = errors.New("broker not ready")

// ErrProductionURL marks a refused production-to-development fallback.
var ErrProductionURL = errors.New("production deployment requires the production broker URL")

// Options configures the broker client.
type Options struct {
	// URL is the production broker URL.
	URL string
	// DevURL is the non-production broker URL.
	DevURL string
	// Mode is the deployment mode (ModeProduction or ModeDevelopment).
	Mode string
	// PingInterval controls the health watcher (default 2s).
	PingInterval time.Duration
	// MaxRetries bounds one-shot command retries (default 3).
	MaxRetries int
	// MaxRetryBackoff caps the per-command retry backoff (default 2s).
	MaxRetryBackoff time.Duration
}

// DuplicateOptions configure a derived connection.
type DuplicateOptions struct {
	// MaxRetriesPerRequest overrides the command retry bound.
	// Negative means retry without bound (long-running consumers).
	MaxRetriesPerRequest int
	// KeepAlive overrides the TCP keep-alive period.
	KeepAlive time.Duration
}

// Client owns the primary broker connection.
type Client struct {
	Log  *zap.Logger
	Opts Options

	mu         sync.Mutex
	primary    *redis.Client
	redisOpts  *redis.Options
	state      State
	stateSubs  []chan State
	duplicates []*redis.Client
	watchStop  context.CancelFunc
	watchDone  chan struct{}
}

// NewClient creates an unconnected broker client.
func NewClient(log *zap.Logger, opts Options) *Client {
	if opts.PingInterval == 0 {
		opts.PingInterval = 2 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.MaxRetryBackoff == 0 {
		opts.MaxRetryBackoff = 2 * time.Second
	}
	return &Client{
		Log:   log,
		Opts:  opts,
		state: StateDisconnected,
	}
}

// resolveURL picks the broker URL for the deployment mode.
// Production never falls back to the development URL.
func (c *Client) resolveURL() (string, error) {
	switch c.Opts.Mode {
	case ModeProduction:
		if c.Opts.URL == "" {
			return "", ErrProductionURL
		}
		return c.Opts.URL, nil
	default:
		if c.Opts.DevURL != "" {
			return c.Opts.DevURL, nil
		}
		if c.Opts.URL != "" {
			return c.Opts.URL, nil
		}
		return "", errors.New("no broker URL configured")
	}
}

// Connect establishes the primary connection. It is idempotent: repeated
// calls while healthy return the same handle. Returns nil and an error when
// the broker is unreachable; config errors are returned as-is.
func (c *Client) Connect(ctx context.Context) (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.primary != nil && c.state == StateReady {
		return c.primary, nil
	}
	if c.redisOpts == nil {
		url, err := c.resolveURL()
		if err != nil {
			return nil, err
		}
		redisOpts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("invalid broker URL: %w", err)
		}
		redisOpts.MaxRetries = c.Opts.MaxRetries
		redisOpts.MaxRetryBackoff = c.Opts.MaxRetryBackoff
		c.redisOpts = redisOpts
	}
	c.setStateLocked(StateConnecting)
	rd := redis.NewClient(c.redisOpts)
	if err := rd.Ping(ctx).Err(); err != nil {
		_ = rd.Close()
		c.setStateLocked(StateError)
		return nil, fmt.Errorf("broker ping failed: %w", err)
	}
	c.primary = rd
	c.setStateLocked(StateReady)
	c.Log.Info("Connected to broker",
		zap.String("broker.addr", c.redisOpts.Addr),
		zap.Int("broker.db", c.redisOpts.DB))
	// Start the health watcher on first connect.
	if c.watchStop == nil {
		watchCtx, cancel := context.WithCancel(context.Background())
		c.watchStop = cancel
		c.watchDone = make(chan struct{})
		go c.watch(watchCtx)
	}
	return c.primary, nil
}

// Redis returns the primary handle, or nil while not ready.
func (c *Client) Redis() *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return nil
	}
	return c.primary
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a channel of state transitions. The channel is buffered;
// slow subscribers miss intermediate transitions, never the latest one.
func (c *Client) Subscribe() <-chan State {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan State, 4)
	c.stateSubs = append(c.stateSubs, ch)
	return ch
}

func (c *Client) setStateLocked(next State) {
	if c.state == next {
		return
	}
	c.state = next
	for _, sub := range c.stateSubs {
		select {
		case sub <- next:
		default:
			// Drop the oldest notification to make room for the latest.
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- next:
			default:
			}
		}
	}
}

// Duplicate derives a new connection sharing address, credentials and TLS
// with the primary, but with an independent command pipeline.
func (c *Client) Duplicate(opts DuplicateOptions) (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.redisOpts == nil {
		return nil, ErrNotReady
	}
	dup := *c.redisOpts
	if opts.MaxRetriesPerRequest != 0 {
		dup.MaxRetries = opts.MaxRetriesPerRequest
	}
	if opts.KeepAlive != 0 {
		network, addr := c.redisOpts.Network, c.redisOpts.Addr
		dialer := &net.Dialer{KeepAlive: opts.KeepAlive}
		dup.Dialer = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		}
	}
	if c.redisOpts.TLSConfig != nil {
		dup.TLSConfig = c.redisOpts.TLSConfig.Clone()
	}
	rd := redis.NewClient(&dup)
	c.duplicates = append(c.duplicates, rd)
	return rd, nil
}

// watch runs the health ping loop until the client closes.
func (c *Client) watch(ctx context.Context) {
	defer close(c.watchDone)
	ticker := time.NewTicker(c.Opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		rd := c.primary
		state := c.state
		c.mu.Unlock()
		if rd == nil || state == StateClosing {
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, c.Opts.PingInterval)
		err := rd.Ping(pingCtx).Err()
		cancel()
		c.mu.Lock()
		switch {
		case err == nil:
			if c.state != StateReady && c.state != StateClosing {
				c.Log.Info("Broker recovered")
				c.setStateLocked(StateReady)
			}
		case isTransient(err):
			if c.state == StateReady {
				c.Log.Warn("Broker connection lost", zap.Error(err))
			}
			c.setStateLocked(StateReconnecting)
		default:
			c.Log.Error("Broker error", zap.Error(err))
			c.setStateLocked(StateError)
		}
		c.mu.Unlock()
	}
}

// isTransient reports whether an error warrants reconnection rather than
// being treated as fatal (auth or configuration errors are fatal).
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"eof",
		"no route to host",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// GetJSON reads and decodes a key. Best-effort: returns false when the key
// is absent or the broker is not ready.
func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	rd := c.Redis()
	if rd == nil {
		return false, nil
	}
	raw, err := rd.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("corrupt value at %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes and writes a key with a TTL. Best-effort: no-op while the
// broker is not ready.
func (c *Client) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	rd := c.Redis()
	if rd == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", key, err)
	}
	return rd.Set(ctx, key, raw, ttl).Err()
}

// Del removes keys. Best-effort.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	rd := c.Redis()
	if rd == nil || len(keys) == 0 {
		return nil
	}
	return rd.Del(ctx, keys...).Err()
}

// FlushPrefix deletes all keys under a prefix using SCAN and pipelined DELs.
func (c *Client) FlushPrefix(ctx context.Context, prefix string) (int64, error) {
	rd := c.Redis()
	if rd == nil {
		return 0, nil
	}
	var deleted int64
	var cursor uint64
	for {
		keys, next, err := rd.Scan(ctx, cursor, prefix+"*", 1000).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			pipe := rd.Pipeline()
			for _, key := range keys {
				pipe.Del(ctx, key)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return deleted, err
			}
			deleted += int64(len(keys))
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Close shuts down the primary connection and all duplicates.
func (c *Client) Close() error {
	c.mu.Lock()
	c.setStateLocked(StateClosing)
	primary := c.primary
	dups := c.duplicates
	c.primary = nil
	c.duplicates = nil
	stop := c.watchStop
	done := c.watchDone
	c.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
	var err error
	if primary != nil {
		err = multierr.Append(err, primary.Close())
	}
	for _, dup := range dups {
		err = multierr.Append(err, dup.Close())
	}
	c.mu.Lock()
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	return err
}
