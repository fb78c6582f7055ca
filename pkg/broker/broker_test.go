package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testClient(t *testing.T, opts Options) *Client {
	c := NewClient(zaptest.NewLogger(t), opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestResolveURLProduction(t *testing.T) {
	c := testClient(t, Options{Mode: ModeProduction, DevURL: "redis://dev:6379"})
	_, err := c.resolveURL()
	// Production never falls back to the development URL.
	assert.ErrorIs(t, err, ErrProductionURL)

	c = testClient(t, Options{Mode: ModeProduction, URL: "redis://prod:6379", DevURL: "redis://dev:6379"})
	url, err := c.resolveURL()
	require.NoError(t, err)
	assert.Equal(t, "redis://prod:6379", url)
}

func TestResolveURLDevelopment(t *testing.T) {
	c := testClient(t, Options{Mode: ModeDevelopment, URL: "redis://prod:6379", DevURL: "redis://dev:6379"})
	url, err := c.resolveURL()
	require.NoError(t, err)
	assert.Equal(t, "redis://dev:6379", url)

	// Without a dev URL the production URL serves development too.
	c = testClient(t, Options{Mode: ModeDevelopment, URL: "redis://prod:6379"})
	url, err = c.resolveURL()
	require.NoError(t, err)
	assert.Equal(t, "redis://prod:6379", url)

	c = testClient(t, Options{Mode: ModeDevelopment})
	_, err = c.resolveURL()
	assert.Error(t, err)
}

func TestConnectAndState(t *testing.T) {
	ctx := context.TODO()
	mr := miniredis.RunT(t)
	c := testClient(t, Options{DevURL: "redis://" + mr.Addr(), Mode: ModeDevelopment})

	assert.Equal(t, StateDisconnected, c.State())
	assert.Nil(t, c.Redis())

	rd, err := c.Connect(ctx)
	require.NoError(t, err)
	require.NotNil(t, rd)
	assert.Equal(t, StateReady, c.State())

	// Idempotent while healthy.
	rd2, err := c.Connect(ctx)
	require.NoError(t, err)
	assert.Same(t, rd, rd2)
}

func TestConnectFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.TODO(), 2*time.Second)
	defer cancel()
	c := testClient(t, Options{DevURL: "redis://localhost:1", Mode: ModeDevelopment})

	_, err := c.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, StateError, c.State())
	assert.Nil(t, c.Redis())
}

func TestSubscribeObservesTransitions(t *testing.T) {
	ctx := context.TODO()
	mr := miniredis.RunT(t)
	c := testClient(t, Options{
		DevURL:       "redis://" + mr.Addr(),
		Mode:         ModeDevelopment,
		PingInterval: 20 * time.Millisecond,
	})
	states := c.Subscribe()
	_, err := c.Connect(ctx)
	require.NoError(t, err)

	waitFor := func(want State) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case s := <-states:
				if s == want {
					return
				}
			case <-deadline:
				t.Fatalf("never observed state %s", want)
			}
		}
	}
	waitFor(StateReady)

	mr.Close()
	waitFor(StateReconnecting)
}

func TestGetSetJSON(t *testing.T) {
	ctx := context.TODO()
	mr := miniredis.RunT(t)
	c := testClient(t, Options{DevURL: "redis://" + mr.Addr(), Mode: ModeDevelopment})
	_, err := c.Connect(ctx)
	require.NoError(t, err)

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, c.SetJSON(ctx, "state", doc{Name: "run-1", Count: 3}, time.Hour))

	var got doc
	found, err := c.GetJSON(ctx, "state", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, doc{Name: "run-1", Count: 3}, got)

	found, err = c.GetJSON(ctx, "missing", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Del(ctx, "state"))
	found, err = c.GetJSON(ctx, "state", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFlushPrefix(t *testing.T) {
	ctx := context.TODO()
	mr := miniredis.RunT(t)
	c := testClient(t, Options{DevURL: "redis://" + mr.Addr(), Mode: ModeDevelopment})
	rd, err := c.Connect(ctx)
	require.NoError(t, err)

	for _, key := range []string{"leaderboard:a", "leaderboard:b", "coinbook:a"} {
		require.NoError(t, rd.Set(ctx, key, 1, 0).Err())
	}
	removed, err := c.FlushPrefix(ctx, "leaderboard:")
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)
	assert.Equal(t, int64(1), rd.Exists(ctx, "coinbook:a").Val())
}

func TestCommandsWhileNotReady(t *testing.T) {
	ctx := context.TODO()
	c := testClient(t, Options{DevURL: "redis://localhost:1", Mode: ModeDevelopment})

	// Best-effort helpers degrade to no-ops instead of failing callers.
	var got struct{}
	found, err := c.GetJSON(ctx, "k", &got)
	assert.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, c.SetJSON(ctx, "k", 1, 0))
	assert.NoError(t, c.Del(ctx, "k"))

	// Duplicate needs resolved connection options.
	_, err = c.Duplicate(DuplicateOptions{})
	assert.ErrorIs(t, err, ErrNotReady)
}
