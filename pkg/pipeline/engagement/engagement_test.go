package engagement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sipsociety/backbone/pkg/brokertest"
	"github.com/sipsociety/backbone/pkg/jobqueue"
	"github.com/sipsociety/backbone/pkg/worker"
)

func testService(ctx context.Context, t *testing.T) (*brokertest.Broker, *Service) {
	tb := brokertest.New(ctx, t)
	q := jobqueue.NewQueue(zaptest.NewLogger(t), tb.Client, QueueConfig())
	return tb, &Service{
		Log:    zaptest.NewLogger(t),
		Broker: tb.Client,
		Queue:  q,
	}
}

func TestBackfillProgressEmpty(t *testing.T) {
	ctx := context.TODO()
	_, s := testService(ctx, t)

	p, err := s.BackfillProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, Progress{}, p)
	assert.False(t, p.Running)
	assert.Zero(t, p.Percentage())
}

func TestBackfillProgressParsing(t *testing.T) {
	ctx := context.TODO()
	tb, s := testService(ctx, t)
	started := time.Now().Add(-time.Minute).Unix()
	require.NoError(t, tb.Client.Redis().HSet(ctx, runKey,
		"total", 200, "completed", 120, "failed", 30, "started_at", started).Err())

	p, err := s.BackfillProgress(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 200, p.Total)
	assert.EqualValues(t, 120, p.Completed)
	assert.EqualValues(t, 30, p.Failed)
	assert.Equal(t, started, p.StartedAt.Unix())
	assert.True(t, p.Running)
	assert.InDelta(t, 75.0, p.Percentage(), 0.001)
}

func TestBackfillProgressFinished(t *testing.T) {
	ctx := context.TODO()
	tb, s := testService(ctx, t)
	require.NoError(t, tb.Client.Redis().HSet(ctx, runKey,
		"total", 10, "completed", 9, "failed", 1, "started_at", time.Now().Unix()).Err())

	p, err := s.BackfillProgress(ctx)
	require.NoError(t, err)
	assert.False(t, p.Running)
	assert.InDelta(t, 100.0, p.Percentage(), 0.001)
}

func TestRunEventsUpdateMetrics(t *testing.T) {
	ctx := context.TODO()
	tb, s := testService(ctx, t)
	require.NoError(t, tb.Client.Redis().HSet(ctx, runKey,
		"total", 3, "completed", 0, "failed", 0, "started_at", time.Now().Unix()).Err())

	s.bump(ctx, "completed")
	s.bump(ctx, "completed")
	s.bump(ctx, "failed")

	p, err := s.BackfillProgress(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.Completed)
	assert.EqualValues(t, 1, p.Failed)
	assert.False(t, p.Running)
}

func TestHandleMalformedPayload(t *testing.T) {
	ctx := context.TODO()
	_, s := testService(ctx, t)

	err := s.Handle(ctx, &jobqueue.Job{ID: "x", Name: JobName, Payload: []byte("{")})
	require.Error(t, err)
	assert.True(t, worker.IsTerminal(err))
}
