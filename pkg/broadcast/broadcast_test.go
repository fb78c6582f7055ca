package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sipsociety/backbone/pkg/brokertest"
)

func TestPublish(t *testing.T) {
	ctx := context.TODO()
	tb := brokertest.New(ctx, t)
	p := NewPublisher(zaptest.NewLogger(t), tb.Client)

	sub := tb.Client.Redis().Subscribe(ctx, ChannelImportProgress)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	p.Publish(ctx, ChannelImportProgress, map[string]interface{}{"run_id": "r1", "completed": 5})

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	require.NoError(t, err)
	var event map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
	assert.Equal(t, "r1", event["run_id"])
	assert.EqualValues(t, 5, event["completed"])
}

func TestShouldPublishThrottles(t *testing.T) {
	tb := brokertest.New(context.TODO(), t)
	p := NewPublisher(zaptest.NewLogger(t), tb.Client)

	assert.True(t, p.ShouldPublish(ChannelImportGap, 50*time.Millisecond))
	assert.False(t, p.ShouldPublish(ChannelImportGap, 50*time.Millisecond))
	// Channels have independent windows.
	assert.True(t, p.ShouldPublish(ChannelAchievementUpdate, 50*time.Millisecond))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, p.ShouldPublish(ChannelImportGap, 50*time.Millisecond))
}

func TestPublishThrottledDropsSurplus(t *testing.T) {
	ctx := context.TODO()
	tb := brokertest.New(ctx, t)
	p := NewPublisher(zaptest.NewLogger(t), tb.Client)

	assert.True(t, p.PublishThrottled(ctx, ChannelJobEvents, time.Minute, map[string]int{"n": 1}))
	assert.False(t, p.PublishThrottled(ctx, ChannelJobEvents, time.Minute, map[string]int{"n": 2}))
}

func TestPublishWithoutBroker(t *testing.T) {
	ctx := context.TODO()
	tb := brokertest.New(ctx, t)
	p := NewPublisher(zaptest.NewLogger(t), tb.Client)
	tb.Mini.Close()

	// Best-effort: a dead broker must not error or panic.
	p.Publish(ctx, ChannelImportProgress, map[string]int{"n": 1})
}
