package bulkimport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sipsociety/backbone/pkg/broadcast"
	"github.com/sipsociety/backbone/pkg/brokertest"
	"github.com/sipsociety/backbone/pkg/catalog"
	"github.com/sipsociety/backbone/pkg/jobqueue"
	"github.com/sipsociety/backbone/pkg/ratelimit"
	"github.com/sipsociety/backbone/pkg/worker"
)

func testService(ctx context.Context, t *testing.T, catalogURL string) (*brokertest.Broker, *Service) {
	tb := brokertest.New(ctx, t)
	log := zaptest.NewLogger(t)
	return tb, &Service{
		Log:    log,
		Broker: tb.Client,
		Queue:  jobqueue.NewQueue(log, tb.Client, QueueConfig()),
		Catalog: &catalog.Client{
			Log:       log,
			BaseURL:   catalogURL,
			PageDelay: time.Millisecond,
		},
		Publisher: broadcast.NewPublisher(log, tb.Client),
	}
}

func emptyCatalog(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"customers":[]}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusWithoutRun(t *testing.T) {
	ctx := context.TODO()
	_, s := testService(ctx, t, emptyCatalog(t).URL)

	state, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestStartRefusesConcurrentRun(t *testing.T) {
	ctx := context.TODO()
	tb, s := testService(ctx, t, emptyCatalog(t).URL)
	require.NoError(t, tb.Client.Redis().SetNX(ctx, runLockKey, "other-run", runLockTTL).Err())

	_, err := s.Start(ctx, Options{})
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestStartEmptyCatalogCompletes(t *testing.T) {
	ctx := context.TODO()
	tb, s := testService(ctx, t, emptyCatalog(t).URL)

	runID, err := s.Start(ctx, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.Eventually(t, func() bool {
		state, err := s.Status(ctx)
		return err == nil && state != nil && state.Status == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	state, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, runID, state.RunID)
	assert.Zero(t, state.Scanned)
	assert.Zero(t, state.Enqueued)

	// The run lock is released once the scan finishes.
	assert.Equal(t, int64(0), tb.Client.Redis().Exists(ctx, runLockKey).Val())
}

func TestStartScanFailure(t *testing.T) {
	ctx := context.TODO()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)
	tb, s := testService(ctx, t, srv.URL)

	_, err := s.Start(ctx, Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, err := s.Status(ctx)
		return err == nil && state != nil && state.Status == "failed"
	}, 5*time.Second, 20*time.Millisecond)

	state, err := s.Status(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, state.Error)
	// A failed run must not wedge the lock.
	assert.Equal(t, int64(0), tb.Client.Redis().Exists(ctx, runLockKey).Val())
}

func TestRunEventsBroadcastsActivation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	tb, s := testService(ctx, t, emptyCatalog(t).URL)
	s.GapThrottle = time.Hour
	// Spend the gap window up front: gap snapshots need the user store,
	// which this test does not wire.
	s.Publisher.ShouldPublish(broadcast.ChannelImportGap, s.GapThrottle)

	sub := tb.Client.Redis().Subscribe(ctx, broadcast.ChannelImportProgress)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	w := worker.New(zaptest.NewLogger(t), tb.Client, s.Queue,
		func(context.Context, *jobqueue.Job) error { return nil },
		ratelimit.NewLimiter(tb.Client))
	go func() { _ = w.Run(ctx) }()
	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		s.RunEvents(ctx, w)
	}()

	_, err = s.Queue.Enqueue(ctx, JobName, JobPayload{UserID: 7}, jobqueue.EnqueueOpts{ID: "user-7"})
	require.NoError(t, err)

	msgCtx, cancelMsg := context.WithTimeout(ctx, 5*time.Second)
	defer cancelMsg()
	for {
		msg, err := sub.ReceiveMessage(msgCtx)
		require.NoError(t, err)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &body))
		if body["event"] == string(worker.EventActive) {
			assert.EqualValues(t, 7, body["user_id"])
			break
		}
	}
	cancel()
	<-eventsDone
}

func TestLedgerSinkRejectsForeignPayload(t *testing.T) {
	sink := &ledgerSink{}
	err := sink.RecordFailedEnqueue(context.TODO(), jobqueue.BulkJob{
		ID:      "x",
		Name:    "other-job",
		Payload: map[string]string{"not": "ours"},
	}, assert.AnError)
	assert.Error(t, err)
}
