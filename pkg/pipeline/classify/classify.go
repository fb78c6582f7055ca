// Package classify recomputes a user's journey classification and the
// pre-rendered guidance derived from it.
//
// Requests are debounced: once a user has been classified at least once, at
// most one classification per user is admitted per five-minute window.
// Dedupe on the queue collapses bursts that slip past the debounce.
package classify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sipsociety/backbone/pkg/broker"
	"github.com/sipsociety/backbone/pkg/cache"
	"github.com/sipsociety/backbone/pkg/jobqueue"
	"github.com/sipsociety/backbone/pkg/userstore"
	"go.uber.org/zap"
)

// QueueName of the classification queue.
const QueueName = "user-classification"

// JobName of classification jobs.
const JobName = "classify-user"

// QueueConfig returns the classification queue configuration.
func QueueConfig() jobqueue.Config {
	return jobqueue.Config{
		Name:        QueueName,
		Concurrency: 5,
		RateLimit:   jobqueue.RateLimit{Max: 10, Per: time.Second},
	}
}

// Sources of a classification request. Purchases jump the queue; admin
// requests bypass the debounce entirely.
type Source string

const (
	SourcePurchase Source = "purchase"
	SourceActivity Source = "activity"
	SourceImport   Source = "import"
	SourceAdmin    Source = "admin"
)

// Debounce bounds for repeated requests per user.
const (
	debounceWindow = 5 * time.Minute
	lastCalcTTL    = time.Hour
)

// PageContexts that get pre-rendered guidance on every classification.
var PageContexts = []string{"rank", "products", "community", "coinbook", "general"}

// JobPayload is the body of one classification job.
type JobPayload struct {
	UserID int64  `json:"user_id"`
	Source Source `json:"source"`
}

// Classifier derives a user's classification from their aggregates.
type Classifier interface {
	Classify(ctx context.Context, user *userstore.User, stats userstore.Stats) (userstore.Classification, error)
}

// GuidanceRenderer renders the guidance payload for one page context.
type GuidanceRenderer interface {
	Render(ctx context.Context, user *userstore.User, c userstore.Classification, pageContext string) (interface{}, error)
}

// Service is the classification pipeline.
type Service struct {
	Log        *zap.Logger
	Broker     *broker.Client
	Queue      *jobqueue.Queue
	Cache      *cache.Service
	Users      *userstore.Store
	Classifier Classifier
	Renderer   GuidanceRenderer
}

func lastCalcKey(userID int64) string {
	return fmt.Sprintf("classification:last_calc:%d", userID)
}

func throttleKey(userID int64) string {
	return fmt.Sprintf("classification:throttle:%d", userID)
}

// Request admits a classification for the user, subject to the debounce.
// It reports whether a job was actually enqueued; a false return with a nil
// error means the request was debounced or already queued.
func (s *Service) Request(ctx context.Context, userID int64, source Source) (bool, error) {
	forced := source == SourceAdmin
	rd := s.Broker.Redis()
	if rd == nil && !forced {
		// Without the broker we cannot enqueue anyway; surface that.
		return false, jobqueue.ErrUnavailable
	}
	if !forced {
		// First-ever classification (no last_calc marker) is admitted
		// immediately; after that, one request per window.
		seen, err := rd.Exists(ctx, lastCalcKey(userID)).Result()
		if err != nil {
			return false, fmt.Errorf("failed to check last_calc marker: %w", err)
		}
		ok, err := rd.SetNX(ctx, throttleKey(userID), 1, debounceWindow).Result()
		if err != nil {
			return false, fmt.Errorf("failed to set debounce marker: %w", err)
		}
		if seen > 0 && !ok {
			s.Log.Debug("Classification request debounced",
				zap.Int64("user_id", userID), zap.String("source", string(source)))
			return false, nil
		}
	}
	var priority int
	if source == SourcePurchase || forced {
		priority = 1
	}
	_, err := s.Queue.Enqueue(ctx, JobName, JobPayload{UserID: userID, Source: source},
		jobqueue.EnqueueOpts{
			ID:       fmt.Sprintf("user-%d", userID),
			Priority: priority,
		})
	if errors.Is(err, jobqueue.ErrDuplicateJob) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// RequestFollowup satisfies the import pipeline's follow-up hook.
func (s *Service) RequestFollowup(ctx context.Context, userID int64) error {
	_, err := s.Request(ctx, userID, SourceImport)
	return err
}
