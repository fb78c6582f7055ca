package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Obliterate time and batch bounds. Queues holding 10^5+ jobs exceed the
// broker's script limits when deleted in one shot, so deletion walks the
// key space with SCAN and pipelined DELs instead.
const (
	ObliterateBudget = 5 * time.Minute
	obliterateScan   = 1000
)

// ObliteratePhase names a stage of a progress-aware obliterate.
type ObliteratePhase string

// Obliterate phases.
const (
	PhaseScanning ObliteratePhase = "scanning"
	PhaseDeleting ObliteratePhase = "deleting"
	PhaseDone     ObliteratePhase = "done"
)

// ObliterateProgress is one progress report during obliteration.
type ObliterateProgress struct {
	Phase      ObliteratePhase `json:"phase"`
	Deleted    int64           `json:"deleted"`
	Total      int64           `json:"total"`
	Percentage float64         `json:"percentage"`
}

// ObliterateFunc observes obliterate progress.
type ObliterateFunc func(ObliterateProgress)

// ErrObliteratePartial marks an obliterate that ran out of time budget.
// The returned deleted count is still accurate.
var ErrObliteratePartial = errors.New("obliterate exceeded time budget")

// Obliterate deletes every key under the queue prefix.
func (q *Queue) Obliterate(ctx context.Context) (int64, error) {
	return q.ObliterateWithProgress(ctx, nil)
}

// ObliterateWithProgress deletes every key under the queue prefix in scan
// chunks, reporting per-chunk progress. Exceeding the 5 minute budget
// yields ErrObliteratePartial with the count deleted so far.
func (q *Queue) ObliterateWithProgress(ctx context.Context, onProgress ObliterateFunc) (int64, error) {
	rd, err := q.redis()
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, ObliterateBudget)
	defer cancel()
	report := func(p ObliterateProgress) {
		if onProgress != nil {
			onProgress(p)
		}
	}
	// First pass: size the key space so progress can be a percentage.
	var total int64
	var cursor uint64
	for {
		keys, next, err := rd.Scan(ctx, cursor, q.keys.Prefix+"*", obliterateScan).Result()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return 0, ErrObliteratePartial
			}
			return 0, fmt.Errorf("failed to scan queue keys: %w", err)
		}
		total += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	report(ObliterateProgress{Phase: PhaseScanning, Total: total})
	// Second pass: pipeline DELs per scan chunk.
	var deleted int64
	cursor = 0
	for {
		keys, next, err := rd.Scan(ctx, cursor, q.keys.Prefix+"*", obliterateScan).Result()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return deleted, ErrObliteratePartial
			}
			return deleted, fmt.Errorf("failed to scan queue keys: %w", err)
		}
		if len(keys) > 0 {
			pipe := rd.Pipeline()
			for _, key := range keys {
				pipe.Del(ctx, key)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return deleted, ErrObliteratePartial
				}
				return deleted, fmt.Errorf("failed to delete queue keys: %w", err)
			}
			deleted += int64(len(keys))
			pct := 100.0
			if total > 0 {
				pct = 100.0 * float64(deleted) / float64(total)
			}
			report(ObliterateProgress{Phase: PhaseDeleting, Deleted: deleted, Total: total, Percentage: pct})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	report(ObliterateProgress{Phase: PhaseDone, Deleted: deleted, Total: total, Percentage: 100})
	q.Log.Info("Obliterated queue")
	return deleted, nil
}
