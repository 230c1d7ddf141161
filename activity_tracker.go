package chatsesh

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const activityFlushTimeout = 5 * time.Second

// ActivityTracker batches last-activity timestamps per user so that chatty users cost one
// storage write per interval instead of one per message. Timestamps are keyed by user, not
// by session: a user whose session times out or logs out keeps their pending timestamp and
// it is still written on the next flush.
type ActivityTracker struct {
	store    ActivityRecorder
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	pending map[UserID]time.Time

	stop context.CancelFunc
	wg   sync.WaitGroup
}

func NewActivityTracker(store ActivityRecorder, flushInterval time.Duration, logger *slog.Logger) *ActivityTracker {
	ctx, stop := context.WithCancel(context.Background())
	at := &ActivityTracker{
		store:    store,
		logger:   logger,
		interval: flushInterval,
		pending:  make(map[UserID]time.Time),
		stop:     stop,
	}
	at.wg.Add(1)
	go at.run(ctx)
	return at
}

// RecordActivity queues a timestamp for user. A timestamp older than the queued one is ignored.
func (at *ActivityTracker) RecordActivity(user UserID, timestamp time.Time) {
	at.mu.Lock()
	defer at.mu.Unlock()
	at.queue(user, timestamp)
}

// queue must be called with mu held.
func (at *ActivityTracker) queue(user UserID, timestamp time.Time) {
	if queued, ok := at.pending[user]; ok && !timestamp.After(queued) {
		return
	}
	at.pending[user] = timestamp
}

// Pending reports how many users are waiting to be flushed.
func (at *ActivityTracker) Pending() int {
	at.mu.Lock()
	defer at.mu.Unlock()
	return len(at.pending)
}

func (at *ActivityTracker) run(ctx context.Context) {
	defer at.wg.Done()
	ticker := time.NewTicker(at.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if batch := at.flush(); batch != nil {
				at.requeue(batch)
			}
		case <-ctx.Done():
			if batch := at.flush(); batch != nil {
				at.logger.Warn("dropping unflushed activity on close", "batch_size", len(batch))
			}
			return
		}
	}
}

// flush writes the pending batch and returns it when the write failed.
func (at *ActivityTracker) flush() map[UserID]time.Time {
	at.mu.Lock()
	if len(at.pending) == 0 {
		at.mu.Unlock()
		return nil
	}
	batch := at.pending
	at.pending = make(map[UserID]time.Time, len(batch))
	at.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), activityFlushTimeout)
	defer cancel()

	count, err := at.store.BatchRecordActivity(ctx, batch)
	if err != nil {
		at.logger.Error("record user activity", "error", err, "users", len(batch))
		return batch
	}
	// count is lower than the batch when users were never persisted.
	at.logger.Debug("recorded user activity", "updated", count, "users", len(batch))
	return nil
}

// requeue puts a failed batch back for the next tick. Activity recorded since the batch
// was taken wins over the requeued timestamp.
func (at *ActivityTracker) requeue(batch map[UserID]time.Time) {
	at.mu.Lock()
	defer at.mu.Unlock()
	for user, timestamp := range batch {
		at.queue(user, timestamp)
	}
}

// Close stops the tracker after a final flush.
func (at *ActivityTracker) Close() {
	at.stop()
	at.wg.Wait()
}
