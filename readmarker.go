package chatsync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const readMarkerTimeout = 10 * time.Second

// ReadTracker writes the current user's read marker for one channel when
// the channel gains focus.
type ReadTracker struct {
	store     ReadMarkerStore
	userID    string
	channelID string
	now       func() time.Time
	logger    *slog.Logger
	metrics   *Metrics

	mu   sync.Mutex
	last time.Time
	wg   sync.WaitGroup
}

// NewReadTracker returns a tracker that has not written anything yet.
func NewReadTracker(store ReadMarkerStore, userID, channelID string, now func() time.Time, logger *slog.Logger, metrics *Metrics) *ReadTracker {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadTracker{
		store:     store,
		userID:    userID,
		channelID: channelID,
		now:       now,
		logger:    logger,
		metrics:   metrics,
	}
}

// Focus attempts at most one read marker write and returns without waiting
// for it. It reports whether a write was started; a timestamp that would
// not move the marker forward starts none. Write failures are logged and
// counted, never returned.
func (t *ReadTracker) Focus(ctx context.Context) bool {
	t.mu.Lock()
	at := t.now().UTC()
	if !at.After(t.last) {
		t.mu.Unlock()
		t.metrics.readMarkerWrite("skipped")
		return false
	}
	t.last = at
	t.mu.Unlock()

	marker := ReadMarker{UserID: t.userID, ChannelID: t.channelID, LastReadAt: at}
	ctx = context.WithoutCancel(ctx)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		wctx, cancel := context.WithTimeout(ctx, readMarkerTimeout)
		defer cancel()
		if err := t.store.WriteReadMarker(wctx, marker); err != nil {
			t.metrics.readMarkerWrite("error")
			t.logger.Warn("read marker write failed", "channel_id", t.channelID, "error", err)
			return
		}
		t.metrics.readMarkerWrite("ok")
	}()
	return true
}

// LastReadAt returns the newest timestamp a write was attempted with.
func (t *ReadTracker) LastReadAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Wait blocks until in-flight writes have resolved.
func (t *ReadTracker) Wait() {
	t.wg.Wait()
}
