package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type markerStore struct {
	mu      sync.Mutex
	err     error
	markers []ReadMarker
	ctxErr  error
}

func (s *markerStore) WriteReadMarker(ctx context.Context, m ReadMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers = append(s.markers, m)
	s.ctxErr = ctx.Err()
	return s.err
}

func (s *markerStore) written() []ReadMarker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReadMarker(nil), s.markers...)
}

func TestReadTracker(t *testing.T) {
	t.Run("one write per focus", func(t *testing.T) {
		store := &markerStore{}
		rt := NewReadTracker(store, "A1", "general", stepClock(testEpoch), slogt.New(t), nil)

		for i := 0; i < 3; i++ {
			if !rt.Focus(context.Background()) {
				t.Fatalf("focus %d should write", i)
			}
		}
		rt.Wait()

		got := store.written()
		if len(got) != 3 {
			t.Fatalf("expected 3 writes, got %d", len(got))
		}
		for i := 1; i < len(got); i++ {
			if !got[i].LastReadAt.After(got[i-1].LastReadAt) {
				t.Fatalf("marker went backwards: %v then %v", got[i-1].LastReadAt, got[i].LastReadAt)
			}
		}
		if !rt.LastReadAt().Equal(got[2].LastReadAt) {
			t.Fatalf("LastReadAt = %v, want %v", rt.LastReadAt(), got[2].LastReadAt)
		}
	})

	t.Run("non-advancing clock is skipped", func(t *testing.T) {
		store := &markerStore{}
		fixed := func() time.Time { return testEpoch }
		reg := prometheus.NewRegistry()
		metrics := NewMetrics(reg)
		rt := NewReadTracker(store, "A1", "general", fixed, slogt.New(t), metrics)

		if !rt.Focus(context.Background()) {
			t.Fatal("first focus should write")
		}
		if rt.Focus(context.Background()) {
			t.Fatal("second focus at the same instant should be skipped")
		}
		rt.Wait()
		if n := len(store.written()); n != 1 {
			t.Fatalf("expected 1 write, got %d", n)
		}
		if got := testutil.ToFloat64(metrics.readMarkerWrites.WithLabelValues("skipped")); got != 1 {
			t.Fatalf("expected 1 skipped, got %v", got)
		}
		if got := testutil.ToFloat64(metrics.readMarkerWrites.WithLabelValues("ok")); got != 1 {
			t.Fatalf("expected 1 ok, got %v", got)
		}
	})

	t.Run("failures are swallowed", func(t *testing.T) {
		store := &markerStore{err: errBoom}
		metrics := NewMetrics(nil)
		rt := NewReadTracker(store, "A1", "general", stepClock(testEpoch), slogt.New(t), metrics)

		if !rt.Focus(context.Background()) {
			t.Fatal("focus should start a write")
		}
		rt.Wait()
		if got := testutil.ToFloat64(metrics.readMarkerWrites.WithLabelValues("error")); got != 1 {
			t.Fatalf("expected 1 error, got %v", got)
		}
		// A failed write still counts as the attempt for that instant.
		if rt.LastReadAt().IsZero() {
			t.Fatal("LastReadAt should record the attempt")
		}
	})

	t.Run("write outlives caller context", func(t *testing.T) {
		store := &markerStore{}
		rt := NewReadTracker(store, "A1", "general", stepClock(testEpoch), slogt.New(t), nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if !rt.Focus(ctx) {
			t.Fatal("focus should start a write")
		}
		rt.Wait()
		if store.ctxErr != nil {
			t.Fatalf("write saw cancelled context: %v", store.ctxErr)
		}
	})
}
