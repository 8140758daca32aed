package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newWindow(t *testing.T, limit int, window time.Duration) *SlidingWindow {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewSlidingWindow(client, limit, window)
}

func TestSlidingWindowAllowsFiveThenRejects(t *testing.T) {
	ctx := context.Background()
	w := newWindow(t, 5, time.Minute)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		d, err := w.Allow(ctx, "submission-1")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: expected allowed got %+v err=%v", i+1, d, err)
		}
		if d.Remaining != 4-i {
			t.Fatalf("request %d: expected %d remaining got %d", i+1, 4-i, d.Remaining)
		}
	}
	d, err := w.Allow(ctx, "submission-1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected sixth request to be rejected")
	}
	if d.RetryAfter != time.Minute {
		t.Fatalf("expected retry after a minute got %v", d.RetryAfter)
	}

	other, _ := w.Allow(ctx, "submission-2")
	if !other.Allowed {
		t.Fatalf("expected other submission to have its own window")
	}
}

func TestSlidingWindowSlides(t *testing.T) {
	ctx := context.Background()
	w := newWindow(t, 2, time.Minute)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	w.Allow(ctx, "s")
	now = now.Add(30 * time.Second)
	w.Allow(ctx, "s")
	if d, _ := w.Allow(ctx, "s"); d.Allowed {
		t.Fatalf("expected window to be full")
	}

	now = now.Add(31 * time.Second)
	d, err := w.Allow(ctx, "s")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first request to have left the window, got %+v err=%v", d, err)
	}
	if d, _ := w.Allow(ctx, "s"); d.Allowed {
		t.Fatalf("expected second request to still count")
	}
}
