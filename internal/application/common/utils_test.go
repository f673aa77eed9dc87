package common

import (
	"context"
	"testing"
	"time"
)

func TestBackoffCeil(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for attempt, w := range want {
		if got := b.Ceil(attempt); got != w {
			t.Errorf("Ceil(%d) = %s, want %s", attempt, got, w)
		}
	}

	if got := b.Ceil(500); got != 10*time.Second {
		t.Errorf("Ceil(500) = %s, want cap", got)
	}
}

func TestBackoffNextWithinJitterBounds(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}

	for attempt := 0; attempt < 8; attempt++ {
		ceil := b.Ceil(attempt)
		for i := 0; i < 50; i++ {
			got := b.Next(attempt)
			if got < ceil/2 || got >= ceil {
				t.Fatalf("Next(%d) = %s, want in [%s, %s)", attempt, got, ceil/2, ceil)
			}
		}
	}
}

func TestBackoffZeroBase(t *testing.T) {
	if got := (Backoff{}).Next(3); got != 0 {
		t.Fatalf("zero backoff = %s", got)
	}
}

func TestSleepCtxCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := SleepCtx(ctx, time.Hour); err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("SleepCtx did not return on cancel")
	}
}
