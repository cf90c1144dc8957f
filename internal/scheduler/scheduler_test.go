package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestNextDaily(t *testing.T) {
	loc := time.UTC
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"later today", time.Date(2026, 3, 14, 1, 0, 0, 0, loc), time.Date(2026, 3, 14, 4, 0, 0, 0, loc)},
		{"already passed", time.Date(2026, 3, 14, 5, 0, 0, 0, loc), time.Date(2026, 3, 15, 4, 0, 0, 0, loc)},
		{"exactly now", time.Date(2026, 3, 14, 4, 0, 0, 0, loc), time.Date(2026, 3, 15, 4, 0, 0, 0, loc)},
		{"month end", time.Date(2026, 3, 31, 23, 0, 0, 0, loc), time.Date(2026, 4, 1, 4, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextDaily(tt.now, 4, 0); !got.Equal(tt.want) {
				t.Errorf("nextDaily() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEveryRunsUntilCancelled(t *testing.T) {
	s := NewScheduler()
	var runs atomic.Int32
	s.Every("tick", 5*time.Millisecond, func(ctx context.Context, now time.Time) {
		runs.Add(1)
	})
	s.Every("disabled", 0, func(ctx context.Context, now time.Time) {
		t.Error("disabled task ran")
	})
	if got := s.Tasks(); len(got) != 1 || got[0] != "tick" {
		t.Fatalf("Tasks() = %v, want [tick]", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("runs = %d after 2s, want >= 3", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestPanickingTaskKeepsRunning(t *testing.T) {
	s := NewScheduler()
	var runs atomic.Int32
	s.Every("flaky", 5*time.Millisecond, func(ctx context.Context, now time.Time) {
		if runs.Add(1) == 1 {
			panic("boom")
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go s.Start(ctx)

	for runs.Load() < 2 {
		select {
		case <-ctx.Done():
			t.Fatalf("runs = %d, task stopped after panic", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
