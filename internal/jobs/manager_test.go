package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// TEST: Aligned scheduling lands on UTC interval boundaries
// ============================================================================

func TestRunnerNextRunTime_Aligned(t *testing.T) {
	r := NewRunner("snap", 4*time.Hour, true, nil, zerolog.Nop())

	testCases := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			"mid-slot",
			time.Date(2025, 6, 10, 9, 30, 0, 0, time.UTC),
			time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC),
		},
		{
			"exactly on a boundary schedules the next one",
			time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC),
			time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC),
		},
		{
			"last slot rolls to midnight",
			time.Date(2025, 6, 10, 22, 15, 0, 0, time.UTC),
			time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := r.nextRunTime(tc.now); !got.Equal(tc.want) {
				t.Errorf("nextRunTime(%v) = %v, want %v", tc.now, got, tc.want)
			}
		})
	}
}

func TestRunnerNextRunTime_Unaligned(t *testing.T) {
	r := NewRunner("worker", 5*time.Minute, false, nil, zerolog.Nop())
	now := time.Date(2025, 6, 10, 9, 32, 10, 0, time.UTC)
	if got := r.nextRunTime(now); !got.Equal(now.Add(5*time.Minute)) {
		t.Errorf("nextRunTime = %v, want now+5m", got)
	}
}

// ============================================================================
// TEST: Manager control and manual triggering
// ============================================================================

func TestManagerControlAndTrigger(t *testing.T) {
	var runs atomic.Int64
	runner := NewRunner("test_job", time.Hour, false, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, zerolog.Nop())

	m := NewManager(nil, zerolog.Nop())
	m.Register(runner)

	if err := m.Control("test_job", "start"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !runner.IsRunning() {
		t.Fatal("Runner must be running after start")
	}
	if err := m.Control("test_job", "start"); err == nil {
		t.Error("Double start must fail")
	}

	if err := m.Trigger("test_job"); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("Triggered run never happened")
	}

	if err := m.Control("test_job", "stop"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if runner.IsRunning() {
		t.Error("Runner must be stopped")
	}

	if err := m.Trigger("test_job"); err == nil {
		t.Error("Trigger on a stopped job must fail")
	}
	if err := m.Control("missing", "start"); err == nil {
		t.Error("Unknown job must fail")
	}

	st := runner.Status()
	if st.RunCount == 0 || st.Name != "test_job" {
		t.Errorf("Status = %+v, want run_count > 0", st)
	}
}
