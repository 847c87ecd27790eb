package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pulsehq/pulse/internal/cron"
)

// mockCycleRunner implements CycleRunner for testing.
type mockCycleRunner struct {
	mu      sync.Mutex
	batches [][]Event
	err     error
}

func (m *mockCycleRunner) RunCycle(_ context.Context, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	batch := make([]Event, len(events))
	copy(batch, events)
	m.batches = append(m.batches, batch)
	return nil
}

func (m *mockCycleRunner) ranBatches() [][]Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	dst := make([][]Event, len(m.batches))
	copy(dst, m.batches)
	return dst
}

func TestParseQuietHours_Valid(t *testing.T) {
	t.Parallel()

	qh, err := ParseQuietHours("02:00-06:00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if qh.Start != 2*time.Hour {
		t.Errorf("Start = %v, want %v", qh.Start, 2*time.Hour)
	}
	if qh.End != 6*time.Hour {
		t.Errorf("End = %v, want %v", qh.End, 6*time.Hour)
	}
}

func TestParseQuietHours_MidnightWrap(t *testing.T) {
	t.Parallel()

	qh, err := ParseQuietHours("23:00-07:00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if qh.Start != 23*time.Hour {
		t.Errorf("Start = %v, want %v", qh.Start, 23*time.Hour)
	}
	if qh.End != 7*time.Hour {
		t.Errorf("End = %v, want %v", qh.End, 7*time.Hour)
	}
}

func TestParseQuietHours_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{name: "missing dash", input: "0200 0600"},
		{name: "bad start format", input: "xx:00-06:00"},
		{name: "bad end format", input: "02:00-yy:00"},
		{name: "hour out of range", input: "25:00-06:00"},
		{name: "minute out of range", input: "02:60-06:00"},
		{name: "no colon in start", input: "0200-06:00"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseQuietHours(tt.input)
			if err == nil {
				t.Fatalf("expected error for input %q, got nil", tt.input)
			}
			if !errors.Is(err, ErrInvalidQuiet) {
				t.Errorf("expected ErrInvalidQuiet, got: %v", err)
			}
		})
	}
}

func TestQuietHours_IsQuiet_Normal(t *testing.T) {
	t.Parallel()

	qh := QuietHours{Start: 2 * time.Hour, End: 6 * time.Hour}

	// 03:00 should be quiet.
	if !qh.IsQuiet(time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)) {
		t.Error("03:00 should be quiet in 02:00-06:00")
	}

	// 08:00 should not be quiet.
	if qh.IsQuiet(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)) {
		t.Error("08:00 should not be quiet in 02:00-06:00")
	}

	// 02:00 (boundary start) should be quiet.
	if !qh.IsQuiet(time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)) {
		t.Error("02:00 should be quiet (inclusive start)")
	}

	// 06:00 (boundary end) should NOT be quiet.
	if qh.IsQuiet(time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)) {
		t.Error("06:00 should not be quiet (exclusive end)")
	}
}

func TestQuietHours_IsQuiet_MidnightWrap(t *testing.T) {
	t.Parallel()

	qh := QuietHours{Start: 23 * time.Hour, End: 7 * time.Hour}

	if !qh.IsQuiet(time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC)) {
		t.Error("23:30 should be quiet in 23:00-07:00")
	}
	if !qh.IsQuiet(time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)) {
		t.Error("01:00 should be quiet in 23:00-07:00")
	}
	if qh.IsQuiet(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Error("12:00 should not be quiet in 23:00-07:00")
	}
}

func TestHeartbeat_StartStop(t *testing.T) {
	t.Parallel()

	hb, err := New(Config{Interval: time.Hour}, &mockCycleRunner{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := hb.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := hb.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestHeartbeat_AlreadyStarted(t *testing.T) {
	t.Parallel()

	hb, err := New(Config{Interval: time.Hour}, &mockCycleRunner{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := hb.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = hb.Stop(ctx) })

	if err := hb.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestHeartbeat_StopNotStarted(t *testing.T) {
	t.Parallel()

	hb, err := New(Config{Interval: time.Hour}, &mockCycleRunner{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := hb.Stop(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop before Start = %v, want ErrNotStarted", err)
	}
}

func TestRunHeartbeatOnce_DeliversQueuedEvents(t *testing.T) {
	t.Parallel()

	runner := &mockCycleRunner{}
	hb, err := New(Config{Interval: time.Hour}, runner)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	agent := "research"
	if err := hb.EnqueueSystemEvent(ctx, "first", cron.SystemEventOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := hb.EnqueueSystemEvent(ctx, "second", cron.SystemEventOptions{AgentID: &agent}); err != nil {
		t.Fatal(err)
	}

	res, err := hb.RunHeartbeatOnce(ctx)
	if err != nil {
		t.Fatalf("RunHeartbeatOnce: %v", err)
	}
	if res.Status != cron.StatusOK {
		t.Errorf("status = %q, want %q", res.Status, cron.StatusOK)
	}

	batches := runner.ranBatches()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("batches = %+v, want one batch of two events", batches)
	}
	if batches[0][0].Text != "first" || batches[0][1].Text != "second" {
		t.Errorf("batch order wrong: %+v", batches[0])
	}
	if batches[0][1].AgentID == nil || *batches[0][1].AgentID != "research" {
		t.Errorf("agent id not threaded through: %+v", batches[0][1])
	}
	if hb.Pending() != 0 {
		t.Errorf("pending = %d after cycle, want 0", hb.Pending())
	}
}

func TestRunHeartbeatOnce_EmptyQueueSkips(t *testing.T) {
	t.Parallel()

	runner := &mockCycleRunner{}
	hb, err := New(Config{Interval: time.Hour}, runner)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := hb.RunHeartbeatOnce(context.Background())
	if err != nil {
		t.Fatalf("RunHeartbeatOnce: %v", err)
	}
	if res.Status != cron.StatusSkipped {
		t.Errorf("status = %q, want %q", res.Status, cron.StatusSkipped)
	}
	if len(runner.ranBatches()) != 0 {
		t.Error("runner called with empty queue")
	}
}

func TestRunHeartbeatOnce_FailureRequeuesEvents(t *testing.T) {
	t.Parallel()

	runner := &mockCycleRunner{err: errors.New("agent unavailable")}
	hb, err := New(Config{Interval: time.Hour}, runner)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := hb.EnqueueSystemEvent(ctx, "keep me", cron.SystemEventOptions{}); err != nil {
		t.Fatal(err)
	}

	res, err := hb.RunHeartbeatOnce(ctx)
	if err == nil {
		t.Fatal("cycle error not surfaced")
	}
	if res.Status != cron.StatusError {
		t.Errorf("status = %q, want %q", res.Status, cron.StatusError)
	}
	if hb.Pending() != 1 {
		t.Fatalf("pending = %d, want 1 (failed batch requeued)", hb.Pending())
	}

	// Once the runner recovers the event goes through.
	runner.mu.Lock()
	runner.err = nil
	runner.mu.Unlock()
	if _, err := hb.RunHeartbeatOnce(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	batches := runner.ranBatches()
	if len(batches) != 1 || batches[0][0].Text != "keep me" {
		t.Errorf("batches after retry = %+v", batches)
	}
}

func TestEnqueueSystemEvent_RejectsEmptyText(t *testing.T) {
	t.Parallel()

	hb, err := New(Config{}, &mockCycleRunner{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := hb.EnqueueSystemEvent(context.Background(), "   ", cron.SystemEventOptions{}); err == nil {
		t.Error("blank system event accepted")
	}
}

func TestRequestHeartbeatNow_WakesLoop(t *testing.T) {
	t.Parallel()

	runner := &mockCycleRunner{}
	hb, err := New(Config{Interval: time.Hour}, runner)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := hb.EnqueueSystemEvent(ctx, "wake up", cron.SystemEventOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := hb.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = hb.Stop(ctx) })

	hb.RequestHeartbeatNow()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(runner.ranBatches()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("wake request did not trigger a cycle")
}

func TestRequestHeartbeatNow_Coalesces(t *testing.T) {
	t.Parallel()

	hb, err := New(Config{Interval: time.Hour}, &mockCycleRunner{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Not started: repeated requests must never block.
	for i := 0; i < 10; i++ {
		hb.RequestHeartbeatNow()
	}
	if len(hb.wake) != 1 {
		t.Errorf("queued wakes = %d, want 1", len(hb.wake))
	}
}

func TestNew_NilRunner(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("expected error for nil runner")
	}
}
