package history_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pulsehq/pulse/internal/cron"
	"github.com/pulsehq/pulse/internal/history"
)

func openStore(t *testing.T) *history.Store {
	t.Helper()
	store, err := history.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordAndRuns(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	recs := []cron.RunRecord{
		{JobID: "j1", JobName: "digest", Status: "ok", StartedAtMs: 1000, DurationMs: 40, Summary: "3 articles"},
		{JobID: "j1", JobName: "digest", Status: "error", StartedAtMs: 2000, DurationMs: 15, Error: "boom"},
		{JobID: "j2", JobName: "reminder", Status: "ok", StartedAtMs: 1500, DurationMs: 5},
	}
	for _, rec := range recs {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := store.Runs(ctx, "j1", 10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("runs for j1 = %d, want 2", len(got))
	}
	// Newest first.
	if got[0].StartedAtMs != 2000 || got[0].Status != "error" || got[0].Error != "boom" {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].StartedAtMs != 1000 || got[1].Summary != "3 articles" {
		t.Errorf("got[1] = %+v", got[1])
	}
}

func TestRuns_Limit(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := cron.RunRecord{JobID: "j1", Status: "ok", StartedAtMs: int64(1000 + i)}
		if err := store.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.Runs(ctx, "j1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("runs = %d, want 3", len(got))
	}
	if got[0].StartedAtMs != 1004 {
		t.Errorf("newest run startedAtMs = %d, want 1004", got[0].StartedAtMs)
	}
}

func TestRuns_UnknownJob(t *testing.T) {
	store := openStore(t)

	got, err := store.Runs(context.Background(), "missing", 10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("runs = %d, want 0", len(got))
	}
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "runs.db")
	store, err := history.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = store.Close() }()
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()

	store, err := history.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Record(ctx, cron.RunRecord{JobID: "j1", Status: "ok", StartedAtMs: 1}); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// Schema migration is idempotent; existing rows survive.
	again, err := history.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = again.Close() }()

	got, err := again.Runs(ctx, "j1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("runs after reopen = %d, want 1", len(got))
	}
}
