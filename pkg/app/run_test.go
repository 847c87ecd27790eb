package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pulsehq/pulse/internal/cron"
	"github.com/pulsehq/pulse/internal/heartbeat"
)

type captureRunner struct {
	job    *cron.Job
	result cron.AgentRunResult
	err    error
}

func (c *captureRunner) RunIsolatedJob(_ context.Context, job *cron.Job) (cron.AgentRunResult, error) {
	c.job = job
	return c.result, c.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMainCycle_BundlesEventsIntoOneTurn(t *testing.T) {
	t.Parallel()

	runner := &captureRunner{result: cron.AgentRunResult{Status: cron.StatusOK, Summary: "done"}}
	cycle := newMainCycle(testLogger(), runner)

	events := []heartbeat.Event{
		{Text: "backup finished", EnqueuedAt: time.Now()},
		{Text: "disk at 80%", EnqueuedAt: time.Now()},
	}
	if err := cycle.RunCycle(context.Background(), events); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if runner.job == nil {
		t.Fatal("agent was not invoked")
	}
	if runner.job.SessionTarget != cron.TargetIsolated || runner.job.Payload.Kind != cron.PayloadAgentTurn {
		t.Errorf("job = %+v", runner.job)
	}
	msg := runner.job.Payload.Message
	if !strings.Contains(msg, "backup finished") || !strings.Contains(msg, "disk at 80%") {
		t.Errorf("message does not carry all events: %q", msg)
	}
}

func TestMainCycle_AgentErrorPropagates(t *testing.T) {
	t.Parallel()

	runner := &captureRunner{err: errors.New("boom")}
	cycle := newMainCycle(testLogger(), runner)

	err := cycle.RunCycle(context.Background(), []heartbeat.Event{{Text: "hello"}})
	if err == nil {
		t.Fatal("agent error was swallowed")
	}
}

func TestMainCycle_FailedStatusIsAnError(t *testing.T) {
	t.Parallel()

	runner := &captureRunner{result: cron.AgentRunResult{Status: cron.StatusError, Error: "rate limited"}}
	cycle := newMainCycle(testLogger(), runner)

	err := cycle.RunCycle(context.Background(), []heartbeat.Event{{Text: "hello"}})
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("err = %v, want the agent failure surfaced", err)
	}
}

func TestMainCycle_NoRunnerLogsAndSucceeds(t *testing.T) {
	t.Parallel()

	cycle := newMainCycle(testLogger(), nil)
	if err := cycle.RunCycle(context.Background(), []heartbeat.Event{{Text: "hello"}}); err != nil {
		t.Fatalf("RunCycle without a runner: %v", err)
	}
}

func TestResolveConfigPath_PrefersXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	want := filepath.Join(dir, "pulse", "pulse.yaml")
	if err := os.MkdirAll(filepath.Dir(want), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(want, []byte("version: \"1\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ResolveConfigPath()
	if err != nil {
		t.Fatalf("ResolveConfigPath: %v", err)
	}
	if got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
}

func TestResolveConfigPath_NothingFound(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	oldWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(oldWd) })

	if _, err := ResolveConfigPath(); err == nil {
		t.Fatal("expected an error when no config file exists")
	}
}
