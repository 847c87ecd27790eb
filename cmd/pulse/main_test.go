package main

import (
	"strings"
	"testing"
	"time"

	"github.com/pulsehq/pulse/internal/cron"
)

func TestJobFromFlags_Every(t *testing.T) {
	t.Parallel()

	cmd := cronAddCmd()
	if err := cmd.Flags().Set("every", "30m"); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Flags().Set("text", "check feeds"); err != nil {
		t.Fatal(err)
	}

	job, err := jobFromFlags(cmd, "feeds")
	if err != nil {
		t.Fatalf("jobFromFlags: %v", err)
	}
	if job.Schedule.Kind != cron.ScheduleEvery || job.Schedule.EveryMs != 30*60*1000 {
		t.Errorf("schedule = %+v", job.Schedule)
	}
	if job.Payload.Kind != cron.PayloadSystemEvent || job.Payload.Text != "check feeds" {
		t.Errorf("payload = %+v", job.Payload)
	}
	if !job.Enabled.Value {
		t.Error("job should default to enabled")
	}
}

func TestJobFromFlags_IsolatedCron(t *testing.T) {
	t.Parallel()

	cmd := cronAddCmd()
	for flag, value := range map[string]string{
		"cron":    "0 8 * * *",
		"tz":      "Europe/Paris",
		"target":  cron.TargetIsolated,
		"message": "summarize inbox",
	} {
		if err := cmd.Flags().Set(flag, value); err != nil {
			t.Fatal(err)
		}
	}

	job, err := jobFromFlags(cmd, "digest")
	if err != nil {
		t.Fatalf("jobFromFlags: %v", err)
	}
	if job.Schedule.Kind != cron.ScheduleCron || job.Schedule.TZ != "Europe/Paris" {
		t.Errorf("schedule = %+v", job.Schedule)
	}
	if job.Payload.Kind != cron.PayloadAgentTurn || job.Payload.Message != "summarize inbox" {
		t.Errorf("payload = %+v", job.Payload)
	}
}

func TestJobFromFlags_RequiresSchedule(t *testing.T) {
	t.Parallel()

	if _, err := jobFromFlags(cronAddCmd(), "bare"); err == nil {
		t.Fatal("a job without a schedule flag was accepted")
	}
}

func TestDescribeSchedule(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC).UnixMilli()
	tests := []struct {
		schedule cron.Schedule
		want     string
	}{
		{cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: 90_000}, "every 1m30s"},
		{cron.Schedule{Kind: cron.ScheduleCron, Expr: "0 8 * * *"}, "cron 0 8 * * *"},
		{cron.Schedule{Kind: cron.ScheduleCron, Expr: "0 8 * * *", TZ: "UTC"}, "cron 0 8 * * * (UTC)"},
	}
	for _, tt := range tests {
		if got := describeSchedule(tt.schedule); got != tt.want {
			t.Errorf("describeSchedule(%+v) = %q, want %q", tt.schedule, got, tt.want)
		}
	}
	if got := describeSchedule(cron.Schedule{Kind: cron.ScheduleAt, AtMs: at}); !strings.HasPrefix(got, "at ") {
		t.Errorf("describeSchedule(at) = %q", got)
	}
}
