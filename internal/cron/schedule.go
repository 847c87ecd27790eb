package cron

import (
	"fmt"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions (minute, hour, day-of-month,
// month, day-of-week). Parse also understands a CRON_TZ= prefix, which is how
// the optional IANA timezone is threaded through.
var cronParser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow,
)

// ParseCronExpr validates and compiles a 5-field cron expression with an
// optional IANA timezone. Invalid expressions are a creation-time error.
func ParseCronExpr(expr, tz string) (robfig.Schedule, error) {
	spec := expr
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("cron: invalid timezone %q: %w", tz, err)
		}
		spec = "CRON_TZ=" + tz + " " + expr
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("cron: invalid expression %q: %w", expr, err)
	}
	return sched, nil
}

// NextRun computes the next run instant for a schedule, in Unix milliseconds.
// lastRunMs is zero when the job has never run; createdAtMs anchors unanchored
// interval schedules. The second return is false when the job will never run
// again (exhausted one-shot, invalid schedule).
//
// Misfire policy: an instant in the past is returned as-is, so a due time
// missed during downtime makes the job due immediately on the next tick; the
// cadence afterwards is recomputed from the original anchor, never by
// replaying missed occurrences.
func NextRun(s Schedule, nowMs, lastRunMs, createdAtMs int64) (int64, bool) {
	switch s.Kind {
	case ScheduleAt:
		if lastRunMs > 0 {
			return 0, false
		}
		if s.AtMs <= 0 {
			return 0, false
		}
		return s.AtMs, true

	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return 0, false
		}
		anchor := s.AnchorMs
		if anchor <= 0 {
			anchor = createdAtMs
		}
		if anchor >= nowMs {
			return anchor, true
		}
		// Smallest anchor + k*every >= now: only the next future instant,
		// never a backlog of missed ticks.
		k := (nowMs - anchor + s.EveryMs - 1) / s.EveryMs
		return anchor + k*s.EveryMs, true

	case ScheduleCron:
		sched, err := ParseCronExpr(s.Expr, s.TZ)
		if err != nil {
			return 0, false
		}
		next := sched.Next(time.UnixMilli(nowMs))
		if next.IsZero() {
			return 0, false
		}
		return next.UnixMilli(), true
	}
	return 0, false
}
