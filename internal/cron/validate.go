package cron

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors surface synchronously to the caller of Add/Update and
// never touch the store.
var (
	ErrMainRequiresSystemEvent   = errors.New("cron: main cron jobs require systemEvent payloads")
	ErrIsolatedRequiresAgentTurn = errors.New("cron: isolated cron jobs require agentTurn payloads")
)

// InvalidSpecError marks a job spec rejection so callers can distinguish
// validation failures from persistence or execution errors. Unwrap exposes the
// specific violation.
type InvalidSpecError struct {
	Err error
}

func (e *InvalidSpecError) Error() string { return e.Err.Error() }
func (e *InvalidSpecError) Unwrap() error { return e.Err }

// Normalize canonicalizes free-form fields in place: trimmed names,
// lower-cased discriminators, defaulted wake mode and enabled flag.
// Idempotent.
func Normalize(job *Job) {
	job.ID = strings.TrimSpace(job.ID)
	job.Name = strings.TrimSpace(job.Name)
	job.Schedule.Kind = strings.ToLower(strings.TrimSpace(job.Schedule.Kind))
	job.Schedule.TZ = strings.TrimSpace(job.Schedule.TZ)
	job.Schedule.Expr = strings.TrimSpace(job.Schedule.Expr)
	job.SessionTarget = strings.ToLower(strings.TrimSpace(job.SessionTarget))
	job.WakeMode = strings.ToLower(strings.TrimSpace(job.WakeMode))
	if job.WakeMode == "" {
		job.WakeMode = WakeNextHeartbeat
	}
	// An omitted enabled field means on; only an explicit false disables.
	if !job.Enabled.Present {
		job.Enabled = BoolOf(true)
	}
	job.Payload.Channel = strings.ToLower(strings.TrimSpace(job.Payload.Channel))
	MigratePayload(&job.Payload)
}

// MigratePayload folds the legacy provider field into channel (lower-cased)
// and drops the provider key. Idempotent: an already-migrated payload is
// untouched. Reports whether anything changed.
func MigratePayload(p *Payload) bool {
	if p.Provider == "" {
		return false
	}
	if p.Channel == "" {
		p.Channel = strings.ToLower(strings.TrimSpace(p.Provider))
	}
	p.Provider = ""
	return true
}

// ValidateTarget enforces the session-target/payload invariant: main jobs
// carry systemEvent payloads, isolated jobs carry agentTurn payloads.
func ValidateTarget(job *Job) error {
	switch job.SessionTarget {
	case TargetMain:
		if job.Payload.Kind != PayloadSystemEvent {
			return fmt.Errorf("%w (got payload kind %q)", ErrMainRequiresSystemEvent, job.Payload.Kind)
		}
	case TargetIsolated:
		if job.Payload.Kind != PayloadAgentTurn {
			return fmt.Errorf("%w (got payload kind %q)", ErrIsolatedRequiresAgentTurn, job.Payload.Kind)
		}
	default:
		return fmt.Errorf("cron: unknown session target %q", job.SessionTarget)
	}
	return nil
}

// ValidateSpec checks everything that must hold before a job is accepted:
// name, schedule shape, payload contents, wake mode, and the
// session-target/payload invariant. Called by Add and Update after Normalize.
func ValidateSpec(job *Job) error {
	if job.Name == "" {
		return errors.New("cron: job name is required")
	}

	if err := validateSchedule(job.Schedule); err != nil {
		return err
	}

	switch job.WakeMode {
	case WakeNow, WakeNextHeartbeat:
	default:
		return fmt.Errorf("cron: unknown wake mode %q", job.WakeMode)
	}

	if err := ValidateTarget(job); err != nil {
		return err
	}

	switch job.Payload.Kind {
	case PayloadSystemEvent:
		if strings.TrimSpace(job.Payload.Text) == "" {
			return errors.New("cron: systemEvent payload requires text")
		}
	case PayloadAgentTurn:
		if strings.TrimSpace(job.Payload.Message) == "" {
			return errors.New("cron: agentTurn payload requires a message")
		}
		if job.Payload.TimeoutSeconds < 0 {
			return errors.New("cron: agentTurn timeoutSeconds must not be negative")
		}
	}

	if job.Isolation != nil {
		switch job.Isolation.PostToMainMode {
		case "", PostModeSummary, PostModeFull:
		default:
			return fmt.Errorf("cron: unknown postToMainMode %q", job.Isolation.PostToMainMode)
		}
		if job.Isolation.PostToMainMaxChars < 0 {
			return errors.New("cron: postToMainMaxChars must not be negative")
		}
	}

	if job.DeleteAfterRun && job.Schedule.Kind != ScheduleAt {
		return errors.New("cron: deleteAfterRun is only meaningful for one-shot (at) schedules")
	}

	return nil
}

func validateSchedule(s Schedule) error {
	switch s.Kind {
	case ScheduleAt:
		if s.AtMs <= 0 {
			return errors.New("cron: at schedule requires atMs")
		}
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return errors.New("cron: every schedule requires a positive everyMs")
		}
		if s.AnchorMs < 0 {
			return errors.New("cron: anchorMs must not be negative")
		}
	case ScheduleCron:
		if s.Expr == "" {
			return errors.New("cron: cron schedule requires an expression")
		}
		if _, err := ParseCronExpr(s.Expr, s.TZ); err != nil {
			return err
		}
	default:
		return fmt.Errorf("cron: unknown schedule kind %q", s.Kind)
	}
	return nil
}
