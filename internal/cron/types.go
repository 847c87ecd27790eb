// Package cron implements the persistent job scheduler at the core of the
// agent runtime: jobs with at/every/cron schedules are kept in a versioned
// JSON store guarded by a crash-safe file lock, executed by a single periodic
// tick, and reported back to the main session through injected collaborators.
package cron

import (
	"bytes"
	"context"
	"encoding/json"
)

// Schedule kinds.
const (
	ScheduleAt    = "at"    // one-shot absolute instant
	ScheduleEvery = "every" // fixed interval, optionally anchored
	ScheduleCron  = "cron"  // 5-field cron expression, optional IANA timezone
)

// Payload kinds.
const (
	PayloadSystemEvent = "systemEvent"
	PayloadAgentTurn   = "agentTurn"
)

// Session targets.
const (
	TargetMain     = "main"
	TargetIsolated = "isolated"
)

// Wake modes.
const (
	WakeNow           = "now"
	WakeNextHeartbeat = "next-heartbeat"
)

// Run statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Post-to-main modes for isolated jobs.
const (
	PostModeSummary = "summary"
	PostModeFull    = "full"
)

// Schedule is the tagged union of the three schedule kinds. Kind selects
// which fields are meaningful.
type Schedule struct {
	Kind     string `json:"kind"`
	AtMs     int64  `json:"atMs,omitempty"`
	EveryMs  int64  `json:"everyMs,omitempty"`
	AnchorMs int64  `json:"anchorMs,omitempty"`
	Expr     string `json:"expr,omitempty"`
	TZ       string `json:"tz,omitempty"`
}

// Payload is the tagged union of job payloads. Kind selects which fields are
// meaningful: Text for systemEvent, the rest for agentTurn. Provider is a
// legacy spelling of Channel kept only so old stores unmarshal; it is folded
// into Channel on load and never written back.
type Payload struct {
	Kind string `json:"kind"`

	// systemEvent
	Text string `json:"text,omitempty"`

	// agentTurn
	Message           string `json:"message,omitempty"`
	Model             string `json:"model,omitempty"`
	Thinking          string `json:"thinking,omitempty"`
	TimeoutSeconds    int    `json:"timeoutSeconds,omitempty"`
	Deliver           *bool  `json:"deliver,omitempty"`
	Channel           string `json:"channel,omitempty"`
	To                string `json:"to,omitempty"`
	BestEffortDeliver bool   `json:"bestEffortDeliver,omitempty"`

	Provider string `json:"provider,omitempty"`
}

// Isolation controls how an isolated job's result is posted back to the main
// session.
type Isolation struct {
	PostToMainPrefix   string `json:"postToMainPrefix,omitempty"`
	PostToMainMode     string `json:"postToMainMode,omitempty"`
	PostToMainMaxChars int    `json:"postToMainMaxChars,omitempty"`
}

// JobState is the mutable run-state portion of a job.
type JobState struct {
	RunningAtMs    int64  `json:"runningAtMs,omitempty"`
	LastRunAtMs    int64  `json:"lastRunAtMs,omitempty"`
	LastStatus     string `json:"lastStatus,omitempty"`
	LastDurationMs int64  `json:"lastDurationMs,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	NextRunAtMs    int64  `json:"nextRunAtMs,omitempty"`
}

// Optional is a tri-state string: absent, explicit null, or a value. The
// distinction matters for agentId, where null means "no agent" and absent
// means "unset". IsZero makes omitzero drop absent fields entirely.
type Optional struct {
	Present bool
	Value   *string
}

// OptionalOf returns a present Optional holding v.
func OptionalOf(v string) Optional {
	return Optional{Present: true, Value: &v}
}

// OptionalNull returns a present Optional holding an explicit null.
func OptionalNull() Optional {
	return Optional{Present: true}
}

// IsZero implements the encoding/json omitzero contract.
func (o Optional) IsZero() bool { return !o.Present }

// MarshalJSON implements json.Marshaler.
func (o Optional) MarshalJSON() ([]byte, error) {
	if !o.Present || o.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*o.Value)
}

// UnmarshalJSON implements json.Unmarshaler. Being called at all means the
// key was present.
func (o *Optional) UnmarshalJSON(data []byte) error {
	o.Present = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	o.Value = &s
	return nil
}

// OptionalBool is a bool that distinguishes "unset" from an explicit false.
// The distinction matters for enabled, where an omitted field in an add spec
// defaults on instead of silently creating a job that never runs.
type OptionalBool struct {
	Present bool
	Value   bool
}

// BoolOf returns a present OptionalBool holding v.
func BoolOf(v bool) OptionalBool {
	return OptionalBool{Present: true, Value: v}
}

// MarshalJSON implements json.Marshaler. The store always writes the value.
func (b OptionalBool) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Value)
}

// UnmarshalJSON implements json.Unmarshaler. Being called at all means the
// key was present.
func (b *OptionalBool) UnmarshalJSON(data []byte) error {
	b.Present = true
	return json.Unmarshal(data, &b.Value)
}

// Job is the unit of schedulable work.
type Job struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	Enabled        OptionalBool `json:"enabled"`
	DeleteAfterRun bool         `json:"deleteAfterRun,omitempty"`
	AgentID        Optional     `json:"agentId,omitzero"`
	Schedule       Schedule     `json:"schedule"`
	SessionTarget  string       `json:"sessionTarget"`
	WakeMode       string       `json:"wakeMode,omitempty"`
	Payload        Payload      `json:"payload"`
	Isolation      *Isolation   `json:"isolation,omitempty"`
	State          JobState     `json:"state"`
	CreatedAtMs    int64        `json:"createdAtMs"`
	UpdatedAtMs    int64        `json:"updatedAtMs"`
}

// Clone returns a deep copy, so callers can hand jobs across goroutines
// without aliasing the store's slices.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Isolation != nil {
		iso := *j.Isolation
		cp.Isolation = &iso
	}
	if j.Payload.Deliver != nil {
		d := *j.Payload.Deliver
		cp.Payload.Deliver = &d
	}
	if j.AgentID.Value != nil {
		v := *j.AgentID.Value
		cp.AgentID.Value = &v
	}
	return &cp
}

// Patch is a partial update applied by Update. Pointer fields distinguish
// "leave alone" from "set"; AgentID uses Optional for the same reason.
type Patch struct {
	Name           *string   `json:"name,omitempty"`
	Description    *string   `json:"description,omitempty"`
	Enabled        *bool     `json:"enabled,omitempty"`
	DeleteAfterRun *bool     `json:"deleteAfterRun,omitempty"`
	AgentID        Optional  `json:"agentId,omitzero"`
	Schedule       *Schedule `json:"schedule,omitempty"`
	SessionTarget  *string   `json:"sessionTarget,omitempty"`
	WakeMode       *string   `json:"wakeMode,omitempty"`
	Payload        *Payload  `json:"payload,omitempty"`
	Isolation      *Isolation `json:"isolation,omitempty"`
}

// SystemEventOptions qualifies an enqueued system event.
type SystemEventOptions struct {
	// AgentID routes the event to a specific agent's main session; nil means
	// the default agent.
	AgentID *string
}

// SystemEventSink receives system events destined for the main session.
type SystemEventSink interface {
	EnqueueSystemEvent(ctx context.Context, text string, opts SystemEventOptions) error
}

// HeartbeatWaker nudges the heartbeat loop without waiting for it.
type HeartbeatWaker interface {
	RequestHeartbeatNow()
}

// HeartbeatResult reports one completed heartbeat cycle.
type HeartbeatResult struct {
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs"`
}

// HeartbeatRunner runs one heartbeat cycle synchronously. Optional: when
// absent, wakeMode "now" falls back to the fire-and-forget waker.
type HeartbeatRunner interface {
	RunHeartbeatOnce(ctx context.Context) (HeartbeatResult, error)
}

// AgentRunResult is the outcome of one isolated agent turn.
type AgentRunResult struct {
	Status  string `json:"status"` // "ok" or "error"
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AgentRunner executes one isolated agent turn for an agentTurn job.
type AgentRunner interface {
	RunIsolatedJob(ctx context.Context, job *Job) (AgentRunResult, error)
}

// RunRecord is one entry of a job's run history.
type RunRecord struct {
	JobID       string `json:"jobId"`
	JobName     string `json:"jobName,omitempty"`
	Status      string `json:"status"`
	StartedAtMs int64  `json:"startedAtMs"`
	DurationMs  int64  `json:"durationMs"`
	Error       string `json:"error,omitempty"`
	Summary     string `json:"summary,omitempty"`
}

// RunRecorder persists run history. Best effort: recorder failures are logged
// and never fail the run itself.
type RunRecorder interface {
	Record(ctx context.Context, rec RunRecord) error
	Runs(ctx context.Context, jobID string, limit int) ([]RunRecord, error)
}

// Collaborators are the external capabilities the scheduler needs from the
// surrounding system, injected at construction. Events is required; the rest
// degrade gracefully when nil.
type Collaborators struct {
	Events SystemEventSink
	Waker  HeartbeatWaker
	Runner HeartbeatRunner
	Agent  AgentRunner
}
