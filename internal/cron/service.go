package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsehq/pulse/internal/lockfile"
)

// ErrNotFound is returned when a job id does not exist in the store.
var ErrNotFound = errors.New("cron: job not found")

// DefaultTickInterval is the scheduler's timer period. One periodic timer per
// process; no per-job timers or sub-second precision.
const DefaultTickInterval = 15 * time.Second

// Config holds Service construction parameters.
type Config struct {
	// StorePath is the job store file. Required.
	StorePath string

	// TickInterval is the scheduler timer period. Defaults to
	// DefaultTickInterval.
	TickInterval time.Duration

	// Enabled gates the background tick loop. RPC operations (including
	// force-run) work either way.
	Enabled bool

	// LockOpts bound store lock acquisition and staleness.
	LockOpts lockfile.Options

	Logger *slog.Logger

	// Now is injectable for tests. Defaults to time.Now.
	Now func() time.Time

	// History records run outcomes; best effort, may be nil.
	History RunRecorder
}

// StatusInfo is the cron.status result.
type StatusInfo struct {
	Enabled   bool   `json:"enabled"`
	StorePath string `json:"storePath"`
}

// RunListener observes completed runs (gateway event feed, metrics).
type RunListener func(RunRecord)

// Service orchestrates the scheduler: ticks, due selection, invariant
// enforcement, payload execution through collaborators, state updates, and
// persistence. All store mutations from this process are serialized by mu;
// cross-process exclusion comes from the store's file lock.
type Service struct {
	cfg    Config
	store  *Store
	collab Collaborators
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex

	lmu       sync.Mutex
	listeners []RunListener

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a Service. The Events collaborator is required; Agent,
// Waker, Runner, and History degrade gracefully when absent.
func NewService(cfg Config, locks *lockfile.Registry, collab Collaborators) (*Service, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("cron: store path is required")
	}
	if collab.Events == nil {
		return nil, errors.New("cron: nil SystemEventSink")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger.With("component", "cron")
	return &Service{
		cfg:    cfg,
		store:  NewStore(cfg.StorePath, locks, cfg.LockOpts, logger),
		collab: collab,
		logger: logger,
		now:    cfg.Now,
	}, nil
}

// Subscribe registers a listener for completed runs. Must be called before
// Start.
func (s *Service) Subscribe(fn RunListener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start clears stale running markers left by a crash and, when enabled,
// begins the tick loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	err := s.store.Update(func(jobs []*Job) ([]*Job, error) {
		for _, job := range jobs {
			// A running marker can only be ours; a previous process that
			// died mid-run never cleared it.
			job.State.RunningAtMs = 0
		}
		return jobs, nil
	})
	s.mu.Unlock()
	if err != nil {
		// A corrupt or contended store must not keep the scheduler down;
		// every tick reloads, so recovery happens as soon as the store does.
		s.logger.Error("recovering store at start failed", "error", err)
	}

	if !s.cfg.Enabled {
		s.logger.Info("scheduler disabled, tick loop not started", "store", s.cfg.StorePath)
		return nil
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return errors.New("cron: already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
	s.logger.Info("scheduler started", "store", s.cfg.StorePath, "tick", s.cfg.TickInterval)
	return nil
}

// Stop halts the tick loop and waits for an in-flight tick to settle. A
// running job is never interrupted mid-execution.
func (s *Service) Stop(ctx context.Context) error {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick scans for due jobs and runs each to completion in turn. Exported for
// deterministic use from tests and tooling; the background loop calls it on
// every timer fire.
func (s *Service) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.store.Load()
	if err != nil {
		s.logger.Error("tick: loading store failed", "error", err)
		return
	}

	nowMs := s.now().UnixMilli()
	var due []string
	for _, job := range jobs {
		if !job.Enabled.Value || job.State.RunningAtMs != 0 {
			continue
		}
		if ValidateTarget(job) != nil {
			continue
		}
		if job.State.NextRunAtMs > 0 && job.State.NextRunAtMs <= nowMs {
			due = append(due, job.ID)
		}
	}

	for _, id := range due {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.executeLocked(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Error("tick: job execution failed", "job", id, "error", err)
		}
	}
}

// Status reports the scheduler enabled flag and store path.
func (s *Service) Status() StatusInfo {
	return StatusInfo{Enabled: s.cfg.Enabled, StorePath: s.cfg.StorePath}
}

// List returns a snapshot of jobs, disabled ones included on request.
func (s *Service) List(includeDisabled bool) ([]*Job, error) {
	jobs, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(jobs))
	for _, job := range jobs {
		if !includeDisabled && !job.Enabled.Value {
			continue
		}
		out = append(out, job.Clone())
	}
	slices.SortFunc(out, func(a, b *Job) int {
		if a.CreatedAtMs != b.CreatedAtMs {
			if a.CreatedAtMs < b.CreatedAtMs {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Add validates spec, assigns id and timestamps, computes the initial next
// run, persists, and returns the job. Validation errors never touch the
// store.
func (s *Service) Add(spec *Job) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := spec.Clone()
	Normalize(job)
	if err := ValidateSpec(job); err != nil {
		return nil, &InvalidSpecError{Err: err}
	}

	nowMs := s.now().UnixMilli()
	job.ID = uuid.NewString()
	job.CreatedAtMs = nowMs
	job.UpdatedAtMs = nowMs
	job.State = JobState{}
	if next, ok := NextRun(job.Schedule, nowMs, 0, nowMs); ok {
		job.State.NextRunAtMs = next
	}

	err := s.store.Update(func(jobs []*Job) ([]*Job, error) {
		return append(jobs, job), nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("job added", "job", job.ID, "name", job.Name, "kind", job.Schedule.Kind)
	return job.Clone(), nil
}

// Update merges a patch into the job, revalidates, recomputes the schedule
// when it changed, and persists. Invalid patches leave the store untouched.
func (s *Service) Update(id string, patch Patch) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated *Job
	err := s.store.Update(func(jobs []*Job) ([]*Job, error) {
		job := findJob(jobs, id)
		if job == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		scheduleChanged := applyPatch(job, patch)
		Normalize(job)
		if err := ValidateSpec(job); err != nil {
			return nil, &InvalidSpecError{Err: err}
		}

		nowMs := s.now().UnixMilli()
		job.UpdatedAtMs = nowMs
		if !scheduleChanged && job.Enabled.Value && job.State.NextRunAtMs == 0 {
			// Re-enabling a paused job revives its cadence.
			scheduleChanged = true
		}
		if scheduleChanged {
			job.State.NextRunAtMs = 0
			if next, ok := NextRun(job.Schedule, nowMs, job.State.LastRunAtMs, job.CreatedAtMs); ok {
				job.State.NextRunAtMs = next
			}
		}
		updated = job.Clone()
		return jobs, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Remove deletes the job and persists.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store.Update(func(jobs []*Job) ([]*Job, error) {
		idx := slices.IndexFunc(jobs, func(j *Job) bool { return j.ID == id })
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return slices.Delete(jobs, idx, idx+1), nil
	})
}

// Run executes the job immediately regardless of its schedule and returns the
// updated job. The call is awaited end-to-end and serialized with scheduled
// ticks.
func (s *Service) Run(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executeLocked(ctx, id)
}

// Runs returns the job's run history, newest first. Best effort.
func (s *Service) Runs(ctx context.Context, id string) ([]RunRecord, error) {
	if s.cfg.History == nil {
		return nil, nil
	}
	return s.cfg.History.Runs(ctx, id, 50)
}

// executeLocked runs one job to completion: mark running, execute the
// payload, record the outcome, recompute the schedule, persist, and
// coordinate the heartbeat wake. Caller holds s.mu.
func (s *Service) executeLocked(ctx context.Context, id string) (*Job, error) {
	startMs := s.now().UnixMilli()

	// Phase 1: mark running and snapshot, so a concurrent process observes
	// the job as busy while the (possibly slow) payload executes.
	var snapshot *Job
	err := s.store.Update(func(jobs []*Job) ([]*Job, error) {
		job := findJob(jobs, id)
		if job == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := ValidateTarget(job); err != nil {
			return nil, err
		}
		job.State.RunningAtMs = startMs
		snapshot = job.Clone()
		return jobs, nil
	})
	if err != nil {
		return nil, err
	}

	// Phase 2: execute without holding the file lock; collaborator calls may
	// take minutes and must not starve out-of-process readers.
	status, summary, runErr := s.executePayload(ctx, snapshot)

	endMs := s.now().UnixMilli()
	durationMs := endMs - startMs

	// Phase 3: record state, finalize one-shots, recompute the schedule.
	deleted := false
	var updated *Job
	err = s.store.Update(func(jobs []*Job) ([]*Job, error) {
		job := findJob(jobs, id)
		if job == nil {
			// Removed while running; nothing to finalize.
			return jobs, nil
		}
		job.State.RunningAtMs = 0
		job.State.LastRunAtMs = startMs
		job.State.LastStatus = status
		job.State.LastDurationMs = durationMs
		job.State.LastError = ""
		if runErr != nil {
			job.State.LastError = runErr.Error()
		}
		job.UpdatedAtMs = endMs

		if job.Schedule.Kind == ScheduleAt {
			job.State.NextRunAtMs = 0
			if status == StatusOK {
				if job.DeleteAfterRun {
					deleted = true
					idx := slices.IndexFunc(jobs, func(j *Job) bool { return j.ID == id })
					return slices.Delete(jobs, idx, idx+1), nil
				}
				job.Enabled = BoolOf(false)
			}
		} else {
			job.State.NextRunAtMs = 0
			if next, ok := NextRun(job.Schedule, endMs, startMs, job.CreatedAtMs); ok {
				job.State.NextRunAtMs = next
			}
		}
		updated = job.Clone()
		return jobs, nil
	})
	if err != nil {
		return nil, err
	}

	rec := RunRecord{
		JobID:       id,
		JobName:     snapshot.Name,
		Status:      status,
		StartedAtMs: startMs,
		DurationMs:  durationMs,
		Summary:     summary,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if s.cfg.History != nil {
		if err := s.cfg.History.Record(ctx, rec); err != nil {
			s.logger.Warn("recording run history failed", "job", id, "error", err)
		}
	}
	s.notify(rec)

	s.logger.Info("job ran",
		"job", id,
		"name", snapshot.Name,
		"status", status,
		"duration_ms", durationMs,
	)

	s.wake(ctx, snapshot)

	if deleted {
		// The stored job is gone; report the snapshot with its final state so
		// the caller does not see a phantom still-running job.
		snapshot.State.RunningAtMs = 0
		snapshot.State.LastRunAtMs = startMs
		snapshot.State.LastStatus = status
		snapshot.State.LastDurationMs = durationMs
		snapshot.State.LastError = ""
		snapshot.State.NextRunAtMs = 0
		snapshot.UpdatedAtMs = endMs
		return snapshot, nil
	}
	return updated, nil
}

// executePayload dispatches on payload kind. Errors are captured, never
// propagated as tick failures.
func (s *Service) executePayload(ctx context.Context, job *Job) (status, summary string, runErr error) {
	switch job.Payload.Kind {
	case PayloadSystemEvent:
		err := s.collab.Events.EnqueueSystemEvent(ctx, job.Payload.Text, SystemEventOptions{
			AgentID: job.AgentID.Value,
		})
		if err != nil {
			return StatusError, "", fmt.Errorf("cron: enqueue system event: %w", err)
		}
		return StatusOK, job.Payload.Text, nil

	case PayloadAgentTurn:
		if s.collab.Agent == nil {
			return StatusError, "", errors.New("cron: no agent runner configured")
		}
		res, err := s.collab.Agent.RunIsolatedJob(ctx, job)
		if err != nil {
			res = AgentRunResult{Status: StatusError, Error: err.Error()}
		}
		if res.Status != StatusOK {
			if res.Error != "" {
				err = errors.New(res.Error)
			} else {
				err = errors.New("cron: isolated agent run failed")
			}
		} else {
			err = nil
		}
		s.postToMain(ctx, job, res)
		return res.Status, res.Summary, err

	default:
		return StatusError, "", fmt.Errorf("cron: unknown payload kind %q", job.Payload.Kind)
	}
}

// postToMain synthesizes the completion event back into the main session,
// honoring isolation settings and sentinel suppression.
func (s *Service) postToMain(ctx context.Context, job *Job, res AgentRunResult) {
	text, ok := formatPostToMain(job, res)
	if !ok {
		s.logger.Debug("post-to-main suppressed", "job", job.ID)
		return
	}
	err := s.collab.Events.EnqueueSystemEvent(ctx, text, SystemEventOptions{
		AgentID: job.AgentID.Value,
	})
	if err != nil {
		s.logger.Warn("post-to-main failed", "job", job.ID, "error", err)
	}
}

// wake nudges the heartbeat subsystem after a run. "now" awaits a synchronous
// cycle when one is available so the caller observes its side effects;
// "next-heartbeat" leaves the enqueued events for the loop's own cadence.
func (s *Service) wake(ctx context.Context, job *Job) {
	if job.WakeMode != WakeNow {
		return
	}
	if s.collab.Runner != nil {
		res, err := s.collab.Runner.RunHeartbeatOnce(ctx)
		if err != nil {
			s.logger.Warn("synchronous heartbeat run failed", "job", job.ID, "error", err)
			return
		}
		s.logger.Debug("heartbeat ran", "job", job.ID, "status", res.Status, "duration_ms", res.DurationMs)
		return
	}
	if s.collab.Waker != nil {
		s.collab.Waker.RequestHeartbeatNow()
	}
}

func (s *Service) notify(rec RunRecord) {
	s.lmu.Lock()
	listeners := slices.Clone(s.listeners)
	s.lmu.Unlock()
	for _, fn := range listeners {
		fn(rec)
	}
}

func findJob(jobs []*Job, id string) *Job {
	for _, job := range jobs {
		if job.ID == id {
			return job
		}
	}
	return nil
}

// applyPatch merges set fields into job and reports whether the schedule
// changed.
func applyPatch(job *Job, p Patch) bool {
	if p.Name != nil {
		job.Name = *p.Name
	}
	if p.Description != nil {
		job.Description = *p.Description
	}
	if p.Enabled != nil {
		job.Enabled = BoolOf(*p.Enabled)
	}
	if p.DeleteAfterRun != nil {
		job.DeleteAfterRun = *p.DeleteAfterRun
	}
	if p.AgentID.Present {
		job.AgentID = p.AgentID
	}
	if p.SessionTarget != nil {
		job.SessionTarget = *p.SessionTarget
	}
	if p.WakeMode != nil {
		job.WakeMode = *p.WakeMode
	}
	if p.Payload != nil {
		job.Payload = *p.Payload
	}
	if p.Isolation != nil {
		iso := *p.Isolation
		job.Isolation = &iso
	}
	if p.Schedule != nil {
		job.Schedule = *p.Schedule
		return true
	}
	return false
}
