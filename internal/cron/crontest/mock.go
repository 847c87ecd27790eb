// Package crontest provides collaborator mocks for scheduler tests.
package crontest

import (
	"context"
	"sync"
	"time"

	"github.com/pulsehq/pulse/internal/cron"
)

// EventSink records enqueued system events.
type EventSink struct {
	mu     sync.Mutex
	events []RecordedEvent
	Err    error // returned from EnqueueSystemEvent when set
}

// RecordedEvent is one captured system event.
type RecordedEvent struct {
	Text    string
	AgentID *string
}

// EnqueueSystemEvent implements cron.SystemEventSink.
func (s *EventSink) EnqueueSystemEvent(_ context.Context, text string, opts cron.SystemEventOptions) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, RecordedEvent{Text: text, AgentID: opts.AgentID})
	return nil
}

// Events returns a copy of the captured events.
func (s *EventSink) Events() []RecordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Texts returns just the event texts, in order.
func (s *EventSink) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Text
	}
	return out
}

// AgentStub implements cron.AgentRunner with a canned result. Delay, when
// set, makes each run take that long, for tests exercising slow payloads.
type AgentStub struct {
	mu     sync.Mutex
	calls  []*cron.Job
	Result cron.AgentRunResult
	Err    error
	Delay  time.Duration
}

// RunIsolatedJob implements cron.AgentRunner.
func (a *AgentStub) RunIsolatedJob(_ context.Context, job *cron.Job) (cron.AgentRunResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, job)
	a.mu.Unlock()
	if a.Delay > 0 {
		time.Sleep(a.Delay)
	}
	if a.Err != nil {
		return cron.AgentRunResult{}, a.Err
	}
	return a.Result, nil
}

// Calls returns the jobs the stub was invoked with.
func (a *AgentStub) Calls() []*cron.Job {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*cron.Job, len(a.calls))
	copy(out, a.calls)
	return out
}

// Waker counts fire-and-forget heartbeat requests.
type Waker struct {
	mu    sync.Mutex
	count int
}

// RequestHeartbeatNow implements cron.HeartbeatWaker.
func (w *Waker) RequestHeartbeatNow() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.count++
}

// Count returns how many times the waker fired.
func (w *Waker) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// HeartbeatStub implements cron.HeartbeatRunner synchronously.
type HeartbeatStub struct {
	mu     sync.Mutex
	count  int
	Result cron.HeartbeatResult
	Err    error
}

// RunHeartbeatOnce implements cron.HeartbeatRunner.
func (h *HeartbeatStub) RunHeartbeatOnce(_ context.Context) (cron.HeartbeatResult, error) {
	h.mu.Lock()
	h.count++
	h.mu.Unlock()
	if h.Err != nil {
		return cron.HeartbeatResult{}, h.Err
	}
	return h.Result, nil
}

// Count returns how many cycles ran.
func (h *HeartbeatStub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Recorder is an in-memory cron.RunRecorder.
type Recorder struct {
	mu   sync.Mutex
	recs []cron.RunRecord
}

// Record implements cron.RunRecorder.
func (r *Recorder) Record(_ context.Context, rec cron.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

// Runs implements cron.RunRecorder.
func (r *Recorder) Runs(_ context.Context, jobID string, limit int) ([]cron.RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []cron.RunRecord
	for i := len(r.recs) - 1; i >= 0 && len(out) < limit; i-- {
		if r.recs[i].JobID == jobID {
			out = append(out, r.recs[i])
		}
	}
	return out, nil
}
