// Package heartbeat drives the main session's periodic agent cycle and queues
// system events for delivery on the next cycle.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pulsehq/pulse/internal/cron"
)

// Sentinel errors for heartbeat operations.
var (
	ErrAlreadyStarted = errors.New("heartbeat: already started")
	ErrNotStarted     = errors.New("heartbeat: not started")
	ErrInvalidQuiet   = errors.New("heartbeat: invalid quiet hours format")
)

// QuietHours defines a blackout window during which scheduled heartbeats are
// suppressed. Format: "HH:MM-HH:MM" (24-hour). Supports midnight wrap
// (e.g., "23:00-07:00"). Explicit wake requests bypass the window.
type QuietHours struct {
	Start time.Duration // offset from midnight
	End   time.Duration
}

// ParseQuietHours parses a "HH:MM-HH:MM" string into QuietHours.
func ParseQuietHours(s string) (QuietHours, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return QuietHours{}, fmt.Errorf("%w: expected HH:MM-HH:MM, got %q", ErrInvalidQuiet, s)
	}

	start, err := parseTimeOffset(strings.TrimSpace(parts[0]))
	if err != nil {
		return QuietHours{}, fmt.Errorf("%w: start: %w", ErrInvalidQuiet, err)
	}

	end, err := parseTimeOffset(strings.TrimSpace(parts[1]))
	if err != nil {
		return QuietHours{}, fmt.Errorf("%w: end: %w", ErrInvalidQuiet, err)
	}

	return QuietHours{Start: start, End: end}, nil
}

// parseTimeOffset parses "HH:MM" into a Duration from midnight.
func parseTimeOffset(s string) (time.Duration, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}

	var h, m int
	if _, err := fmt.Sscanf(parts[0], "%d", &h); err != nil {
		return 0, fmt.Errorf("invalid hour: %q", parts[0])
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &m); err != nil {
		return 0, fmt.Errorf("invalid minute: %q", parts[1])
	}

	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("out of range: %02d:%02d", h, m)
	}

	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// IsQuiet reports whether t falls within the quiet window.
// The caller is responsible for converting t to the desired timezone.
func (q QuietHours) IsQuiet(t time.Time) bool {
	offset := time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second

	if q.Start <= q.End {
		// Normal range: e.g., 02:00-06:00
		return offset >= q.Start && offset < q.End
	}
	// Midnight wrap: e.g., 23:00-07:00
	return offset >= q.Start || offset < q.End
}

// Event is a queued system event awaiting the next cycle.
type Event struct {
	Text       string
	AgentID    *string
	EnqueuedAt time.Time
}

// CycleRunner executes one main-session agent cycle over the pending events
// (breaks the dependency on the agent loop).
type CycleRunner interface {
	RunCycle(ctx context.Context, events []Event) error
}

// Config holds heartbeat configuration.
type Config struct {
	Interval   time.Duration  // default 30m
	QuietHours *QuietHours    // nil = no quiet hours
	Timezone   *time.Location // nil = UTC
	Logger     *slog.Logger
	Now        func() time.Time // injectable for testing
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Minute
	}
	if c.Timezone == nil {
		c.Timezone = time.UTC
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Heartbeat runs a dedicated goroutine that periodically hands queued system
// events to the cycle runner. It implements cron.SystemEventSink,
// cron.HeartbeatWaker, and cron.HeartbeatRunner.
type Heartbeat struct {
	cfg    Config
	runner CycleRunner
	logger *slog.Logger

	pmu     sync.Mutex
	pending []Event

	// wake carries at most one queued nudge; further requests coalesce.
	wake chan struct{}

	cycleMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a Heartbeat with the given configuration.
func New(cfg Config, runner CycleRunner) (*Heartbeat, error) {
	if runner == nil {
		return nil, errors.New("heartbeat: nil CycleRunner")
	}
	cfg = cfg.withDefaults()
	return &Heartbeat{
		cfg:    cfg,
		runner: runner,
		logger: cfg.Logger.With("component", "heartbeat"),
		wake:   make(chan struct{}, 1),
	}, nil
}

// EnqueueSystemEvent queues a system event for the next cycle.
func (h *Heartbeat) EnqueueSystemEvent(_ context.Context, text string, opts cron.SystemEventOptions) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("heartbeat: empty system event")
	}
	h.pmu.Lock()
	h.pending = append(h.pending, Event{
		Text:       text,
		AgentID:    opts.AgentID,
		EnqueuedAt: h.cfg.Now(),
	})
	n := len(h.pending)
	h.pmu.Unlock()
	h.logger.Debug("system event queued", "pending", n)
	return nil
}

// RequestHeartbeatNow nudges the loop to run a cycle as soon as possible.
// Never blocks; requests coalesce while a wake is already queued.
func (h *Heartbeat) RequestHeartbeatNow() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// RunHeartbeatOnce runs one cycle synchronously, bypassing quiet hours. With
// nothing queued the cycle is skipped.
func (h *Heartbeat) RunHeartbeatOnce(ctx context.Context) (cron.HeartbeatResult, error) {
	start := h.cfg.Now()
	status, err := h.cycle(ctx)
	res := cron.HeartbeatResult{
		Status:     status,
		DurationMs: h.cfg.Now().Sub(start).Milliseconds(),
	}
	return res, err
}

// Pending returns the number of queued events.
func (h *Heartbeat) Pending() int {
	h.pmu.Lock()
	defer h.pmu.Unlock()
	return len(h.pending)
}

// Start begins the heartbeat loop. Returns ErrAlreadyStarted if called twice.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, h.cancel = context.WithCancel(ctx)
	go h.run(ctx)
	return nil
}

// Stop gracefully stops the heartbeat loop. Returns ErrNotStarted if not running.
func (h *Heartbeat) Stop(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel == nil {
		return ErrNotStarted
	}

	h.cancel()
	h.cancel = nil
	return nil
}

// run is the main loop: interval ticks respect quiet hours, explicit wake
// requests do not.
func (h *Heartbeat) run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.wake:
			if _, err := h.cycle(ctx); err != nil {
				h.logger.Warn("requested heartbeat cycle failed", "error", err)
			}
		case <-ticker.C:
			now := h.cfg.Now().In(h.cfg.Timezone)
			if h.cfg.QuietHours != nil && h.cfg.QuietHours.IsQuiet(now) {
				h.logger.Debug("heartbeat skipped: quiet hours")
				continue
			}
			if _, err := h.cycle(ctx); err != nil {
				h.logger.Warn("heartbeat cycle failed", "error", err)
			}
		}
	}
}

// cycle drains the queue and hands the batch to the runner. On failure the
// batch is requeued ahead of anything enqueued meanwhile, so events are not
// lost.
func (h *Heartbeat) cycle(ctx context.Context) (string, error) {
	h.cycleMu.Lock()
	defer h.cycleMu.Unlock()

	h.pmu.Lock()
	batch := h.pending
	h.pending = nil
	h.pmu.Unlock()

	if len(batch) == 0 {
		return cron.StatusSkipped, nil
	}

	if err := h.runner.RunCycle(ctx, batch); err != nil {
		h.pmu.Lock()
		h.pending = append(batch, h.pending...)
		h.pmu.Unlock()
		return cron.StatusError, fmt.Errorf("heartbeat: cycle: %w", err)
	}

	h.logger.Info("heartbeat cycle ran", "events", len(batch))
	return cron.StatusOK, nil
}
