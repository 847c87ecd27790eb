package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pulsehq/pulse/internal/cron"
	"github.com/pulsehq/pulse/internal/heartbeat"
)

// mainCycle adapts the isolated agent command into the heartbeat's
// CycleRunner: queued system events become one agent turn on the main
// session. Without a configured agent the events are logged and considered
// delivered, which keeps a scheduler-only deployment functional.
type mainCycle struct {
	logger *slog.Logger
	runner cron.AgentRunner
}

func newMainCycle(logger *slog.Logger, runner cron.AgentRunner) *mainCycle {
	return &mainCycle{logger: logger.With("component", "main-cycle"), runner: runner}
}

// RunCycle implements heartbeat.CycleRunner.
func (c *mainCycle) RunCycle(ctx context.Context, events []heartbeat.Event) error {
	if c.runner == nil {
		for _, ev := range events {
			c.logger.Info("system event delivered", "text", ev.Text)
		}
		return nil
	}

	var b strings.Builder
	b.WriteString("Pending system events:\n")
	for _, ev := range events {
		b.WriteString("- ")
		b.WriteString(ev.Text)
		b.WriteString("\n")
	}

	job := &cron.Job{
		ID:            "heartbeat",
		Name:          "heartbeat",
		SessionTarget: cron.TargetIsolated,
		Payload: cron.Payload{
			Kind:    cron.PayloadAgentTurn,
			Message: b.String(),
		},
	}
	res, err := c.runner.RunIsolatedJob(ctx, job)
	if err != nil {
		return fmt.Errorf("app: heartbeat agent turn: %w", err)
	}
	if res.Status != cron.StatusOK {
		return fmt.Errorf("app: heartbeat agent turn failed: %s", res.Error)
	}
	return nil
}
