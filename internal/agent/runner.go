// Package agent executes isolated cron jobs by shelling out to the configured
// agent command.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/pulsehq/pulse/internal/cron"
)

// ErrNoCommand is returned when no agent command is configured.
var ErrNoCommand = errors.New("agent: no command configured")

// DefaultTimeout bounds a single isolated run when the job does not set one.
const DefaultTimeout = 10 * time.Minute

// maxOutputBytes caps captured stdout/stderr per run.
const maxOutputBytes = 1 << 20

// Config holds runner configuration.
type Config struct {
	// Command and Args form the agent process invocation. The job is written
	// to its stdin as JSON; the result is read from stdout.
	Command string
	Args    []string

	// Timeout bounds a run when the job carries no timeoutSeconds. Defaults
	// to DefaultTimeout.
	Timeout time.Duration

	Logger *slog.Logger
}

// Runner runs isolated jobs in a subprocess. Implements cron.AgentRunner.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// jobInput is the JSON document written to the agent's stdin.
type jobInput struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	AgentID  *string           `json:"agentId,omitempty"`
	Message  string            `json:"message"`
	Model    string            `json:"model,omitempty"`
	Thinking string            `json:"thinking,omitempty"`
	Delivery *deliveryInput    `json:"delivery,omitempty"`
}

type deliveryInput struct {
	Deliver    bool   `json:"deliver"`
	Channel    string `json:"channel,omitempty"`
	To         string `json:"to,omitempty"`
	BestEffort bool   `json:"bestEffort,omitempty"`
}

// runOutput is the JSON document expected on the agent's stdout.
type runOutput struct {
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

// New creates a Runner.
func New(cfg Config) (*Runner, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, ErrNoCommand
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: cfg.Logger.With("component", "agent")}, nil
}

// RunIsolatedJob executes one isolated job to completion and reports the
// outcome. Timeouts and process failures come back as error results, never as
// panics or hangs.
func (r *Runner) RunIsolatedJob(ctx context.Context, job *cron.Job) (cron.AgentRunResult, error) {
	timeout := r.cfg.Timeout
	if job.Payload.TimeoutSeconds > 0 {
		timeout = time.Duration(job.Payload.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input := jobInput{
		ID:       job.ID,
		Name:     job.Name,
		AgentID:  job.AgentID.Value,
		Message:  job.Payload.Message,
		Model:    job.Payload.Model,
		Thinking: job.Payload.Thinking,
	}
	if job.Payload.Deliver != nil {
		input.Delivery = &deliveryInput{
			Deliver:    *job.Payload.Deliver,
			Channel:    job.Payload.Channel,
			To:         job.Payload.To,
			BestEffort: job.Payload.BestEffortDeliver,
		}
	}
	stdin, err := json.Marshal(input)
	if err != nil {
		return cron.AgentRunResult{}, fmt.Errorf("agent: marshal job input: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.cfg.Command, r.cfg.Args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitWriter{buf: &stdout}
	cmd.Stderr = &limitWriter{buf: &stderr}

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		r.logger.Warn("isolated run timed out", "job", job.ID, "timeout", timeout)
		return cron.AgentRunResult{
			Status: cron.StatusError,
			Error:  fmt.Sprintf("agent: run timed out after %s", timeout),
		}, nil
	}
	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		r.logger.Warn("isolated run failed", "job", job.ID, "error", msg, "duration", elapsed)
		return cron.AgentRunResult{Status: cron.StatusError, Error: msg}, nil
	}

	var out runOutput
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out); err != nil {
		// A well-behaved agent prints JSON; fall back to treating raw output
		// as the summary.
		summary := strings.TrimSpace(stdout.String())
		if summary == "" {
			return cron.AgentRunResult{Status: cron.StatusError, Error: "agent: empty output"}, nil
		}
		return cron.AgentRunResult{Status: cron.StatusOK, Summary: summary}, nil
	}

	status := strings.ToLower(strings.TrimSpace(out.Status))
	if status == "" {
		status = cron.StatusOK
	}
	if status != cron.StatusOK && status != cron.StatusError {
		return cron.AgentRunResult{
			Status: cron.StatusError,
			Error:  fmt.Sprintf("agent: unknown result status %q", out.Status),
		}, nil
	}

	r.logger.Info("isolated run finished", "job", job.ID, "status", status, "duration", elapsed)
	return cron.AgentRunResult{Status: status, Summary: out.Summary, Error: out.Error}, nil
}

// limitWriter discards bytes past maxOutputBytes so a chatty agent cannot
// balloon memory.
type limitWriter struct {
	buf *bytes.Buffer
}

func (w *limitWriter) Write(p []byte) (int, error) {
	n := len(p)
	if remaining := maxOutputBytes - w.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			p = p[:remaining]
		}
		w.buf.Write(p)
	}
	return n, nil
}
