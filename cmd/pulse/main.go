// Package main is the entry point for the pulse CLI.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pulsehq/pulse/internal/config"
	"github.com/pulsehq/pulse/internal/cron"
	"github.com/pulsehq/pulse/internal/lockfile"
	"github.com/pulsehq/pulse/internal/signals"
	"github.com/pulsehq/pulse/pkg/app"
	"github.com/spf13/cobra"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pulse",
		Short:         "A persistent job scheduler for chat agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(versionCmd(), startCmd(), configCmd(), cronCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("pulse %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the scheduler, heartbeat loop, and gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			return app.Run(app.RunParams{
				ConfigPath: cfgPath,
				Version:    version,
				Commit:     commit,
				Date:       date,
			})
		},
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <path>",
		Short: "Validate configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Configuration OK (store: %s)\n", cfg.Scheduler.StorePath)
			return nil
		},
	})
	return cmd
}

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file")
	cmd.AddCommand(cronListCmd(), cronAddCmd(), cronRemoveCmd(), cronRunCmd(), cronStatusCmd())
	return cmd
}

// offlineService opens the job store directly, without a running daemon. The
// file lock keeps concurrent CLI and daemon access safe.
func offlineService(cmd *cobra.Command) (*cron.Service, func(), error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	if cfgPath == "" {
		resolved, err := app.ResolveConfigPath()
		if err != nil {
			return nil, nil, err
		}
		cfgPath = resolved
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	mgr := signals.NewManager(logger)
	locks := lockfile.NewRegistry(logger, mgr)

	svc, err := cron.NewService(cron.Config{
		StorePath:    cfg.Scheduler.StorePath,
		TickInterval: cfg.Scheduler.TickInterval,
		Enabled:      false,
		LockOpts: lockfile.Options{
			Timeout: cfg.Lock.Timeout,
			Stale:   cfg.Lock.Stale,
		},
		Logger: logger,
	}, locks, cron.Collaborators{Events: discardSink{}})
	if err != nil {
		mgr.Close()
		return nil, nil, err
	}
	return svc, mgr.Close, nil
}

// discardSink satisfies the scheduler's required collaborator. Offline
// commands never execute jobs, so nothing ever reaches it.
type discardSink struct{}

func (discardSink) EnqueueSystemEvent(context.Context, string, cron.SystemEventOptions) error {
	return nil
}

func cronListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, done, err := offlineService(cmd)
			if err != nil {
				return err
			}
			defer done()

			all, _ := cmd.Flags().GetBool("all")
			jobs, err := svc.List(all)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tENABLED\tNEXT RUN\tLAST STATUS")
			for _, job := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
					job.ID, job.Name, describeSchedule(job.Schedule),
					job.Enabled.Value, formatMs(job.State.NextRunAtMs), job.State.LastStatus)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Bool("all", false, "Include disabled jobs")
	return cmd
}

func cronAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := jobFromFlags(cmd, args[0])
			if err != nil {
				return err
			}

			svc, done, err := offlineService(cmd)
			if err != nil {
				return err
			}
			defer done()

			created, err := svc.Add(job)
			if err != nil {
				return err
			}
			fmt.Printf("Added job %s (next run: %s)\n", created.ID, formatMs(created.State.NextRunAtMs))
			return nil
		},
	}
	cmd.Flags().String("every", "", "Interval schedule (e.g. 30m, 2h)")
	cmd.Flags().String("cron", "", "5-field cron expression (e.g. \"0 8 * * *\")")
	cmd.Flags().String("at", "", "One-shot schedule, RFC 3339 (e.g. 2026-09-01T08:00:00Z)")
	cmd.Flags().String("tz", "", "IANA timezone for cron schedules")
	cmd.Flags().String("target", cron.TargetMain, "Session target: main or isolated")
	cmd.Flags().String("text", "", "System event text (main target)")
	cmd.Flags().String("message", "", "Agent turn message (isolated target)")
	cmd.Flags().String("wake", "", "Wake mode: now or next-heartbeat")
	cmd.Flags().Bool("delete-after-run", false, "Remove the job after one successful run")
	cmd.Flags().Bool("disabled", false, "Create the job disabled")
	return cmd
}

func jobFromFlags(cmd *cobra.Command, name string) (*cron.Job, error) {
	every, _ := cmd.Flags().GetString("every")
	cronExpr, _ := cmd.Flags().GetString("cron")
	at, _ := cmd.Flags().GetString("at")
	tz, _ := cmd.Flags().GetString("tz")
	target, _ := cmd.Flags().GetString("target")
	text, _ := cmd.Flags().GetString("text")
	message, _ := cmd.Flags().GetString("message")
	wake, _ := cmd.Flags().GetString("wake")
	deleteAfter, _ := cmd.Flags().GetBool("delete-after-run")
	disabled, _ := cmd.Flags().GetBool("disabled")

	var schedule cron.Schedule
	switch {
	case every != "":
		d, err := time.ParseDuration(every)
		if err != nil {
			return nil, fmt.Errorf("invalid --every: %w", err)
		}
		schedule = cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: d.Milliseconds()}
	case cronExpr != "":
		schedule = cron.Schedule{Kind: cron.ScheduleCron, Expr: cronExpr, TZ: tz}
	case at != "":
		ts, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return nil, fmt.Errorf("invalid --at: %w", err)
		}
		schedule = cron.Schedule{Kind: cron.ScheduleAt, AtMs: ts.UnixMilli()}
	default:
		return nil, fmt.Errorf("one of --every, --cron, or --at is required")
	}

	payload := cron.Payload{Kind: cron.PayloadSystemEvent, Text: text}
	if target == cron.TargetIsolated {
		payload = cron.Payload{Kind: cron.PayloadAgentTurn, Message: message}
	}

	return &cron.Job{
		Name:           name,
		Enabled:        cron.BoolOf(!disabled),
		DeleteAfterRun: deleteAfter,
		Schedule:       schedule,
		SessionTarget:  target,
		WakeMode:       wake,
		Payload:        payload,
	}, nil
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := offlineService(cmd)
			if err != nil {
				return err
			}
			defer done()

			if err := svc.Remove(args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed job %s\n", args[0])
			return nil
		},
	}
}

// cronRunCmd forces a run through the daemon's RPC surface so that execution
// happens inside the running process, with its collaborators and history.
func cronRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Force a job to run now via the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job json.RawMessage
			if err := rpcCall(cmd, "cron.run", map[string]string{"id": args[0]}, &job); err != nil {
				return err
			}
			fmt.Printf("%s\n", job)
			return nil
		},
	}
	addRPCFlags(cmd)
	return cmd
}

func cronStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon scheduler status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var status json.RawMessage
			if err := rpcCall(cmd, "cron.status", nil, &status); err != nil {
				return err
			}
			fmt.Printf("%s\n", status)
			return nil
		},
	}
	addRPCFlags(cmd)
	return cmd
}

func addRPCFlags(cmd *cobra.Command) {
	cmd.Flags().String("addr", "127.0.0.1:8765", "Daemon gateway address")
	cmd.Flags().String("token", os.Getenv("PULSE_TOKEN"), "Bearer token for the gateway")
}

func rpcCall(cmd *cobra.Command, method string, params any, result any) error {
	addr, _ := cmd.Flags().GetString("addr")
	token, _ := cmd.Flags().GetString("token")

	body, err := json.Marshal(struct {
		Method string `json:"method"`
		Params any    `json:"params,omitempty"`
	}{Method: method, Params: params})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling daemon at %s: %w", addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var envelope struct {
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("unexpected daemon response (HTTP %d): %s", resp.StatusCode, raw)
	}
	if !envelope.OK {
		return fmt.Errorf("daemon: %s", envelope.Error)
	}
	if result != nil {
		return json.Unmarshal(envelope.Result, result)
	}
	return nil
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case cron.ScheduleEvery:
		return fmt.Sprintf("every %s", time.Duration(s.EveryMs)*time.Millisecond)
	case cron.ScheduleCron:
		if s.TZ != "" {
			return fmt.Sprintf("cron %s (%s)", s.Expr, s.TZ)
		}
		return "cron " + s.Expr
	case cron.ScheduleAt:
		return "at " + formatMs(s.AtMs)
	default:
		return s.Kind
	}
}

func formatMs(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format(time.RFC3339)
}
