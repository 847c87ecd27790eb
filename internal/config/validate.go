package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pulsehq/pulse/internal/heartbeat"
)

// Validate checks the structural validity of a Config. All problems are
// reported at once via errors.Join.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", cfg.Version))
	}

	if cfg.Scheduler.TickInterval < time.Second {
		errs = append(errs, fmt.Errorf("config: scheduler.tick_interval %s is below 1s", cfg.Scheduler.TickInterval))
	}

	if cfg.Heartbeat.QuietHours != "" {
		if _, err := heartbeat.ParseQuietHours(cfg.Heartbeat.QuietHours); err != nil {
			errs = append(errs, fmt.Errorf("config: heartbeat.quiet_hours: %w", err))
		}
	}
	if cfg.Heartbeat.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Heartbeat.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("config: heartbeat.timezone %q: %w", cfg.Heartbeat.Timezone, err))
		}
	}

	if cfg.Gateway.Bind != "" {
		if _, err := net.ResolveTCPAddr("tcp", cfg.Gateway.Bind); err != nil {
			errs = append(errs, fmt.Errorf("config: gateway.bind %q: %w", cfg.Gateway.Bind, err))
		}
	}

	return errors.Join(errs...)
}
