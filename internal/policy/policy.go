package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const DefaultPolicyPath = ".courier/policy.json"

type Config struct {
	Version int `json:"version"`
	Router  struct {
		MergeWindowMs    int    `json:"merge_window_ms"`
		TriggerPattern   string `json:"trigger_pattern"`
		HistoryMessages  int    `json:"history_messages"`
		HistoryWindowMin int    `json:"history_window_min"`
	} `json:"router"`
	Worker struct {
		Command            []string `json:"command"`
		RequestTimeoutSec  int      `json:"request_timeout_sec"`
		HealthIntervalSec  int      `json:"health_interval_sec"`
		MaxRestartAttempts int      `json:"max_restart_attempts"`
		ShutdownGraceSec   int      `json:"shutdown_grace_sec"`
		WorkspaceRoot      string   `json:"workspace_root"`
		SessionRoot        string   `json:"session_root"`
	} `json:"worker"`
	Subagents struct {
		ConcurrencyLimit int `json:"concurrency_limit"`
	} `json:"subagents"`
	Mailbox struct {
		Root          string `json:"root"`
		PollMs        int    `json:"poll_ms"`
		QuarantineDir string `json:"quarantine_dir"`
	} `json:"mailbox"`
	Scheduler struct {
		PollMs   int    `json:"poll_ms"`
		Timezone string `json:"timezone"`
	} `json:"scheduler"`
	Namespaces struct {
		Privileged string `json:"privileged"`
	} `json:"namespaces"`
	Server struct {
		Addr string `json:"addr"`
	} `json:"server"`
}

func Default() Config {
	cfg := Config{
		Version: 1,
	}
	cfg.Router.MergeWindowMs = 3000
	cfg.Router.TriggerPattern = `(?i)^@courier\b`
	cfg.Router.HistoryMessages = 10
	cfg.Router.HistoryWindowMin = 30
	cfg.Worker.Command = []string{"courier-agent"}
	cfg.Worker.RequestTimeoutSec = 60
	cfg.Worker.HealthIntervalSec = 30
	cfg.Worker.MaxRestartAttempts = 3
	cfg.Worker.ShutdownGraceSec = 2
	cfg.Worker.WorkspaceRoot = ".courier/workspaces"
	cfg.Worker.SessionRoot = ".courier/sessions"
	cfg.Subagents.ConcurrencyLimit = 3
	cfg.Mailbox.Root = ".courier/mailboxes"
	cfg.Mailbox.PollMs = 1000
	cfg.Mailbox.QuarantineDir = ".courier/quarantine"
	cfg.Scheduler.PollMs = 15000
	cfg.Scheduler.Timezone = "UTC"
	cfg.Namespaces.Privileged = "operator"
	cfg.Server.Addr = "127.0.0.1:7019"
	return cfg
}

func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultPolicyPath
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		return cfg, finalPath, nil
	}

	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read policy %s: %w", finalPath, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("parse policy %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate policy %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func SaveDefault(path string) error {
	cfg := Default()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if cfg.Router.MergeWindowMs <= 0 {
		return fmt.Errorf("router.merge_window_ms must be > 0")
	}
	if strings.TrimSpace(cfg.Router.TriggerPattern) != "" {
		if _, err := regexp.Compile(cfg.Router.TriggerPattern); err != nil {
			return fmt.Errorf("router.trigger_pattern is not a valid regexp: %w", err)
		}
	}
	if cfg.Router.HistoryMessages < 0 || cfg.Router.HistoryWindowMin < 0 {
		return fmt.Errorf("router history bounds must be >= 0")
	}
	if len(cfg.Worker.Command) == 0 || strings.TrimSpace(cfg.Worker.Command[0]) == "" {
		return fmt.Errorf("worker.command cannot be empty")
	}
	if cfg.Worker.RequestTimeoutSec <= 0 {
		return fmt.Errorf("worker.request_timeout_sec must be > 0")
	}
	if cfg.Worker.HealthIntervalSec <= 0 {
		return fmt.Errorf("worker.health_interval_sec must be > 0")
	}
	if cfg.Worker.MaxRestartAttempts < 0 {
		return fmt.Errorf("worker.max_restart_attempts must be >= 0")
	}
	if cfg.Subagents.ConcurrencyLimit <= 0 {
		return fmt.Errorf("subagents.concurrency_limit must be > 0")
	}
	if strings.TrimSpace(cfg.Mailbox.Root) == "" {
		return fmt.Errorf("mailbox.root cannot be empty")
	}
	if cfg.Mailbox.PollMs <= 0 {
		return fmt.Errorf("mailbox.poll_ms must be > 0")
	}
	if cfg.Scheduler.PollMs <= 0 {
		return fmt.Errorf("scheduler.poll_ms must be > 0")
	}
	if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone is not a valid location: %w", err)
	}
	if strings.TrimSpace(cfg.Namespaces.Privileged) == "" {
		return fmt.Errorf("namespaces.privileged cannot be empty")
	}
	return nil
}

func (c Config) MergeWindow() time.Duration {
	return time.Duration(c.Router.MergeWindowMs) * time.Millisecond
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Worker.RequestTimeoutSec) * time.Second
}

func (c Config) HealthInterval() time.Duration {
	return time.Duration(c.Worker.HealthIntervalSec) * time.Second
}

func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Worker.ShutdownGraceSec) * time.Second
}

func (c Config) MailboxPollInterval() time.Duration {
	return time.Duration(c.Mailbox.PollMs) * time.Millisecond
}

func (c Config) SchedulerPollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollMs) * time.Millisecond
}

func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ValidateSchedule rejects malformed schedule expressions at task creation
// time so the scheduler never sees one at run time.
func ValidateSchedule(scheduleType string, scheduleValue string) error {
	switch scheduleType {
	case "cron":
		if _, err := cron.ParseStandard(scheduleValue); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", scheduleValue, err)
		}
	case "interval":
		d, err := time.ParseDuration(scheduleValue)
		if err != nil {
			return fmt.Errorf("invalid interval %q: %w", scheduleValue, err)
		}
		if d <= 0 {
			return fmt.Errorf("interval must be positive, got %s", d)
		}
	case "once":
		if _, err := time.Parse(time.RFC3339, scheduleValue); err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", scheduleValue, err)
		}
	default:
		return fmt.Errorf("schedule type must be cron|interval|once, got %q", scheduleType)
	}
	return nil
}
