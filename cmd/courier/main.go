package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"courier/internal/mailbox"
	"courier/internal/orchestrator"
	"courier/internal/policy"
	"courier/internal/server"
	"courier/internal/serviceapi"
)

func main() {
	if err := executeCLI(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return config.Build()
}

func serveCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	var dbPath string
	var policyPath string
	var addr string
	var verbose bool

	fs.StringVar(&dbPath, "db", ".courier/courier.db", "Path to SQLite DB")
	fs.StringVar(&policyPath, "policy", "", "Path to policy file (defaults to .courier/policy.json)")
	fs.StringVar(&addr, "addr", "", "Status API listen address (default from policy)")
	fs.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger, err := buildLogger(verbose)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	service, err := orchestrator.NewService(orchestrator.Options{
		DBPath:     dbPath,
		PolicyPath: policyPath,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if strings.TrimSpace(addr) == "" {
		addr = service.Policy().Server.Addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := service.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		service.Shutdown(shutdownCtx)
		return err
	}

	runtime := server.NewRuntime(serviceapi.NewLocalCore(service), server.Options{Addr: addr}, logger)
	runErr := runtime.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	service.Shutdown(shutdownCtx)
	return runErr
}

// sendCommand drops a control envelope into a namespace mailbox, the same
// way an agent worker would. Useful for operating a live daemon by hand.
func sendCommand(args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	var mailboxRoot string
	var from string
	var queue string
	var envelopeType string
	var payload string

	fs.StringVar(&mailboxRoot, "mailbox-root", ".courier/mailboxes", "Mailbox root directory")
	fs.StringVar(&from, "from", "", "Source namespace (identity is the directory, not the payload)")
	fs.StringVar(&queue, "queue", "messages", "Queue directory: messages|tasks")
	fs.StringVar(&envelopeType, "type", "", "Envelope type (message, schedule_task, pause_task, ...)")
	fs.StringVar(&payload, "payload", "", "Envelope payload as raw JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(from) == "" {
		return fmt.Errorf("--from is required")
	}
	if queue != "messages" && queue != "tasks" {
		return fmt.Errorf("--queue must be messages or tasks, got %q", queue)
	}
	envelope, err := buildEnvelope(envelopeType, payload, from)
	if err != nil {
		return err
	}

	dir := filepath.Join(mailboxRoot, from, queue)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%s.json", time.Now().UTC().Format("20060102T150405"), shortuuid.New())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, envelope, 0o644); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

// buildEnvelope assembles and validates an envelope before it touches the
// mailbox, so a typo fails here instead of landing in quarantine.
func buildEnvelope(envelopeType string, payload string, sourceNamespace string) ([]byte, error) {
	envelopeType = strings.TrimSpace(envelopeType)
	if envelopeType == "" {
		return nil, fmt.Errorf("--type is required")
	}
	raw := map[string]json.RawMessage{
		"type": json.RawMessage(fmt.Sprintf("%q", envelopeType)),
	}
	if strings.TrimSpace(payload) != "" {
		if !json.Valid([]byte(payload)) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		raw["payload"] = json.RawMessage(payload)
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	cmd, err := mailbox.ParseCommand(encoded, sourceNamespace)
	if err != nil {
		return nil, fmt.Errorf("envelope would be quarantined: %w", err)
	}
	if cmd.ScheduleTask != nil {
		if err := policy.ValidateSchedule(cmd.ScheduleTask.ScheduleType, cmd.ScheduleTask.ScheduleValue); err != nil {
			return nil, fmt.Errorf("schedule would be rejected: %w", err)
		}
	}
	return encoded, nil
}

func printUsage() {
	fmt.Println(`courier - conversational agent control plane

Usage:
  courier serve       Run the daemon (router, worker, mailbox, scheduler, status API)
  courier status      Show a running daemon's status snapshot
  courier tasks       List scheduled tasks
  courier runs        List run log entries for a task
  courier namespaces  List registered namespaces
  courier send        Drop a control envelope into a namespace mailbox
  courier policy-init Write a default policy file

Run 'courier <command> --help' for command flags.`)
}
