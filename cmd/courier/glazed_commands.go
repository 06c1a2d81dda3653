package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"courier/internal/orchestrator"
	"courier/internal/policy"
	"courier/internal/serviceapi"
)

const coreLayerSlug = "core-selector"

type coreSettings struct {
	Addr       string `glazed.parameter:"addr"`
	DBPath     string `glazed.parameter:"db"`
	PolicyPath string `glazed.parameter:"policy"`
}

func newCoreLayer() (layers.ParameterLayer, error) {
	layer, err := layers.NewParameterLayer(coreLayerSlug, "Daemon or database selector")
	if err != nil {
		return nil, err
	}
	layer.AddFlags(
		parameters.NewParameterDefinition(
			"addr",
			parameters.ParameterTypeString,
			parameters.WithHelp("Address of a running daemon (empty: read the database directly)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"db",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to SQLite DB"),
			parameters.WithDefault(".courier/courier.db"),
		),
		parameters.NewParameterDefinition(
			"policy",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to policy file (defaults to .courier/policy.json)"),
			parameters.WithDefault(""),
		),
	)
	return layer, nil
}

func initializeCoreSettings(parsedLayers *layers.ParsedLayers) (*coreSettings, error) {
	settings := &coreSettings{}
	if err := parsedLayers.InitializeStruct(coreLayerSlug, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// resolveCore picks a remote core when an address is given, otherwise opens
// the database in-process. The cleanup function must run before exit.
func resolveCore(settings *coreSettings) (serviceapi.Core, func(), error) {
	if strings.TrimSpace(settings.Addr) != "" {
		return serviceapi.NewRemoteCore(settings.Addr, 15*time.Second), func() {}, nil
	}
	service, err := orchestrator.NewService(orchestrator.Options{
		DBPath:     settings.DBPath,
		PolicyPath: settings.PolicyPath,
	})
	if err != nil {
		return nil, nil, err
	}
	core := serviceapi.NewLocalCore(service)
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		core.Shutdown(ctx)
	}
	return core, cleanup, nil
}

func newCoreCommandDescription(name string, short string, flags ...*parameters.ParameterDefinition) (*cmds.CommandDescription, error) {
	coreLayer, err := newCoreLayer()
	if err != nil {
		return nil, err
	}
	options := []cmds.CommandDescriptionOption{
		cmds.WithShort(short),
		cmds.WithLayersList(coreLayer),
	}
	if len(flags) > 0 {
		options = append(options, cmds.WithFlags(flags...))
	}
	return cmds.NewCommandDescription(name, options...), nil
}

type statusGlazedCommand struct {
	*cmds.CommandDescription
}

func newStatusGlazedCommand() (*statusGlazedCommand, error) {
	desc, err := newCoreCommandDescription("status", "Show the control plane status snapshot")
	if err != nil {
		return nil, err
	}
	return &statusGlazedCommand{CommandDescription: desc}, nil
}

func (c *statusGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings, err := initializeCoreSettings(parsedLayers)
	if err != nil {
		return err
	}
	core, cleanup, err := resolveCore(settings)
	if err != nil {
		return err
	}
	defer cleanup()

	status, err := core.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Started: %s\n", status.StartedAt.Format(time.RFC3339))
	fmt.Printf("Policy: %s\n", status.Policy)
	fmt.Printf("Worker: state=%s pid=%d pending=%d restarts=%d fallback_only=%t\n",
		status.Worker.State, status.Worker.PID, status.Worker.PendingRequests,
		status.Worker.RestartAttempts, status.Worker.FallbackOnly)
	fmt.Printf("Router: active_conversations=%d active_subagents=%d ephemeral=%d\n",
		status.Router.ActiveConversations, status.Router.ActiveSubagents, status.Ephemeral)
	fmt.Printf("Mailbox: running=%t scans=%d processed=%d quarantined=%d\n",
		status.Mailbox.Running, status.Mailbox.TotalScans,
		status.Mailbox.TotalProcessed, status.Mailbox.TotalQuarantine)
	fmt.Printf("Scheduler: running=%t ticks=%d runs=%d errors=%d\n",
		status.Scheduler.Running, status.Scheduler.TotalTicks,
		status.Scheduler.TotalRuns, status.Scheduler.TotalErrors)
	if status.Scheduler.LastError != "" {
		fmt.Printf("  last_error=%s\n", status.Scheduler.LastError)
	}
	return nil
}

var _ cmds.BareCommand = &statusGlazedCommand{}

type tasksGlazedCommand struct {
	*cmds.CommandDescription
}

type tasksSettings struct {
	Owner string `glazed.parameter:"owner"`
}

func newTasksGlazedCommand() (*tasksGlazedCommand, error) {
	desc, err := newCoreCommandDescription("tasks", "List scheduled tasks",
		parameters.NewParameterDefinition(
			"owner",
			parameters.ParameterTypeString,
			parameters.WithHelp("Filter by owning namespace"),
			parameters.WithDefault(""),
		),
	)
	if err != nil {
		return nil, err
	}
	return &tasksGlazedCommand{CommandDescription: desc}, nil
}

func (c *tasksGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings, err := initializeCoreSettings(parsedLayers)
	if err != nil {
		return err
	}
	taskSettings := &tasksSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, taskSettings); err != nil {
		return err
	}
	core, cleanup, err := resolveCore(settings)
	if err != nil {
		return err
	}
	defer cleanup()

	tasks, err := core.ListTasks(ctx, taskSettings.Owner)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No scheduled tasks.")
		return nil
	}
	for _, task := range tasks {
		fmt.Printf("%s owner=%s status=%s schedule=%s:%s context=%s next_run=%s\n",
			task.ID, task.OwnerNamespace, task.Status,
			task.ScheduleType, task.ScheduleValue, task.ContextMode,
			task.NextRun.Format(time.RFC3339))
		if strings.TrimSpace(task.LastRunSummary) != "" {
			fmt.Printf("  last_run=%s\n", task.LastRunSummary)
		}
	}
	return nil
}

var _ cmds.BareCommand = &tasksGlazedCommand{}

type runsGlazedCommand struct {
	*cmds.CommandDescription
}

type runsSettings struct {
	TaskID string `glazed.parameter:"task"`
	Limit  int    `glazed.parameter:"limit"`
}

func newRunsGlazedCommand() (*runsGlazedCommand, error) {
	desc, err := newCoreCommandDescription("runs", "List run log entries for a scheduled task",
		parameters.NewParameterDefinition(
			"task",
			parameters.ParameterTypeString,
			parameters.WithHelp("Task identifier"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"limit",
			parameters.ParameterTypeInteger,
			parameters.WithHelp("Maximum entries to show"),
			parameters.WithDefault(20),
		),
	)
	if err != nil {
		return nil, err
	}
	return &runsGlazedCommand{CommandDescription: desc}, nil
}

func (c *runsGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings, err := initializeCoreSettings(parsedLayers)
	if err != nil {
		return err
	}
	runSettings := &runsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, runSettings); err != nil {
		return err
	}
	if strings.TrimSpace(runSettings.TaskID) == "" {
		return fmt.Errorf("--task is required")
	}
	core, cleanup, err := resolveCore(settings)
	if err != nil {
		return err
	}
	defer cleanup()

	runs, err := core.ListTaskRuns(ctx, runSettings.TaskID, runSettings.Limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}
	for _, run := range runs {
		fmt.Printf("%s status=%s duration=%dms\n",
			run.StartedAt.Format(time.RFC3339), run.Status, run.DurationMs)
		if strings.TrimSpace(run.Result) != "" {
			fmt.Printf("  result=%s\n", run.Result)
		}
		if strings.TrimSpace(run.ErrorText) != "" {
			fmt.Printf("  error=%s\n", run.ErrorText)
		}
	}
	return nil
}

var _ cmds.BareCommand = &runsGlazedCommand{}

type namespacesGlazedCommand struct {
	*cmds.CommandDescription
}

func newNamespacesGlazedCommand() (*namespacesGlazedCommand, error) {
	desc, err := newCoreCommandDescription("namespaces", "List registered namespaces")
	if err != nil {
		return nil, err
	}
	return &namespacesGlazedCommand{CommandDescription: desc}, nil
}

func (c *namespacesGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings, err := initializeCoreSettings(parsedLayers)
	if err != nil {
		return err
	}
	core, cleanup, err := resolveCore(settings)
	if err != nil {
		return err
	}
	defer cleanup()

	namespaces, err := core.ListNamespaces(ctx)
	if err != nil {
		return err
	}
	if len(namespaces) == 0 {
		fmt.Println("No namespaces registered.")
		return nil
	}
	for _, ns := range namespaces {
		fmt.Printf("%s conversation=%s privileged=%t session=%s\n",
			ns.Key, ns.ConversationKey, ns.Privileged, emptyValue(ns.SessionID, "none"))
	}
	return nil
}

var _ cmds.BareCommand = &namespacesGlazedCommand{}

type policyInitGlazedCommand struct {
	*cmds.CommandDescription
}

type policyInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newPolicyInitGlazedCommand() (*policyInitGlazedCommand, error) {
	return &policyInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"policy-init",
			cmds.WithShort("Write a default policy file"),
			cmds.WithLong("Create a default courier policy file at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
			),
		),
	}, nil
}

func (c *policyInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &policyInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := policy.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Printf("Wrote default policy to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &policyInitGlazedCommand{}

func emptyValue(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
