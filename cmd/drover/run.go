package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/bus"
	"github.com/droverhq/drover/internal/coordinator"
	"github.com/droverhq/drover/internal/distributor"
	"github.com/droverhq/drover/internal/process"
	"github.com/droverhq/drover/internal/state"
	"github.com/droverhq/drover/internal/telemetry"
	"github.com/droverhq/drover/pkg/models"
)

var (
	runDefinitionsDir string
	runVars           []string
	runTimeout        time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [process]",
	Short: "Start the coordinator, optionally executing a named process",
	Long: `Start the coordination stack: seed the agent pool, launch the
distribution pumps, and load process definitions.

With a process name, executes that definition once and prints the
result. Without one, runs as a service until interrupted, streaming
lifecycle events.

Variables are passed with repeated --var flags:
  drover run order-approval --var amount=42 --var customer=acme`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCoordinator,
}

func init() {
	runCmd.Flags().StringVar(&runDefinitionsDir, "definitions", "", "Process definitions directory (overrides config)")
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "Process variable as key=value (repeatable)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 5*time.Minute, "How long to wait for a process to finish")
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runDefinitionsDir != "" {
		cfg.Process.DefinitionsDir = runDefinitionsDir
	}

	shutdownTracing, err := telemetry.InitTracingFromEnv("drover")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	archive, err := state.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer archive.Close()
	if err := archive.Migrate(); err != nil {
		return fmt.Errorf("migrate archive: %w", err)
	}
	if cfg.Storage.Retention > 0 {
		if purged, err := archive.PurgeOldInstances(cfg.Storage.Retention); err == nil && purged > 0 {
			fmt.Printf("Purged %d archived instances past retention\n", purged)
		}
	}

	coord, err := coordinator.New(cfg, simulatedExecutor(), archive)
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}
	defer coord.Close()
	coord.SetMetrics(telemetry.NewMemoryMetrics())

	definitions := coord.Processes().Definitions()
	if info, statErr := os.Stat(cfg.Process.DefinitionsDir); statErr == nil && info.IsDir() {
		if err := definitions.LoadDir(cfg.Process.DefinitionsDir); err != nil {
			return fmt.Errorf("load definitions: %w", err)
		}
		if cfg.Process.Watch {
			if err := definitions.WatchDir(cfg.Process.DefinitionsDir); err != nil {
				fmt.Printf("Definition watching disabled: %v\n", err)
			}
		}
	}

	coord.Start()
	fmt.Printf("%s coordinator started: %d agents across %d categories\n",
		color.GreenString("✓"), coord.Registry().Count(), len(cfg.Categories))

	if len(args) == 1 {
		return executeProcess(coord, args[0])
	}
	return runService(coord)
}

// executeProcess starts one process instance and waits for it to end.
func executeProcess(coord *coordinator.Coordinator, name string) error {
	vars, err := parseVars(runVars)
	if err != nil {
		return err
	}

	instanceID, err := coord.ExecuteProcess(name, vars)
	if err != nil {
		return fmt.Errorf("start process %s: %w", name, err)
	}
	fmt.Printf("Started instance %s\n", instanceID)

	deadline := time.Now().Add(runTimeout)
	for time.Now().Before(deadline) {
		inst, err := coord.Processes().Get(instanceID)
		if err != nil {
			return err
		}
		if inst.Status != process.InstanceRunning {
			printInstance(inst)
			if inst.Status == process.InstanceFailed {
				return fmt.Errorf("process failed: %s", inst.Error)
			}
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("process %s still running after %s", instanceID, runTimeout)
}

func printInstance(inst process.Instance) {
	status := color.GreenString(string(inst.Status))
	switch inst.Status {
	case process.InstanceFailed:
		status = color.RedString(string(inst.Status))
	case process.InstanceCancelled:
		status = color.YellowString(string(inst.Status))
	}
	fmt.Printf("Instance %s: %s in %s\n", inst.ID, status, inst.EndedAt.Sub(inst.StartedAt).Round(time.Millisecond))
	for k, v := range inst.Variables {
		fmt.Printf("  %s: %v\n", k, v)
	}
}

// runService streams lifecycle events until interrupted.
func runService(coord *coordinator.Coordinator) error {
	events := coord.Bus().Subscribe(
		bus.EventTaskDistributed,
		bus.EventTaskCompleted,
		bus.EventTaskDeadLettered,
		bus.EventQueueCritical,
		bus.EventEmergencyScaling,
		bus.EventProcessCompleted,
		bus.EventStateTransition,
	)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	fmt.Println("Watching for work. Ctrl+C to stop.")
	for {
		select {
		case sig := <-signals:
			fmt.Printf("\nReceived %s, shutting down\n", sig)
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			printEvent(event)
		}
	}
}

func printEvent(event bus.Event) {
	stamp := event.Timestamp.Format("15:04:05")
	switch event.Type {
	case bus.EventTaskDeadLettered, bus.EventQueueCritical, bus.EventEmergencyScaling:
		color.Red("%s %-22s task=%s %s", stamp, event.Type, event.TaskID, event.Message)
	case bus.EventTaskCompleted, bus.EventProcessCompleted:
		color.Green("%s %-22s task=%s agent=%s", stamp, event.Type, event.TaskID, event.AgentID)
	default:
		fmt.Printf("%s %-22s task=%s agent=%s %s\n", stamp, event.Type, event.TaskID, event.AgentID, event.Message)
	}
}

// parseVars turns key=value flags into process variables, keeping
// numbers and booleans typed.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", pair)
		}
		switch {
		case value == "true" || value == "false":
			vars[key] = value == "true"
		default:
			if n, err := strconv.ParseFloat(value, 64); err == nil {
				vars[key] = n
			} else {
				vars[key] = value
			}
		}
	}
	return vars, nil
}

// simulatedExecutor stands in for real agent workers: it honors the
// agent's response target with jitter and echoes the task action.
func simulatedExecutor() distributor.Executor {
	return distributor.ExecutorFunc(func(ctx context.Context, agent models.Agent, task models.Task) (map[string]any, error) {
		latency := agent.ResponseTarget
		if latency <= 0 {
			latency = 100 * time.Millisecond
		}
		latency += time.Duration(rand.Int63n(int64(latency)/2 + 1))

		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string]any{
			"task":      task.ID,
			"action":    task.Action,
			"agent":     agent.ID,
			"completed": true,
		}, nil
	})
}
