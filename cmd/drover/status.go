package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/state"
)

var (
	statusLimit      int
	statusStatus     string
	statusWorkflowID string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show archived workflow and process history",
	Long: `Display archived coordination history.

Shows:
  - Recently finished workflow and process instances
  - Dead-lettered tasks
  - With --workflow, the full state transition history of one workflow`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "Maximum instances to show")
	statusCmd.Flags().StringVar(&statusStatus, "state", "", "Filter instances by status (COMPLETED, FAILED, CANCELLED)")
	statusCmd.Flags().StringVar(&statusWorkflowID, "workflow", "", "Show the transition history of one workflow")
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfg.Storage.DBPath); os.IsNotExist(err) {
		fmt.Println("No history yet. Run 'drover run' to start coordinating.")
		return nil
	}

	db, err := state.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate archive: %w", err)
	}

	if statusWorkflowID != "" {
		return displayTransitions(db, statusWorkflowID)
	}

	if err := displayInstances(db); err != nil {
		return err
	}
	return displayDeadLetters(db)
}

func displayInstances(db *state.DB) error {
	instances, err := db.ListInstances(statusStatus, statusLimit)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	fmt.Println(headerStyle.Render("Recent Instances"))
	if len(instances) == 0 {
		fmt.Println(dimStyle.Render("  none"))
		return nil
	}

	for _, inst := range instances {
		duration := ""
		if inst.EndedAt != nil {
			duration = inst.EndedAt.Sub(inst.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Printf("  %s %-8s %-20s %s %s\n",
			colorStatus(inst.Status), inst.Kind, inst.Definition,
			dimStyle.Render(inst.ID), dimStyle.Render(duration))
		if inst.Error != "" {
			fmt.Printf("    %s\n", color.RedString(inst.Error))
		}
	}
	return nil
}

func displayTransitions(db *state.DB, workflowID string) error {
	transitions, err := db.ListTransitions(workflowID)
	if err != nil {
		return fmt.Errorf("list transitions: %w", err)
	}
	if len(transitions) == 0 {
		fmt.Printf("No history for workflow %s\n", workflowID)
		return nil
	}

	fmt.Println(headerStyle.Render("Workflow " + workflowID))
	for _, tr := range transitions {
		from := tr.From
		if from == "" {
			from = "-"
		}
		line := fmt.Sprintf("  %s  %-12s → %-12s", tr.At.Format("15:04:05"), from, tr.To)
		if tr.Reason != "" {
			line += dimStyle.Render("  " + tr.Reason)
		}
		fmt.Println(line)
	}
	return nil
}

func displayDeadLetters(db *state.DB) error {
	letters, err := db.ListDeadLetters(statusLimit)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}
	if len(letters) == 0 {
		return nil
	}

	fmt.Println()
	fmt.Println(headerStyle.Render("Dead Letters"))
	for _, dl := range letters {
		fmt.Printf("  %s %-10s task=%s %s\n",
			dl.DeadLettered.Format("15:04:05"),
			color.RedString(dl.Priority), dl.TaskID, dimStyle.Render(dl.Reason))
	}
	return nil
}

func colorStatus(status string) string {
	switch status {
	case "COMPLETED":
		return color.GreenString("%-10s", status)
	case "FAILED":
		return color.RedString("%-10s", status)
	case "CANCELLED":
		return color.YellowString("%-10s", status)
	default:
		return fmt.Sprintf("%-10s", status)
	}
}
