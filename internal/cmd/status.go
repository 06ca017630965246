package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aldersonek/crew/internal/taskstore"
)

var statusTeam string

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show task status for a team",
	Long: `Display the status of one task record, or of every task in the team
when no task id is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusTeam, "team", "", "team name (required)")
	_ = statusCmd.MarkFlagRequired("team")
}

func runStatus(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.log.Close()

	if len(args) == 1 {
		record, err := d.store.Read(d.store.TaskPath(taskstore.NormalizeTeamName(statusTeam), args[0]))
		if err != nil {
			return err
		}
		if record == nil {
			return errors.New("task not found")
		}
		printRecord(record)
		return nil
	}

	records, err := d.store.ListTasks(statusTeam)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No tasks")
		return nil
	}
	for i, record := range records {
		fmt.Printf("[%d] %s (%s)\n", i+1, record.ID, record.Status)
		fmt.Printf("    Agent: %s\n", record.AgentName)
		if record.Description != "" {
			fmt.Printf("    Task: %s\n", record.Description)
		}
		fmt.Println()
	}
	return nil
}

func printRecord(r *taskstore.TaskRecord) {
	fmt.Printf("Task: %s\n", r.ID)
	fmt.Printf("Team: %s\n", r.TeamName)
	fmt.Printf("Agent: %s\n", r.AgentName)
	fmt.Printf("Status: %s\n", r.Status)
	fmt.Printf("Created: %s\n", r.CreatedAt.Format("2006-01-02 15:04:05"))
	if r.StartedAt != nil {
		fmt.Printf("Started: %s\n", r.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if r.EndedAt != nil {
		fmt.Printf("Ended: %s\n", r.EndedAt.Format("2006-01-02 15:04:05"))
	}
	if r.DurationMs > 0 {
		fmt.Printf("Duration: %s\n", time.Duration(r.DurationMs)*time.Millisecond)
	}
	if r.TokenCount > 0 {
		fmt.Printf("Tokens: %d\n", r.TokenCount)
	}
	if r.Error != "" {
		fmt.Printf("Error: %s\n", r.Error)
	}
	if n := len(r.Progress); n > 0 {
		last := r.Progress[n-1]
		fmt.Printf("Last progress: %s", last.Status)
		if last.LastAction != "" {
			fmt.Printf(" (%s)", last.LastAction)
		}
		fmt.Println()
	}
	if r.ResultText != "" {
		fmt.Printf("\n%s\n", r.ResultText)
	}
}
