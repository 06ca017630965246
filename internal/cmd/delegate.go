package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aldersonek/crew/internal/delegate"
	"github.com/aldersonek/crew/internal/event"
	"github.com/aldersonek/crew/internal/taskstore"
)

var (
	delegateTeam        string
	delegateAgent       string
	delegateDescription string
	delegateModel       string
	delegateSafe        bool
	delegateDetached    bool
)

var delegateCmd = &cobra.Command{
	Use:   "delegate <prompt>",
	Short: "Delegate a task to a teammate worker process",
	Long: `Delegate creates a task record, spawns a worker process for it, and
tails its progress until the task is terminal. With --detach it returns
immediately after the spawn and prints the launch handle instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelegate,
}

func init() {
	rootCmd.AddCommand(delegateCmd)

	delegateCmd.Flags().StringVar(&delegateTeam, "team", "", "team name (required)")
	delegateCmd.Flags().StringVar(&delegateAgent, "agent", "", "agent name (required)")
	delegateCmd.Flags().StringVar(&delegateDescription, "description", "", "short task description")
	delegateCmd.Flags().StringVar(&delegateModel, "model", "", "model selector passed to the engine")
	delegateCmd.Flags().BoolVar(&delegateSafe, "safe", false, "run the worker in safe mode")
	delegateCmd.Flags().BoolVar(&delegateDetached, "detach", false, "return a launch handle instead of waiting")
	_ = delegateCmd.MarkFlagRequired("team")
	_ = delegateCmd.MarkFlagRequired("agent")
}

func runDelegate(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.log.Close()

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	req := delegate.Request{
		TeamName:    delegateTeam,
		AgentName:   delegateAgent,
		Description: delegateDescription,
		Prompt:      args[0],
		Model:       delegateModel,
		SafeMode:    delegateSafe,
	}

	if delegateDetached {
		del, err := d.newDelegator(cwd, nil)
		if err != nil {
			return err
		}
		handle, err := del.DelegateDetached(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Printf("Task: %s\n", handle.TaskID)
		fmt.Printf("Team: %s\n", handle.TeamName)
		fmt.Printf("Agent: %s\n", handle.AgentName)
		fmt.Printf("PID: %d\n", handle.PID)
		fmt.Printf("Record: %s\n", handle.RecordPath)
		return nil
	}

	// Stream progress to the terminal while the blocking call tails the
	// record and outbox.
	bus := event.NewBus()
	bus.Subscribe("task.progress", func(e event.Event) {
		if pe, ok := e.(event.TaskProgressEvent); ok {
			fmt.Printf("  [%s] %s\n", pe.Agent, pe.Phase)
		}
	})
	bus.Subscribe("mailbox.message", func(e event.Event) {
		if me, ok := e.(event.MailboxMessageEvent); ok && me.Type != "result" {
			fmt.Printf("  [%s -> %s] %s: %s\n", me.From, me.To, me.Type, me.Content)
		}
	})
	del, err := d.newDelegator(cwd, bus)
	if err != nil {
		return err
	}

	res, err := del.Delegate(cmd.Context(), req)
	if err != nil {
		return err
	}

	fmt.Printf("\nTask %s: %s\n", res.TaskID, res.Status)
	if res.ResultText != "" {
		fmt.Println(res.ResultText)
	}
	if res.Error != "" {
		fmt.Printf("Error: %s\n", res.Error)
	}
	if res.Status != taskstore.StatusCompleted {
		os.Exit(1)
	}
	return nil
}
