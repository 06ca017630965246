package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	waitTeam    string
	waitTimeout time.Duration
	waitOutput  string
)

var waitCmd = &cobra.Command{
	Use:   "wait [task-id]",
	Short: "Block until a task record is terminal",
	Long: `Wait blocks until the named task record reaches completed, failed, or
cancelled, then prints it. With --output it instead waits for an
out-of-band captured command's exit marker and prints its output.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWait,
}

func init() {
	rootCmd.AddCommand(waitCmd)

	waitCmd.Flags().StringVar(&waitTeam, "team", "", "team name")
	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", 10*time.Minute, "how long to wait before giving up")
	waitCmd.Flags().StringVar(&waitOutput, "output", "", "wait for a captured output file instead of a task")
}

func runWait(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.log.Close()

	del, err := d.newDelegator("", nil)
	if err != nil {
		return err
	}

	if waitOutput != "" {
		out, code, err := del.WaitForOutput(cmd.Context(), waitOutput, waitTimeout)
		if err != nil {
			return err
		}
		fmt.Print(out)
		if code != 0 {
			return fmt.Errorf("command exited with code %d", code)
		}
		return nil
	}

	if len(args) != 1 {
		return fmt.Errorf("a task id is required unless --output is given")
	}
	if waitTeam == "" {
		return fmt.Errorf("--team is required when waiting on a task")
	}

	record, err := del.WaitForRecord(cmd.Context(), waitTeam, args[0], waitTimeout)
	if err != nil {
		return err
	}
	printRecord(record)
	return nil
}
