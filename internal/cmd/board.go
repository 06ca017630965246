package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aldersonek/crew/internal/board"
)

var boardTeam string

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Manage the shared task board",
	Long: `Board manages the per-team list of claimable work items. Writes use
optimistic concurrency: a stale version is rejected, never merged.`,
}

var (
	boardCreateBlockedBy []int
	boardCreateDesc      string
)

var boardCreateCmd = &cobra.Command{
	Use:   "create <subject>",
	Short: "Add a task to the board",
	Args:  cobra.ExactArgs(1),
	RunE:  runBoardCreate,
}

var (
	boardListStatus string
	boardListOwner  string
)

var boardListCmd = &cobra.Command{
	Use:   "list",
	Short: "List board tasks",
	RunE:  runBoardList,
}

var boardClaimOverride bool

var boardClaimCmd = &cobra.Command{
	Use:   "claim <id> <owner>",
	Short: "Claim a board task for an owner",
	Args:  cobra.ExactArgs(2),
	RunE:  runBoardClaim,
}

var (
	boardUpdateStatus  string
	boardUpdateResult  string
	boardUpdateVersion int
)

var boardUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a board task",
	Args:  cobra.ExactArgs(1),
	RunE:  runBoardUpdate,
}

func init() {
	rootCmd.AddCommand(boardCmd)
	boardCmd.AddCommand(boardCreateCmd, boardListCmd, boardClaimCmd, boardUpdateCmd)

	boardCmd.PersistentFlags().StringVar(&boardTeam, "team", "", "team name (required)")
	_ = boardCmd.MarkPersistentFlagRequired("team")

	boardCreateCmd.Flags().IntSliceVar(&boardCreateBlockedBy, "blocked-by", nil, "ids of tasks this one waits on")
	boardCreateCmd.Flags().StringVar(&boardCreateDesc, "description", "", "longer task description")

	boardListCmd.Flags().StringVar(&boardListStatus, "status", "", "filter by status (open, in_progress, completed, blocked)")
	boardListCmd.Flags().StringVar(&boardListOwner, "owner", "", "filter by owner")

	boardClaimCmd.Flags().BoolVar(&boardClaimOverride, "override", false, "take over a task owned by someone else")

	boardUpdateCmd.Flags().StringVar(&boardUpdateStatus, "status", "", "new status")
	boardUpdateCmd.Flags().StringVar(&boardUpdateResult, "result", "", "result text")
	boardUpdateCmd.Flags().IntVar(&boardUpdateVersion, "expect-version", 0, "reject the write unless the task is at this version")
}

func runBoardCreate(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.log.Close()

	task, err := board.New(d.store).Create(boardTeam, args[0], boardCreateDesc, boardCreateBlockedBy)
	if err != nil {
		return err
	}
	printBoardTask(*task)
	return nil
}

func runBoardList(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.log.Close()

	tasks, err := board.New(d.store).List(boardTeam, board.Filter{
		Status: board.Status(boardListStatus),
		Owner:  boardListOwner,
	})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks")
		return nil
	}
	for _, task := range tasks {
		printBoardTask(task)
	}
	return nil
}

func runBoardClaim(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.log.Close()

	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid task id %q", args[0])
	}

	task, err := board.New(d.store).Claim(boardTeam, id, args[1], boardClaimOverride)
	if err != nil {
		return err
	}
	printBoardTask(*task)
	return nil
}

func runBoardUpdate(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.log.Close()

	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid task id %q", args[0])
	}

	var patch board.Patch
	if boardUpdateStatus != "" {
		status := board.Status(boardUpdateStatus)
		patch.Status = &status
	}
	if boardUpdateResult != "" {
		patch.Result = &boardUpdateResult
	}

	var expect *int
	if cmd.Flags().Changed("expect-version") {
		expect = &boardUpdateVersion
	}

	task, err := board.New(d.store).Update(boardTeam, id, patch, expect)
	if err != nil {
		return err
	}
	printBoardTask(*task)
	return nil
}

func printBoardTask(t board.SharedTask) {
	fmt.Printf("#%d [%s] %s (v%d)\n", t.ID, t.Status, t.Subject, t.Version)
	if t.Owner != "" {
		fmt.Printf("    Owner: %s\n", t.Owner)
	}
	if len(t.BlockedBy) > 0 {
		ids := make([]string, len(t.BlockedBy))
		for i, id := range t.BlockedBy {
			ids[i] = strconv.Itoa(id)
		}
		fmt.Printf("    Blocked by: %s\n", strings.Join(ids, ", "))
	}
	if t.Result != "" {
		fmt.Printf("    Result: %s\n", t.Result)
	}
}
