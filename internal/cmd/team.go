package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var teamCmd = &cobra.Command{
	Use:   "team",
	Short: "Manage teams and their durable state",
}

var teamListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known teams",
	RunE:  runTeamList,
}

var teardownForce bool

var teamTeardownCmd = &cobra.Command{
	Use:   "teardown <team>",
	Short: "Remove a team's metadata, tasks, and mailboxes",
	Long: `Teardown removes everything stored for a team. It refuses while any
task is still pending or running unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runTeamTeardown,
}

func init() {
	rootCmd.AddCommand(teamCmd)
	teamCmd.AddCommand(teamListCmd, teamTeardownCmd)

	teamTeardownCmd.Flags().BoolVar(&teardownForce, "force", false, "tear down even with live tasks")
}

func runTeamList(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.log.Close()

	teams, err := d.store.ListTeams()
	if err != nil {
		return err
	}
	if len(teams) == 0 {
		fmt.Println("No teams")
		return nil
	}
	for _, team := range teams {
		meta, err := d.store.ReadTeam(team)
		if err != nil || meta == nil {
			fmt.Println(team)
			continue
		}
		fmt.Printf("%s (%s)\n", meta.Name, strings.Join(meta.Agents, ", "))
	}
	return nil
}

func runTeamTeardown(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.log.Close()

	team := args[0]
	if err := d.store.Teardown(team, teardownForce); err != nil {
		return err
	}
	if err := d.mb.RemoveTeam(team); err != nil {
		return err
	}
	fmt.Printf("Team %s removed\n", team)
	return nil
}
