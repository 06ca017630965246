package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aldersonek/crew/internal/batch"
	"github.com/aldersonek/crew/internal/event"
)

var (
	batchTeam        string
	batchAgent       string
	batchConcurrency int
	batchFile        string
)

var batchCmd = &cobra.Command{
	Use:   "batch [prompt]...",
	Short: "Run many tasks under one team with bounded concurrency",
	Long: `Batch delegates every prompt as its own task under a single team,
running at most the configured number of workers at a time. Prompts come
from the arguments, or from a JSON file of items with --file.`,
	RunE: runBatch,
}

// batchFileItem is the JSON shape accepted by --file.
type batchFileItem struct {
	Agent       string `json:"agent"`
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
	Model       string `json:"model"`
	SafeMode    bool   `json:"safeMode"`
}

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().StringVar(&batchTeam, "team", "", "team name (required)")
	batchCmd.Flags().StringVar(&batchAgent, "agent", "worker", "agent name used for argument prompts")
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 0, "concurrency cap, clamped to [2, 20] (0 = config default)")
	batchCmd.Flags().StringVar(&batchFile, "file", "", "JSON file with an array of batch items")
	_ = batchCmd.MarkFlagRequired("team")
}

func runBatch(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.log.Close()

	items, err := batchItems(args)
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	bus := event.NewBus()
	bus.Subscribe("batch.item_finished", func(e event.Event) {
		if ie, ok := e.(event.BatchItemFinishedEvent); ok {
			fmt.Printf("  [%d] %s (%s)\n", ie.Index, ie.Status, ie.TaskID)
		}
	})

	del, err := d.newDelegator(cwd, nil)
	if err != nil {
		return err
	}
	runner, err := batch.NewRunner(del)
	if err != nil {
		return err
	}

	concurrency := batchConcurrency
	if concurrency == 0 {
		concurrency = d.cfg.Batch.DefaultConcurrency
	}

	summary, err := runner.Run(cmd.Context(), items, batch.Options{
		Concurrency: concurrency,
		Stagger:     d.cfg.Batch.Stagger(),
		Bus:         bus,
		Logger:      d.log,
	})
	if err != nil {
		return err
	}

	fmt.Printf("\nBatch %s: %d/%d succeeded (concurrency %d)\n",
		summary.BatchID, summary.Succeeded, summary.Total, summary.MaxConcurrency)
	for _, res := range summary.Results {
		if res.Error != "" {
			fmt.Printf("  [%d] %s: %s\n", res.Index, res.Status, res.Error)
		}
		if res.ReportPath != "" {
			fmt.Printf("  [%d] report: %s\n", res.Index, res.ReportPath)
		}
	}
	if summary.Failed > 0 {
		os.Exit(1)
	}
	return nil
}

// batchItems builds the item list from --file or the argument prompts.
func batchItems(args []string) ([]batch.Item, error) {
	if batchFile != "" {
		raw, err := os.ReadFile(batchFile)
		if err != nil {
			return nil, fmt.Errorf("read batch file: %w", err)
		}
		var fileItems []batchFileItem
		if err := json.Unmarshal(raw, &fileItems); err != nil {
			return nil, fmt.Errorf("parse batch file: %w", err)
		}
		items := make([]batch.Item, len(fileItems))
		for i, fi := range fileItems {
			agent := fi.Agent
			if agent == "" {
				agent = batchAgent
			}
			items[i] = batch.Item{
				TeamName:    batchTeam,
				AgentName:   agent,
				Description: fi.Description,
				Prompt:      fi.Prompt,
				Model:       fi.Model,
				SafeMode:    fi.SafeMode,
			}
		}
		return items, nil
	}

	items := make([]batch.Item, len(args))
	for i, prompt := range args {
		items[i] = batch.Item{
			TeamName:  batchTeam,
			AgentName: batchAgent,
			Prompt:    prompt,
		}
	}
	return items, nil
}
