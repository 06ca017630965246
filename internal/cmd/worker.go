package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aldersonek/crew/internal/engine"
	"github.com/aldersonek/crew/internal/taskstore"
	"github.com/aldersonek/crew/internal/worker"
)

var (
	workerRecordPath string
	workerWorkDir    string
	workerSafe       bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one task record to completion (worker process entry point)",
	Long: `Worker is the entry point executed inside a spawned teammate process.
It loads the task record, runs it through the execution engine, mirrors
progress into the record and its outbox, and finalizes the record. The
exit code is 0 on any recorded outcome and 130 when a signal triggered
the shutdown.`,
	Run: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().StringVar(&workerRecordPath, "record", "", "path to the task record file (required)")
	workerCmd.Flags().StringVar(&workerWorkDir, "workdir", "", "working directory for task execution")
	workerCmd.Flags().BoolVar(&workerSafe, "safe", false, "force safe mode regardless of the record's flag")
	_ = workerCmd.MarkFlagRequired("record")
}

func runWorker(cmd *cobra.Command, args []string) {
	d, err := buildDeps()
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker setup failed: %v\n", err)
		os.Exit(worker.ExitError)
	}

	// The flag only ever tightens the record's own safety setting.
	if workerSafe {
		if _, err := d.store.Update(workerRecordPath, func(r *taskstore.TaskRecord) error {
			r.SafeMode = true
			return nil
		}); err != nil {
			d.log.Warn("worker: apply safe flag", "error", err)
		}
	}

	w, err := worker.New(worker.Options{
		Store:         d.store,
		Mailbox:       d.mb,
		Engine:        engine.NewCommandEngine(),
		Logger:        d.log,
		WorkDir:       workerWorkDir,
		PollInterval:  d.cfg.Worker.InboxPollInterval(),
		HandleSignals: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker setup failed: %v\n", err)
		os.Exit(worker.ExitError)
	}

	code := w.Run(cmd.Context(), workerRecordPath)
	_ = d.log.Close()
	os.Exit(code)
}
