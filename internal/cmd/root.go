// Package cmd implements the crew command line interface.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aldersonek/crew/internal/config"
	"github.com/aldersonek/crew/internal/delegate"
	"github.com/aldersonek/crew/internal/event"
	"github.com/aldersonek/crew/internal/logging"
	"github.com/aldersonek/crew/internal/mailbox"
	"github.com/aldersonek/crew/internal/taskstore"
)

var rootCmd = &cobra.Command{
	Use:   "crew",
	Short: "File-coordinated multi-agent task delegation",
	Long: `Crew delegates units of work to teammate worker processes coordinated
entirely through the filesystem: durable per-agent mailboxes, crash-safe
task records, and a shared task board with optimistic concurrency.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/crew/config.yaml)")
	rootCmd.PersistentFlags().String("data-root", "", "durable state directory (default is $HOME/.crew)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("paths.data_root", rootCmd.PersistentFlags().Lookup("data-root"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/crew")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CREW")
	// Replace dots with underscores for nested keys in env vars
	// e.g., CREW_WORKER_INBOX_POLL_MS for worker.inbox_poll_ms
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// deps bundles the components every subcommand builds on.
type deps struct {
	cfg   *config.Config
	log   *logging.Logger
	store *taskstore.Store
	mb    *mailbox.Mailbox
}

// buildDeps loads config and constructs the store, mailbox, and logger
// rooted at the configured data directory.
func buildDeps() (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log, err := logging.New(cfg.Paths.DataRoot, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	return &deps{
		cfg:   cfg,
		log:   log,
		store: taskstore.NewStore(cfg.Paths.DataRoot),
		mb:    mailbox.New(cfg.Paths.DataRoot + "/mailbox"),
	}, nil
}

// newDelegator builds a process-backed Delegator from deps. The bus is
// optional and receives lifecycle events when set.
func (d *deps) newDelegator(workDir string, bus *event.Bus) (*delegate.Delegator, error) {
	return delegate.New(delegate.Options{
		Store:   d.store,
		Mailbox: d.mb,
		Backend: &delegate.ProcessBackend{
			Binary:  d.cfg.Worker.Binary,
			WorkDir: workDir,
			Logger:  d.log,
		},
		Bus:          bus,
		Logger:       d.log,
		PollInterval: d.cfg.Worker.RecordPollInterval(),
		KillGrace:    d.cfg.Worker.KillGrace(),
		ExitGrace:    d.cfg.Worker.ExitGrace(),
	})
}
