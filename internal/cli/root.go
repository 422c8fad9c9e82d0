// Package cli implements the workgraph command-line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rslattery/workgraph/internal/config"
	"github.com/rslattery/workgraph/internal/events"
	"github.com/rslattery/workgraph/internal/service"
)

var (
	cfgFile string
	rootDir string
	verbose bool
	jsonOut bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "workgraph",
	Short: "Dependency-aware work scheduling and status tracking",
	Long: `workgraph coordinates interdependent units of work grouped into plans and
phases. It computes the set of items eligible for execution, keeps a
lock-guarded status record safe under concurrent writers, and reconciles
recorded status against observable evidence.

Quick start:
  workgraph init -f plan.yaml     Seed the status record
  workgraph list                  Show the executable set
  workgraph dispatch              Run executable items via the worker command
  workgraph record P1/T1 success  Report an externally executed outcome
  workgraph reconcile --apply     Correct drift against deliverables`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .workgraph/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&rootDir, "dir", "C", ".", "project root directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newReconcileCmd())
	rootCmd.AddCommand(newRecordCmd())
	rootCmd.AddCommand(newDispatchCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig reads in config file and WORKGRAPH_* environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(filepath.Join(rootDir, config.Dir))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("WORKGRAPH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig resolves the effective configuration for a command.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(filepath.Join(rootDir, config.Dir))
	if err != nil {
		return nil, err
	}
	if v := viper.GetInt("dispatch.max_concurrent"); v > 0 {
		cfg.Dispatch.MaxConcurrent = v
	}
	if v := viper.GetString("store.backend"); v != "" {
		cfg.Store.Backend = config.Backend(v)
	}
	return cfg, cfg.Validate()
}

// openService builds the service for a command, with logging configured
// from the verbose flag.
func openService() (*service.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return service.Open(rootDir, cfg, events.NewMemoryPublisher(), logger)
}
