package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/mars/internal/config"
	"github.com/mtzanidakis/mars/internal/logging"
)

var version = "dev"

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "mars",
		Short: "Multi-agent reasoning with cross-verification",
		Long: `mars answers a query by letting several model agents solve it
independently, verify each other's work, improve rejected solutions and
agree on a final answer.`,
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mars %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $MARS_CONFIG or config/mars.yaml)")
	rootCmd.AddCommand(versionCmd, runCmd, serveCmd, runsCmd, showCmd, strategiesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setup loads the configuration and installs the process logger as the slog
// default.
func setup() (*config.Config, *logging.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}
	slog.SetDefault(log.Logger)
	return cfg, log, nil
}
