package main

import (
	"fmt"
	"os"

	"github.com/rossigee/imageflow/internal/config"
	"github.com/rossigee/imageflow/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(creditsCmd)
	rootCmd.AddCommand(accountsCmd)
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config", "",
		`Path to a YAML config file. Defaults to imageflow.yaml in . or /etc/imageflow.`,
	)
}

var rootCmd = &cobra.Command{
	Use:           "imageflow",
	Short:         "Metered image pipeline executor",
	Long:          `Runs image transformation jobs and multi-step workflows against a credit ledger.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loadConfig reads and validates configuration and applies the log settings
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	if cfg.Log.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return cfg, nil
}

func openStore(cfg *config.Config) (*storage.Store, error) {
	store, err := storage.Open(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.DB.Driver, err)
	}
	return store, nil
}
