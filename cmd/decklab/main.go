package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"decklab/internal/config"
	"decklab/internal/logging"
)

var (
	configPath string
	dataDir    string
	verbose    bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "decklab",
	Short: "decklab - DJ library control plane",
	Long: `decklab is the control plane for a DJ application: it schedules audio
analysis on the feature-extraction worker, receives progressive per-stage
results, fulfils stem separations through a content-addressed cache, and
talks to the playback engine over a persistent websocket.

Run "decklab serve" to start the service.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if err := logging.Initialize(cfg.DataDir, logging.Config{
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.JSONFormat,
			Categories: cfg.Logging.Categories,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to config file (default <data-dir>/decklab.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "",
		"override the data directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
